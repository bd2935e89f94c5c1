package process

import (
	"sync"
	"time"

	"github.com/bitk/bitk/internal/engine"
)

// State of a managed process.
type State string

const (
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
	StateExited      State = "exited"
)

// PendingInput is one queued follow-up prompt, FIFO ordered. LogID points at
// the persisted pending user-message so queued input survives a crash.
type PendingInput struct {
	LogID         int64
	Prompt        string
	DisplayPrompt string
	Model         string
	Metadata      map[string]interface{}
}

// Managed bundles everything the issue engine tracks for one live execution.
// It is a passive data object: all decisions live in the issue engine.
type Managed struct {
	ExecutionID string
	IssueID     string
	ProjectID   string
	EngineType  string
	WorkingDir  string
	StartedAt   time.Time

	proc engine.SpawnedProcess
	ring *EntryRing

	mu                sync.Mutex
	state             State
	turnIndex         int
	entryIndex        int
	turnInFlight      bool
	pendingInputs     []PendingInput
	cancelledByUser   bool
	metaTurn          bool
	logicalFailure    bool
	failureReason     string
	externalSessionID string
	model             string
	slashCommands     []string
}

// NewManaged wraps a freshly spawned process. turnIndex starts at the given
// value so restarts continue the per-issue ordering.
func NewManaged(executionID, issueID, projectID, engineType, workingDir string, proc engine.SpawnedProcess, firstTurn, maxLogEntries int) *Managed {
	return &Managed{
		ExecutionID: executionID,
		IssueID:     issueID,
		ProjectID:   projectID,
		EngineType:  engineType,
		WorkingDir:  workingDir,
		StartedAt:   time.Now().UTC(),
		proc:        proc,
		ring:        NewEntryRing(maxLogEntries),
		state:       StateStarting,
		turnIndex:   firstTurn,
	}
}

// Proc returns the subprocess handle.
func (m *Managed) Proc() engine.SpawnedProcess { return m.proc }

// Ring returns the in-memory entry ring.
func (m *Managed) Ring() *EntryRing { return m.ring }

// State returns the current lifecycle state.
func (m *Managed) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState moves the process to a new lifecycle state.
func (m *Managed) SetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// BeginTurn marks a turn in flight and returns its index. Entry numbering
// restarts at zero each turn.
func (m *Managed) BeginTurn() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turnIndex++
	m.entryIndex = 0
	m.turnInFlight = true
	return m.turnIndex
}

// EndTurn clears the in-flight flag.
func (m *Managed) EndTurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turnInFlight = false
}

// TurnInFlight reports whether a turn is currently running.
func (m *Managed) TurnInFlight() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turnInFlight
}

// CurrentTurn returns the index of the current (or last) turn.
func (m *Managed) CurrentTurn() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turnIndex
}

// NextEntry allocates the next (turnIndex, entryIndex) pair. Pairs are
// strictly increasing for the lifetime of the execution.
func (m *Managed) NextEntry() (turn, entry int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turn = m.turnIndex
	entry = m.entryIndex
	m.entryIndex++
	return turn, entry
}

// Append records an entry in the ring.
func (m *Managed) Append(entry *engine.Entry) {
	m.ring.Add(entry)
}

// EnqueuePending appends a follow-up input to the FIFO queue.
func (m *Managed) EnqueuePending(in PendingInput) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingInputs = append(m.pendingInputs, in)
}

// DrainPending removes and returns all queued inputs in FIFO order.
func (m *Managed) DrainPending() []PendingInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	drained := m.pendingInputs
	m.pendingInputs = nil
	return drained
}

// PendingCount returns the number of queued inputs.
func (m *Managed) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pendingInputs)
}

// MarkCancelled records an operator cancel. Residual abort noise from the
// subprocess is suppressed once this is set.
func (m *Managed) MarkCancelled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelledByUser = true
}

// CancelledByUser reports whether the operator cancelled this execution.
func (m *Managed) CancelledByUser() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelledByUser
}

// SetMetaTurn flags the current turn as system-initiated.
func (m *Managed) SetMetaTurn(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metaTurn = v
}

// MetaTurn reports whether the current turn is system-initiated.
func (m *Managed) MetaTurn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metaTurn
}

// MarkLogicalFailure records that the execution failed at the protocol level
// even though the subprocess may exit zero.
func (m *Managed) MarkLogicalFailure(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logicalFailure = true
	if m.failureReason == "" {
		m.failureReason = reason
	}
}

// LogicalFailure returns the failure flag and its first recorded reason.
func (m *Managed) LogicalFailure() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logicalFailure, m.failureReason
}

// SetExternalSessionID records the engine-side session handle used for
// follow-up continuity.
func (m *Managed) SetExternalSessionID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.externalSessionID = id
}

// ExternalSessionID returns the engine-side session handle, if learned.
func (m *Managed) ExternalSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.externalSessionID
}

// SetModel records the model in effect for the current turn.
func (m *Managed) SetModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = model
}

// Model returns the model in effect, empty for the engine default.
func (m *Managed) Model() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

// SetSlashCommands records the commands the engine announced at startup.
func (m *Managed) SetSlashCommands(cmds []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slashCommands = cmds
}

// SlashCommands returns the commands the engine announced, if any.
func (m *Managed) SlashCommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slashCommands
}
