package issue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bitk/bitk/internal/common/logger"
	"github.com/bitk/bitk/internal/engine"
	"github.com/bitk/bitk/internal/engine/process"
	"github.com/bitk/bitk/internal/engine/stream"
	"github.com/bitk/bitk/internal/issue/models"
	v1 "github.com/bitk/bitk/pkg/api/v1"
)

// cancelNoise lists residual error fragments a cancelled subprocess tends to
// emit. Entries matching any of them are dropped after a user cancel.
var cancelNoise = []string{
	"request was aborted",
	"request interrupted by user",
	"rust analyzer lsp crashed",
	"rust-analyzer-lsp",
}

// sessionLossMarkers identify failure reasons that mean the engine lost the
// conversation; the stored external session id is cleared so the next
// follow-up starts a fresh session.
var sessionLossMarkers = []string{
	"no conversation found",
	"session",
}

// runner drives one execution: it owns the stream consumers and the exit
// supervisor, and applies the turn-completion and settlement rules.
type runner struct {
	svc     *Service
	m       *process.Managed
	adapter engine.Adapter
	log     *logger.Logger

	streams sync.WaitGroup

	mu            sync.Mutex
	assistantSeen bool            // assistant output observed this turn
	titleBuf      strings.Builder // assistant text of the auto-title meta turn
	wantAutoTitle bool            // spawn a title meta execution after exit
}

func newRunner(s *Service, m *process.Managed, adapter engine.Adapter) *runner {
	return &runner{
		svc:     s,
		m:       m,
		adapter: adapter,
		log: s.log.WithIssueID(m.IssueID).
			WithExecutionID(m.ExecutionID).
			WithEngine(m.EngineType),
	}
}

// start launches the stdout consumer, the stderr consumer, and the exit
// supervisor. One goroutine per stream, one for the exit future.
func (r *runner) start() {
	ctx := context.Background()
	proc := r.m.Proc()

	r.streams.Add(2)
	r.svc.wg.Add(3)

	go func() {
		defer r.svc.wg.Done()
		defer r.streams.Done()
		err := stream.Consume(ctx, proc.Stdout(), r.adapter.NormalizeLogLine, r.handleEntry)
		if err != nil {
			r.log.Warn("stdout consumer ended with error", zap.Error(err))
		}
	}()

	go func() {
		defer r.svc.wg.Done()
		defer r.streams.Done()
		err := stream.ConsumeStderr(ctx, proc.Stderr(), r.handleStderrEntry)
		if err != nil {
			r.log.Warn("stderr consumer ended with error", zap.Error(err))
		}
	}()

	go func() {
		defer r.svc.wg.Done()
		r.superviseExit()
	}()
}

// handleStderrEntry pushes a stderr line into the ring and the durable log.
// Stderr lines never complete turns.
func (r *runner) handleStderrEntry(entry *engine.Entry) {
	r.persistEntry(entry)
}

// handleEntry is the single consumer of normalized stdout entries. It tags,
// suppresses, persists, publishes, and finally checks for turn completion.
func (r *runner) handleEntry(entry *engine.Entry) {
	if entry == nil {
		return
	}

	r.absorbSessionMetadata(entry)

	if r.suppressed(entry) {
		if entry.IsTurnCompletion() {
			r.m.MarkLogicalFailure("execution cancelled by user")
			r.onTurnComplete()
		}
		return
	}

	if entry.Metadata.HasResultSubtype() && entry.Metadata.ResultSubtype() != "success" {
		r.m.MarkLogicalFailure(entry.Content)
	}

	if entry.EntryType == engine.EntryAssistantMessage {
		r.mu.Lock()
		r.assistantSeen = true
		if r.m.MetaTurn() {
			r.titleBuf.WriteString(entry.Content)
		}
		r.mu.Unlock()
	}

	r.persistEntry(entry)

	if entry.IsTurnCompletion() {
		r.onTurnComplete()
	}
}

// absorbSessionMetadata learns the external session id and announced slash
// commands from init entries.
func (r *runner) absorbSessionMetadata(entry *engine.Entry) {
	if entry.Metadata == nil {
		return
	}
	if sessionID := entry.Metadata.SessionID(); sessionID != "" && sessionID != r.m.ExternalSessionID() {
		r.m.SetExternalSessionID(sessionID)
		if err := r.svc.repo.SetExternalSessionID(context.Background(), r.m.IssueID, sessionID); err != nil {
			r.log.Warn("Failed to store external session id", zap.Error(err))
		}
	}
	if raw, ok := entry.Metadata[engine.MetaSlashCommands]; ok {
		if cmds := toStringSlice(raw); len(cmds) > 0 {
			r.m.SetSlashCommands(cmds)
			r.svc.storeSlashCommands(context.Background(), r.m.WorkingDir, cmds)
		}
	}
}

// suppressed reports whether the entry is post-cancel abort noise.
func (r *runner) suppressed(entry *engine.Entry) bool {
	if !r.m.CancelledByUser() {
		return false
	}
	if entry.Metadata.ResultSubtype() != "error_during_execution" {
		return false
	}
	text := strings.ToLower(entry.Content + " " + entry.Metadata.ErrorText())
	for _, noise := range cancelNoise {
		if strings.Contains(text, noise) {
			return true
		}
	}
	return false
}

// persistEntry timestamps and tags the entry, allocates its (turn, entry)
// pair, appends it to the ring and the durable store, and publishes it.
func (r *runner) persistEntry(entry *engine.Entry) {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if r.m.MetaTurn() {
		if entry.Metadata == nil {
			entry.Metadata = engine.Metadata{}
		}
		entry.Metadata[engine.MetaType] = engine.MetaTypeSystem
	}

	turn, index := r.m.NextEntry()
	r.m.Append(entry)

	row := models.LogFromEntry(r.m.IssueID, turn, index, entry)
	if err := r.svc.repo.AppendLog(context.Background(), row); err != nil {
		r.log.Error("Failed to persist log entry", zap.Error(err))
		return
	}
	r.svc.publishLog(r.m.IssueID, r.m.ExecutionID, row)
}

// onTurnComplete applies the turn-completion rule: queued input merges into
// one prompt and keeps the process running; otherwise the turn settles.
func (r *runner) onTurnComplete() {
	if r.m.MetaTurn() {
		r.finishTitleTurn()
		return
	}

	if r.m.PendingCount() > 0 {
		if r.dispatchQueuedInputs() {
			return
		}
	}

	r.m.EndTurn()
	r.settle()
}

// dispatchQueuedInputs merges the in-memory pending queue and sends it to
// the running process. Only engines with an open session can take input;
// for the rest the durable pending rows are flushed after exit.
func (r *runner) dispatchQueuedInputs() bool {
	sender, ok := r.m.Proc().(engine.InputSender)
	if !ok {
		return false
	}

	inputs := r.m.DrainPending()
	if len(inputs) == 0 {
		return false
	}
	prompt, model, logIDs := mergePrompts(inputs)
	if model != "" {
		r.m.SetModel(model)
	}

	r.m.BeginTurn()
	r.mu.Lock()
	r.assistantSeen = false
	r.mu.Unlock()

	if err := sender.SendInput(context.Background(), prompt); err != nil {
		r.log.Error("Failed to send queued input", zap.Error(err))
		r.m.MarkLogicalFailure("failed to send queued input: " + err.Error())
		r.m.EndTurn()
		r.settle()
		return true
	}
	if err := r.svc.repo.MarkPendingDispatched(context.Background(), logIDs); err != nil {
		r.log.Error("Failed to mark pending dispatched", zap.Error(err))
	}
	r.log.Info("Dispatched queued input", zap.Int("messages", len(inputs)))
	return true
}

// settle runs the deterministic post-turn cleanup. The sequence follows the
// settlement rule: terminal state first, durable pending next, then the
// reactivation check decides whether the issue auto-moves and settles.
func (r *runner) settle() {
	ctx := context.Background()
	failed, reason := r.m.LogicalFailure()

	finalStatus := v1.SessionStatusCompleted
	if failed {
		finalStatus = v1.SessionStatusFailed
	}

	if err := r.svc.repo.UpdateSessionStatus(ctx, r.m.IssueID, finalStatus); err != nil {
		r.log.Error("Failed to store terminal session status", zap.Error(err))
	}
	r.svc.publishState(r.m.IssueID, r.m.ExecutionID, finalStatus)

	r.recoverLostSession(ctx, failed, reason)

	// Durable pending messages reactivate the session instead of settling.
	if r.dispatchDurablePending(ctx) {
		return
	}

	// A follow-up may have reactivated the issue while we were settling.
	current, err := r.svc.repo.GetSessionStatus(ctx, r.m.IssueID)
	if err == nil && current != finalStatus {
		r.log.Info("Settlement skipped, session reactivated",
			zap.String("current", string(current)))
		return
	}

	issue, err := r.svc.repo.GetIssue(ctx, r.m.IssueID)
	if err != nil {
		r.log.Error("Failed to load issue during settlement", zap.Error(err))
		return
	}
	if issue.Status == v1.IssueStatusWorking {
		if moved, err := r.svc.repo.MoveIssueStatus(ctx, issue.ID, v1.IssueStatusReview); err != nil {
			r.log.Error("Failed to auto-move issue to review", zap.Error(err))
		} else {
			issue = moved
			r.svc.publishIssueUpdated(issue, false)
		}
	}

	r.svc.publishSettled(r.m.IssueID, r.m.ExecutionID, finalStatus)

	go r.svc.publishChangesSummary(issue, r.m.WorkingDir)

	if finalStatus == v1.SessionStatusCompleted && !r.m.CancelledByUser() && issue.Title == placeholderTitle {
		r.startTitleTurn()
	}
}

// recoverLostSession clears the stored external session id when the engine
// reported a lost conversation and produced no assistant output.
func (r *runner) recoverLostSession(ctx context.Context, failed bool, reason string) {
	if !failed {
		return
	}
	r.mu.Lock()
	sawAssistant := r.assistantSeen
	r.mu.Unlock()
	if sawAssistant {
		return
	}
	lower := strings.ToLower(reason)
	for _, marker := range sessionLossMarkers {
		if strings.Contains(lower, marker) {
			r.log.Info("Clearing external session id after session loss",
				zap.String("reason", reason))
			if err := r.svc.repo.SetExternalSessionID(ctx, r.m.IssueID, ""); err != nil {
				r.log.Error("Failed to clear external session id", zap.Error(err))
			}
			return
		}
	}
}

// dispatchDurablePending merges durable pending messages into one follow-up
// prompt and sends it to the open session. Returns true when the session was
// reactivated. Engines without an open session flush after exit instead.
func (r *runner) dispatchDurablePending(ctx context.Context) bool {
	if r.m.CancelledByUser() {
		return false
	}
	sender, ok := r.m.Proc().(engine.InputSender)
	if !ok {
		return false
	}
	pending, err := r.svc.repo.ListPendingLogs(ctx, r.m.IssueID)
	if err != nil {
		r.log.Error("Failed to list pending messages", zap.Error(err))
		return false
	}
	if len(pending) == 0 {
		return false
	}

	// Drop in-memory duplicates of the rows we are about to dispatch.
	r.m.DrainPending()

	parts := make([]string, 0, len(pending))
	ids := make([]int64, 0, len(pending))
	model := ""
	for _, row := range pending {
		parts = append(parts, row.Content)
		ids = append(ids, row.ID)
		if m, ok := row.Metadata[engine.MetaModel].(string); ok && m != "" {
			model = m
		}
	}
	if model != "" {
		r.m.SetModel(model)
	}

	r.m.BeginTurn()
	r.mu.Lock()
	r.assistantSeen = false
	r.mu.Unlock()

	if err := sender.SendInput(ctx, strings.Join(parts, "\n\n")); err != nil {
		r.log.Error("Failed to dispatch pending messages", zap.Error(err))
		r.m.EndTurn()
		return false
	}
	if err := r.svc.repo.MarkPendingDispatched(ctx, ids); err != nil {
		r.log.Error("Failed to mark pending dispatched", zap.Error(err))
	}
	if err := r.svc.repo.UpdateSessionStatus(ctx, r.m.IssueID, v1.SessionStatusRunning); err != nil {
		r.log.Error("Failed to mark session running", zap.Error(err))
	}
	r.svc.publishState(r.m.IssueID, r.m.ExecutionID, v1.SessionStatusRunning)
	r.log.Info("Dispatched durable pending messages", zap.Int("messages", len(pending)))
	return true
}

// superviseExit waits for the subprocess to end, grants the streams a grace
// period for late I/O, settles an unfinished turn, and cleans up. Cleanup of
// the in-memory entry runs exactly once because the exit future resolves
// exactly once.
func (r *runner) superviseExit() {
	proc := r.m.Proc()
	<-proc.Exited()

	streamsDone := make(chan struct{})
	go func() {
		r.streams.Wait()
		close(streamsDone)
	}()
	select {
	case <-streamsDone:
	case <-time.After(exitGracePeriod):
		r.log.Warn("Stream consumers still draining after exit grace period")
	}

	r.m.SetState(process.StateExited)

	if r.m.TurnInFlight() && r.m.MetaTurn() {
		// A meta execution that died mid-turn never settles; the issue
		// already holds its real terminal status.
		r.m.EndTurn()
		r.m.SetMetaTurn(false)
		_ = r.svc.repo.UpdateSessionStatus(context.Background(), r.m.IssueID, v1.SessionStatusCompleted)
	} else if r.m.TurnInFlight() {
		result := proc.ExitResult()
		switch {
		case r.m.CancelledByUser():
			r.m.MarkLogicalFailure("execution cancelled by user")
		case result.Err != nil:
			r.m.MarkLogicalFailure("process exited: " + result.Err.Error())
		case result.Code != 0:
			r.m.MarkLogicalFailure("process exited with code " + strconv.Itoa(result.Code))
		default:
			r.m.MarkLogicalFailure("process exited before completing the turn")
		}
		r.m.EndTurn()
		r.settle()
	}

	r.svc.table.Remove(r.m.ExecutionID)
	r.svc.sem.Release(1)
	r.log.Info("Execution cleaned up", zap.Int("exit_code", proc.ExitResult().Code))

	// Post-cleanup actions take the issue lock themselves; the slot is free.
	r.autoFlushPending()
	r.spawnTitleExecution()
}

// autoFlushPending dispatches durable pending messages left behind by an
// exited process as a fresh follow-up execution.
func (r *runner) autoFlushPending() {
	if r.m.CancelledByUser() || r.m.MetaTurn() {
		return
	}
	ctx := context.Background()

	mu := r.svc.lockFor(r.m.IssueID)
	mu.Lock()
	defer mu.Unlock()

	if _, live := r.svc.table.ByIssue(r.m.IssueID); live {
		return
	}
	pending, err := r.svc.repo.ListPendingLogs(ctx, r.m.IssueID)
	if err != nil || len(pending) == 0 {
		return
	}
	issue, err := r.svc.repo.GetIssue(ctx, r.m.IssueID)
	if err != nil {
		return
	}
	if issue.Status == v1.IssueStatusTodo || issue.Status == v1.IssueStatusDone {
		return
	}

	parts := make([]string, 0, len(pending))
	ids := make([]int64, 0, len(pending))
	model := issue.Model
	for _, row := range pending {
		parts = append(parts, row.Content)
		ids = append(ids, row.ID)
		if m, ok := row.Metadata[engine.MetaModel].(string); ok && m != "" {
			model = m
		}
	}

	if _, err := r.svc.followUpFresh(ctx, issue, FollowUpOptions{
		Prompt: strings.Join(parts, "\n\n"),
		Model:  model,
	}); err != nil {
		r.log.Error("Failed to auto-flush pending messages", zap.Error(err))
		return
	}
	if err := r.svc.repo.MarkPendingDispatched(ctx, ids); err != nil {
		r.log.Error("Failed to mark pending dispatched", zap.Error(err))
	}
	r.log.Info("Auto-flushed pending messages after exit", zap.Int("messages", len(pending)))
}

func toStringSlice(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		if err := json.Unmarshal([]byte(v), &out); err == nil {
			return out
		}
		return nil
	default:
		return nil
	}
}
