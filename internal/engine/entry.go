// Package engine defines the uniform surface over the external AI CLI tools:
// adapters, spawned process handles, normalized log entries, availability
// probes, and the helpers shared by all engine types.
package engine

// EntryType classifies a normalized log entry.
type EntryType string

const (
	EntryUserMessage      EntryType = "user-message"
	EntryAssistantMessage EntryType = "assistant-message"
	EntryToolUse          EntryType = "tool-use"
	EntrySystemMessage    EntryType = "system-message"
	EntryErrorMessage     EntryType = "error-message"
	EntryThinking         EntryType = "thinking"
	EntryLoading          EntryType = "loading"
	EntryTokenUsage       EntryType = "token-usage"
)

// ToolActionKind classifies what a tool invocation did.
type ToolActionKind string

const (
	ToolActionFileRead   ToolActionKind = "file-read"
	ToolActionFileEdit   ToolActionKind = "file-edit"
	ToolActionCommandRun ToolActionKind = "command-run"
	ToolActionSearch     ToolActionKind = "search"
	ToolActionWebFetch   ToolActionKind = "web-fetch"
	ToolActionTool       ToolActionKind = "tool"
	ToolActionOther      ToolActionKind = "other"
)

// ToolAction describes a tool invocation attached to a tool-use entry.
// Fields beyond Kind are populated per kind.
type ToolAction struct {
	Kind        ToolActionKind `json:"kind"`
	Path        string         `json:"path,omitempty"`
	Command     string         `json:"command,omitempty"`
	Query       string         `json:"query,omitempty"`
	URL         string         `json:"url,omitempty"`
	ToolName    string         `json:"toolName,omitempty"`
	Description string         `json:"description,omitempty"`
}

// Metadata is the opaque key/value bag attached to entries. It is serialized
// as JSON at the persistence boundary; typed accessors cover the keys with
// in-process contracts.
type Metadata map[string]interface{}

// Metadata keys with in-process contracts.
const (
	MetaTurnCompleted = "turnCompleted"
	MetaResultSubtype = "resultSubtype"
	MetaDuration      = "duration"
	MetaType          = "type"
	MetaSessionID     = "sessionId"
	MetaModel         = "model"
	MetaPendingID     = "pendingId"
	MetaError         = "error"
	MetaSlashCommands = "slashCommands"
)

// Metadata type values.
const (
	MetaTypePending = "pending"
	MetaTypeSystem  = "system"
)

// TurnCompleted reports whether the entry explicitly marks its turn complete.
func (m Metadata) TurnCompleted() bool {
	v, ok := m[MetaTurnCompleted].(bool)
	return ok && v
}

// ResultSubtype returns the engine-reported result subtype, if any.
func (m Metadata) ResultSubtype() string {
	v, _ := m[MetaResultSubtype].(string)
	return v
}

// HasResultSubtype reports whether a result subtype is present.
func (m Metadata) HasResultSubtype() bool {
	_, ok := m[MetaResultSubtype]
	return ok
}

// HasDuration reports whether the entry carries a duration.
func (m Metadata) HasDuration() bool {
	_, ok := m[MetaDuration]
	return ok
}

// Type returns the metadata type marker ("pending", "system", ...).
func (m Metadata) Type() string {
	v, _ := m[MetaType].(string)
	return v
}

// SessionID returns the external session id announced by the engine, if any.
func (m Metadata) SessionID() string {
	v, _ := m[MetaSessionID].(string)
	return v
}

// ErrorText returns the error text attached to the entry, if any.
func (m Metadata) ErrorText() string {
	v, _ := m[MetaError].(string)
	return v
}

// Entry is one normalized log entry produced from a raw engine output line.
type Entry struct {
	EntryType  EntryType   `json:"entryType"`
	Content    string      `json:"content"`
	Timestamp  string      `json:"timestamp,omitempty"` // ISO-8601
	Metadata   Metadata    `json:"metadata,omitempty"`
	ToolAction *ToolAction `json:"toolAction,omitempty"`
}

// IsTurnCompletion reports whether the entry carries a turn-completion
// signal: an explicit turnCompleted marker, a result subtype, or a
// system message with a duration.
func (e *Entry) IsTurnCompletion() bool {
	if e == nil || e.Metadata == nil {
		return false
	}
	if e.Metadata.TurnCompleted() || e.Metadata.HasResultSubtype() {
		return true
	}
	return e.EntryType == EntrySystemMessage && e.Metadata.HasDuration()
}

// SystemMessage builds the fallback entry for an unrecognized non-empty line.
func SystemMessage(raw string) *Entry {
	return &Entry{EntryType: EntrySystemMessage, Content: raw}
}

// ErrorEntry builds an error-message entry with the given content.
func ErrorEntry(content string) *Entry {
	return &Entry{EntryType: EntryErrorMessage, Content: content}
}
