package v1

// Log entry types
const (
	EntryUserMessage      = "user-message"
	EntryAssistantMessage = "assistant-message"
	EntryToolUse          = "tool-use"
	EntrySystemMessage    = "system-message"
	EntryErrorMessage     = "error-message"
	EntryThinking         = "thinking"
	EntryLoading          = "loading"
	EntryTokenUsage       = "token-usage"
)

// ToolAction describes what a tool invocation did. Fields beyond Kind are
// populated per kind: path for file-read/file-edit, command for command-run,
// query for search, url for web-fetch, toolName for tool.
type ToolAction struct {
	Kind        string `json:"kind"`
	Path        string `json:"path,omitempty"`
	Command     string `json:"command,omitempty"`
	Query       string `json:"query,omitempty"`
	URL         string `json:"url,omitempty"`
	ToolName    string `json:"toolName,omitempty"`
	Description string `json:"description,omitempty"`
}

// LogEntry is one normalized log entry on the wire
type LogEntry struct {
	ID               int64                  `json:"id"`
	IssueID          string                 `json:"issueId"`
	TurnIndex        int                    `json:"turnIndex"`
	EntryIndex       int                    `json:"entryIndex"`
	EntryType        string                 `json:"entryType"`
	Content          string                 `json:"content"`
	Timestamp        string                 `json:"timestamp,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	ToolAction       *ToolAction            `json:"toolAction,omitempty"`
	MessageID        string                 `json:"messageId,omitempty"`
	ReplyToMessageID string                 `json:"replyToMessageId,omitempty"`
	Visible          bool                   `json:"visible"`
}

// LogPage is one page of a paginated log read
type LogPage struct {
	Entries    []*LogEntry `json:"entries"`
	NextCursor *int64      `json:"nextCursor,omitempty"`
	HasMore    bool        `json:"hasMore"`
}
