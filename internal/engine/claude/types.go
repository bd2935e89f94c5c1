// Package claude adapts the Claude Code CLI's stream-json output.
package claude

import "encoding/json"

// Message types on the CLI's stdout stream.
const (
	messageTypeSystem      = "system"
	messageTypeAssistant   = "assistant"
	messageTypeUser        = "user"
	messageTypeResult      = "result"
	messageTypeStreamEvent = "stream_event"

	messageTypeControlRequest  = "control_request"
	messageTypeControlResponse = "control_response"

	subtypeInit = "init"
)

// Tool names the CLI reports in tool_use blocks.
const (
	toolBash         = "Bash"
	toolRead         = "Read"
	toolWrite        = "Write"
	toolEdit         = "Edit"
	toolNotebookEdit = "NotebookEdit"
	toolGlob         = "Glob"
	toolGrep         = "Grep"
	toolWebFetch     = "WebFetch"
	toolWebSearch    = "WebSearch"
	toolTask         = "Task"
)

// cliMessage is one stdout line. The type field decides which of the rest is
// populated.
type cliMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init fields
	SessionID     string   `json:"session_id,omitempty"`
	Model         string   `json:"model,omitempty"`
	SlashCommands []string `json:"slash_commands,omitempty"`

	// assistant and user messages
	Message *chatMessage `json:"message,omitempty"`

	// result fields; Result is a string for errors, an object otherwise
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	Usage      *usage          `json:"usage,omitempty"`
}

// chatMessage carries the content blocks of an assistant or user message.
type chatMessage struct {
	Role    string         `json:"role"`
	Model   string         `json:"model,omitempty"`
	Content []contentBlock `json:"content,omitempty"`
}

// contentBlock is one block inside a chat message.
type contentBlock struct {
	Type string `json:"type"`

	// text and thinking blocks
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// usage is the token accounting attached to result messages.
type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// resultText returns the result payload when it is a plain string.
func (m *cliMessage) resultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// textContent flattens a tool_result content payload, which the CLI emits
// either as a string or as a list of text blocks.
func (b *contentBlock) textContent() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		out := ""
		for _, blk := range blocks {
			if blk.Type == "text" && blk.Text != "" {
				if out != "" {
					out += "\n"
				}
				out += blk.Text
			}
		}
		return out
	}
	return ""
}
