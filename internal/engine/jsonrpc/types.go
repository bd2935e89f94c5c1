// Package jsonrpc implements JSON-lines RPC over stdio for engines that
// speak a request/response protocol instead of a plain log stream.
package jsonrpc

import "encoding/json"

// Request is an outbound call. The id is assigned by this side.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification is an outbound message with no id and no response.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an inbound reply. The id is kept raw so replies to engine
// originated requests can be echoed back verbatim.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Methods spoken by stdio engines.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized"

	MethodSessionNew    = "session/new"
	MethodSessionLoad   = "session/load"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"

	NotificationSessionUpdate = "session/update"

	MethodRequestPermission = "session/request_permission"
)

// InitializeParams for the initialize call.
type InitializeParams struct {
	ProtocolVersion int          `json:"protocolVersion"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
	Capabilities    Capabilities `json:"capabilities,omitempty"`
}

// ClientInfo identifies this side of the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities declared during initialize.
type Capabilities struct {
	Streaming bool `json:"streaming,omitempty"`
}

// SessionNewParams for session/new.
type SessionNewParams struct {
	Cwd        string        `json:"cwd"`
	McpServers []interface{} `json:"mcpServers"`
}

// SessionNewResult from session/new.
type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// SessionLoadParams for session/load.
type SessionLoadParams struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is one element of a prompt.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// SessionPromptParams for session/prompt.
type SessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// SessionPromptResult from session/prompt, reported when the turn ends.
type SessionPromptResult struct {
	StopReason string `json:"stopReason,omitempty"`
}

// SessionCancelParams for the session/cancel notification.
type SessionCancelParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SessionUpdate is the session/update notification payload.
type SessionUpdate struct {
	Type string          `json:"type"` // content, thinking, toolCall, error, complete, input_requested
	Data json.RawMessage `json:"data,omitempty"`
}

// SessionUpdateContent for type="content".
type SessionUpdateContent struct {
	Text string `json:"text"`
}

// SessionUpdateThinking for type="thinking".
type SessionUpdateThinking struct {
	Text string `json:"text"`
}

// SessionUpdateToolCall for type="toolCall".
type SessionUpdateToolCall struct {
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args,omitempty"`
	Status   string          `json:"status"` // pending, running, complete, error
	Result   string          `json:"result,omitempty"`
}

// SessionUpdateError for type="error".
type SessionUpdateError struct {
	Message string `json:"message"`
}

// SessionUpdateComplete for type="complete".
type SessionUpdateComplete struct {
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
}

// SessionUpdateInputRequested for type="input_requested".
type SessionUpdateInputRequested struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// PermissionOption is one selectable answer to a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// RequestPermissionParams carried by engine originated permission requests.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	Options   []PermissionOption `json:"options"`
}

// RequestPermissionResult answers a permission request.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome is the selected answer.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}
