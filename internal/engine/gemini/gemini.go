// Package gemini implements the Gemini CLI adapter. The CLI speaks JSON-RPC
// over stdio; the adapter drives the session and re-frames its notifications
// as a line stream so downstream consumption matches the plain-stdout
// engines.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/common/logger"
	"github.com/bitk/bitk/internal/engine"
	"github.com/bitk/bitk/internal/engine/jsonrpc"
	"github.com/bitk/bitk/internal/engine/process"
)

const binaryName = "gemini"

// Update types synthesized by this adapter onto the re-framed stream. The
// engine never sends them; they carry session identity and the prompt
// call's outcome.
const (
	updateSession = "session"
	updateResult  = "result"
)

type sessionData struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model,omitempty"`
}

type resultData struct {
	StopReason string `json:"stopReason,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

var _ engine.Adapter = (*Adapter)(nil)

// Adapter drives the Gemini CLI in its stdio RPC mode. Each spawn starts a
// subprocess, runs the handshake, opens or resumes a session and fires the
// first prompt; later turns reuse the open session.
type Adapter struct {
	log *logger.Logger
}

func New(log *logger.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Type() string { return engine.TypeGemini }

// Availability checks the binary, runs --version under its timeout and
// infers auth from credential env vars or the CLI's OAuth files.
func (a *Adapter) Availability(ctx context.Context) engine.Availability {
	if _, ok := engine.LookPath(binaryName); !ok {
		return engine.Availability{
			Installed:  false,
			Executable: false,
			AuthStatus: engine.AuthUnknown,
			Error:      "gemini CLI not found in PATH",
		}
	}

	avail := engine.Availability{Installed: true, AuthStatus: a.authStatus()}

	version, err := engine.RunVersion(ctx, binaryName, "--version")
	if err != nil {
		avail.Executable = false
		if errors.Is(err, context.DeadlineExceeded) {
			avail.Error = "timeout"
		} else {
			avail.Error = fmt.Sprintf("version probe failed: %v", err)
		}
		return avail
	}

	avail.Executable = true
	avail.Version = version
	return avail
}

func (a *Adapter) authStatus() engine.AuthStatus {
	if status := engine.AuthFromEnv("GEMINI_API_KEY", "GOOGLE_API_KEY"); status == engine.AuthAuthenticated {
		return status
	}
	if engine.FileExists("~/.gemini/oauth_creds.json", "~/.gemini/installation_id") {
		return engine.AuthAuthenticated
	}
	return engine.AuthUnknown
}

func (a *Adapter) Models(ctx context.Context) []engine.Model {
	return []engine.Model{
		{ID: "gemini-3-flash-preview", Name: "3 Flash", IsDefault: true},
		{ID: "gemini-3-pro-preview", Name: "3 Pro"},
	}
}

// Spawn starts a subprocess with a fresh session.
func (a *Adapter) Spawn(ctx context.Context, opts engine.SpawnOptions, env []string) (engine.SpawnedProcess, error) {
	return a.spawn(opts, env, false)
}

// SpawnFollowUp starts a subprocess resuming the session recorded in
// opts.ExternalSessionID; with no recorded id it opens a fresh one.
func (a *Adapter) SpawnFollowUp(ctx context.Context, opts engine.SpawnOptions, env []string) (engine.SpawnedProcess, error) {
	return a.spawn(opts, env, opts.ExternalSessionID != "")
}

func (a *Adapter) spawn(opts engine.SpawnOptions, env []string, resume bool) (engine.SpawnedProcess, error) {
	argv := []string{binaryName, "--experimental-acp"}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.PermissionMode == engine.PermissionAuto || opts.PermissionMode == engine.PermissionBypass {
		argv = append(argv, "--yolo", "--allowed-tools", "run_shell_command")
	}

	proc, err := process.Start(process.SpawnSpec{
		Argv:  argv,
		Dir:   opts.WorkingDir,
		Env:   env,
		Stdin: true,
	})
	if err != nil {
		return nil, apperrors.SpawnFailed(engine.TypeGemini, err)
	}

	p, err := startProcess(proc, opts, resume, a.log)
	if err != nil {
		_ = proc.Kill(os.Kill)
		return nil, err
	}
	return p, nil
}

// NormalizeLogLine maps one re-framed stream line to at most one entry.
// Lines are session/update notifications, verbatim from the engine or
// synthesized by the session supervisor; anything else non-empty falls
// back to a system message.
func (a *Adapter) NormalizeLogLine(raw string) *engine.Entry {
	line := strings.TrimSpace(raw)
	if line == "" {
		return nil
	}

	var msg struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Method == "" {
		return engine.SystemMessage(line)
	}
	if msg.Method != jsonrpc.NotificationSessionUpdate {
		return nil
	}

	var update jsonrpc.SessionUpdate
	if err := json.Unmarshal(msg.Params, &update); err != nil {
		return engine.SystemMessage(line)
	}

	switch update.Type {
	case "content":
		var data jsonrpc.SessionUpdateContent
		if err := json.Unmarshal(update.Data, &data); err != nil || data.Text == "" {
			return nil
		}
		return &engine.Entry{EntryType: engine.EntryAssistantMessage, Content: data.Text}

	case "thinking":
		var data jsonrpc.SessionUpdateThinking
		if err := json.Unmarshal(update.Data, &data); err != nil || data.Text == "" {
			return nil
		}
		return &engine.Entry{EntryType: engine.EntryThinking, Content: data.Text}

	case "toolCall":
		var data jsonrpc.SessionUpdateToolCall
		if err := json.Unmarshal(update.Data, &data); err != nil {
			return nil
		}
		return normalizeToolCall(&data)

	case "error":
		var data jsonrpc.SessionUpdateError
		if err := json.Unmarshal(update.Data, &data); err != nil || data.Message == "" {
			return engine.ErrorEntry("engine error")
		}
		return engine.ErrorEntry(data.Message)

	case "input_requested":
		var data jsonrpc.SessionUpdateInputRequested
		if err := json.Unmarshal(update.Data, &data); err != nil || data.Message == "" {
			return nil
		}
		return &engine.Entry{EntryType: engine.EntrySystemMessage, Content: data.Message}

	case "complete":
		// The prompt response is the completion authority; the engine's own
		// complete notification would double the turn boundary.
		return nil

	case updateSession:
		var data sessionData
		if err := json.Unmarshal(update.Data, &data); err != nil || data.SessionID == "" {
			return nil
		}
		meta := engine.Metadata{engine.MetaSessionID: data.SessionID}
		if data.Model != "" {
			meta[engine.MetaModel] = data.Model
		}
		return &engine.Entry{
			EntryType: engine.EntrySystemMessage,
			Content:   "session started",
			Metadata:  meta,
		}

	case updateResult:
		var data resultData
		if err := json.Unmarshal(update.Data, &data); err != nil {
			return nil
		}
		return normalizeResult(&data)

	default:
		return engine.SystemMessage(line)
	}
}

// normalizeToolCall emits one entry per tool call: the entry on the first
// status, an error entry on failure, nothing on the progress updates.
func normalizeToolCall(data *jsonrpc.SessionUpdateToolCall) *engine.Entry {
	switch data.Status {
	case "", "pending":
		action := toolAction(data.ToolName, data.Args)
		return &engine.Entry{
			EntryType:  engine.EntryToolUse,
			Content:    actionContent(action, data.ToolName),
			ToolAction: action,
		}
	case "error":
		msg := data.Result
		if msg == "" {
			msg = data.ToolName + " failed"
		}
		return engine.ErrorEntry(msg)
	default:
		return nil
	}
}

func normalizeResult(data *resultData) *engine.Entry {
	if !data.Success {
		content := data.Error
		if content == "" {
			content = "turn failed"
		}
		return &engine.Entry{
			EntryType: engine.EntryErrorMessage,
			Content:   content,
			Metadata:  engine.Metadata{engine.MetaResultSubtype: "error_during_execution"},
		}
	}

	subtype := data.StopReason
	if subtype == "" {
		subtype = "success"
	}
	return &engine.Entry{
		EntryType: engine.EntrySystemMessage,
		Content:   "turn completed",
		Metadata: engine.Metadata{
			engine.MetaTurnCompleted: true,
			engine.MetaResultSubtype: subtype,
		},
	}
}

func toolAction(name string, rawArgs json.RawMessage) *engine.ToolAction {
	var args map[string]interface{}
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	str := func(keys ...string) string {
		for _, key := range keys {
			if v, ok := args[key].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	switch name {
	case "run_shell_command":
		cmd := str("command")
		return &engine.ToolAction{
			Kind:        engine.KindForCommand(cmd),
			Command:     cmd,
			Description: str("description"),
		}
	case "read_file", "read_many_files", "list_directory":
		return &engine.ToolAction{Kind: engine.ToolActionFileRead, Path: str("absolute_path", "file_path", "path")}
	case "write_file", "replace", "edit":
		return &engine.ToolAction{Kind: engine.ToolActionFileEdit, Path: str("file_path", "absolute_path", "path")}
	case "search_file_content", "glob":
		return &engine.ToolAction{Kind: engine.ToolActionSearch, Query: str("pattern", "query")}
	case "google_web_search":
		return &engine.ToolAction{Kind: engine.ToolActionSearch, Query: str("query")}
	case "web_fetch":
		return &engine.ToolAction{Kind: engine.ToolActionWebFetch, URL: str("url", "prompt")}
	default:
		return &engine.ToolAction{Kind: engine.ToolActionTool, ToolName: name}
	}
}

func actionContent(action *engine.ToolAction, toolName string) string {
	switch {
	case action.Command != "":
		return action.Command
	case action.Path != "":
		return action.Path
	case action.Query != "":
		return action.Query
	case action.URL != "":
		return action.URL
	case action.Description != "":
		return action.Description
	default:
		return toolName
	}
}
