package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/common/logger"
	"github.com/bitk/bitk/internal/engine"
	"github.com/bitk/bitk/internal/engine/process"
)

const binaryName = "claude"

var _ engine.Adapter = (*Adapter)(nil)

// Adapter drives the Claude Code CLI in print mode with stream-json output.
// It is stateless: every spawn is a fresh subprocess and continuity across
// spawns comes from the CLI's --resume handle.
type Adapter struct {
	log *logger.Logger
}

func New(log *logger.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Type() string { return engine.TypeClaude }

// Availability checks the binary, runs --version under its timeout and
// infers auth from credential env vars or the CLI's config file.
func (a *Adapter) Availability(ctx context.Context) engine.Availability {
	if _, ok := engine.LookPath(binaryName); !ok {
		return engine.Availability{
			Installed:  false,
			Executable: false,
			AuthStatus: engine.AuthUnknown,
			Error:      "claude CLI not found in PATH",
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
	if status := engine.AuthFromEnv("ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"); status == engine.AuthAuthenticated {
		return status
	}
	if engine.FileExists("~/.claude.json") {
		return engine.AuthAuthenticated
	}
	return engine.AuthUnknown
}

func (a *Adapter) Models(ctx context.Context) []engine.Model {
	return []engine.Model{
		{ID: "claude-sonnet-4-5", Name: "Sonnet 4.5", IsDefault: true},
		{ID: "claude-opus-4-5", Name: "Opus 4.5"},
		{ID: "claude-haiku-4-5", Name: "Haiku 4.5"},
	}
}

// Spawn starts a fresh print-mode execution.
func (a *Adapter) Spawn(ctx context.Context, opts engine.SpawnOptions, env []string) (engine.SpawnedProcess, error) {
	return a.spawn(opts, env, false)
}

// SpawnFollowUp starts a continuation, resuming the CLI session recorded in
// opts.ExternalSessionID.
func (a *Adapter) SpawnFollowUp(ctx context.Context, opts engine.SpawnOptions, env []string) (engine.SpawnedProcess, error) {
	return a.spawn(opts, env, true)
}

func (a *Adapter) spawn(opts engine.SpawnOptions, env []string, resume bool) (engine.SpawnedProcess, error) {
	argv := []string{
		binaryName,
		"-p", opts.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	argv = append(argv, "--permission-mode", permissionFlag(opts.PermissionMode))
	if resume {
		if opts.ExternalSessionID == "" {
			return nil, apperrors.SessionError("follow-up requires an external session id")
		}
		argv = append(argv, "--resume", opts.ExternalSessionID)
	}

	proc, err := process.Start(process.SpawnSpec{
		Argv: argv,
		Dir:  opts.WorkingDir,
		Env:  env,
	})
	if err != nil {
		return nil, apperrors.SpawnFailed(engine.TypeClaude, err)
	}
	return proc, nil
}

// permissionFlag maps the engine permission mode onto the CLI's vocabulary.
func permissionFlag(mode engine.PermissionMode) string {
	switch mode {
	case engine.PermissionSupervised:
		return "default"
	case engine.PermissionPlan:
		return "plan"
	case engine.PermissionBypass:
		return "bypassPermissions"
	default:
		return "acceptEdits"
	}
}

// NormalizeLogLine maps one stream-json line to at most one entry. Non-JSON
// lines become system-message entries with the raw text; recognized but
// display-irrelevant messages (tool results, partial stream events, control
// traffic) map to nothing.
func (a *Adapter) NormalizeLogLine(raw string) *engine.Entry {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var msg cliMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return engine.SystemMessage(trimmed)
	}

	switch msg.Type {
	case messageTypeSystem:
		return normalizeSystem(&msg)
	case messageTypeAssistant:
		return normalizeAssistant(&msg)
	case messageTypeUser:
		return normalizeUser(&msg)
	case messageTypeResult:
		return normalizeResult(&msg)
	case messageTypeStreamEvent, messageTypeControlRequest, messageTypeControlResponse:
		return nil
	default:
		return engine.SystemMessage(trimmed)
	}
}

func normalizeSystem(msg *cliMessage) *engine.Entry {
	if msg.Subtype != subtypeInit {
		return nil
	}
	meta := engine.Metadata{}
	if msg.SessionID != "" {
		meta[engine.MetaSessionID] = msg.SessionID
	}
	if msg.Model != "" {
		meta[engine.MetaModel] = msg.Model
	}
	if len(msg.SlashCommands) > 0 {
		meta[engine.MetaSlashCommands] = msg.SlashCommands
	}
	return &engine.Entry{
		EntryType: engine.EntrySystemMessage,
		Content:   "session started",
		Metadata:  meta,
	}
}

func normalizeAssistant(msg *cliMessage) *engine.Entry {
	if msg.Message == nil || len(msg.Message.Content) == 0 {
		return nil
	}
	// One entry per line: the CLI emits one block per assistant event.
	block := msg.Message.Content[0]
	switch block.Type {
	case "text":
		if block.Text == "" {
			return nil
		}
		return &engine.Entry{EntryType: engine.EntryAssistantMessage, Content: block.Text}
	case "thinking":
		if block.Thinking == "" {
			return nil
		}
		return &engine.Entry{EntryType: engine.EntryThinking, Content: block.Thinking}
	case "tool_use":
		return normalizeToolUse(&block)
	default:
		return nil
	}
}

func normalizeUser(msg *cliMessage) *engine.Entry {
	if msg.Message == nil {
		return nil
	}
	// Tool results are invisible unless they carry an error.
	for _, block := range msg.Message.Content {
		if block.Type == "tool_result" && block.IsError {
			content := block.textContent()
			if content == "" {
				content = "tool failed"
			}
			return engine.ErrorEntry(content)
		}
	}
	return nil
}

func normalizeResult(msg *cliMessage) *engine.Entry {
	subtype := msg.Subtype
	if subtype == "" {
		subtype = "success"
	}
	meta := engine.Metadata{
		engine.MetaResultSubtype: subtype,
		engine.MetaDuration:      msg.DurationMS,
	}
	if msg.Usage != nil {
		meta["inputTokens"] = msg.Usage.InputTokens
		meta["outputTokens"] = msg.Usage.OutputTokens
	}

	content := msg.resultText()
	if content == "" {
		content = "turn completed"
	}
	entry := &engine.Entry{
		EntryType: engine.EntrySystemMessage,
		Content:   content,
		Metadata:  meta,
	}
	if msg.IsError {
		entry.EntryType = engine.EntryErrorMessage
	}
	return entry
}

// normalizeToolUse maps a tool_use block to a tool-use entry with a
// classified action.
func normalizeToolUse(block *contentBlock) *engine.Entry {
	action := toolAction(block.Name, block.Input)
	content := actionContent(action, block.Name)
	return &engine.Entry{
		EntryType:  engine.EntryToolUse,
		Content:    content,
		ToolAction: action,
	}
}

func toolAction(name string, input map[string]any) *engine.ToolAction {
	str := func(key string) string {
		if v, ok := input[key].(string); ok {
			return v
		}
		return ""
	}

	switch name {
	case toolBash:
		cmd := str("command")
		return &engine.ToolAction{
			Kind:        engine.KindForCommand(cmd),
			Command:     cmd,
			Description: str("description"),
		}
	case toolRead:
		return &engine.ToolAction{Kind: engine.ToolActionFileRead, Path: str("file_path")}
	case toolWrite, toolEdit, toolNotebookEdit:
		path := str("file_path")
		if path == "" {
			path = str("notebook_path")
		}
		return &engine.ToolAction{Kind: engine.ToolActionFileEdit, Path: path}
	case toolGlob, toolGrep:
		return &engine.ToolAction{Kind: engine.ToolActionSearch, Query: str("pattern")}
	case toolWebSearch:
		return &engine.ToolAction{Kind: engine.ToolActionSearch, Query: str("query")}
	case toolWebFetch:
		return &engine.ToolAction{Kind: engine.ToolActionWebFetch, URL: str("url")}
	case toolTask:
		return &engine.ToolAction{Kind: engine.ToolActionTool, ToolName: name, Description: str("description")}
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
