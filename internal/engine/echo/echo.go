// Package echo implements a built-in shell engine that echoes its prompt
// back as assistant output. It is used by tests and local smoke runs and
// exercises the whole pipeline without an external CLI.
package echo

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/common/logger"
	"github.com/bitk/bitk/internal/engine"
	"github.com/bitk/bitk/internal/engine/process"
)

const (
	shellBinary   = "sh"
	doneMarker    = "[done]"
	sessionPrefix = "::session::"
	endTurnMarker = "::end-turn::"
)

// The shell announces its session, echoes the initial prompt, then keeps
// echoing stdin lines. The end-turn marker closes a turn without being
// echoed, so queued input sent between turns completes like a real one.
const echoScript = `printf '::session::%s\n' "$BITK_ECHO_SESSION"
printf '%s\n' "$BITK_ECHO_PROMPT"
printf '[done]\n'
while IFS= read -r line; do
  if [ "$line" = '::end-turn::' ]; then
    printf '[done]\n'
  else
    printf '%s\n' "$line"
  fi
done`

// Adapter is the echo engine.
type Adapter struct {
	log *logger.Logger
}

var _ engine.Adapter = (*Adapter)(nil)

// New creates the echo adapter.
func New(log *logger.Logger) *Adapter {
	return &Adapter{log: log}
}

// Type returns the engine type identifier.
func (a *Adapter) Type() string { return engine.TypeEcho }

// Availability reports ready whenever a shell is on PATH.
func (a *Adapter) Availability(ctx context.Context) engine.Availability {
	if _, ok := engine.LookPath(shellBinary); !ok {
		return engine.Availability{
			Installed:  false,
			AuthStatus: engine.AuthUnknown,
			Error:      "sh not found in PATH",
		}
	}
	return engine.Availability{
		Installed:  true,
		Executable: true,
		Version:    "builtin",
		AuthStatus: engine.AuthAuthenticated,
	}
}

// Models lists the single built-in model.
func (a *Adapter) Models(ctx context.Context) []engine.Model {
	return []engine.Model{
		{ID: "echo", Name: "Echo", IsDefault: true},
	}
}

// Spawn starts a fresh echo session.
func (a *Adapter) Spawn(ctx context.Context, opts engine.SpawnOptions, env []string) (engine.SpawnedProcess, error) {
	return a.spawn(opts, env, uuid.NewString())
}

// SpawnFollowUp starts a continuation; the prior session id is announced
// again so continuity is observable downstream.
func (a *Adapter) SpawnFollowUp(ctx context.Context, opts engine.SpawnOptions, env []string) (engine.SpawnedProcess, error) {
	sessionID := opts.ExternalSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return a.spawn(opts, env, sessionID)
}

func (a *Adapter) spawn(opts engine.SpawnOptions, env []string, sessionID string) (engine.SpawnedProcess, error) {
	spawnEnv := append(append([]string{}, env...),
		"BITK_ECHO_PROMPT="+opts.Prompt,
		"BITK_ECHO_SESSION="+sessionID,
	)
	proc, err := process.Start(process.SpawnSpec{
		Argv:  []string{shellBinary, "-c", echoScript},
		Dir:   opts.WorkingDir,
		Env:   spawnEnv,
		Stdin: true,
	})
	if err != nil {
		return nil, apperrors.SpawnFailed(engine.TypeEcho, err)
	}
	return &Process{OSProcess: proc}, nil
}

// NormalizeLogLine maps echo output to normalized entries: the done marker
// completes the turn, the session line carries the session id, and every
// other non-empty line is assistant output.
func (a *Adapter) NormalizeLogLine(raw string) *engine.Entry {
	line := strings.TrimSpace(raw)
	switch {
	case line == "":
		return nil
	case line == doneMarker:
		return &engine.Entry{
			EntryType: engine.EntrySystemMessage,
			Content:   "turn completed",
			Metadata:  engine.Metadata{engine.MetaTurnCompleted: true},
		}
	case strings.HasPrefix(line, sessionPrefix):
		return &engine.Entry{
			EntryType: engine.EntrySystemMessage,
			Content:   "session started",
			Metadata:  engine.Metadata{engine.MetaSessionID: strings.TrimPrefix(line, sessionPrefix)},
		}
	default:
		return &engine.Entry{EntryType: engine.EntryAssistantMessage, Content: line}
	}
}

// Process wraps the shell subprocess so queued input can be written to the
// open stdin pipe between turns.
type Process struct {
	*process.OSProcess

	writeMu sync.Mutex
}

var (
	_ engine.SpawnedProcess = (*Process)(nil)
	_ engine.InputSender    = (*Process)(nil)
)

// SendInput writes the prompt followed by the end-turn marker, producing
// one echoed turn on stdout.
func (p *Process) SendInput(ctx context.Context, prompt string) error {
	stdin := p.Stdin()
	if stdin == nil {
		return errors.New("stdin is not open")
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := io.WriteString(stdin, prompt+"\n"+endTurnMarker+"\n")
	return err
}
