package engine

import (
	"context"
	"io"
	"os"
	"time"
)

// Engine type identifiers for the shipped adapters.
const (
	TypeClaude = "claude"
	TypeGemini = "gemini"
	TypeCodex  = "codex"
	TypeEcho   = "echo"
)

// PermissionMode controls how much autonomy the engine gets over the workspace.
type PermissionMode string

const (
	PermissionAuto       PermissionMode = "auto"
	PermissionSupervised PermissionMode = "supervised"
	PermissionPlan       PermissionMode = "plan"
	PermissionBypass     PermissionMode = "bypass"
)

// AuthStatus reports whether an engine has working credentials.
type AuthStatus string

const (
	AuthAuthenticated   AuthStatus = "authenticated"
	AuthUnauthenticated AuthStatus = "unauthenticated"
	AuthUnknown         AuthStatus = "unknown"
)

// Availability is the result of an engine availability probe.
type Availability struct {
	Installed  bool       `json:"installed"`
	Executable bool       `json:"executable"`
	Version    string     `json:"version,omitempty"`
	AuthStatus AuthStatus `json:"authStatus"`
	Error      string     `json:"error,omitempty"`
}

// Model describes one model an engine can run.
type Model struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault,omitempty"`
}

// SpawnOptions carries everything an adapter needs to start an execution.
type SpawnOptions struct {
	Prompt            string
	WorkingDir        string
	Model             string
	PermissionMode    PermissionMode
	ExternalSessionID string // resume handle for follow-ups
	MetaTurn          bool   // system-initiated turn (auto-title)
}

// ExitResult describes how a spawned process ended.
type ExitResult struct {
	Code int
	Err  error
}

// SpawnedProcess is the handle an adapter returns for a live subprocess.
// The issue engine owns the handle after Spawn returns.
type SpawnedProcess interface {
	// Stdout returns the engine output stream to be line-normalized.
	Stdout() io.ReadCloser

	// Stderr returns the error stream; each non-empty line becomes an
	// error-message entry.
	Stderr() io.ReadCloser

	// Cancel requests a graceful stop.
	Cancel() error

	// Kill sends a hard signal to the process group.
	Kill(sig os.Signal) error

	// Exited is closed once the process has ended. After it is closed,
	// ExitResult holds the outcome. Safe for multiple waiters.
	Exited() <-chan struct{}

	// ExitResult returns the outcome. Valid only after Exited is closed.
	ExitResult() ExitResult

	// PID returns the OS process id, 0 if unknown.
	PID() int
}

// InputSender is implemented by process handles whose session stays open
// across turns and can accept another prompt without a respawn. Handles
// without it need a fresh SpawnFollowUp per turn.
type InputSender interface {
	SendInput(ctx context.Context, prompt string) error
}

// Adapter is the per-engine capability surface. Adapters are stateless: they
// return subprocess handles and pure line normalizers; the issue engine owns
// all lifecycle state.
type Adapter interface {
	// Type returns the engine type identifier.
	Type() string

	// Availability probes the engine installation. Implementations must
	// honor ctx; the registry enforces the outer deadline.
	Availability(ctx context.Context) Availability

	// Models lists the engine's models. Empty on failure.
	Models(ctx context.Context) []Model

	// Spawn starts a fresh execution.
	Spawn(ctx context.Context, opts SpawnOptions, env []string) (SpawnedProcess, error)

	// SpawnFollowUp starts a continuation execution for engines that cannot
	// message a running session; continuity comes from opts.ExternalSessionID.
	SpawnFollowUp(ctx context.Context, opts SpawnOptions, env []string) (SpawnedProcess, error)

	// NormalizeLogLine maps one raw output line to at most one entry.
	// Returns nil for lines that produce no entry.
	NormalizeLogLine(raw string) *Entry
}

// CancelGracePeriod is how long a cancelled process gets before the hard kill.
const CancelGracePeriod = 5 * time.Second

// Cancel requests a graceful stop and hard-kills the process group after the
// grace period if it is still alive. It returns once the process has exited
// or the hard kill has been sent.
func Cancel(ctx context.Context, sp SpawnedProcess, grace time.Duration) {
	_ = sp.Cancel()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-sp.Exited():
	case <-timer.C:
		_ = sp.Kill(os.Kill)
	case <-ctx.Done():
		_ = sp.Kill(os.Kill)
	}
}
