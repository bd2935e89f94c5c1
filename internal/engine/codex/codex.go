// Package codex registers the Codex CLI engine. Spawning is not wired up
// yet; the adapter reports real install and auth state but never claims to
// be executable, so the engine stays visible without being selectable.
package codex

import (
	"context"
	"errors"
	"strings"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/common/logger"
	"github.com/bitk/bitk/internal/engine"
)

const binaryName = "codex"

// ErrSpawnUnimplemented is returned by Spawn and SpawnFollowUp.
var ErrSpawnUnimplemented = errors.New("codex spawn is not implemented")

var _ engine.Adapter = (*Adapter)(nil)

type Adapter struct {
	log *logger.Logger
}

func New(log *logger.Logger) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Type() string { return engine.TypeCodex }

// Availability probes the real installation but always reports
// executable=false until spawning is implemented.
func (a *Adapter) Availability(ctx context.Context) engine.Availability {
	if _, ok := engine.LookPath(binaryName); !ok {
		return engine.Availability{
			Installed:  false,
			Executable: false,
			AuthStatus: engine.AuthUnknown,
			Error:      "codex CLI not found in PATH",
		}
	}

	avail := engine.Availability{
		Installed:  true,
		Executable: false,
		AuthStatus: a.authStatus(),
		Error:      "codex engine is not yet supported",
	}
	if version, err := engine.RunVersion(ctx, binaryName, "--version"); err == nil {
		avail.Version = version
	}
	return avail
}

func (a *Adapter) authStatus() engine.AuthStatus {
	if status := engine.AuthFromEnv("OPENAI_API_KEY"); status == engine.AuthAuthenticated {
		return status
	}
	if engine.FileExists("~/.codex/auth.json") {
		return engine.AuthAuthenticated
	}
	return engine.AuthUnknown
}

func (a *Adapter) Models(ctx context.Context) []engine.Model {
	return []engine.Model{
		{ID: "gpt-5.2-codex", Name: "GPT-5.2 Codex", IsDefault: true},
		{ID: "gpt-5.1-codex-max", Name: "GPT-5.1 Codex Max"},
		{ID: "gpt-5.1-codex-mini", Name: "GPT-5.1 Codex Mini"},
	}
}

func (a *Adapter) Spawn(ctx context.Context, opts engine.SpawnOptions, env []string) (engine.SpawnedProcess, error) {
	return nil, apperrors.SpawnFailed(engine.TypeCodex, ErrSpawnUnimplemented)
}

func (a *Adapter) SpawnFollowUp(ctx context.Context, opts engine.SpawnOptions, env []string) (engine.SpawnedProcess, error) {
	return nil, apperrors.SpawnFailed(engine.TypeCodex, ErrSpawnUnimplemented)
}

// NormalizeLogLine keeps the uniform fallback: any non-empty line surfaces
// as a system message.
func (a *Adapter) NormalizeLogLine(raw string) *engine.Entry {
	line := strings.TrimSpace(raw)
	if line == "" {
		return nil
	}
	return engine.SystemMessage(line)
}
