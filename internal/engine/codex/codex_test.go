package codex

import (
	"context"
	"errors"
	"testing"

	"github.com/bitk/bitk/internal/common/logger"
	"github.com/bitk/bitk/internal/engine"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	return New(log)
}

func TestAvailabilityNeverExecutable(t *testing.T) {
	adapter := newTestAdapter(t)
	avail := adapter.Availability(context.Background())
	if avail.Executable {
		t.Fatalf("Availability() = %+v, codex must not report executable", avail)
	}
	if avail.Installed && avail.Error == "" {
		t.Error("installed codex must carry an explanatory error")
	}
}

func TestSpawnUnimplemented(t *testing.T) {
	adapter := newTestAdapter(t)
	if _, err := adapter.Spawn(context.Background(), engine.SpawnOptions{Prompt: "hi"}, nil); !errors.Is(err, ErrSpawnUnimplemented) {
		t.Fatalf("Spawn() error = %v, want ErrSpawnUnimplemented", err)
	}
	if _, err := adapter.SpawnFollowUp(context.Background(), engine.SpawnOptions{Prompt: "hi"}, nil); !errors.Is(err, ErrSpawnUnimplemented) {
		t.Fatalf("SpawnFollowUp() error = %v, want ErrSpawnUnimplemented", err)
	}
}

func TestNormalizeLogLine(t *testing.T) {
	adapter := newTestAdapter(t)
	if entry := adapter.NormalizeLogLine("  "); entry != nil {
		t.Fatalf("blank line = %+v, want nil", entry)
	}
	entry := adapter.NormalizeLogLine("some output")
	if entry == nil || entry.EntryType != engine.EntrySystemMessage {
		t.Fatalf("NormalizeLogLine() = %+v, want system-message", entry)
	}
}
