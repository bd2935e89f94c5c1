package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/common/logger"
)

type fakeAdapter struct {
	typ    string
	avail  Availability
	models []Model
	delay  time.Duration

	mu     sync.Mutex
	probes int
}

func (f *fakeAdapter) Type() string { return f.typ }

func (f *fakeAdapter) Availability(ctx context.Context) Availability {
	f.mu.Lock()
	f.probes++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	return f.avail
}

func (f *fakeAdapter) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func (f *fakeAdapter) Models(ctx context.Context) []Model { return f.models }

func (f *fakeAdapter) Spawn(ctx context.Context, opts SpawnOptions, env []string) (SpawnedProcess, error) {
	return nil, errors.New("fake adapter cannot spawn")
}

func (f *fakeAdapter) SpawnFollowUp(ctx context.Context, opts SpawnOptions, env []string) (SpawnedProcess, error) {
	return nil, errors.New("fake adapter cannot spawn")
}

func (f *fakeAdapter) NormalizeLogLine(raw string) *Entry { return nil }

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func TestRegistryTypesKeepRegistrationOrder(t *testing.T) {
	r := NewRegistry(newTestLogger(t))
	r.Register(&fakeAdapter{typ: TypeClaude})
	r.Register(&fakeAdapter{typ: TypeGemini})
	r.Register(&fakeAdapter{typ: TypeEcho})
	assert.Equal(t, []string{TypeClaude, TypeGemini, TypeEcho}, r.Types())

	// Re-registering replaces the adapter but keeps its slot.
	replacement := &fakeAdapter{typ: TypeGemini, avail: Availability{Installed: true}}
	r.Register(replacement)
	assert.Equal(t, []string{TypeClaude, TypeGemini, TypeEcho}, r.Types())
	got, ok := r.Get(TypeGemini)
	require.True(t, ok)
	assert.Same(t, replacement, got.(*fakeAdapter))
}

func TestAvailabilityCachesProbeResult(t *testing.T) {
	fake := &fakeAdapter{typ: TypeEcho, avail: Availability{
		Installed:  true,
		Executable: true,
		Version:    "1.2.3",
		AuthStatus: AuthAuthenticated,
	}}
	r := NewRegistry(newTestLogger(t))
	r.Register(fake)

	first, err := r.Availability(context.Background(), TypeEcho)
	require.NoError(t, err)
	second, err := r.Availability(context.Background(), TypeEcho)
	require.NoError(t, err)

	assert.Equal(t, fake.avail, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, fake.probeCount(), "second call must be served from cache")
}

func TestAvailabilityTimesOutSlowAdapter(t *testing.T) {
	fake := &fakeAdapter{typ: TypeEcho, delay: time.Second, avail: Availability{Installed: true, Executable: true}}
	r := NewRegistry(newTestLogger(t))
	r.probeBound = 20 * time.Millisecond
	r.Register(fake)

	avail, err := r.Availability(context.Background(), TypeEcho)
	require.NoError(t, err)
	assert.Equal(t, Availability{
		Installed:  true,
		Executable: false,
		AuthStatus: AuthUnknown,
		Error:      "timeout",
	}, avail)
}

func TestInvalidateAvailabilityForcesReprobe(t *testing.T) {
	fake := &fakeAdapter{typ: TypeEcho, avail: Availability{Installed: true, Executable: true}}
	r := NewRegistry(newTestLogger(t))
	r.Register(fake)

	_, err := r.Availability(context.Background(), TypeEcho)
	require.NoError(t, err)
	r.InvalidateAvailability(TypeEcho)
	_, err = r.Availability(context.Background(), TypeEcho)
	require.NoError(t, err)

	assert.Equal(t, 2, fake.probeCount())
}

func TestAvailabilityUnknownEngine(t *testing.T) {
	r := NewRegistry(newTestLogger(t))
	_, err := r.Availability(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestModels(t *testing.T) {
	fake := &fakeAdapter{typ: TypeGemini, models: []Model{
		{ID: "gemini-3-flash-preview", Name: "3 Flash", IsDefault: true},
		{ID: "gemini-3-pro-preview", Name: "3 Pro"},
	}}
	r := NewRegistry(newTestLogger(t))
	r.Register(fake)

	models, err := r.Models(context.Background(), TypeGemini)
	require.NoError(t, err)
	assert.Equal(t, fake.models, models)

	_, err = r.Models(context.Background(), "nonexistent")
	assert.True(t, apperrors.IsNotFound(err))
}
