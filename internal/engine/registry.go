package engine

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/common/logger"
)

// Registry holds the configured adapters and caches availability probes.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string

	probes     *gocache.Cache
	probeBound time.Duration
	log        *logger.Logger
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		adapters:   make(map[string]Adapter),
		probes:     gocache.New(probeCacheTTL, 30*time.Minute),
		probeBound: probeTimeout,
		log:        log,
	}
}

// Register adds an adapter. Registering the same type twice replaces the
// previous adapter and keeps its position.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Type()]; !exists {
		r.order = append(r.order, a.Type())
	}
	r.adapters[a.Type()] = a
}

// Get returns the adapter for an engine type.
func (r *Registry) Get(engineType string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[engineType]
	return a, ok
}

// Types returns engine types in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Availability probes an engine, serving cached results for the probe TTL.
// The probe runs under a hard bound; an adapter that exceeds it is reported
// installed but not executable so a hung binary cannot wedge callers.
func (r *Registry) Availability(ctx context.Context, engineType string) (Availability, error) {
	adapter, ok := r.Get(engineType)
	if !ok {
		return Availability{}, apperrors.NotFound("engine", engineType)
	}

	if cached, found := r.probes.Get(engineType); found {
		if avail, ok := cached.(Availability); ok {
			return avail, nil
		}
	}

	avail := r.probe(ctx, adapter)
	r.probes.Set(engineType, avail, gocache.DefaultExpiration)
	return avail, nil
}

func (r *Registry) probe(ctx context.Context, adapter Adapter) Availability {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeBound)
	defer cancel()

	done := make(chan Availability, 1)
	go func() {
		done <- adapter.Availability(probeCtx)
	}()

	select {
	case avail := <-done:
		return avail
	case <-probeCtx.Done():
		r.log.Warn("availability probe timed out", zap.String("engine", adapter.Type()))
		return Availability{
			Installed:  true,
			Executable: false,
			AuthStatus: AuthUnknown,
			Error:      "timeout",
		}
	}
}

// InvalidateAvailability drops the cached probe for an engine so the next
// call re-probes immediately.
func (r *Registry) InvalidateAvailability(engineType string) {
	r.probes.Delete(engineType)
}

// Models lists the models an engine supports.
func (r *Registry) Models(ctx context.Context, engineType string) ([]Model, error) {
	adapter, ok := r.Get(engineType)
	if !ok {
		return nil, apperrors.NotFound("engine", engineType)
	}
	return adapter.Models(ctx), nil
}
