package scoped

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitk/bitk/internal/common/logger"
	"github.com/bitk/bitk/internal/events"
	"github.com/bitk/bitk/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// fakeResolver maps issue ids to project ids and counts lookups.
type fakeResolver struct {
	mu       sync.Mutex
	projects map[string]string
	lookups  int
}

func (f *fakeResolver) ProjectIDForIssue(_ context.Context, issueID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	projectID, ok := f.projects[issueID]
	if !ok {
		return "", errors.New("issue not found")
	}
	return projectID, nil
}

func (f *fakeResolver) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func waitForEvent(t *testing.T, ch <-chan *bus.Event) *bus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSubscribeProject_FiltersByProject(t *testing.T) {
	log := newTestLogger(t)
	b := bus.NewMemoryEventBus(log)
	defer b.Close()

	resolver := &fakeResolver{projects: map[string]string{
		"issue-a": "project-a",
		"issue-b": "project-b",
	}}
	sub := NewSubscriber(b, resolver, log)

	received := make(chan *bus.Event, 8)
	unsubscribe, err := sub.SubscribeProject("project-a", Handlers{
		OnLog: func(ev *bus.Event) { received <- ev },
	})
	require.NoError(t, err)
	defer unsubscribe()

	ctx := context.Background()
	evA := bus.NewEvent(events.EventIssueLog, events.SourceEngine,
		map[string]interface{}{"issue_id": "issue-a"})
	evB := bus.NewEvent(events.EventIssueLog, events.SourceEngine,
		map[string]interface{}{"issue_id": "issue-b"})
	require.NoError(t, b.Publish(ctx, events.BuildIssueLogSubject("issue-b"), evB))
	require.NoError(t, b.Publish(ctx, events.BuildIssueLogSubject("issue-a"), evA))

	got := waitForEvent(t, received)
	assert.Equal(t, "issue-a", got.Data["issue_id"])

	select {
	case ev := <-received:
		t.Fatalf("unexpected cross-project event: %v", ev.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeProject_CachesResolution(t *testing.T) {
	log := newTestLogger(t)
	b := bus.NewMemoryEventBus(log)
	defer b.Close()

	resolver := &fakeResolver{projects: map[string]string{"issue-a": "project-a"}}
	sub := NewSubscriber(b, resolver, log)

	received := make(chan *bus.Event, 8)
	unsubscribe, err := sub.SubscribeProject("project-a", Handlers{
		OnState: func(ev *bus.Event) { received <- ev },
	})
	require.NoError(t, err)
	defer unsubscribe()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ev := bus.NewEvent(events.EventIssueState, events.SourceEngine,
			map[string]interface{}{"issue_id": "issue-a", "state": "running"})
		require.NoError(t, b.Publish(ctx, events.BuildIssueStateSubject("issue-a"), ev))
		waitForEvent(t, received)
	}

	assert.Equal(t, 1, resolver.lookupCount(), "repeat events should hit the cache")
}

func TestSubscribeProject_IssueUpdatedInvalidatesDeleted(t *testing.T) {
	log := newTestLogger(t)
	b := bus.NewMemoryEventBus(log)
	defer b.Close()

	resolver := &fakeResolver{projects: map[string]string{"issue-a": "project-a"}}
	sub := NewSubscriber(b, resolver, log)

	received := make(chan *bus.Event, 8)
	unsubscribe, err := sub.SubscribeProject("project-a", Handlers{
		OnLog:          func(ev *bus.Event) { received <- ev },
		OnIssueUpdated: func(ev *bus.Event) { received <- ev },
	})
	require.NoError(t, err)
	defer unsubscribe()

	ctx := context.Background()
	logEv := bus.NewEvent(events.EventIssueLog, events.SourceEngine,
		map[string]interface{}{"issue_id": "issue-a"})
	require.NoError(t, b.Publish(ctx, events.BuildIssueLogSubject("issue-a"), logEv))
	waitForEvent(t, received)

	// Deleting the issue both forwards the update and drops the cached
	// mapping, so later events re-resolve (and miss).
	deleteEv := bus.NewEvent(events.EventIssueUpdated, events.SourceEngine,
		map[string]interface{}{"issue_id": "issue-a", "project_id": "project-a", "is_deleted": true})
	require.NoError(t, b.Publish(ctx, events.IssueUpdatedSubject, deleteEv))
	waitForEvent(t, received)

	resolver.mu.Lock()
	delete(resolver.projects, "issue-a")
	resolver.mu.Unlock()

	lateEv := bus.NewEvent(events.EventIssueLog, events.SourceEngine,
		map[string]interface{}{"issue_id": "issue-a"})
	require.NoError(t, b.Publish(ctx, events.BuildIssueLogSubject("issue-a"), lateEv))

	select {
	case ev := <-received:
		t.Fatalf("event for deleted issue should be dropped, got %v", ev.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeProject_ChangesSummaryScopedBySubject(t *testing.T) {
	log := newTestLogger(t)
	b := bus.NewMemoryEventBus(log)
	defer b.Close()

	resolver := &fakeResolver{projects: map[string]string{}}
	sub := NewSubscriber(b, resolver, log)

	received := make(chan *bus.Event, 8)
	unsubscribe, err := sub.SubscribeProject("project-a", Handlers{
		OnChangesSummary: func(ev *bus.Event) { received <- ev },
	})
	require.NoError(t, err)
	defer unsubscribe()

	ctx := context.Background()
	other := bus.NewEvent(events.EventChangesSummary, events.SourceEngine,
		map[string]interface{}{"project_id": "project-b"})
	require.NoError(t, b.Publish(ctx, events.BuildProjectChangesSubject("project-b"), other))

	mine := bus.NewEvent(events.EventChangesSummary, events.SourceEngine,
		map[string]interface{}{"project_id": "project-a"})
	require.NoError(t, b.Publish(ctx, events.BuildProjectChangesSubject("project-a"), mine))

	got := waitForEvent(t, received)
	assert.Equal(t, "project-a", got.Data["project_id"])
}

func TestResolveProject_TTLExpiry(t *testing.T) {
	log := newTestLogger(t)
	b := bus.NewMemoryEventBus(log)
	defer b.Close()

	resolver := &fakeResolver{projects: map[string]string{"issue-a": "project-a"}}
	sub := NewSubscriber(b, resolver, log)

	ctx := context.Background()
	assert.Equal(t, "project-a", sub.resolveProject(ctx, "issue-a"))
	assert.Equal(t, "project-a", sub.resolveProject(ctx, "issue-a"))
	assert.Equal(t, 1, resolver.lookupCount())

	sub.cache.Set("issue-a", "project-a", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "project-a", sub.resolveProject(ctx, "issue-a"))
	assert.Equal(t, 2, resolver.lookupCount(), "expired entry must re-resolve")
}
