// Package scoped filters bus events down to a single project. Issue-level
// events carry only an issue id; the subscriber resolves it to a project id
// through a TTL cache backed by a one-shot repository lookup and drops
// events that belong to other projects.
package scoped

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/bitk/bitk/internal/common/logger"
	"github.com/bitk/bitk/internal/events"
	"github.com/bitk/bitk/internal/events/bus"
)

const (
	// cacheTTL bounds how long an issueId -> projectId mapping is trusted.
	cacheTTL = 5 * time.Minute

	// cleanupInterval is how often expired cache entries are swept.
	cleanupInterval = time.Minute
)

// Resolver looks up the project an issue belongs to.
type Resolver interface {
	ProjectIDForIssue(ctx context.Context, issueID string) (string, error)
}

// Handlers carries the per-channel callbacks of one project subscription.
// Nil callbacks skip their channel. Handlers run on the bus delivery
// goroutine and must not block.
type Handlers struct {
	OnLog            func(ev *bus.Event)
	OnState          func(ev *bus.Event)
	OnSettled        func(ev *bus.Event)
	OnIssueUpdated   func(ev *bus.Event)
	OnChangesSummary func(ev *bus.Event)
}

// Subscriber fans project-scoped subscriptions out of the shared bus.
type Subscriber struct {
	bus      bus.EventBus
	resolver Resolver
	cache    *gocache.Cache
	log      *logger.Logger
}

// NewSubscriber creates a project-scoped subscriber over the shared bus.
func NewSubscriber(b bus.EventBus, resolver Resolver, log *logger.Logger) *Subscriber {
	return &Subscriber{
		bus:      b,
		resolver: resolver,
		cache:    gocache.New(cacheTTL, cleanupInterval),
		log:      log,
	}
}

// SubscribeProject registers handlers for every event of one project and
// returns an unsubscribe function releasing all underlying subscriptions.
func (s *Subscriber) SubscribeProject(projectID string, h Handlers) (func(), error) {
	var subs []bus.Subscription

	subscribe := func(subject string, deliver func(ev *bus.Event)) error {
		if deliver == nil {
			return nil
		}
		sub, err := s.bus.Subscribe(subject, func(ctx context.Context, ev *bus.Event) error {
			if s.eventProjectID(ctx, ev) == projectID {
				deliver(ev)
			}
			return nil
		})
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	wire := []struct {
		subject string
		deliver func(ev *bus.Event)
	}{
		{events.BuildIssueLogWildcardSubject(), h.OnLog},
		{events.BuildIssueStateWildcardSubject(), h.OnState},
		{events.BuildIssueSettledWildcardSubject(), h.OnSettled},
		{events.IssueUpdatedSubject, s.wrapIssueUpdated(h.OnIssueUpdated)},
		{events.BuildProjectChangesSubject(projectID), h.OnChangesSummary},
	}
	for _, w := range wire {
		if err := subscribe(w.subject, w.deliver); err != nil {
			for _, sub := range subs {
				_ = sub.Unsubscribe()
			}
			return nil, err
		}
	}

	unsubscribe := func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}
	return unsubscribe, nil
}

// wrapIssueUpdated invalidates the cache entry of deleted issues before
// forwarding, so a recycled subscription never sees a stale mapping.
func (s *Subscriber) wrapIssueUpdated(deliver func(ev *bus.Event)) func(ev *bus.Event) {
	if deliver == nil {
		deliver = func(*bus.Event) {}
	}
	return func(ev *bus.Event) {
		if deleted, _ := ev.Data["is_deleted"].(bool); deleted {
			if issueID, _ := ev.Data["issue_id"].(string); issueID != "" {
				s.cache.Delete(issueID)
			}
		}
		deliver(ev)
	}
}

// eventProjectID resolves the project an event belongs to. Events that carry
// project_id are trusted as-is; issue-level events go through the cache.
func (s *Subscriber) eventProjectID(ctx context.Context, ev *bus.Event) string {
	if projectID, _ := ev.Data["project_id"].(string); projectID != "" {
		return projectID
	}
	issueID, _ := ev.Data["issue_id"].(string)
	if issueID == "" {
		return ""
	}
	return s.resolveProject(ctx, issueID)
}

func (s *Subscriber) resolveProject(ctx context.Context, issueID string) string {
	if cached, ok := s.cache.Get(issueID); ok {
		return cached.(string)
	}
	projectID, err := s.resolver.ProjectIDForIssue(ctx, issueID)
	if err != nil {
		s.log.Debug("Failed to resolve project for issue",
			zap.String("issue_id", issueID),
			zap.Error(err))
		return ""
	}
	s.cache.Set(issueID, projectID, cacheTTL)
	return projectID
}

// Invalidate drops the cached mapping for an issue.
func (s *Subscriber) Invalidate(issueID string) {
	s.cache.Delete(issueID)
}
