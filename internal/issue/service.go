// Package issue implements the per-issue execution engine: the lifecycle
// state machine over managed processes, follow-up queueing, settlement,
// stale-session reconciliation, and the event publishing that feeds the
// project-scoped fan-out.
package issue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/bitk/bitk/internal/common/config"
	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/common/logger"
	"github.com/bitk/bitk/internal/engine"
	"github.com/bitk/bitk/internal/engine/process"
	"github.com/bitk/bitk/internal/events"
	"github.com/bitk/bitk/internal/events/bus"
	"github.com/bitk/bitk/internal/issue/models"
	"github.com/bitk/bitk/internal/issue/repository/sqlite"
	v1 "github.com/bitk/bitk/pkg/api/v1"
)

// placeholderTitle marks issues that have not been titled yet. Settlement of
// the first completed turn replaces it through the auto-title meta turn.
const placeholderTitle = "Untitled"

// exitGracePeriod is how long the exit supervisor waits for late stream I/O
// after the subprocess has ended.
const exitGracePeriod = 2 * time.Second

// Service is the issue execution engine. It owns the process table; adapters
// hand over their subprocess handles on spawn and never touch them again.
type Service struct {
	cfg      *config.Config
	log      *logger.Logger
	repo     *sqlite.Repository
	registry *engine.Registry
	bus      bus.EventBus
	table    *process.Table
	sem      *semaphore.Weighted

	locks  sync.Map // issueID -> *sync.Mutex
	stopCh chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
}

// NewService wires the issue engine together. Start must be called before
// executions are accepted so the reconciler can clean up stale sessions.
func NewService(cfg *config.Config, repo *sqlite.Repository, registry *engine.Registry, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		cfg:      cfg,
		log:      log,
		repo:     repo,
		registry: registry,
		bus:      eventBus,
		table:    process.NewTable(),
		sem:      semaphore.NewWeighted(int64(cfg.Engine.MaxConcurrent)),
		stopCh:   make(chan struct{}),
	}
}

// Start reconciles stale sessions once and launches the periodic sweep.
func (s *Service) Start(ctx context.Context) error {
	if err := s.reconcileOnce(ctx); err != nil {
		s.log.Error("Initial stale-session reconciliation failed", zap.Error(err))
	}
	s.wg.Add(1)
	go s.reconcileLoop()
	return nil
}

// Stop halts the sweep and hard-kills every live execution.
func (s *Service) Stop(ctx context.Context) {
	s.stop.Do(func() { close(s.stopCh) })

	for _, m := range s.table.List() {
		m.MarkCancelled()
		engine.Cancel(ctx, m.Proc(), engine.CancelGracePeriod)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("Timed out waiting for issue engine shutdown")
	}
}

// Table exposes the process table for the runtime endpoint.
func (s *Service) Table() *process.Table { return s.table }

// Registry exposes the engine registry for the engines API.
func (s *Service) Registry() *engine.Registry { return s.registry }

// lockFor returns the serialization point of one issue. All lifecycle
// operations for an issue run under it.
func (s *Service) lockFor(issueID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(issueID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// --- event publishing -------------------------------------------------------

func (s *Service) publishLog(issueID, executionID string, row *models.IssueLog) {
	ev := bus.NewEvent(events.EventIssueLog, events.SourceEngine, map[string]interface{}{
		"issue_id":     issueID,
		"execution_id": executionID,
		"entry":        row.ToAPI(),
	})
	if err := s.bus.Publish(context.Background(), events.BuildIssueLogSubject(issueID), ev); err != nil {
		s.log.Error("Failed to publish log event", zap.String("issue_id", issueID), zap.Error(err))
	}
}

func (s *Service) publishState(issueID, executionID string, state v1.SessionStatus) {
	ev := bus.NewEvent(events.EventIssueState, events.SourceEngine, map[string]interface{}{
		"issue_id":     issueID,
		"execution_id": executionID,
		"state":        string(state),
	})
	if err := s.bus.Publish(context.Background(), events.BuildIssueStateSubject(issueID), ev); err != nil {
		s.log.Error("Failed to publish state event", zap.String("issue_id", issueID), zap.Error(err))
	}
}

func (s *Service) publishSettled(issueID, executionID string, finalStatus v1.SessionStatus) {
	ev := bus.NewEvent(events.EventIssueSettled, events.SourceEngine, map[string]interface{}{
		"issue_id":     issueID,
		"execution_id": executionID,
		"final_status": string(finalStatus),
	})
	if err := s.bus.Publish(context.Background(), events.BuildIssueSettledSubject(issueID), ev); err != nil {
		s.log.Error("Failed to publish settled event", zap.String("issue_id", issueID), zap.Error(err))
	}
}

func (s *Service) publishIssueUpdated(issue *models.Issue, deleted bool) {
	ev := bus.NewEvent(events.EventIssueUpdated, events.SourceEngine, map[string]interface{}{
		"issue_id":   issue.ID,
		"project_id": issue.ProjectID,
		"issue":      issue.ToAPI(),
		"is_deleted": deleted,
	})
	if err := s.bus.Publish(context.Background(), events.IssueUpdatedSubject, ev); err != nil {
		s.log.Error("Failed to publish issue-updated event", zap.String("issue_id", issue.ID), zap.Error(err))
	}
}

func (s *Service) publishChanges(summary *v1.ChangesSummary) {
	ev := bus.NewEvent(events.EventChangesSummary, events.SourceEngine, map[string]interface{}{
		"issue_id":   summary.IssueID,
		"project_id": summary.ProjectID,
		"summary":    summary,
	})
	if err := s.bus.Publish(context.Background(), events.BuildProjectChangesSubject(summary.ProjectID), ev); err != nil {
		s.log.Error("Failed to publish changes summary", zap.String("project_id", summary.ProjectID), zap.Error(err))
	}
}

// --- project & issue CRUD ---------------------------------------------------

// CreateProject creates a project.
func (s *Service) CreateProject(ctx context.Context, project *models.Project) error {
	return s.repo.CreateProject(ctx, project)
}

// GetProject returns a project by id.
func (s *Service) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return s.repo.GetProject(ctx, id)
}

// ResolveProjectID resolves an opaque project id or human alias to an id.
func (s *Service) ResolveProjectID(ctx context.Context, idOrAlias string) (string, error) {
	return s.repo.ResolveProjectID(ctx, idOrAlias)
}

// ListProjects lists all projects.
func (s *Service) ListProjects(ctx context.Context) ([]*models.Project, error) {
	return s.repo.ListProjects(ctx)
}

// UpdateProject updates a project's descriptive fields.
func (s *Service) UpdateProject(ctx context.Context, project *models.Project) error {
	return s.repo.UpdateProject(ctx, project)
}

// DeleteProject soft-deletes a project.
func (s *Service) DeleteProject(ctx context.Context, id string) error {
	return s.repo.DeleteProject(ctx, id)
}

// CreateIssue creates an issue. An empty title gets the placeholder so the
// first completed turn can auto-title it.
func (s *Service) CreateIssue(ctx context.Context, issue *models.Issue) error {
	if issue.Title == "" {
		issue.Title = placeholderTitle
	}
	if err := s.repo.CreateIssue(ctx, issue); err != nil {
		return err
	}
	s.publishIssueUpdated(issue, false)
	return nil
}

// GetIssue returns an issue by id.
func (s *Service) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	return s.repo.GetIssue(ctx, id)
}

// ListIssues lists a project's issues, optionally limited to one column.
func (s *Service) ListIssues(ctx context.Context, projectID string, status v1.IssueStatus) ([]*models.Issue, error) {
	return s.repo.ListIssues(ctx, projectID, status)
}

// UpdateIssue updates descriptive fields and, when a status is given, moves
// the issue to that column.
func (s *Service) UpdateIssue(ctx context.Context, issue *models.Issue, newStatus v1.IssueStatus) (*models.Issue, error) {
	if err := s.repo.UpdateIssue(ctx, issue); err != nil {
		return nil, err
	}
	updated := issue
	if newStatus != "" && newStatus != issue.Status {
		moved, err := s.repo.MoveIssueStatus(ctx, issue.ID, newStatus)
		if err != nil {
			return nil, err
		}
		updated = moved
	}
	s.publishIssueUpdated(updated, false)
	return updated, nil
}

// MoveIssue moves an issue to another status column.
func (s *Service) MoveIssue(ctx context.Context, id string, status v1.IssueStatus) (*models.Issue, error) {
	moved, err := s.repo.MoveIssueStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	s.publishIssueUpdated(moved, false)
	return moved, nil
}

// DeleteIssue soft-deletes an issue. A live execution is cancelled first.
func (s *Service) DeleteIssue(ctx context.Context, id string) error {
	issue, err := s.repo.GetIssue(ctx, id)
	if err != nil {
		return err
	}
	if m, ok := s.table.ByIssue(id); ok {
		m.MarkCancelled()
		engine.Cancel(ctx, m.Proc(), engine.CancelGracePeriod)
	}
	if err := s.repo.SoftDeleteIssue(ctx, id); err != nil {
		return err
	}
	issue.IsDeleted = true
	s.publishIssueUpdated(issue, true)
	return nil
}

// --- settings & engines -----------------------------------------------------

// GetSetting returns one app setting.
func (s *Service) GetSetting(ctx context.Context, key string) (*models.AppSetting, error) {
	return s.repo.GetSetting(ctx, key)
}

// SetSetting stores one app setting.
func (s *Service) SetSetting(ctx context.Context, key, value string) error {
	return s.repo.SetSetting(ctx, key, value)
}

// ListSettings returns all app settings.
func (s *Service) ListSettings(ctx context.Context) ([]*models.AppSetting, error) {
	return s.repo.ListSettings(ctx)
}

// EngineInfos probes every registered engine and lists its models.
func (s *Service) EngineInfos(ctx context.Context) []*v1.EngineInfo {
	var infos []*v1.EngineInfo
	for _, engineType := range s.registry.Types() {
		avail, err := s.registry.Availability(ctx, engineType)
		if err != nil {
			continue
		}
		info := &v1.EngineInfo{
			Type:       engineType,
			Installed:  avail.Installed,
			Executable: avail.Executable,
			Version:    avail.Version,
			AuthStatus: string(avail.AuthStatus),
			Error:      avail.Error,
		}
		if avail.Executable {
			models, _ := s.registry.Models(ctx, engineType)
			for _, m := range models {
				info.Models = append(info.Models, v1.EngineModel{ID: m.ID, Name: m.Name, IsDefault: m.IsDefault})
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// NormalizeLine replays one raw engine output line through an adapter's
// normalizer. Used by the runtime endpoint.
func (s *Service) NormalizeLine(engineType, raw string) (*engine.Entry, error) {
	adapter, ok := s.registry.Get(engineType)
	if !ok {
		return nil, apperrors.EngineUnavailable(engineType, "unknown engine type")
	}
	return adapter.NormalizeLogLine(raw), nil
}

// GetLogs pages through an issue's durable log.
func (s *Service) GetLogs(ctx context.Context, issueID string, devMode bool, q models.LogQuery) (*models.LogPage, error) {
	if _, err := s.repo.GetIssue(ctx, issueID); err != nil {
		return nil, err
	}
	return s.repo.ListLogs(ctx, issueID, q, devMode)
}

// ProjectIDForIssue implements the scoped-subscriber resolver.
func (s *Service) ProjectIDForIssue(ctx context.Context, issueID string) (string, error) {
	return s.repo.ProjectIDForIssue(ctx, issueID)
}
