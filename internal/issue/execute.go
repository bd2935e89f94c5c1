package issue

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/engine"
	"github.com/bitk/bitk/internal/engine/process"
	"github.com/bitk/bitk/internal/issue/models"
	v1 "github.com/bitk/bitk/pkg/api/v1"
)

// ExecuteOptions carries the parameters of a fresh execution.
type ExecuteOptions struct {
	EngineType     string
	Prompt         string
	WorkingDir     string
	Model          string
	PermissionMode engine.PermissionMode
}

// BusyAction decides what a follow-up does when a process is already running.
type BusyAction string

const (
	BusyQueue  BusyAction = "queue"
	BusyCancel BusyAction = "cancel"
)

// FollowUpOptions carries the parameters of a follow-up message.
type FollowUpOptions struct {
	Prompt         string
	Model          string
	PermissionMode engine.PermissionMode
	BusyAction     BusyAction
}

// FollowUpResult reports what happened to a follow-up.
type FollowUpResult struct {
	Queued      bool   `json:"queued"`
	ExecutionID string `json:"executionId,omitempty"`
	PendingID   int64  `json:"pendingId,omitempty"`
}

// ExecuteIssue starts a fresh execution for an issue. Issues in todo or done
// cannot execute (follow-ups to those columns queue as pending instead);
// review auto-promotes to working.
func (s *Service) ExecuteIssue(ctx context.Context, issueID string, opts ExecuteOptions) (*v1.ExecutionInfo, error) {
	mu := s.lockFor(issueID)
	mu.Lock()
	defer mu.Unlock()

	issue, err := s.repo.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if opts.Prompt == "" {
		return nil, apperrors.ValidationError("prompt", "must not be empty")
	}
	switch issue.Status {
	case v1.IssueStatusTodo, v1.IssueStatusDone:
		return nil, apperrors.ValidationError("status", "cannot execute an issue in "+string(issue.Status))
	case v1.IssueStatusReview:
		moved, err := s.repo.MoveIssueStatus(ctx, issueID, v1.IssueStatusWorking)
		if err != nil {
			return nil, err
		}
		issue = moved
		s.publishIssueUpdated(issue, false)
	}
	if m, ok := s.table.ByIssue(issueID); ok && m.State() != process.StateExited {
		return nil, apperrors.Busy("a process is already running for this issue; queue or cancel")
	}

	m, err := s.startExecution(ctx, issue, spawnRequest{
		engineType:     opts.EngineType,
		prompt:         opts.Prompt,
		workingDir:     opts.WorkingDir,
		model:          opts.Model,
		permissionMode: opts.PermissionMode,
	})
	if err != nil {
		return nil, err
	}
	return &v1.ExecutionInfo{ExecutionID: m.ExecutionID, IssueID: issueID, State: string(m.State())}, nil
}

// FollowUpIssue sends another prompt to an issue's conversation. With no
// active process it behaves like a fresh execution with session continuity.
// While busy, BusyQueue persists the message as durable pending and BusyCancel
// stops the process first and retries fresh.
func (s *Service) FollowUpIssue(ctx context.Context, issueID string, opts FollowUpOptions) (*FollowUpResult, error) {
	mu := s.lockFor(issueID)
	mu.Lock()
	defer mu.Unlock()

	issue, err := s.repo.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if opts.Prompt == "" {
		return nil, apperrors.ValidationError("prompt", "must not be empty")
	}
	if opts.BusyAction == "" {
		opts.BusyAction = BusyQueue
	}

	// Follow-ups to idle todo/done issues queue durably; the message is
	// picked up when the issue next executes.
	if issue.Status == v1.IssueStatusTodo || issue.Status == v1.IssueStatusDone {
		row, err := s.persistPendingMessage(ctx, issue.ID, opts.Prompt, opts.Model)
		if err != nil {
			return nil, err
		}
		return &FollowUpResult{Queued: true, PendingID: row.ID}, nil
	}

	m, live := s.table.ByIssue(issueID)
	if live && m.State() == process.StateExited {
		live = false
	}

	if !live {
		return s.followUpFresh(ctx, issue, opts)
	}

	switch opts.BusyAction {
	case BusyQueue:
		row, err := s.persistPendingMessage(ctx, issue.ID, opts.Prompt, opts.Model)
		if err != nil {
			return nil, err
		}
		m.EnqueuePending(process.PendingInput{
			LogID:  row.ID,
			Prompt: opts.Prompt,
			Model:  opts.Model,
		})
		return &FollowUpResult{Queued: true, PendingID: row.ID}, nil

	case BusyCancel:
		m.MarkCancelled()
		m.SetState(process.StateTerminating)
		engine.Cancel(ctx, m.Proc(), engine.CancelGracePeriod)
		if err := s.awaitRemoval(ctx, m.ExecutionID); err != nil {
			return nil, err
		}
		return s.followUpFresh(ctx, issue, opts)

	default:
		return nil, apperrors.ValidationError("busyAction", "must be queue or cancel")
	}
}

// followUpFresh spawns a continuation execution. Continuity comes from the
// stored external session id when the engine has one.
func (s *Service) followUpFresh(ctx context.Context, issue *models.Issue, opts FollowUpOptions) (*FollowUpResult, error) {
	if issue.Status == v1.IssueStatusReview {
		moved, err := s.repo.MoveIssueStatus(ctx, issue.ID, v1.IssueStatusWorking)
		if err != nil {
			return nil, err
		}
		issue = moved
		s.publishIssueUpdated(issue, false)
	}
	engineType := issue.EngineType
	if engineType == "" {
		return nil, apperrors.ValidationError("engineType", "issue has no engine session to follow up")
	}
	model := opts.Model
	if model == "" {
		model = issue.Model
	}
	m, err := s.startExecution(ctx, issue, spawnRequest{
		engineType:        engineType,
		prompt:            opts.Prompt,
		model:             model,
		permissionMode:    opts.PermissionMode,
		resume:            true,
		externalSessionID: issue.ExternalSessionID,
	})
	if err != nil {
		return nil, err
	}
	return &FollowUpResult{ExecutionID: m.ExecutionID}, nil
}

// RestartIssue drops any queued pending without sending it, stops a live
// process, and spawns fresh from the issue's stored prompt. Used to recover
// from session-id errors.
func (s *Service) RestartIssue(ctx context.Context, issueID string) (*v1.ExecutionInfo, error) {
	mu := s.lockFor(issueID)
	mu.Lock()
	defer mu.Unlock()

	issue, err := s.repo.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if issue.EngineType == "" || issue.Prompt == "" {
		return nil, apperrors.ValidationError("issue", "issue has no recorded execution to restart")
	}

	pending, err := s.repo.ListPendingLogs(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		ids := make([]int64, len(pending))
		for i, p := range pending {
			ids[i] = p.ID
		}
		if err := s.repo.MarkPendingDispatched(ctx, ids); err != nil {
			return nil, err
		}
	}

	if m, ok := s.table.ByIssue(issueID); ok && m.State() != process.StateExited {
		m.MarkCancelled()
		m.SetState(process.StateTerminating)
		engine.Cancel(ctx, m.Proc(), engine.CancelGracePeriod)
		if err := s.awaitRemoval(ctx, m.ExecutionID); err != nil {
			return nil, err
		}
	}

	m, err := s.startExecution(ctx, issue, spawnRequest{
		engineType:     issue.EngineType,
		prompt:         issue.Prompt,
		model:          issue.Model,
		permissionMode: engine.PermissionMode(s.cfg.Engine.DefaultPermissionMode),
	})
	if err != nil {
		return nil, err
	}
	return &v1.ExecutionInfo{ExecutionID: m.ExecutionID, IssueID: issueID, State: string(m.State())}, nil
}

// CancelIssue requests a graceful stop and returns the eventual terminal
// session status once the process has exited and settled.
func (s *Service) CancelIssue(ctx context.Context, issueID string) (*v1.CancelResult, error) {
	issue, err := s.repo.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}

	m, ok := s.table.ByIssue(issueID)
	if !ok || m.State() == process.StateExited {
		return &v1.CancelResult{IssueID: issueID, SessionStatus: issue.SessionStatus}, nil
	}

	m.MarkCancelled()
	m.SetState(process.StateTerminating)
	engine.Cancel(ctx, m.Proc(), engine.CancelGracePeriod)
	if err := s.awaitRemoval(ctx, m.ExecutionID); err != nil {
		return nil, err
	}

	status, err := s.repo.GetSessionStatus(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return &v1.CancelResult{IssueID: issueID, SessionStatus: status}, nil
}

// spawnRequest is the internal spawn parameter bundle.
type spawnRequest struct {
	engineType        string
	prompt            string
	workingDir        string
	model             string
	permissionMode    engine.PermissionMode
	resume            bool
	externalSessionID string
	metaTurn          bool
}

// startExecution spawns the subprocess, registers the managed process, and
// starts the stream consumers. The caller holds the issue lock.
func (s *Service) startExecution(ctx context.Context, issue *models.Issue, req spawnRequest) (*process.Managed, error) {
	adapter, ok := s.registry.Get(req.engineType)
	if !ok {
		return nil, apperrors.EngineUnavailable(req.engineType, "unknown engine type")
	}
	if req.permissionMode == "" {
		req.permissionMode = engine.PermissionMode(s.cfg.Engine.DefaultPermissionMode)
	}

	workingDir, err := s.resolveWorkingDir(ctx, issue, req.workingDir)
	if err != nil {
		return nil, err
	}

	if !s.sem.TryAcquire(1) {
		return nil, apperrors.Busy("global concurrency limit reached")
	}

	opts := engine.SpawnOptions{
		Prompt:            req.prompt,
		WorkingDir:        workingDir,
		Model:             req.model,
		PermissionMode:    req.permissionMode,
		ExternalSessionID: req.externalSessionID,
		MetaTurn:          req.metaTurn,
	}
	env := engine.SafeEnv(nil)

	var proc engine.SpawnedProcess
	if req.resume {
		proc, err = adapter.SpawnFollowUp(ctx, opts, env)
	} else {
		proc, err = adapter.Spawn(ctx, opts, env)
	}
	if err != nil {
		s.sem.Release(1)
		if !req.metaTurn {
			_ = s.repo.UpdateSessionStatus(ctx, issue.ID, v1.SessionStatusFailed)
			s.publishState(issue.ID, "", v1.SessionStatusFailed)
		}
		if _, ok := err.(*apperrors.AppError); ok {
			return nil, err
		}
		return nil, apperrors.SpawnFailed(req.engineType, err)
	}

	latestTurn, err := s.repo.LatestTurnIndex(ctx, issue.ID)
	if err != nil {
		latestTurn = -1
	}

	executionID := uuid.New().String()
	m := process.NewManaged(executionID, issue.ID, issue.ProjectID, req.engineType, workingDir,
		proc, latestTurn, s.cfg.Engine.MaxLogEntries)
	m.BeginTurn()
	m.SetModel(req.model)
	if req.metaTurn {
		m.SetMetaTurn(true)
	}
	if req.externalSessionID != "" {
		m.SetExternalSessionID(req.externalSessionID)
	}

	if err := s.table.Put(m); err != nil {
		engine.Cancel(ctx, proc, 0)
		s.sem.Release(1)
		return nil, err
	}
	m.SetState(process.StateRunning)

	if err := s.persistInitialUserMessage(ctx, m, req); err != nil {
		s.log.Error("Failed to persist initial user message",
			zap.String("issue_id", issue.ID), zap.Error(err))
	}
	if !req.metaTurn {
		if err := s.repo.RecordExecution(ctx, issue.ID, req.engineType, req.prompt, req.model); err != nil {
			s.log.Error("Failed to record execution", zap.String("issue_id", issue.ID), zap.Error(err))
		}
	} else {
		_ = s.repo.UpdateSessionStatus(ctx, issue.ID, v1.SessionStatusRunning)
	}

	r := newRunner(s, m, adapter)
	r.start()

	s.publishState(issue.ID, executionID, v1.SessionStatusRunning)
	s.log.Info("Execution started",
		zap.String("issue_id", issue.ID),
		zap.String("execution_id", executionID),
		zap.String("engine", req.engineType),
		zap.Bool("meta_turn", req.metaTurn))
	return m, nil
}

// persistInitialUserMessage stores the visible non-pending user message that
// opens the turn. Meta turns tag it system so clients hide it.
func (s *Service) persistInitialUserMessage(ctx context.Context, m *process.Managed, req spawnRequest) error {
	meta := engine.Metadata{}
	if req.model != "" {
		meta[engine.MetaModel] = req.model
	}
	if req.metaTurn {
		meta[engine.MetaType] = engine.MetaTypeSystem
	}
	turn, index := m.NextEntry()
	row := &models.IssueLog{
		IssueID:    m.IssueID,
		TurnIndex:  turn,
		EntryIndex: index,
		EntryType:  engine.EntryUserMessage,
		Content:    req.prompt,
		Metadata:   meta,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Visible:    true,
	}
	if err := s.repo.AppendLog(ctx, row); err != nil {
		return err
	}
	s.publishLog(m.IssueID, m.ExecutionID, row)
	return nil
}

// persistPendingMessage stores a durable pending user message so queued
// input survives a crash. The row stays visible until dispatch flips it.
func (s *Service) persistPendingMessage(ctx context.Context, issueID, prompt, model string) (*models.IssueLog, error) {
	meta := engine.Metadata{engine.MetaType: engine.MetaTypePending}
	if model != "" {
		meta[engine.MetaModel] = model
	}
	row := &models.IssueLog{
		IssueID:   issueID,
		EntryType: engine.EntryUserMessage,
		Content:   prompt,
		Metadata:  meta,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Visible:   true,
	}
	if err := s.repo.AppendLogAllocating(ctx, row); err != nil {
		return nil, err
	}
	s.publishLog(issueID, "", row)
	return row, nil
}

// resolveWorkingDir picks the execution's working directory and enforces the
// workspace root constraint. Precedence: request, project directory,
// workspace default path setting.
func (s *Service) resolveWorkingDir(ctx context.Context, issue *models.Issue, requested string) (string, error) {
	dir := requested
	if dir == "" {
		if project, err := s.repo.GetProject(ctx, issue.ProjectID); err == nil && project.Directory != "" {
			dir = project.Directory
		}
	}
	if dir == "" {
		if setting, err := s.repo.GetSetting(ctx, models.SettingWorkspaceDefaultPath); err == nil {
			dir = setting.Value
		}
	}
	if dir == "" {
		return "", nil
	}
	if err := engine.EnsureWithinRoot(s.cfg.Workspace.RootPath, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// awaitRemoval waits for the exit supervisor to finish cleaning up an
// execution. The supervisor owns table removal, so waiting on it guarantees
// settlement has run.
func (s *Service) awaitRemoval(ctx context.Context, executionID string) error {
	deadline := time.NewTimer(engine.CancelGracePeriod + exitGracePeriod + 3*time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := s.table.ByExecution(executionID); !ok {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return apperrors.InternalError("timed out waiting for process cleanup", nil)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// mergePrompts joins queued prompts with a blank line, preserving FIFO order.
func mergePrompts(inputs []process.PendingInput) (prompt, model string, logIDs []int64) {
	parts := make([]string, 0, len(inputs))
	for _, in := range inputs {
		parts = append(parts, in.Prompt)
		if in.Model != "" {
			model = in.Model
		}
		if in.LogID != 0 {
			logIDs = append(logIDs, in.LogID)
		}
	}
	return strings.Join(parts, "\n\n"), model, logIDs
}
