package issue

import (
	"context"
	"time"

	"go.uber.org/zap"

	v1 "github.com/bitk/bitk/pkg/api/v1"
)

// reconcileLoop runs the periodic stale-session sweep until Stop.
func (s *Service) reconcileLoop() {
	defer s.wg.Done()

	interval := s.cfg.Engine.ReconcileIntervalDuration()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.reconcileOnce(context.Background()); err != nil {
				s.log.Error("Stale-session sweep failed", zap.Error(err))
			}
		}
	}
}

// reconcileOnce moves issues that claim a live session on disk but have no
// in-memory process to review with a failed session. Runs at startup and on
// every sweep tick.
func (s *Service) reconcileOnce(ctx context.Context) error {
	stale, err := s.repo.ListStaleWorkingIssues(ctx)
	if err != nil {
		return err
	}
	for _, issue := range stale {
		if _, live := s.table.ByIssue(issue.ID); live {
			continue
		}
		if err := s.repo.MoveStaleToReview(ctx, issue.ID); err != nil {
			s.log.Error("Failed to reconcile stale issue",
				zap.String("issue_id", issue.ID), zap.Error(err))
			continue
		}
		s.log.Info("Reconciled stale working issue",
			zap.String("issue_id", issue.ID),
			zap.String("previous_session_status", string(issue.SessionStatus)))
		s.publishState(issue.ID, "", v1.SessionStatusFailed)
		if updated, err := s.repo.GetIssue(ctx, issue.ID); err == nil {
			s.publishIssueUpdated(updated, false)
		}
	}
	return nil
}
