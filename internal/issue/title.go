package issue

import (
	"context"

	"go.uber.org/zap"

	"github.com/bitk/bitk/internal/engine"
	v1 "github.com/bitk/bitk/pkg/api/v1"
)

// startTitleTurn runs the auto-title prompt as a meta turn on the open
// session. Engines without an open session get a separate meta execution
// after their process exits.
func (r *runner) startTitleTurn() {
	sender, ok := r.m.Proc().(engine.InputSender)
	if !ok {
		r.mu.Lock()
		r.wantAutoTitle = true
		r.mu.Unlock()
		return
	}

	r.m.SetMetaTurn(true)
	r.m.BeginTurn()
	r.mu.Lock()
	r.titleBuf.Reset()
	r.assistantSeen = false
	r.mu.Unlock()

	if err := sender.SendInput(context.Background(), engine.TitleSystemPrompt); err != nil {
		r.log.Warn("Failed to start auto-title turn", zap.Error(err))
		r.m.EndTurn()
		r.m.SetMetaTurn(false)
	}
}

// finishTitleTurn extracts the generated title from the meta turn's
// assistant output and stores it. Failures are logged, never surfaced.
func (r *runner) finishTitleTurn() {
	r.mu.Lock()
	text := r.titleBuf.String()
	r.titleBuf.Reset()
	r.mu.Unlock()

	r.m.EndTurn()
	r.m.SetMetaTurn(false)

	ctx := context.Background()
	_ = r.svc.repo.UpdateSessionStatus(ctx, r.m.IssueID, v1.SessionStatusCompleted)

	title := engine.ExtractTitle(text)
	if title == "" {
		r.log.Debug("Auto-title turn produced no usable title")
		return
	}
	if err := r.svc.repo.UpdateIssueTitle(ctx, r.m.IssueID, title); err != nil {
		r.log.Warn("Failed to store auto-generated title", zap.Error(err))
		return
	}
	if issue, err := r.svc.repo.GetIssue(ctx, r.m.IssueID); err == nil {
		r.svc.publishIssueUpdated(issue, false)
	}
	r.log.Info("Issue auto-titled", zap.String("title", title))
}

// spawnTitleExecution starts a dedicated meta execution generating the title
// for engines whose process exits per turn. Runs after cleanup, so the
// at-most-one-process invariant holds.
func (r *runner) spawnTitleExecution() {
	r.mu.Lock()
	want := r.wantAutoTitle
	r.wantAutoTitle = false
	r.mu.Unlock()
	if !want {
		return
	}
	ctx := context.Background()

	mu := r.svc.lockFor(r.m.IssueID)
	mu.Lock()
	defer mu.Unlock()

	if _, live := r.svc.table.ByIssue(r.m.IssueID); live {
		return
	}
	issue, err := r.svc.repo.GetIssue(ctx, r.m.IssueID)
	if err != nil || issue.Title != placeholderTitle {
		return
	}

	if _, err := r.svc.startExecution(ctx, issue, spawnRequest{
		engineType:        r.m.EngineType,
		prompt:            engine.TitleSystemPrompt,
		model:             r.m.Model(),
		resume:            true,
		externalSessionID: issue.ExternalSessionID,
		metaTurn:          true,
	}); err != nil {
		r.log.Warn("Failed to spawn auto-title execution", zap.Error(err))
	}
}
