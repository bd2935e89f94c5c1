package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/db/dialect"
	"github.com/bitk/bitk/internal/issue/models"
	"github.com/bitk/bitk/internal/telemetry"
	v1 "github.com/bitk/bitk/pkg/api/v1"
)

const issueColumns = `id, project_id, status_id, issue_number, title, priority, sort_order, parent_issue_id,
	use_worktree, engine_type, session_status, prompt, external_session_id, model, base_commit_hash,
	created_at, updated_at, is_deleted`

// CreateIssue creates a new issue, allocating its number and sort order
// inside one transaction. Issue numbers count soft-deleted rows so they are
// never reused; sort orders do not, so columns stay dense.
func (r *Repository) CreateIssue(ctx context.Context, issue *models.Issue) error {
	if issue.ID == "" {
		issue.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	issue.CreatedAt = now
	issue.UpdatedAt = now
	if issue.Status == "" {
		issue.Status = v1.IssueStatusTodo
	}
	if !models.ValidStatus(issue.Status) {
		return apperrors.ValidationError("status", fmt.Sprintf("unknown status %q", issue.Status))
	}
	if issue.Priority == "" {
		issue.Priority = models.PriorityMedium
	}
	if issue.Title == "" {
		return apperrors.ValidationError("title", "must not be empty")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := r.validateParent(ctx, tx, issue.ProjectID, issue.ParentIssueID); err != nil {
		_ = tx.Rollback()
		return err
	}

	err = tx.QueryRowContext(ctx, r.db.Rebind(`
		SELECT COALESCE(MAX(issue_number), 0) + 1 FROM issues WHERE project_id = ?
	`), issue.ProjectID).Scan(&issue.IssueNumber)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	issue.SortOrder, err = r.nextSortOrder(ctx, tx, issue.ProjectID, issue.Status)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO issues (id, project_id, status_id, issue_number, title, priority, sort_order, parent_issue_id,
			use_worktree, engine_type, session_status, prompt, external_session_id, model, base_commit_hash,
			created_at, updated_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`), issue.ID, issue.ProjectID, issue.Status, issue.IssueNumber, issue.Title, issue.Priority, issue.SortOrder,
		issue.ParentIssueID, dialect.BoolToInt(issue.UseWorktree), issue.EngineType, issue.SessionStatus,
		issue.Prompt, issue.ExternalSessionID, issue.Model, issue.BaseCommitHash, issue.CreatedAt, issue.UpdatedAt)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback issue insert: %w", rollbackErr)
		}
		return err
	}

	return tx.Commit()
}

// validateParent enforces single-level nesting: the parent must exist in the
// same project and must not itself be a sub-issue.
func (r *Repository) validateParent(ctx context.Context, tx *sql.Tx, projectID string, parentID *string) error {
	if parentID == nil || *parentID == "" {
		return nil
	}
	var grandparent sql.NullString
	err := tx.QueryRowContext(ctx, r.db.Rebind(`
		SELECT parent_issue_id FROM issues WHERE id = ? AND project_id = ? AND is_deleted = 0
	`), *parentID, projectID).Scan(&grandparent)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.ValidationError("parentIssueId", fmt.Sprintf("parent issue not found: %s", *parentID))
	}
	if err != nil {
		return err
	}
	if grandparent.Valid && grandparent.String != "" {
		return apperrors.ValidationError("parentIssueId", "sub-issues cannot have sub-issues")
	}
	return nil
}

// nextSortOrder allocates the bottom slot of a status column.
func (r *Repository) nextSortOrder(ctx context.Context, tx *sql.Tx, projectID string, status v1.IssueStatus) (int, error) {
	var next int
	err := tx.QueryRowContext(ctx, r.db.Rebind(`
		SELECT COALESCE(MAX(sort_order), 0) + 1 FROM issues
		WHERE project_id = ? AND status_id = ? AND is_deleted = 0
	`), projectID, status).Scan(&next)
	return next, err
}

// GetIssue retrieves an issue by id. Soft-deleted issues are not found.
func (r *Repository) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	issue, err := r.scanIssueRow(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+issueColumns+` FROM issues WHERE id = ? AND is_deleted = 0
	`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("issue", id)
	}
	return issue, err
}

// ProjectIDForIssue resolves the project an issue belongs to. Used by the
// project-scoped event subscriber; soft-deleted issues resolve to nothing so
// their events stop flowing.
func (r *Repository) ProjectIDForIssue(ctx context.Context, id string) (string, error) {
	var projectID string
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT project_id FROM issues WHERE id = ? AND is_deleted = 0
	`), id).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.NotFound("issue", id)
	}
	return projectID, err
}

// ListIssues returns a project's issues ordered by column then position.
// An empty status lists every column.
func (r *Repository) ListIssues(ctx context.Context, projectID string, status v1.IssueStatus) ([]*models.Issue, error) {
	ctx, span := telemetry.Tracer("bitk-db").Start(ctx, "db.ListIssues")
	defer span.End()

	query := `SELECT ` + issueColumns + ` FROM issues WHERE project_id = ? AND is_deleted = 0`
	args := []interface{}{projectID}
	if status != "" {
		if !models.ValidStatus(status) {
			return nil, apperrors.ValidationError("status", fmt.Sprintf("unknown status %q", status))
		}
		query += ` AND status_id = ?`
		args = append(args, status)
	}
	query += ` ORDER BY status_id, sort_order, created_at`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return r.scanIssues(rows)
}

// UpdateIssue updates the descriptive fields of an issue. Status moves go
// through MoveIssueStatus so sort orders stay consistent.
func (r *Repository) UpdateIssue(ctx context.Context, issue *models.Issue) error {
	issue.UpdatedAt = time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := r.validateParent(ctx, tx, issue.ProjectID, issue.ParentIssueID); err != nil {
		_ = tx.Rollback()
		return err
	}

	result, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE issues SET title = ?, priority = ?, parent_issue_id = ?, use_worktree = ?, prompt = ?, model = ?, updated_at = ?
		WHERE id = ? AND is_deleted = 0
	`), issue.Title, issue.Priority, issue.ParentIssueID, dialect.BoolToInt(issue.UseWorktree),
		issue.Prompt, issue.Model, issue.UpdatedAt, issue.ID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		_ = tx.Rollback()
		return apperrors.NotFound("issue", issue.ID)
	}
	return tx.Commit()
}

// MoveIssueStatus moves an issue to another status column, appending it at
// the bottom of the target column. Returns the updated issue.
func (r *Repository) MoveIssueStatus(ctx context.Context, id string, status v1.IssueStatus) (*models.Issue, error) {
	if !models.ValidStatus(status) {
		return nil, apperrors.ValidationError("status", fmt.Sprintf("unknown status %q", status))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	var projectID string
	err = tx.QueryRowContext(ctx, r.db.Rebind(`
		SELECT project_id FROM issues WHERE id = ? AND is_deleted = 0
	`), id).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, apperrors.NotFound("issue", id)
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	sortOrder, err := r.nextSortOrder(ctx, tx, projectID, status)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE issues SET status_id = ?, sort_order = ?, updated_at = ? WHERE id = ?
	`), status, sortOrder, now, id)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	issue, err := r.scanIssueRow(tx.QueryRowContext(ctx, r.db.Rebind(`
		SELECT `+issueColumns+` FROM issues WHERE id = ?
	`), id))
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return issue, nil
}

// RecordExecution stores the session fields of a freshly spawned execution
// and marks the session running.
func (r *Repository) RecordExecution(ctx context.Context, id, engineType, prompt, model string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE issues SET engine_type = ?, prompt = ?, model = ?, session_status = ?, updated_at = ?
		WHERE id = ? AND is_deleted = 0
	`), engineType, prompt, model, v1.SessionStatusRunning, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("issue", id)
	}
	return nil
}

// UpdateSessionStatus sets the persisted session status.
func (r *Repository) UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE issues SET session_status = ?, updated_at = ? WHERE id = ? AND is_deleted = 0
	`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("issue", id)
	}
	return nil
}

// GetSessionStatus re-reads the current session status. Settlement uses this
// to detect a follow-up that reactivated the issue mid-settlement.
func (r *Repository) GetSessionStatus(ctx context.Context, id string) (v1.SessionStatus, error) {
	var status v1.SessionStatus
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT session_status FROM issues WHERE id = ? AND is_deleted = 0
	`), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.NotFound("issue", id)
	}
	return status, err
}

// SetExternalSessionID stores the engine-side session id. An empty value
// clears it, forcing the next follow-up to start a fresh session.
func (r *Repository) SetExternalSessionID(ctx context.Context, id, sessionID string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE issues SET external_session_id = ?, updated_at = ? WHERE id = ? AND is_deleted = 0
	`), sessionID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("issue", id)
	}
	return nil
}

// SetBaseCommitHash records the commit the execution started from.
func (r *Repository) SetBaseCommitHash(ctx context.Context, id, hash string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE issues SET base_commit_hash = ?, updated_at = ? WHERE id = ? AND is_deleted = 0
	`), hash, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("issue", id)
	}
	return nil
}

// UpdateIssueTitle overwrites the title. Used by the auto-title turn.
func (r *Repository) UpdateIssueTitle(ctx context.Context, id, title string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE issues SET title = ?, updated_at = ? WHERE id = ? AND is_deleted = 0
	`), title, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("issue", id)
	}
	return nil
}

// ListStaleWorkingIssues finds issues that claim a live session on disk.
// The caller compares them against the in-memory process table.
func (r *Repository) ListStaleWorkingIssues(ctx context.Context) ([]*models.Issue, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+issueColumns+` FROM issues
		WHERE status_id = ? AND session_status IN (?, ?) AND is_deleted = 0
	`), v1.IssueStatusWorking, v1.SessionStatusPending, v1.SessionStatusRunning)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return r.scanIssues(rows)
}

// MoveStaleToReview moves an orphaned working issue to review and marks its
// session failed. A no-op when the issue already left the working column, so
// the sweep never fights a concurrent settlement.
func (r *Repository) MoveStaleToReview(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	var projectID string
	err = tx.QueryRowContext(ctx, r.db.Rebind(`
		SELECT project_id FROM issues WHERE id = ? AND status_id = ? AND is_deleted = 0
	`), id, v1.IssueStatusWorking).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil
	}
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	sortOrder, err := r.nextSortOrder(ctx, tx, projectID, v1.IssueStatusReview)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE issues SET status_id = ?, sort_order = ?, session_status = ?, updated_at = ?
		WHERE id = ? AND status_id = ?
	`), v1.IssueStatusReview, sortOrder, v1.SessionStatusFailed, time.Now().UTC(), id, v1.IssueStatusWorking)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SoftDeleteIssue hides an issue while keeping its number allocated.
func (r *Repository) SoftDeleteIssue(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE issues SET is_deleted = 1, updated_at = ? WHERE id = ? AND is_deleted = 0
	`), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("issue", id)
	}
	return nil
}

func (r *Repository) scanIssues(rows *sql.Rows) ([]*models.Issue, error) {
	var result []*models.Issue
	for rows.Next() {
		issue, err := r.scanIssueRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, issue)
	}
	return result, rows.Err()
}

func (r *Repository) scanIssueRow(row rowScanner) (*models.Issue, error) {
	issue := &models.Issue{}
	var parent sql.NullString
	var useWorktree, isDeleted int
	err := row.Scan(&issue.ID, &issue.ProjectID, &issue.Status, &issue.IssueNumber, &issue.Title,
		&issue.Priority, &issue.SortOrder, &parent, &useWorktree, &issue.EngineType, &issue.SessionStatus,
		&issue.Prompt, &issue.ExternalSessionID, &issue.Model, &issue.BaseCommitHash,
		&issue.CreatedAt, &issue.UpdatedAt, &isDeleted)
	if err != nil {
		return nil, err
	}
	if parent.Valid && parent.String != "" {
		issue.ParentIssueID = &parent.String
	}
	issue.UseWorktree = useWorktree == 1
	issue.IsDeleted = isDeleted == 1
	return issue, nil
}
