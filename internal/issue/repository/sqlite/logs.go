package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/db/dialect"
	"github.com/bitk/bitk/internal/engine"
	"github.com/bitk/bitk/internal/issue/models"
	"github.com/bitk/bitk/internal/telemetry"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 500
)

const logColumns = `id, issue_id, turn_index, entry_index, entry_type, content, metadata, tool_action,
	reply_to_message_id, timestamp, visible, created_at`

const logInsert = `
	INSERT INTO issue_logs (issue_id, turn_index, entry_index, entry_type, content, metadata, tool_action,
		reply_to_message_id, timestamp, visible, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// AppendLog persists one log entry with caller-assigned turn and entry
// indexes and fills in the generated id.
func (r *Repository) AppendLog(ctx context.Context, log *models.IssueLog) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := r.insertLog(ctx, tx, log); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendLogAllocating persists one log entry when no live process holds the
// issue's counters. The entry is appended to the tail of the latest turn so
// (turnIndex, entryIndex) stays strictly increasing.
func (r *Repository) AppendLogAllocating(ctx context.Context, log *models.IssueLog) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT COALESCE(MAX(turn_index), 0) FROM issue_logs WHERE issue_id = ?
	`), log.IssueID).Scan(&log.TurnIndex)
	if err != nil {
		return err
	}
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT COALESCE(MAX(entry_index), -1) + 1 FROM issue_logs WHERE issue_id = ? AND turn_index = ?
	`), log.IssueID, log.TurnIndex).Scan(&log.EntryIndex)
	if err != nil {
		return err
	}

	if err := r.insertLog(ctx, tx, log); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) insertLog(ctx context.Context, tx *sqlx.Tx, log *models.IssueLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	metadata := []byte("{}")
	if len(log.Metadata) > 0 {
		if b, err := json.Marshal(log.Metadata); err == nil {
			metadata = b
		}
	}
	var toolAction interface{}
	if log.ToolAction != nil {
		if b, err := json.Marshal(log.ToolAction); err == nil {
			toolAction = string(b)
		}
	}

	id, err := dialect.InsertReturningID(ctx, tx, logInsert,
		log.IssueID, log.TurnIndex, log.EntryIndex, log.EntryType, log.Content, string(metadata), toolAction,
		log.ReplyToMessageID, log.Timestamp, dialect.BoolToInt(log.Visible), log.CreatedAt)
	if err != nil {
		return err
	}
	log.ID = id
	return nil
}

// LatestTurnIndex returns the highest persisted turn index for an issue, or
// -1 when the issue has no log entries yet. New executions seed their turn
// counter from this so ordering continues across restarts.
func (r *Repository) LatestTurnIndex(ctx context.Context, issueID string) (int, error) {
	var turn int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COALESCE(MAX(turn_index), -1) FROM issue_logs WHERE issue_id = ?
	`), issueID).Scan(&turn)
	return turn, err
}

// GetLog retrieves a single log entry by id.
func (r *Repository) GetLog(ctx context.Context, id int64) (*models.IssueLog, error) {
	log, err := r.scanLogRow(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+logColumns+` FROM issue_logs WHERE id = ?
	`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("log entry", fmt.Sprintf("%d", id))
	}
	return log, err
}

// ListLogs pages through an issue's log. The log id is the cursor.
//
// Without a cursor the newest page is returned in ascending order and
// NextCursor points at its oldest entry, ready for a Before fetch. Cursor
// walks forward from a previous page's newest entry; Before walks backward.
// Outside dev mode, hidden and system entries are dropped after an overfetch
// of twice the page size, so filtering does not starve pages.
func (r *Repository) ListLogs(ctx context.Context, issueID string, q models.LogQuery, devMode bool) (*models.LogPage, error) {
	ctx, span := telemetry.Tracer("bitk-db").Start(ctx, "db.ListLogs")
	defer span.End()

	limit := q.Limit
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	fetchLimit := limit
	if !devMode {
		fetchLimit = limit * 2
	}

	var (
		rows     *sql.Rows
		err      error
		backward bool
	)
	switch {
	case q.Cursor != nil:
		rows, err = r.ro.QueryContext(ctx, r.ro.Rebind(`
			SELECT `+logColumns+` FROM issue_logs WHERE issue_id = ? AND id > ? ORDER BY id ASC LIMIT ?
		`), issueID, *q.Cursor, fetchLimit+1)
	case q.Before != nil:
		backward = true
		rows, err = r.ro.QueryContext(ctx, r.ro.Rebind(`
			SELECT `+logColumns+` FROM issue_logs WHERE issue_id = ? AND id < ? ORDER BY id DESC LIMIT ?
		`), issueID, *q.Before, fetchLimit+1)
	default:
		backward = true
		rows, err = r.ro.QueryContext(ctx, r.ro.Rebind(`
			SELECT `+logColumns+` FROM issue_logs WHERE issue_id = ? ORDER BY id DESC LIMIT ?
		`), issueID, fetchLimit+1)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.IssueLog
	for rows.Next() {
		entry, err := r.scanLogRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if backward {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}

	// The extra row only probes for another page in the requested direction.
	hasMore := len(entries) > fetchLimit
	if hasMore {
		if backward {
			entries = entries[1:]
		} else {
			entries = entries[:fetchLimit]
		}
	}

	if !devMode {
		filtered := entries[:0]
		for _, entry := range entries {
			if entry.Visible && entry.Metadata.Type() != engine.MetaTypeSystem {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}
	if len(entries) > limit {
		hasMore = true
		if backward {
			entries = entries[len(entries)-limit:]
		} else {
			entries = entries[:limit]
		}
	}

	page := &models.LogPage{Entries: entries, HasMore: hasMore}
	if len(entries) > 0 {
		if q.Cursor != nil {
			next := entries[len(entries)-1].ID
			page.NextCursor = &next
		} else {
			next := entries[0].ID
			page.NextCursor = &next
		}
	}
	return page, nil
}

// ListPendingLogs returns the durable pending user messages of an issue in
// queue order.
func (r *Repository) ListPendingLogs(ctx context.Context, issueID string) ([]*models.IssueLog, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+logColumns+` FROM issue_logs
		WHERE issue_id = ? AND entry_type = ? AND visible = 1 AND `+dialect.JSONExtract(r.driver, "metadata", "type")+` = ?
		ORDER BY id ASC
	`), issueID, engine.EntryUserMessage, engine.MetaTypePending)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.IssueLog
	for rows.Next() {
		entry, err := r.scanLogRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// MarkPendingDispatched flips the given pending entries invisible once the
// engine has accepted their merged prompt. Rows are kept for audit.
func (r *Repository) MarkPendingDispatched(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE issue_logs SET visible = 0 WHERE id IN (?)`, ids)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	return err
}

func (r *Repository) scanLogRow(row rowScanner) (*models.IssueLog, error) {
	log := &models.IssueLog{}
	var metadata string
	var toolAction sql.NullString
	var visible int
	err := row.Scan(&log.ID, &log.IssueID, &log.TurnIndex, &log.EntryIndex, &log.EntryType, &log.Content,
		&metadata, &toolAction, &log.ReplyToMessageID, &log.Timestamp, &visible, &log.CreatedAt)
	if err != nil {
		return nil, err
	}
	if metadata != "" && metadata != "{}" {
		_ = json.Unmarshal([]byte(metadata), &log.Metadata)
	}
	if toolAction.Valid && toolAction.String != "" {
		action := &engine.ToolAction{}
		if err := json.Unmarshal([]byte(toolAction.String), action); err == nil {
			log.ToolAction = action
		}
	}
	log.Visible = visible == 1
	return log, nil
}
