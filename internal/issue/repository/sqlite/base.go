// Package sqlite provides the SQL-backed issue storage. Despite the name it
// serves both backends: SQLite through the mattn driver and PostgreSQL
// through pgx, with dialect helpers covering the differences.
package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/bitk/bitk/internal/db"
	"github.com/bitk/bitk/internal/db/dialect"
)

// Repository provides SQL-backed storage for projects, issues, logs, and
// app settings.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	driver string
}

// New creates a repository over the shared connection pool and initializes
// the schema. The pool stays owned by the caller.
func New(pool *db.Pool) (*Repository, error) {
	repo := &Repository{
		db:     pool.Writer(),
		ro:     pool.Reader(),
		driver: pool.Writer().DriverName(),
	}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// initSchema creates the database tables if they don't exist
func (r *Repository) initSchema() error {
	if err := r.initProjectSchema(); err != nil {
		return err
	}
	if err := r.initIssueSchema(); err != nil {
		return err
	}
	if err := r.initLogSchema(); err != nil {
		return err
	}
	if err := r.initSettingsSchema(); err != nil {
		return err
	}
	return r.runMigrations()
}

func (r *Repository) initProjectSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		alias TEXT NOT NULL UNIQUE,
		description TEXT DEFAULT '',
		directory TEXT DEFAULT '',
		repository_url TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0
	);
	`)
	return err
}

func (r *Repository) initIssueSchema() error {
	if _, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		status_id TEXT NOT NULL DEFAULT 'todo' CHECK (status_id IN ('todo','working','review','done')),
		issue_number INTEGER NOT NULL,
		title TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'medium',
		sort_order INTEGER NOT NULL DEFAULT 0,
		parent_issue_id TEXT,
		use_worktree INTEGER NOT NULL DEFAULT 0,
		engine_type TEXT DEFAULT '',
		session_status TEXT DEFAULT '',
		prompt TEXT DEFAULT '',
		external_session_id TEXT DEFAULT '',
		model TEXT DEFAULT '',
		base_commit_hash TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (project_id) REFERENCES projects(id),
		FOREIGN KEY (parent_issue_id) REFERENCES issues(id)
	);
	`); err != nil {
		return err
	}
	_, err := r.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_issues_project_id ON issues(project_id);
	CREATE INDEX IF NOT EXISTS idx_issues_status_id ON issues(status_id);
	CREATE INDEX IF NOT EXISTS idx_issues_parent_issue_id ON issues(parent_issue_id);
	`)
	return err
}

func (r *Repository) initLogSchema() error {
	// The log id doubles as the pagination cursor; both backends hand out
	// strictly increasing ids from a single writer.
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(r.driver) {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}
	if _, err := r.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS issue_logs (
		id %s,
		issue_id TEXT NOT NULL,
		turn_index INTEGER NOT NULL DEFAULT 0,
		entry_index INTEGER NOT NULL DEFAULT 0,
		entry_type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT DEFAULT '{}',
		tool_action TEXT,
		reply_to_message_id TEXT DEFAULT '',
		timestamp TEXT DEFAULT '',
		visible INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
	);
	`, idColumn)); err != nil {
		return err
	}
	_, err := r.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_issue_logs_issue_id ON issue_logs(issue_id);
	CREATE INDEX IF NOT EXISTS idx_issue_logs_issue_turn_entry ON issue_logs(issue_id, turn_index, entry_index);
	`)
	return err
}

func (r *Repository) initSettingsSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
func (r *Repository) runMigrations() error {
	// Session fields added after the initial release (ignore error if present)
	_, _ = r.db.Exec(`ALTER TABLE issues ADD COLUMN base_commit_hash TEXT DEFAULT ''`)
	_, _ = r.db.Exec(`ALTER TABLE issue_logs ADD COLUMN reply_to_message_id TEXT DEFAULT ''`)
	return nil
}
