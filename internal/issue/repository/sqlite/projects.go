package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/issue/models"
)

// Project operations

const projectColumns = `id, name, alias, description, directory, repository_url, created_at, updated_at, is_deleted`

// CreateProject creates a new project. The alias must be unique.
func (r *Repository) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now
	if project.Name == "" {
		return apperrors.ValidationError("name", "must not be empty")
	}
	if project.Alias == "" {
		return apperrors.ValidationError("alias", "must not be empty")
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO projects (id, name, alias, description, directory, repository_url, created_at, updated_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`), project.ID, project.Name, project.Alias, project.Description, project.Directory, project.RepositoryURL, project.CreatedAt, project.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ValidationError("alias", "already in use")
		}
		return err
	}
	return nil
}

// GetProject retrieves a project by id. Soft-deleted projects are not found.
func (r *Repository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	project, err := r.scanProjectRow(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+projectColumns+` FROM projects WHERE id = ? AND is_deleted = 0
	`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("project", id)
	}
	return project, err
}

// GetProjectByAlias retrieves a project by its human alias.
func (r *Repository) GetProjectByAlias(ctx context.Context, alias string) (*models.Project, error) {
	project, err := r.scanProjectRow(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+projectColumns+` FROM projects WHERE alias = ? AND is_deleted = 0
	`), alias))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("project", alias)
	}
	return project, err
}

// ResolveProjectID accepts a project id or alias and returns the id.
func (r *Repository) ResolveProjectID(ctx context.Context, idOrAlias string) (string, error) {
	if project, err := r.GetProject(ctx, idOrAlias); err == nil {
		return project.ID, nil
	} else if !apperrors.IsNotFound(err) {
		return "", err
	}
	project, err := r.GetProjectByAlias(ctx, idOrAlias)
	if err != nil {
		return "", err
	}
	return project.ID, nil
}

// ListProjects returns all projects ordered by name, excluding soft-deleted.
func (r *Repository) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE is_deleted = 0 ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Project
	for rows.Next() {
		project, err := r.scanProjectRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, project)
	}
	return result, rows.Err()
}

// UpdateProject updates the mutable fields of an existing project.
func (r *Repository) UpdateProject(ctx context.Context, project *models.Project) error {
	project.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE projects
		SET name = ?, alias = ?, description = ?, directory = ?, repository_url = ?, updated_at = ?
		WHERE id = ? AND is_deleted = 0
	`), project.Name, project.Alias, project.Description, project.Directory, project.RepositoryURL, project.UpdatedAt, project.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ValidationError("alias", "already in use")
		}
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("project", project.ID)
	}
	return nil
}

// DeleteProject soft-deletes a project. The row remains for issue joins.
func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE projects SET is_deleted = 1, updated_at = ? WHERE id = ? AND is_deleted = 0
	`), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("project", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanProjectRow(row rowScanner) (*models.Project, error) {
	project := &models.Project{}
	var isDeleted int
	err := row.Scan(&project.ID, &project.Name, &project.Alias, &project.Description,
		&project.Directory, &project.RepositoryURL, &project.CreatedAt, &project.UpdatedAt, &isDeleted)
	if err != nil {
		return nil, err
	}
	project.IsDeleted = isDeleted == 1
	return project, nil
}

// isUniqueViolation matches unique constraint errors from both backends.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres
}
