package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/issue/models"
)

// GetSetting retrieves a single application setting by key.
func (r *Repository) GetSetting(ctx context.Context, key string) (*models.AppSetting, error) {
	setting := &models.AppSetting{}
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT key, value, created_at, updated_at FROM app_settings WHERE key = ?
	`), key).Scan(&setting.Key, &setting.Value, &setting.CreatedAt, &setting.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("setting", key)
	}
	if err != nil {
		return nil, err
	}
	return setting, nil
}

// SetSetting upserts an application setting.
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO app_settings (key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), key, value, now, now)
	return err
}

// ListSettings returns all application settings ordered by key.
func (r *Repository) ListSettings(ctx context.Context) ([]*models.AppSetting, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT key, value, created_at, updated_at FROM app_settings ORDER BY key
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.AppSetting
	for rows.Next() {
		setting := &models.AppSetting{}
		if err := rows.Scan(&setting.Key, &setting.Value, &setting.CreatedAt, &setting.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, setting)
	}
	return result, rows.Err()
}
