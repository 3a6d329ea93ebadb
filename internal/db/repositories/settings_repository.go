// settings_repository.go implements SettingsRepository, a small key/value
// store for operational state such as the admin token hash.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// SettingsRepository handles the system_settings table
type SettingsRepository struct {
	db *sqlx.DB
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *sqlx.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// GetSetting returns the value for a key, or "" when the key is absent
func (r *SettingsRepository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	query := `SELECT value FROM system_settings WHERE key = $1`
	err := r.db.GetContext(ctx, &value, query, key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetSetting upserts a key/value pair
func (r *SettingsRepository) SetSetting(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO system_settings (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = $3`

	_, err := r.db.ExecContext(ctx, query, key, value, time.Now())
	return err
}
