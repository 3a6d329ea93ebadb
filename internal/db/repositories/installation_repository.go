// installation_repository.go implements InstallationRepository, providing
// database queries for the installation lifecycle: creation on webhook events,
// activation state changes, and per-user active counts for cap enforcement.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/streakkeeper/streakkeeper/internal/db/models"
)

// InstallationRepository handles database operations for installations
type InstallationRepository struct {
	db *sqlx.DB
}

// NewInstallationRepository creates a new installation repository
func NewInstallationRepository(db *sqlx.DB) *InstallationRepository {
	return &InstallationRepository{db: db}
}

// CreateInstallation inserts a new installation record
func (r *InstallationRepository) CreateInstallation(ctx context.Context, inst *models.Installation) error {
	now := time.Now()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	query := `
		INSERT INTO installations (
			id, user_id, repo_full_name, active, last_commit_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)`

	_, err := r.db.ExecContext(ctx, query,
		inst.ID, inst.UserID, inst.RepoFullName, inst.Active,
		inst.LastCommitAt, inst.CreatedAt, inst.UpdatedAt,
	)
	return err
}

// GetInstallation retrieves an installation by its platform id
func (r *InstallationRepository) GetInstallation(ctx context.Context, id int64) (*models.Installation, error) {
	var inst models.Installation
	query := `SELECT * FROM installations WHERE id = $1`
	err := r.db.GetContext(ctx, &inst, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &inst, err
}

// ListActiveInstallations lists all active installations ordered by id.
// The daily batch iterates this snapshot.
func (r *InstallationRepository) ListActiveInstallations(ctx context.Context) ([]*models.Installation, error) {
	var installations []*models.Installation
	query := `SELECT * FROM installations WHERE active = true ORDER BY id`
	err := r.db.SelectContext(ctx, &installations, query)
	return installations, err
}

// CountActiveByUser returns how many active installations a user currently holds
func (r *InstallationRepository) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM installations WHERE user_id = $1 AND active = true`
	err := r.db.GetContext(ctx, &count, query, userID)
	return count, err
}

// SetActive flips the activation state of an installation
func (r *InstallationRepository) SetActive(ctx context.Context, id int64, active bool) error {
	query := `UPDATE installations SET active = $2, updated_at = $3 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, active, time.Now())
	return err
}

// UpdateRepo updates the repository an installation points at. Used when a
// webhook reports the installation moved to a different repository.
func (r *InstallationRepository) UpdateRepo(ctx context.Context, id int64, repoFullName string) error {
	query := `UPDATE installations SET repo_full_name = $2, updated_at = $3 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, repoFullName, time.Now())
	return err
}

// TouchLastCommit records the time of a successful keep-alive commit
func (r *InstallationRepository) TouchLastCommit(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE installations SET last_commit_at = $2, updated_at = $3 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, at, time.Now())
	return err
}
