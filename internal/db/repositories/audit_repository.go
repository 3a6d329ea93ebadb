// audit_repository.go implements AuditRepository, providing database queries
// for writing and retrieving audit log entries with filtered queries and both
// offset and cursor pagination.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/streakkeeper/streakkeeper/internal/db/models"
)

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters contains filters for querying audit logs
type AuditFilters struct {
	ActorType    *string
	Actions      []string
	TargetUserID *string
	EntityType   *string
	EntityID     *string
	StartDate    *time.Time
	EndDate      *time.Time
}

// applyFilters appends WHERE conditions for the set filters to both queries
// and returns the updated arg list and next parameter index.
func (f AuditFilters) apply(conds *string, args []interface{}) []interface{} {
	paramIndex := len(args) + 1

	if f.ActorType != nil {
		*conds += fmt.Sprintf(` AND actor_type = $%d`, paramIndex)
		args = append(args, *f.ActorType)
		paramIndex++
	}

	if len(f.Actions) > 0 {
		*conds += ` AND action IN (`
		for i, action := range f.Actions {
			if i > 0 {
				*conds += `, `
			}
			*conds += fmt.Sprintf(`$%d`, paramIndex)
			args = append(args, action)
			paramIndex++
		}
		*conds += `)`
	}

	if f.TargetUserID != nil {
		*conds += fmt.Sprintf(` AND target_user_id = $%d`, paramIndex)
		args = append(args, *f.TargetUserID)
		paramIndex++
	}

	if f.EntityType != nil {
		*conds += fmt.Sprintf(` AND entity_type = $%d`, paramIndex)
		args = append(args, *f.EntityType)
		paramIndex++
	}

	if f.EntityID != nil {
		*conds += fmt.Sprintf(` AND entity_id = $%d`, paramIndex)
		args = append(args, *f.EntityID)
		paramIndex++
	}

	if f.StartDate != nil {
		*conds += fmt.Sprintf(` AND created_at >= $%d`, paramIndex)
		args = append(args, *f.StartDate)
		paramIndex++
	}

	if f.EndDate != nil {
		*conds += fmt.Sprintf(` AND created_at <= $%d`, paramIndex)
		args = append(args, *f.EndDate)
		paramIndex++
	}

	return args
}

const auditColumns = `id, actor_type, actor_id, action, target_user_id, entity_type, entity_id, metadata, created_at`

// CreateAuditLog creates a new audit log entry
func (r *AuditRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	log.ID = uuid.New().String()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}

	// Marshal metadata to JSONB
	var metadataJSON []byte
	var err error
	if log.Metadata != nil {
		metadataJSON, err = json.Marshal(log.Metadata)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO audit_logs (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		log.ID,
		log.ActorType,
		log.ActorID,
		log.Action,
		log.TargetUserID,
		log.EntityType,
		log.EntityID,
		metadataJSON,
		log.CreatedAt,
	)

	return err
}

// CountAuditLogs returns how many entries match the filters
func (r *AuditRepository) CountAuditLogs(ctx context.Context, filters AuditFilters) (int, error) {
	conds := ``
	args := filters.apply(&conds, make([]interface{}, 0))

	var total int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs WHERE 1=1`+conds, args...).Scan(&total)
	return total, err
}

// ListAuditLogs retrieves audit logs with optional filters and offset
// pagination, returning the matching page and the total match count.
func (r *AuditRepository) ListAuditLogs(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	total, err := r.CountAuditLogs(ctx, filters)
	if err != nil {
		return nil, 0, err
	}

	conds := ``
	args := filters.apply(&conds, make([]interface{}, 0))

	paramIndex := len(args) + 1
	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE 1=1` + conds +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	logs, err := scanAuditLogs(rows)
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

// ListAuditLogsBefore retrieves at most limit entries strictly older than the
// (beforeTime, beforeID) position in the (created_at DESC, id DESC) order.
// It backs cursor pagination: pass the last entry of the previous page.
func (r *AuditRepository) ListAuditLogsBefore(ctx context.Context, filters AuditFilters, beforeTime time.Time, beforeID string, limit int) ([]*models.AuditLog, error) {
	conds := ``
	args := filters.apply(&conds, make([]interface{}, 0))

	paramIndex := len(args) + 1
	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE 1=1` + conds +
		fmt.Sprintf(` AND (created_at, id) < ($%d, $%d) ORDER BY created_at DESC, id DESC LIMIT $%d`,
			paramIndex, paramIndex+1, paramIndex+2)
	args = append(args, beforeTime, beforeID, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditLogs(rows)
}

// GetAuditLog retrieves a single audit log entry by ID
func (r *AuditRepository) GetAuditLog(ctx context.Context, logID string) (*models.AuditLog, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE id = $1`

	log := &models.AuditLog{}
	var metadataJSON []byte

	err := r.db.QueryRowContext(ctx, query, logID).Scan(
		&log.ID,
		&log.ActorType,
		&log.ActorID,
		&log.Action,
		&log.TargetUserID,
		&log.EntityType,
		&log.EntityID,
		&metadataJSON,
		&log.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &log.Metadata); err != nil {
			return nil, err
		}
	}

	return log, nil
}

// DeleteOlderThan removes audit entries created before the cutoff and returns
// how many rows were deleted. Used by the retention sweep job.
func (r *AuditRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanAuditLogs(rows *sql.Rows) ([]*models.AuditLog, error) {
	logs := make([]*models.AuditLog, 0)
	for rows.Next() {
		log := &models.AuditLog{}
		var metadataJSON []byte

		err := rows.Scan(
			&log.ID,
			&log.ActorType,
			&log.ActorID,
			&log.Action,
			&log.TargetUserID,
			&log.EntityType,
			&log.EntityID,
			&metadataJSON,
			&log.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		// Unmarshal metadata from JSONB
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &log.Metadata); err != nil {
				return nil, err
			}
		}

		logs = append(logs, log)
	}

	return logs, rows.Err()
}
