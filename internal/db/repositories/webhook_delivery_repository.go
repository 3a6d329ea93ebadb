// webhook_delivery_repository.go implements WebhookDeliveryRepository, the
// durable deduplication log for inbound webhook deliveries.
package repositories

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// WebhookDeliveryRepository handles the webhook delivery deduplication table
type WebhookDeliveryRepository struct {
	db *sqlx.DB
}

// NewWebhookDeliveryRepository creates a new webhook delivery repository
func NewWebhookDeliveryRepository(db *sqlx.DB) *WebhookDeliveryRepository {
	return &WebhookDeliveryRepository{db: db}
}

// MarkProcessed records a delivery id as processed. Returns true when the row
// was inserted, false when the id was already present. ON CONFLICT DO NOTHING
// keeps concurrent redeliveries race-free: exactly one caller sees true.
func (r *WebhookDeliveryRepository) MarkProcessed(ctx context.Context, deliveryID, eventType string, installationID *int64) (bool, error) {
	query := `
		INSERT INTO webhook_deliveries (delivery_id, event_type, installation_id, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (delivery_id) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query, deliveryID, eventType, installationID, time.Now())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// IsProcessed reports whether a delivery id has already been applied
func (r *WebhookDeliveryRepository) IsProcessed(ctx context.Context, deliveryID string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM webhook_deliveries WHERE delivery_id = $1`
	err := r.db.GetContext(ctx, &count, query, deliveryID)
	return count > 0, err
}
