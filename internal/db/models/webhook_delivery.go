// Package models - webhook_delivery.go defines the WebhookDelivery model used
// to deduplicate redelivered webhook events.
package models

import "time"

// WebhookDelivery records one successfully processed webhook delivery.
// The platform retries deliveries with the same delivery id; a row here means
// the event's state change has already been applied.
type WebhookDelivery struct {
	DeliveryID     string // platform delivery guid
	EventType      string
	InstallationID *int64
	ProcessedAt    time.Time
}
