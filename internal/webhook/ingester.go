// Package webhook ingests installation lifecycle events from the platform.
// Payloads are validated against the HMAC signature scheme before processing
// to prevent spoofed events, deduplicated by delivery id, and applied as
// idempotent state transitions on the installation table.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streakkeeper/streakkeeper/internal/apperr"
	"github.com/streakkeeper/streakkeeper/internal/audit"
	"github.com/streakkeeper/streakkeeper/internal/db/models"
	"github.com/streakkeeper/streakkeeper/internal/db/repositories"
	"github.com/streakkeeper/streakkeeper/internal/safego"
	"github.com/streakkeeper/streakkeeper/internal/telemetry"
)

// Actions carried by installation events
const (
	ActionCreated           = "created"
	ActionDeleted           = "deleted"
	ActionSuspend           = "suspend"
	ActionUnsuspend         = "unsuspend"
	ActionRepositoriesAdded = "added"
)

// Event is one parsed installation lifecycle event
type Event struct {
	DeliveryID     string
	Action         string
	InstallationID int64
	UserID         string // platform login of the installing account
	RepoFullName   string
}

// Ingester validates, deduplicates, and applies webhook events. Events for the
// same installation are serialized through a per-installation lock so an
// out-of-order redelivery cannot interleave with a fresh event.
type Ingester struct {
	installations *repositories.InstallationRepository
	deliveries    *repositories.WebhookDeliveryRepository
	recorder      *audit.Recorder

	maxActivePerUser int

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewIngester creates a webhook ingester
func NewIngester(
	installations *repositories.InstallationRepository,
	deliveries *repositories.WebhookDeliveryRepository,
	recorder *audit.Recorder,
	maxActivePerUser int,
) *Ingester {
	return &Ingester{
		installations:    installations,
		deliveries:       deliveries,
		recorder:         recorder,
		maxActivePerUser: maxActivePerUser,
		locks:            make(map[int64]*sync.Mutex),
	}
}

// VerifySignature checks the payload HMAC against the shared webhook secret.
// The signature header carries "sha256=<hex>". Comparison is constant time.
func VerifySignature(payload []byte, signatureHeader, secret string) bool {
	const prefix = "sha256="
	if len(signatureHeader) <= len(prefix) || signatureHeader[:len(prefix)] != prefix {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(signatureHeader[len(prefix):])) == 1
}

// ParseEvent extracts the installation event fields from a raw payload.
// The delivery id comes from the transport header, not the body.
func ParseEvent(deliveryID string, payload []byte) (*Event, error) {
	var body struct {
		Action       string `json:"action"`
		Installation struct {
			ID      int64 `json:"id"`
			Account struct {
				Login string `json:"login"`
			} `json:"account"`
		} `json:"installation"`
		Repositories []struct {
			FullName string `json:"full_name"`
		} `json:"repositories"`
		RepositoriesAdded []struct {
			FullName string `json:"full_name"`
		} `json:"repositories_added"`
	}

	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, apperr.Wrap(apperr.KindWebhook, false, err, "parse webhook payload")
	}
	if deliveryID == "" {
		return nil, apperr.New(apperr.KindWebhook, false, "webhook delivery id missing")
	}
	if body.Installation.ID == 0 {
		return nil, apperr.New(apperr.KindWebhook, false, "webhook payload has no installation")
	}

	event := &Event{
		DeliveryID:     deliveryID,
		Action:         body.Action,
		InstallationID: body.Installation.ID,
		UserID:         body.Installation.Account.Login,
	}
	if len(body.Repositories) > 0 {
		event.RepoFullName = body.Repositories[0].FullName
	} else if len(body.RepositoriesAdded) > 0 {
		event.RepoFullName = body.RepositoriesAdded[0].FullName
	}
	return event, nil
}

// HandleEvent applies one event. Redeliveries of an already processed
// delivery id are a no-op. The delivery is marked processed only after the
// state change lands, so a failed apply stays eligible for redelivery.
func (i *Ingester) HandleEvent(ctx context.Context, event *Event) error {
	lock := i.installationLock(event.InstallationID)
	lock.Lock()
	defer lock.Unlock()

	seen, err := i.deliveries.IsProcessed(ctx, event.DeliveryID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, true, err, "check delivery %s", event.DeliveryID)
	}
	if seen {
		telemetry.WebhookDeliveriesTotal.WithLabelValues("duplicate").Inc()
		slog.Info("duplicate webhook delivery ignored", "delivery_id", event.DeliveryID)
		return nil
	}

	switch event.Action {
	case ActionCreated, ActionUnsuspend, ActionRepositoriesAdded:
		err = i.activate(ctx, event)
	case ActionDeleted, ActionSuspend:
		err = i.deactivate(ctx, event)
	default:
		slog.Info("ignoring webhook action", "action", event.Action, "delivery_id", event.DeliveryID)
	}
	if err != nil {
		telemetry.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		return err
	}

	if _, err := i.deliveries.MarkProcessed(ctx, event.DeliveryID, event.Action, &event.InstallationID); err != nil {
		return apperr.Wrap(apperr.KindStorage, true, err, "mark delivery %s processed", event.DeliveryID)
	}
	telemetry.WebhookDeliveriesTotal.WithLabelValues("processed").Inc()
	return nil
}

// activate creates or reactivates an installation, enforcing the per-user
// active cap. The cap check runs under the installation lock together with
// the write, and a rejection is itself audited.
func (i *Ingester) activate(ctx context.Context, event *Event) error {
	existing, err := i.installations.GetInstallation(ctx, event.InstallationID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, true, err, "load installation %d", event.InstallationID)
	}

	if existing != nil && existing.Active {
		// Already active: at most the repository moved.
		if event.RepoFullName != "" && event.RepoFullName != existing.RepoFullName {
			if err := i.installations.UpdateRepo(ctx, event.InstallationID, event.RepoFullName); err != nil {
				return apperr.Wrap(apperr.KindStorage, true, err, "update repo for installation %d", event.InstallationID)
			}
		}
		return nil
	}

	count, err := i.installations.CountActiveByUser(ctx, event.UserID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, true, err, "count installations for %s", event.UserID)
	}
	if count >= i.maxActivePerUser {
		i.audit(ctx, models.ActionInstallationRejected, event.InstallationID, event.UserID,
			map[string]interface{}{"reason": "active installation cap reached", "cap": i.maxActivePerUser})
		return apperr.Validation("user %s already has %d active installations", event.UserID, count)
	}

	if existing == nil {
		inst := &models.Installation{
			ID:           event.InstallationID,
			UserID:       event.UserID,
			RepoFullName: event.RepoFullName,
			Active:       true,
		}
		if err := i.installations.CreateInstallation(ctx, inst); err != nil {
			return apperr.Wrap(apperr.KindStorage, true, err, "create installation %d", event.InstallationID)
		}
		i.audit(ctx, models.ActionInstallationCreated, event.InstallationID, event.UserID,
			map[string]interface{}{"repo": event.RepoFullName})
		return nil
	}

	if err := i.installations.SetActive(ctx, event.InstallationID, true); err != nil {
		return apperr.Wrap(apperr.KindStorage, true, err, "reactivate installation %d", event.InstallationID)
	}
	if event.RepoFullName != "" && event.RepoFullName != existing.RepoFullName {
		if err := i.installations.UpdateRepo(ctx, event.InstallationID, event.RepoFullName); err != nil {
			return apperr.Wrap(apperr.KindStorage, true, err, "update repo for installation %d", event.InstallationID)
		}
	}
	i.audit(ctx, models.ActionInstallationReactivated, event.InstallationID, event.UserID, nil)
	return nil
}

// deactivate marks an installation inactive. Unknown or already inactive
// installations are a no-op: deletion events for them carry no new state.
func (i *Ingester) deactivate(ctx context.Context, event *Event) error {
	existing, err := i.installations.GetInstallation(ctx, event.InstallationID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, true, err, "load installation %d", event.InstallationID)
	}
	if existing == nil || !existing.Active {
		return nil
	}

	if err := i.installations.SetActive(ctx, event.InstallationID, false); err != nil {
		return apperr.Wrap(apperr.KindStorage, true, err, "deactivate installation %d", event.InstallationID)
	}
	i.audit(ctx, models.ActionInstallationDeactivated, event.InstallationID, existing.UserID,
		map[string]interface{}{"reason": event.Action})
	return nil
}

// audit records the entry on a background goroutine so a slow audit write
// never delays the delivery acknowledgement. The context is detached because
// the request finishes before the write does.
func (i *Ingester) audit(ctx context.Context, action string, installationID int64, targetUserID string, metadata map[string]interface{}) {
	ctx = context.WithoutCancel(ctx)
	entityID := fmt.Sprintf("%d", installationID)
	safego.Go("webhook-audit", func() {
		i.recorder.RecordSystem(ctx, action, entityID, targetUserID, metadata)
	})
}

func (i *Ingester) installationLock(installationID int64) *sync.Mutex {
	i.mu.Lock()
	defer i.mu.Unlock()
	lock, ok := i.locks[installationID]
	if !ok {
		lock = &sync.Mutex{}
		i.locks[installationID] = lock
	}
	return lock
}
