// Package webhooks handles inbound installation lifecycle events from the
// platform. Payloads are validated against the HMAC signature header before
// any processing so spoofed events never reach the installation store.
package webhooks

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/streakkeeper/streakkeeper/internal/apperr"
	"github.com/streakkeeper/streakkeeper/internal/telemetry"
	"github.com/streakkeeper/streakkeeper/internal/webhook"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	deliveryHeader  = "X-GitHub-Delivery"
	eventHeader     = "X-GitHub-Event"
)

// GitHubWebhookHandler receives installation events
type GitHubWebhookHandler struct {
	ingester *webhook.Ingester
	secret   string
}

// NewGitHubWebhookHandler creates the webhook handler
func NewGitHubWebhookHandler(ingester *webhook.Ingester, secret string) *GitHubWebhookHandler {
	return &GitHubWebhookHandler{ingester: ingester, secret: secret}
}

// HandleWebhook processes one delivery.
// POST /webhooks/github
func (h *GitHubWebhookHandler) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read payload"})
		return
	}

	if !webhook.VerifySignature(payload, c.GetHeader(signatureHeader), h.secret) {
		telemetry.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	// Event types other than installation lifecycle are acknowledged and
	// dropped so the sender does not retry them.
	if eventType := c.GetHeader(eventHeader); eventType != "installation" && eventType != "installation_repositories" {
		c.JSON(http.StatusOK, gin.H{"message": "event ignored"})
		return
	}

	event, err := webhook.ParseEvent(c.GetHeader(deliveryHeader), payload)
	if err != nil {
		telemetry.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.ingester.HandleEvent(c.Request.Context(), event); err != nil {
		if apperr.IsKind(err, apperr.KindValidation) {
			// Cap rejections and similar policy refusals are the sender's
			// problem to surface, not a server fault.
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process event"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "webhook processed", "delivery_id": event.DeliveryID})
}
