// audit.go implements the audit trail query endpoint with filtering and
// cursor pagination.
package admin

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streakkeeper/streakkeeper/internal/apperr"
	"github.com/streakkeeper/streakkeeper/internal/audit"
	"github.com/streakkeeper/streakkeeper/internal/db/models"
	"github.com/streakkeeper/streakkeeper/internal/db/repositories"
)

// AuditHandler answers audit trail queries
type AuditHandler struct {
	service *audit.Service
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(service *audit.Service) *AuditHandler {
	return &AuditHandler{service: service}
}

// auditEntry is the wire shape of one audit trail entry
type auditEntry struct {
	ID           string                 `json:"id"`
	ActorType    string                 `json:"actor_type"`
	ActorID      *string                `json:"actor_id,omitempty"`
	Action       string                 `json:"action"`
	TargetUserID *string                `json:"target_user_id,omitempty"`
	EntityType   *string                `json:"entity_type,omitempty"`
	EntityID     *string                `json:"entity_id,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ListAuditLogs returns one page of the audit trail, newest first.
// GET /api/v1/audit
//
// Query parameters: actor_type, action (comma-separated), target_user_id,
// entity_type, entity_id, start_date, end_date (RFC3339), limit, offset,
// cursor. A cursor takes precedence over offset; the response always carries
// total and has_more, plus next_cursor until the trail is exhausted.
func (h *AuditHandler) ListAuditLogs(c *gin.Context) {
	req := audit.ListRequest{
		Cursor: c.Query("cursor"),
	}

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		req.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		req.Offset = n
	}

	filters, err := parseFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Filters = filters

	page, err := h.service.List(c.Request.Context(), req)
	if err != nil {
		if apperr.IsKind(err, apperr.KindValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit trail"})
		return
	}

	entries := make([]auditEntry, 0, len(page.Entries))
	for _, e := range page.Entries {
		entries = append(entries, auditEntry{
			ID:           e.ID,
			ActorType:    e.ActorType,
			ActorID:      e.ActorID,
			Action:       e.Action,
			TargetUserID: e.TargetUserID,
			EntityType:   e.EntityType,
			EntityID:     e.EntityID,
			Metadata:     e.Metadata,
			CreatedAt:    e.CreatedAt,
		})
	}

	resp := gin.H{
		"entries":  entries,
		"total":    page.Total,
		"has_more": page.HasMore,
	}
	if page.NextCursor != "" {
		resp["next_cursor"] = page.NextCursor
	}
	c.JSON(http.StatusOK, resp)
}

func parseFilters(c *gin.Context) (repositories.AuditFilters, error) {
	var filters repositories.AuditFilters

	if v := c.Query("actor_type"); v != "" {
		switch v {
		case models.ActorUser, models.ActorAdmin, models.ActorSystem:
		default:
			return filters, apperr.Validation("invalid actor_type %q", v)
		}
		filters.ActorType = &v
	}
	if v := c.Query("action"); v != "" {
		for _, action := range strings.Split(v, ",") {
			action = strings.TrimSpace(action)
			if action != "" {
				filters.Actions = append(filters.Actions, action)
			}
		}
	}
	if v := c.Query("target_user_id"); v != "" {
		filters.TargetUserID = &v
	}
	if v := c.Query("entity_type"); v != "" {
		filters.EntityType = &v
	}
	if v := c.Query("entity_id"); v != "" {
		filters.EntityID = &v
	}

	if v := c.Query("start_date"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, apperr.Validation("start_date must be RFC3339")
		}
		filters.StartDate = &ts
	}
	if v := c.Query("end_date"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, apperr.Validation("end_date must be RFC3339")
		}
		filters.EndDate = &ts
	}

	return filters, nil
}
