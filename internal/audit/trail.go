// Package audit provides the append-only audit trail: a best-effort Recorder
// for lifecycle and batch events and a query service with cursor pagination.
package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/streakkeeper/streakkeeper/internal/apperr"
	"github.com/streakkeeper/streakkeeper/internal/db/models"
	"github.com/streakkeeper/streakkeeper/internal/db/repositories"
)

// Recorder writes audit entries. Recording is best-effort: a storage failure
// is logged and swallowed so audit problems never fail the operation that
// produced the entry.
type Recorder struct {
	repo *repositories.AuditRepository
}

// NewRecorder creates a Recorder backed by the audit repository
func NewRecorder(repo *repositories.AuditRepository) *Recorder {
	return &Recorder{repo: repo}
}

// Record persists an audit entry, logging instead of failing on error
func (r *Recorder) Record(ctx context.Context, entry *models.AuditLog) {
	if err := r.repo.CreateAuditLog(ctx, entry); err != nil {
		slog.Error("failed to record audit entry",
			"action", entry.Action,
			"entity_id", entry.EntityID,
			"error", err,
		)
	}
}

// RecordSystem is shorthand for a system-actor entry about one installation
func (r *Recorder) RecordSystem(ctx context.Context, action string, installationID string, targetUserID string, metadata map[string]interface{}) {
	entityType := "installation"
	entry := &models.AuditLog{
		ActorType:  models.ActorSystem,
		Action:     action,
		EntityType: &entityType,
		EntityID:   &installationID,
		Metadata:   metadata,
	}
	if targetUserID != "" {
		entry.TargetUserID = &targetUserID
	}
	r.Record(ctx, entry)
}

// cursor is the decoded pagination position: the creation time and id of the
// last entry of the previous page.
type cursor struct {
	TS time.Time `json:"ts"`
	ID string    `json:"id"`
}

func encodeCursor(c cursor) string {
	raw, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return c, apperr.Validation("malformed cursor")
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, apperr.Validation("malformed cursor")
	}
	if c.TS.IsZero() || c.ID == "" {
		return c, apperr.Validation("malformed cursor")
	}
	return c, nil
}

// ListRequest selects a page of the audit trail. Cursor and Offset are
// mutually exclusive; a non-empty Cursor wins.
type ListRequest struct {
	Filters repositories.AuditFilters
	Limit   int
	Cursor  string
	Offset  int
}

// Page is one page of audit entries. Total counts all entries matching the
// filters; HasMore is false only on the last page, and NextCursor is empty
// when the trail is exhausted.
type Page struct {
	Entries    []*models.AuditLog
	Total      int
	HasMore    bool
	NextCursor string
}

// Service answers audit trail queries
type Service struct {
	repo *repositories.AuditRepository
}

// NewService creates an audit query service
func NewService(repo *repositories.AuditRepository) *Service {
	return &Service{repo: repo}
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// List returns one page of the audit trail, newest first. Entries are ordered
// by (created_at, id) descending so pagination is stable under concurrent
// inserts: new entries land before the first page, never inside a later one.
func (s *Service) List(ctx context.Context, req ListRequest) (*Page, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if req.Cursor != "" {
		cur, err := decodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		total, err := s.repo.CountAuditLogs(ctx, req.Filters)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, true, err, "count audit entries")
		}
		entries, err := s.repo.ListAuditLogsBefore(ctx, req.Filters, cur.TS, cur.ID, limit)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, true, err, "list audit entries")
		}
		return newPage(entries, total, limit), nil
	}

	entries, total, err := s.repo.ListAuditLogs(ctx, req.Filters, limit, req.Offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, true, err, "list audit entries")
	}
	return newPage(entries, total, limit), nil
}

func newPage(entries []*models.AuditLog, total, limit int) *Page {
	next := nextCursor(entries, limit)
	return &Page{Entries: entries, Total: total, HasMore: next != "", NextCursor: next}
}

// nextCursor derives the follow-up cursor from a full page. A short page
// means the trail is exhausted and pagination stops.
func nextCursor(entries []*models.AuditLog, limit int) string {
	if len(entries) < limit {
		return ""
	}
	last := entries[len(entries)-1]
	return encodeCursor(cursor{TS: last.CreatedAt, ID: last.ID})
}
