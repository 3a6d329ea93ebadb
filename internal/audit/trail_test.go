package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/streakkeeper/streakkeeper/internal/apperr"
	"github.com/streakkeeper/streakkeeper/internal/db/models"
	"github.com/streakkeeper/streakkeeper/internal/db/repositories"
)

var auditCols = []string{
	"id", "actor_type", "actor_id", "action",
	"target_user_id", "entity_type", "entity_id", "metadata", "created_at",
}

func newService(t *testing.T) (*Service, *Recorder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := repositories.NewAuditRepository(db)
	return NewService(repo), NewRecorder(repo), mock
}

// entryRows builds n rows with strictly descending (created_at, id)
func entryRows(start, n int, base time.Time) *sqlmock.Rows {
	rows := sqlmock.NewRows(auditCols)
	for i := start; i < start+n; i++ {
		rows.AddRow(
			fmt.Sprintf("log-%03d", 999-i), "system", nil, models.ActionCommitCreated,
			nil, nil, nil, nil, base.Add(-time.Duration(i)*time.Minute),
		)
	}
	return rows
}

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

func TestRecord_SwallowsStorageError(t *testing.T) {
	_, rec, mock := newService(t)
	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnError(errors.New("db down"))

	// Must not panic or propagate.
	rec.Record(context.Background(), &models.AuditLog{
		ActorType: models.ActorSystem,
		Action:    models.ActionCommitCreated,
	})
}

func TestRecordSystem(t *testing.T) {
	_, rec, mock := newService(t)
	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec.RecordSystem(context.Background(), models.ActionInstallationDeactivated,
		"12345", "octocat", map[string]interface{}{"reason": "revoked"})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Offset mode
// ---------------------------------------------------------------------------

func TestList_OffsetMode(t *testing.T) {
	svc, _, mock := newService(t)
	mock.ExpectQuery("SELECT COUNT.*FROM audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(25))
	mock.ExpectQuery("SELECT id.*FROM audit_logs").
		WillReturnRows(entryRows(0, 10, time.Now()))

	page, err := svc.List(context.Background(), ListRequest{Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Total != 25 {
		t.Errorf("Total = %d, want 25", page.Total)
	}
	if len(page.Entries) != 10 {
		t.Errorf("len(Entries) = %d, want 10", len(page.Entries))
	}
	if !page.HasMore {
		t.Error("expected HasMore for a full page")
	}
	if page.NextCursor == "" {
		t.Error("expected a next cursor for a full page")
	}
}

func TestList_ClampsLimit(t *testing.T) {
	svc, _, mock := newService(t)
	mock.ExpectQuery("SELECT COUNT.*FROM audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT id.*FROM audit_logs").
		WithArgs(maxPageSize, 0).
		WillReturnRows(sqlmock.NewRows(auditCols))

	if _, err := svc.List(context.Background(), ListRequest{Limit: 5000}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Cursor mode
// ---------------------------------------------------------------------------

func TestList_CursorPaginationWalksCompleteTrail(t *testing.T) {
	svc, _, mock := newService(t)
	base := time.Now().Truncate(time.Second)

	// 25 entries, page size 10: two full pages then a short final page. Every
	// page reports the full match count.
	mock.ExpectQuery("SELECT COUNT.*FROM audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(25))
	mock.ExpectQuery("SELECT id.*FROM audit_logs").
		WillReturnRows(entryRows(0, 10, base))
	mock.ExpectQuery("SELECT COUNT.*FROM audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(25))
	mock.ExpectQuery(`SELECT id.*FROM audit_logs.*\(created_at, id\) <`).
		WillReturnRows(entryRows(10, 10, base))
	mock.ExpectQuery("SELECT COUNT.*FROM audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(25))
	mock.ExpectQuery(`SELECT id.*FROM audit_logs.*\(created_at, id\) <`).
		WillReturnRows(entryRows(20, 5, base))

	seen := make(map[string]bool)
	var pages int

	page, err := svc.List(context.Background(), ListRequest{Limit: 10})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	for {
		pages++
		if page.Total != 25 {
			t.Errorf("page %d: Total = %d, want 25", pages, page.Total)
		}
		for _, e := range page.Entries {
			if seen[e.ID] {
				t.Errorf("entry %s returned twice", e.ID)
			}
			seen[e.ID] = true
		}
		if page.NextCursor == "" {
			if page.HasMore {
				t.Errorf("page %d: HasMore without a cursor", pages)
			}
			break
		}
		if !page.HasMore {
			t.Errorf("page %d: full page must report HasMore", pages)
		}
		page, err = svc.List(context.Background(), ListRequest{Limit: 10, Cursor: page.NextCursor})
		if err != nil {
			t.Fatalf("page %d: %v", pages+1, err)
		}
	}

	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
	if len(seen) != 25 {
		t.Errorf("distinct entries = %d, want 25", len(seen))
	}
}

func TestList_MalformedCursor(t *testing.T) {
	svc, _, _ := newService(t)

	for _, bad := range []string{"not-base64!", "aGVsbG8=", ""} {
		if bad == "" {
			continue
		}
		_, err := svc.List(context.Background(), ListRequest{Cursor: bad})
		if !apperr.IsKind(err, apperr.KindValidation) {
			t.Errorf("cursor %q: kind = %v, want validation", bad, apperr.KindOf(err))
		}
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	encoded := encodeCursor(cursor{TS: ts, ID: "log-042"})

	decoded, err := decodeCursor(encoded)
	if err != nil {
		t.Fatalf("decodeCursor: %v", err)
	}
	if !decoded.TS.Equal(ts) || decoded.ID != "log-042" {
		t.Errorf("decoded = %+v", decoded)
	}
}
