package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/streakkeeper/streakkeeper/internal/db/models"
)

var errDB = errors.New("db error")

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var auditCols = []string{
	"id", "actor_type", "actor_id", "action",
	"target_user_id", "entity_type", "entity_id", "metadata", "created_at",
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func strPtr(s string) *string { return &s }

func newAuditRepo(t *testing.T) (*AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAuditRepository(db), mock
}

func sampleAuditRow() *sqlmock.Rows {
	return sqlmock.NewRows(auditCols).
		AddRow("log-1", "system", nil, "commit.created",
			"octocat", "installation", "12345", []byte(`{"sha":"abc"}`), time.Now())
}

// ---------------------------------------------------------------------------
// CreateAuditLog
// ---------------------------------------------------------------------------

func TestCreateAuditLog_Success(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	log := &models.AuditLog{
		ActorType:    models.ActorSystem,
		Action:       models.ActionCommitCreated,
		TargetUserID: strPtr("octocat"),
		EntityType:   strPtr("installation"),
		EntityID:     strPtr("12345"),
	}
	if err := repo.CreateAuditLog(context.Background(), log); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.ID == "" {
		t.Error("expected generated ID")
	}
}

func TestCreateAuditLog_WithMetadata(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	log := &models.AuditLog{
		ActorType: models.ActorSystem,
		Action:    models.ActionBatchCompleted,
		Metadata:  map[string]interface{}{"committed": 3, "skipped": 1},
	}
	if err := repo.CreateAuditLog(context.Background(), log); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCreateAuditLog_DBError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnError(errDB)

	log := &models.AuditLog{ActorType: models.ActorSystem, Action: models.ActionCommitFailed}
	if err := repo.CreateAuditLog(context.Background(), log); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// ListAuditLogs
// ---------------------------------------------------------------------------

func TestListAuditLogs_NoFilters(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT COUNT.*FROM audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT id.*FROM audit_logs").
		WillReturnRows(sampleAuditRow())

	logs, total, err := repo.ListAuditLogs(context.Background(), AuditFilters{}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
	if len(logs) != 1 {
		t.Errorf("len(logs) = %d, want 1", len(logs))
	}
}

func TestListAuditLogs_WithFilters(t *testing.T) {
	repo, mock := newAuditRepo(t)

	mock.ExpectQuery("SELECT COUNT.*FROM audit_logs").
		WithArgs("system", models.ActionCommitCreated, models.ActionCommitSkipped, "octocat").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT id.*FROM audit_logs").
		WillReturnRows(sqlmock.NewRows(auditCols))

	logs, total, err := repo.ListAuditLogs(context.Background(), AuditFilters{
		ActorType:    strPtr("system"),
		Actions:      []string{models.ActionCommitCreated, models.ActionCommitSkipped},
		TargetUserID: strPtr("octocat"),
	}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if len(logs) != 0 {
		t.Errorf("len(logs) = %d, want 0", len(logs))
	}
}

func TestListAuditLogs_CountError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT COUNT.*FROM audit_logs").
		WillReturnError(errDB)

	_, _, err := repo.ListAuditLogs(context.Background(), AuditFilters{}, 10, 0)
	if err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// ListAuditLogsBefore
// ---------------------------------------------------------------------------

func TestListAuditLogsBefore_Success(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery(`SELECT id.*FROM audit_logs.*\(created_at, id\) <`).
		WillReturnRows(sampleAuditRow())

	logs, err := repo.ListAuditLogsBefore(context.Background(), AuditFilters{}, time.Now(), "log-9", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 1 {
		t.Errorf("len(logs) = %d, want 1", len(logs))
	}
}

func TestListAuditLogsBefore_Error(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT id.*FROM audit_logs").
		WillReturnError(errDB)

	_, err := repo.ListAuditLogsBefore(context.Background(), AuditFilters{}, time.Now(), "log-9", 10)
	if err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// GetAuditLog
// ---------------------------------------------------------------------------

func TestGetAuditLog_Found(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT id.*FROM audit_logs.*WHERE id").
		WillReturnRows(sampleAuditRow())

	log, err := repo.GetAuditLog(context.Background(), "log-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log == nil {
		t.Fatal("expected log, got nil")
	}
	if log.Action != models.ActionCommitCreated {
		t.Errorf("Action = %q", log.Action)
	}
}

func TestGetAuditLog_NotFound(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT id.*FROM audit_logs.*WHERE id").
		WillReturnRows(sqlmock.NewRows(auditCols))

	log, err := repo.GetAuditLog(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log != nil {
		t.Errorf("expected nil, got %v", log)
	}
}

// ---------------------------------------------------------------------------
// DeleteOlderThan
// ---------------------------------------------------------------------------

func TestDeleteOlderThan_Success(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("DELETE FROM audit_logs WHERE created_at").
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := repo.DeleteOlderThan(context.Background(), time.Now().AddDate(-1, 0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 42 {
		t.Errorf("deleted = %d, want 42", n)
	}
}

func TestDeleteOlderThan_Error(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("DELETE FROM audit_logs").
		WillReturnError(errDB)

	if _, err := repo.DeleteOlderThan(context.Background(), time.Now()); err == nil {
		t.Error("expected error, got nil")
	}
}
