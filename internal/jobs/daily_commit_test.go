package jobs

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/streakkeeper/streakkeeper/internal/apperr"
	"github.com/streakkeeper/streakkeeper/internal/audit"
	"github.com/streakkeeper/streakkeeper/internal/config"
	"github.com/streakkeeper/streakkeeper/internal/db/repositories"
	"github.com/streakkeeper/streakkeeper/internal/github"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeBroker struct {
	mints         int64
	invalidations int64
	err           error
}

func (f *fakeBroker) Token(ctx context.Context, installationID int64) (string, error) {
	atomic.AddInt64(&f.mints, 1)
	if f.err != nil {
		return "", f.err
	}
	return "ghs_token", nil
}

func (f *fakeBroker) Invalidate(installationID int64) {
	atomic.AddInt64(&f.invalidations, 1)
}

type fakeClient struct {
	hasCommit    bool
	hasCommitErr error

	repoErr error

	fileContent []byte
	fileSHA     string
	getFileErr  error

	putCalls   int64
	putErrs    []error // consumed per call; nil entry means success
	lastPut    github.PutFileRequest
	checkCalls int64

	// failFirstCheck injects hasCommitErr only on the first HasCommitBetween
	// call, simulating a token that expires mid-batch.
	failFirstCheck bool

	// checkDelay stalls every HasCommitBetween call, surfacing a context
	// cancellation as an error the way the HTTP client would.
	checkDelay time.Duration
}

func (f *fakeClient) GetRepository(ctx context.Context, token, owner, repo string) (*github.Repository, error) {
	if f.repoErr != nil {
		return nil, f.repoErr
	}
	return &github.Repository{FullName: owner + "/" + repo, DefaultBranch: "main"}, nil
}

func (f *fakeClient) ListInstallationRepositories(ctx context.Context, token string) ([]github.Repository, error) {
	return []github.Repository{{FullName: "octocat/streak", DefaultBranch: "main"}}, nil
}

func (f *fakeClient) GetFile(ctx context.Context, token, owner, repo, path, ref string) (*github.FileContent, error) {
	if f.getFileErr != nil {
		return nil, f.getFileErr
	}
	return &github.FileContent{Content: f.fileContent, SHA: f.fileSHA}, nil
}

func (f *fakeClient) PutFile(ctx context.Context, token, owner, repo, path string, put github.PutFileRequest) (string, error) {
	n := atomic.AddInt64(&f.putCalls, 1)
	f.lastPut = put
	if int(n) <= len(f.putErrs) && f.putErrs[n-1] != nil {
		return "", f.putErrs[n-1]
	}
	return "commit-sha", nil
}

func (f *fakeClient) HasCommitBetween(ctx context.Context, token, owner, repo, author string, since, until time.Time) (bool, error) {
	n := atomic.AddInt64(&f.checkCalls, 1)
	if f.checkDelay > 0 {
		select {
		case <-time.After(f.checkDelay):
		case <-ctx.Done():
			return false, apperr.Wrap(apperr.KindExternalAPI, false, ctx.Err(), "commit activity query")
		}
	}
	if f.hasCommitErr != nil && (!f.failFirstCheck || n == 1) {
		return false, f.hasCommitErr
	}
	return f.hasCommit, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var installationCols = []string{
	"id", "user_id", "repo_full_name", "active",
	"last_commit_at", "created_at", "updated_at",
}

func newJob(t *testing.T, client *fakeClient, broker *fakeBroker) (*DailyCommitJob, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	job := NewDailyCommitJob(
		repositories.NewInstallationRepository(sqlxDB),
		broker,
		client,
		audit.NewRecorder(repositories.NewAuditRepository(db)),
		config.BatchConfig{Workers: 1, Timeout: time.Minute, TargetFile: "README.md"},
		config.GitHubConfig{
			BotLogin:       "streakkeeper[bot]",
			CommitterName:  "StreakKeeper Bot",
			CommitterEmail: "bot@streakkeeper.dev",
			CommitMessage:  "chore: keep the streak alive",
		},
	)
	return job, mock
}

func expectActive(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery("SELECT \\* FROM installations WHERE active = true").
		WillReturnRows(rows)
}

func activeRows(insts ...[2]string) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows(installationCols)
	for i, inst := range insts {
		rows.AddRow(int64(1000+i), inst[0], inst[1], true, nil, now, now)
	}
	return rows
}

func allowAuditInserts(mock sqlmock.Sqlmock, n int) {
	for i := 0; i < n; i++ {
		mock.ExpectExec("INSERT INTO audit_logs").
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
}

// ---------------------------------------------------------------------------
// toggleKeepAlive
// ---------------------------------------------------------------------------

func TestToggleKeepAlive(t *testing.T) {
	plain := []byte("# Streak\n")
	marked := toggleKeepAlive(plain)

	if !bytes.HasSuffix(marked, []byte(keepAliveMarker)) {
		t.Error("expected marker to be appended")
	}
	if !bytes.HasPrefix(marked, plain) {
		t.Error("visible content must be unchanged")
	}
	if got := toggleKeepAlive(marked); !bytes.Equal(got, plain) {
		t.Errorf("toggle is not involutive: %q", got)
	}
}

func TestToggleKeepAlive_EmptyFile(t *testing.T) {
	once := toggleKeepAlive(nil)
	if string(once) != keepAliveMarker {
		t.Errorf("once = %q", once)
	}
	if twice := toggleKeepAlive(once); len(twice) != 0 {
		t.Errorf("twice = %q, want empty", twice)
	}
}

// ---------------------------------------------------------------------------
// RunDaily
// ---------------------------------------------------------------------------

func TestRunDaily_CommitsWhenNoneToday(t *testing.T) {
	client := &fakeClient{fileContent: []byte("# Streak\n"), fileSHA: "blob-1"}
	broker := &fakeBroker{}
	job, mock := newJob(t, client, broker)

	expectActive(mock, activeRows([2]string{"octocat", "octocat/streak"}))
	mock.ExpectExec("UPDATE installations SET last_commit_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	allowAuditInserts(mock, 2) // commit.created + batch.completed

	summary, err := job.RunDaily(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Committed != 1 || summary.Skipped != 0 || summary.Failed() != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if client.putCalls != 1 {
		t.Errorf("putCalls = %d, want 1", client.putCalls)
	}
	if !bytes.HasSuffix(client.lastPut.Content, []byte(keepAliveMarker)) {
		t.Error("committed content must carry the keep-alive marker")
	}
	if client.lastPut.Message != "chore: keep the streak alive" {
		t.Errorf("commit message = %q", client.lastPut.Message)
	}
}

func TestRunDaily_SkipsWhenAlreadyCommitted(t *testing.T) {
	client := &fakeClient{hasCommit: true}
	job, mock := newJob(t, client, &fakeBroker{})

	expectActive(mock, activeRows([2]string{"octocat", "octocat/streak"}))
	allowAuditInserts(mock, 2) // commit.skipped + batch.completed

	summary, err := job.RunDaily(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Skipped != 1 || summary.Committed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if client.putCalls != 0 {
		t.Errorf("putCalls = %d, want 0: skip must not write", client.putCalls)
	}
}

func TestRunDaily_FailureIsolation(t *testing.T) {
	// First installation fails hard; second must still be processed.
	client := &fakeClient{
		failFirstCheck: true,
		hasCommitErr:   apperr.New(apperr.KindExternalAPI, false, "boom"),
		fileContent:    []byte("x"),
		fileSHA:        "blob-1",
	}
	job, mock := newJob(t, client, &fakeBroker{})

	expectActive(mock, activeRows(
		[2]string{"octocat", "octocat/streak"},
		[2]string{"hubot", "hubot/daily"},
	))
	mock.ExpectExec("UPDATE installations SET last_commit_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	allowAuditInserts(mock, 3) // commit.failed + commit.created + batch.completed

	summary, err := job.RunDaily(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 2 {
		t.Errorf("Processed = %d, want 2", summary.Processed)
	}
	if summary.Committed != 1 {
		t.Errorf("Committed = %d, want 1", summary.Committed)
	}
	if summary.FailedByKind["external_api"] != 1 {
		t.Errorf("FailedByKind = %v", summary.FailedByKind)
	}
}

func TestRunDaily_RevokedInstallationDeactivated(t *testing.T) {
	client := &fakeClient{
		hasCommitErr: apperr.Wrap(apperr.KindAuthentication, false, github.ErrInstallationRevoked, "token exchange"),
	}
	job, mock := newJob(t, client, &fakeBroker{})

	expectActive(mock, activeRows([2]string{"octocat", "octocat/streak"}))
	mock.ExpectExec("UPDATE installations SET active").
		WillReturnResult(sqlmock.NewResult(0, 1))
	allowAuditInserts(mock, 3) // installation.deactivated + commit.failed + batch.completed

	summary, err := job.RunDaily(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.FailedByKind["authentication"] != 1 {
		t.Errorf("FailedByKind = %v", summary.FailedByKind)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRunDaily_TokenRejectionRetriedOnce(t *testing.T) {
	// The first commit-activity check fails with a retryable auth error;
	// the pipeline invalidates the token and retries once.
	client := &fakeClient{
		failFirstCheck: true,
		hasCommitErr:   apperr.New(apperr.KindAuthentication, true, "token rejected"),
		hasCommit:      true,
	}
	broker := &fakeBroker{}
	job, mock := newJob(t, client, broker)

	expectActive(mock, activeRows([2]string{"octocat", "octocat/streak"}))
	allowAuditInserts(mock, 2) // commit.skipped + batch.completed

	summary, err := job.RunDaily(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Skipped != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if broker.invalidations != 1 {
		t.Errorf("invalidations = %d, want 1", broker.invalidations)
	}
	if client.checkCalls != 2 {
		t.Errorf("checkCalls = %d, want 2", client.checkCalls)
	}
}

func TestRunDaily_ContentConflictRetried(t *testing.T) {
	client := &fakeClient{
		fileContent: []byte("# Streak\n"),
		fileSHA:     "blob-1",
		putErrs:     []error{apperr.Wrap(apperr.KindExternalAPI, true, github.ErrContentConflict, "put file"), nil},
	}
	job, mock := newJob(t, client, &fakeBroker{})

	expectActive(mock, activeRows([2]string{"octocat", "octocat/streak"}))
	mock.ExpectExec("UPDATE installations SET last_commit_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	allowAuditInserts(mock, 2)

	summary, err := job.RunDaily(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Committed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if client.putCalls != 2 {
		t.Errorf("putCalls = %d, want 2 (conflict then success)", client.putCalls)
	}
}

func TestRunDaily_PersistentConflictSpendsOneRetry(t *testing.T) {
	conflict := apperr.Wrap(apperr.KindExternalAPI, true, github.ErrContentConflict, "put file")
	client := &fakeClient{
		fileContent: []byte("# Streak\n"),
		fileSHA:     "blob-1",
		putErrs:     []error{conflict, conflict},
	}
	job, mock := newJob(t, client, &fakeBroker{})

	expectActive(mock, activeRows([2]string{"octocat", "octocat/streak"}))
	allowAuditInserts(mock, 2) // commit.failed + batch.completed

	summary, err := job.RunDaily(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.FailedByKind["external_api"] != 1 {
		t.Errorf("FailedByKind = %v", summary.FailedByKind)
	}
	if client.putCalls != 2 {
		t.Errorf("putCalls = %d, want exactly 2 (initial + one retry)", client.putCalls)
	}
}

func TestRunDaily_GoneRepositoryDeactivated(t *testing.T) {
	// A deleted or renamed repository must deactivate the installation the
	// same way a revoked installation does.
	client := &fakeClient{
		hasCommitErr: apperr.Wrap(apperr.KindExternalAPI, false, github.ErrRepositoryNotFound, "commit activity: status 404"),
	}
	job, mock := newJob(t, client, &fakeBroker{})

	expectActive(mock, activeRows([2]string{"octocat", "octocat/streak"}))
	mock.ExpectExec("UPDATE installations SET active").
		WillReturnResult(sqlmock.NewResult(0, 1))
	allowAuditInserts(mock, 3) // installation.deactivated + commit.failed + batch.completed

	summary, err := job.RunDaily(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.FailedByKind["external_api"] != 1 {
		t.Errorf("FailedByKind = %v", summary.FailedByKind)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRunDaily_DeadlineDoesNotCancelInFlightWork(t *testing.T) {
	// With one worker and a timeout shorter than a single check, the first
	// installation is in flight when the wall clock fires. It must finish on
	// its own; only the never-started second one is reported not attempted.
	client := &fakeClient{hasCommit: true, checkDelay: 150 * time.Millisecond}
	job, mock := newJob(t, client, &fakeBroker{})
	job.batchCfg.Timeout = 50 * time.Millisecond

	expectActive(mock, activeRows(
		[2]string{"octocat", "octocat/streak"},
		[2]string{"hubot", "hubot/daily"},
	))
	allowAuditInserts(mock, 2) // commit.skipped + batch.completed

	summary, err := job.RunDaily(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Skipped != 1 || summary.Failed() != 0 {
		t.Errorf("summary = %+v, want the in-flight installation to finish cleanly", summary)
	}
	if summary.NotAttempted != 1 {
		t.Errorf("NotAttempted = %d, want 1", summary.NotAttempted)
	}
}

func TestRunDaily_OverlapGuard(t *testing.T) {
	client := &fakeClient{hasCommit: true}
	job, mock := newJob(t, client, &fakeBroker{})

	// Hold the first run open by blocking the installation listing.
	mock.ExpectQuery("SELECT \\* FROM installations WHERE active = true").
		WillDelayFor(200 * time.Millisecond).
		WillReturnRows(activeRows())
	allowAuditInserts(mock, 1) // batch.completed

	done := make(chan struct{})
	go func() {
		defer close(done)
		job.RunDaily(context.Background())
	}()

	// Give the first run time to take the guard.
	time.Sleep(50 * time.Millisecond)
	if _, err := job.RunDaily(context.Background()); !errors.Is(err, ErrBatchAlreadyRunning) {
		t.Errorf("expected ErrBatchAlreadyRunning, got %v", err)
	}
	<-done

	// The guard releases once the batch finishes.
	expectActive(mock, activeRows())
	allowAuditInserts(mock, 1)
	if _, err := job.RunDaily(context.Background()); err != nil {
		t.Errorf("expected guard release, got %v", err)
	}
}
