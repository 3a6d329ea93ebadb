// Package jobs contains background workers that run on a schedule.
// The daily commit job walks every active installation and ensures its
// repository has a keep-alive commit for the current UTC day; the audit
// retention job prunes old audit entries.
// Jobs are designed to be idempotent: re-running after a crash produces the
// same result as a clean run.
package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/streakkeeper/streakkeeper/internal/apperr"
	"github.com/streakkeeper/streakkeeper/internal/audit"
	"github.com/streakkeeper/streakkeeper/internal/config"
	"github.com/streakkeeper/streakkeeper/internal/db/models"
	"github.com/streakkeeper/streakkeeper/internal/db/repositories"
	"github.com/streakkeeper/streakkeeper/internal/github"
	"github.com/streakkeeper/streakkeeper/internal/telemetry"
)

// ErrBatchAlreadyRunning is returned when a batch trigger overlaps a batch
// that has not finished yet.
var ErrBatchAlreadyRunning = errors.New("a batch is already running")

// keepAliveMarker is the invisible character toggled at the end of the target
// file. Appending and stripping it alternately keeps the visible content
// untouched while always producing a real content change to commit.
const keepAliveMarker = "​"

// retryBackoff is the pause before the single retry of a retryable failure
const retryBackoff = 2 * time.Second

// tokenBroker is the slice of the credential broker the job depends on
type tokenBroker interface {
	Token(ctx context.Context, installationID int64) (string, error)
	Invalidate(installationID int64)
}

// repoClient is the slice of the platform client the job depends on
type repoClient interface {
	GetRepository(ctx context.Context, token, owner, repo string) (*github.Repository, error)
	ListInstallationRepositories(ctx context.Context, token string) ([]github.Repository, error)
	GetFile(ctx context.Context, token, owner, repo, path, ref string) (*github.FileContent, error)
	PutFile(ctx context.Context, token, owner, repo, path string, put github.PutFileRequest) (string, error)
	HasCommitBetween(ctx context.Context, token, owner, repo, author string, since, until time.Time) (bool, error)
}

// BatchSummary reports the outcome of one batch run. Every active
// installation is accounted for exactly once across the four buckets.
type BatchSummary struct {
	Processed    int            `json:"processed"`
	Committed    int            `json:"committed"`
	Skipped      int            `json:"skipped"`
	NotAttempted int            `json:"not_attempted"`
	FailedByKind map[string]int `json:"failed_by_kind,omitempty"`
	Duration     time.Duration  `json:"-"`
}

// Failed returns the total number of failed installations
func (s *BatchSummary) Failed() int {
	n := 0
	for _, v := range s.FailedByKind {
		n += v
	}
	return n
}

// DailyCommitJob ensures every active installation gets its keep-alive commit
type DailyCommitJob struct {
	installations *repositories.InstallationRepository
	broker        tokenBroker
	client        repoClient
	recorder      *audit.Recorder

	batchCfg config.BatchConfig
	ghCfg    config.GitHubConfig

	runningMutex sync.Mutex
	running      bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

// NewDailyCommitJob creates the daily commit job
func NewDailyCommitJob(
	installations *repositories.InstallationRepository,
	broker tokenBroker,
	client repoClient,
	recorder *audit.Recorder,
	batchCfg config.BatchConfig,
	ghCfg config.GitHubConfig,
) *DailyCommitJob {
	return &DailyCommitJob{
		installations: installations,
		broker:        broker,
		client:        client,
		recorder:      recorder,
		batchCfg:      batchCfg,
		ghCfg:         ghCfg,
		stopCh:        make(chan struct{}),
		now:           time.Now,
	}
}

// Start begins the periodic batch loop. The scheduler endpoint can trigger
// additional runs between ticks; the overlap guard keeps them serialized.
func (j *DailyCommitJob) Start(ctx context.Context, interval time.Duration) {
	log.Printf("Daily commit job started (interval: %v, workers: %d)", interval, j.batchCfg.Workers)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := j.RunDaily(ctx); err != nil && !errors.Is(err, ErrBatchAlreadyRunning) {
					log.Printf("Daily commit batch failed: %v", err)
				}
			case <-j.stopCh:
				log.Println("Daily commit job stopped")
				return
			case <-ctx.Done():
				log.Println("Daily commit job context cancelled")
				return
			}
		}
	}()
}

// Stop stops the batch loop
func (j *DailyCommitJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}

// RunDaily processes every active installation once and returns the summary.
// Only an overlapping trigger is an error; per-installation failures are
// isolated and reported in the summary.
func (j *DailyCommitJob) RunDaily(ctx context.Context) (*BatchSummary, error) {
	j.runningMutex.Lock()
	if j.running {
		j.runningMutex.Unlock()
		return nil, ErrBatchAlreadyRunning
	}
	j.running = true
	j.runningMutex.Unlock()

	defer func() {
		j.runningMutex.Lock()
		j.running = false
		j.runningMutex.Unlock()
	}()

	start := j.now()
	// The wall clock bounds admission only: once an installation has been
	// handed to a worker it runs against the caller's context, so the deadline
	// firing never aborts a request already in flight.
	feedCtx, cancel := context.WithTimeout(ctx, j.batchCfg.Timeout)
	defer cancel()

	installations, err := j.installations.ListActiveInstallations(feedCtx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, true, err, "list active installations")
	}

	log.Printf("Daily commit batch started: %d active installations", len(installations))

	summary := &BatchSummary{FailedByKind: make(map[string]int)}
	var summaryMutex sync.Mutex

	work := make(chan *models.Installation)
	var workers sync.WaitGroup

	for w := 0; w < j.batchCfg.Workers; w++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for inst := range work {
				outcome := j.processInstallation(ctx, inst)

				summaryMutex.Lock()
				summary.Processed++
				switch outcome {
				case "committed":
					summary.Committed++
				case "skipped":
					summary.Skipped++
				default:
					summary.FailedByKind[outcome]++
				}
				summaryMutex.Unlock()
				telemetry.BatchInstallationsTotal.WithLabelValues(outcome).Inc()
			}
		}()
	}

feed:
	for _, inst := range installations {
		select {
		case work <- inst:
		case <-feedCtx.Done():
			break feed
		}
	}
	close(work)
	workers.Wait()

	// Installations never handed to a worker before the deadline.
	summary.NotAttempted = len(installations) - summary.Processed
	for i := 0; i < summary.NotAttempted; i++ {
		telemetry.BatchInstallationsTotal.WithLabelValues("not_attempted").Inc()
	}

	summary.Duration = j.now().Sub(start)
	telemetry.BatchDuration.Observe(summary.Duration.Seconds())

	log.Printf("Daily commit batch finished: committed=%d skipped=%d failed=%d not_attempted=%d duration=%v",
		summary.Committed, summary.Skipped, summary.Failed(), summary.NotAttempted, summary.Duration)

	batchEntity := "batch"
	j.recorder.Record(context.WithoutCancel(ctx), &models.AuditLog{
		ActorType:  models.ActorSystem,
		Action:     models.ActionBatchCompleted,
		EntityType: &batchEntity,
		Metadata: map[string]interface{}{
			"processed":      summary.Processed,
			"committed":      summary.Committed,
			"skipped":        summary.Skipped,
			"not_attempted":  summary.NotAttempted,
			"failed_by_kind": summary.FailedByKind,
			"duration_ms":    summary.Duration.Milliseconds(),
		},
	})

	return summary, nil
}

// processInstallation runs the keep-alive pipeline for one installation and
// returns the outcome label: "committed", "skipped", or the failure kind.
func (j *DailyCommitJob) processInstallation(ctx context.Context, inst *models.Installation) string {
	err := j.keepAlive(ctx, inst)
	if err == nil {
		return "committed"
	}
	if errors.Is(err, errAlreadyCommitted) {
		return "skipped"
	}

	kind := apperr.KindOf(err)
	log.Printf("Keep-alive failed for installation %d (%s): %v", inst.ID, inst.RepoFullName, err)

	instID := fmt.Sprintf("%d", inst.ID)

	// The platform no longer knows this installation or its repository:
	// deactivate it so the next batch does not retry forever.
	var deactivateReason string
	switch {
	case errors.Is(err, github.ErrInstallationRevoked):
		deactivateReason = "revoked upstream"
	case errors.Is(err, github.ErrRepositoryNotFound):
		deactivateReason = "repository gone"
	}
	if deactivateReason != "" {
		if derr := j.installations.SetActive(context.WithoutCancel(ctx), inst.ID, false); derr != nil {
			log.Printf("Failed to deactivate installation %d: %v", inst.ID, derr)
		} else {
			j.recorder.RecordSystem(context.WithoutCancel(ctx), models.ActionInstallationDeactivated,
				instID, inst.UserID, map[string]interface{}{"reason": deactivateReason})
		}
	}

	j.recorder.RecordSystem(context.WithoutCancel(ctx), models.ActionCommitFailed,
		instID, inst.UserID, map[string]interface{}{
			"repo":  inst.RepoFullName,
			"kind":  string(kind),
			"error": err.Error(),
		})
	return string(kind)
}

// errAlreadyCommitted signals that today's keep-alive commit already exists
var errAlreadyCommitted = errors.New("keep-alive commit already present today")

// keepAlive performs the idempotent commit pipeline for one installation
func (j *DailyCommitJob) keepAlive(ctx context.Context, inst *models.Installation) error {
	if inst.RepoFullName == "" {
		// The install-time webhook arrived without a repository list; resolve
		// it from the installation's reachable repositories and remember it.
		if err := j.resolveRepo(ctx, inst); err != nil {
			return err
		}
	}

	owner, repo := inst.Repo()
	if repo == "" {
		return apperr.Validation("installation %d has malformed repo name %q", inst.ID, inst.RepoFullName)
	}

	dayStart := j.now().UTC().Truncate(24 * time.Hour)

	var committed bool
	err := j.withToken(ctx, inst.ID, func(token string) error {
		done, err := j.client.HasCommitBetween(ctx, token, owner, repo, j.ghCfg.BotLogin, dayStart, j.now().UTC())
		if err != nil {
			return err
		}
		committed = done
		return nil
	})
	if err != nil {
		return err
	}
	if committed {
		j.recorder.RecordSystem(ctx, models.ActionCommitSkipped,
			fmt.Sprintf("%d", inst.ID), inst.UserID,
			map[string]interface{}{"repo": inst.RepoFullName, "reason": "already committed today"})
		return errAlreadyCommitted
	}

	var branch string
	err = j.withToken(ctx, inst.ID, func(token string) error {
		r, err := j.client.GetRepository(ctx, token, owner, repo)
		if err != nil {
			return err
		}
		branch = r.DefaultBranch
		return nil
	})
	if err != nil {
		return err
	}

	var sha string
	err = j.withToken(ctx, inst.ID, func(token string) error {
		s, err := j.commitToggle(ctx, token, owner, repo, branch)
		if err != nil {
			return err
		}
		sha = s
		return nil
	})
	if err != nil {
		return err
	}

	now := j.now()
	if err := j.installations.TouchLastCommit(ctx, inst.ID, now); err != nil {
		log.Printf("Failed to record last commit time for installation %d: %v", inst.ID, err)
	}
	j.recorder.RecordSystem(ctx, models.ActionCommitCreated,
		fmt.Sprintf("%d", inst.ID), inst.UserID,
		map[string]interface{}{"repo": inst.RepoFullName, "sha": sha})
	return nil
}

// resolveRepo fills in the installation's repository from the platform and
// persists it for the next batch.
func (j *DailyCommitJob) resolveRepo(ctx context.Context, inst *models.Installation) error {
	err := j.withToken(ctx, inst.ID, func(token string) error {
		repos, err := j.client.ListInstallationRepositories(ctx, token)
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			return apperr.Validation("installation %d grants access to no repositories", inst.ID)
		}
		inst.RepoFullName = repos[0].FullName
		return nil
	})
	if err != nil {
		return err
	}

	if err := j.installations.UpdateRepo(ctx, inst.ID, inst.RepoFullName); err != nil {
		log.Printf("Failed to record resolved repo for installation %d: %v", inst.ID, err)
	}
	return nil
}

// commitToggle reads the target file, toggles the keep-alive marker, and
// writes it back. A concurrent writer invalidates the blob SHA; that single
// case is re-read and retried once.
func (j *DailyCommitJob) commitToggle(ctx context.Context, token, owner, repo, branch string) (string, error) {
	for attempt := 0; ; attempt++ {
		file, err := j.client.GetFile(ctx, token, owner, repo, j.batchCfg.TargetFile, branch)
		if err != nil {
			return "", err
		}

		sha, err := j.client.PutFile(ctx, token, owner, repo, j.batchCfg.TargetFile, github.PutFileRequest{
			Branch:  branch,
			SHA:     file.SHA,
			Content: toggleKeepAlive(file.Content),
			Message: j.ghCfg.CommitMessage,
			Committer: github.Committer{
				Name:  j.ghCfg.CommitterName,
				Email: j.ghCfg.CommitterEmail,
			},
		})
		if err == nil {
			return sha, nil
		}
		if errors.Is(err, github.ErrContentConflict) {
			if attempt == 0 {
				continue
			}
			// The retry budget is one re-read. A second conflict is returned
			// non-retryable so the outer token wrapper cannot spend more PUTs.
			return "", apperr.Wrap(apperr.KindExternalAPI, false, err,
				"content conflict persisted after re-read")
		}
		return "", err
	}
}

// withToken runs op with a fresh installation token, retrying once when the
// token is rejected mid-operation (invalidate, re-mint, retry) and once more
// for transient upstream failures.
func (j *DailyCommitJob) withToken(ctx context.Context, installationID int64, op func(token string) error) error {
	token, err := j.broker.Token(ctx, installationID)
	if err != nil {
		return err
	}

	err = op(token)
	if err == nil {
		return nil
	}

	if apperr.IsKind(err, apperr.KindAuthentication) && apperr.IsRetryable(err) {
		j.broker.Invalidate(installationID)
		token, terr := j.broker.Token(ctx, installationID)
		if terr != nil {
			return terr
		}
		return op(token)
	}

	if apperr.IsRetryable(err) {
		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			return err
		}
		return op(token)
	}

	return err
}

// toggleKeepAlive flips the trailing keep-alive marker. Applying it twice
// returns the original content.
func toggleKeepAlive(content []byte) []byte {
	marker := []byte(keepAliveMarker)
	if bytes.HasSuffix(content, marker) {
		return content[:len(content)-len(marker)]
	}
	out := make([]byte, 0, len(content)+len(marker))
	out = append(out, content...)
	return append(out, marker...)
}
