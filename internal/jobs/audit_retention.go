// audit_retention.go implements the audit retention sweep: a periodic job
// that deletes audit entries older than the configured retention window.
package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/streakkeeper/streakkeeper/internal/db/repositories"
	"github.com/streakkeeper/streakkeeper/internal/telemetry"
)

// AuditRetentionJob prunes expired audit entries on a schedule
type AuditRetentionJob struct {
	auditRepo     *repositories.AuditRepository
	retentionDays int

	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

// NewAuditRetentionJob creates the retention sweep job
func NewAuditRetentionJob(auditRepo *repositories.AuditRepository, retentionDays int) *AuditRetentionJob {
	return &AuditRetentionJob{
		auditRepo:     auditRepo,
		retentionDays: retentionDays,
		stopCh:        make(chan struct{}),
		now:           time.Now,
	}
}

// Start begins the periodic sweep
func (j *AuditRetentionJob) Start(ctx context.Context, interval time.Duration) {
	log.Printf("Audit retention job started (retention: %d days, sweep interval: %v)", j.retentionDays, interval)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Run an initial sweep immediately
		j.sweep(ctx)

		for {
			select {
			case <-ticker.C:
				j.sweep(ctx)
			case <-j.stopCh:
				log.Println("Audit retention job stopped")
				return
			case <-ctx.Done():
				log.Println("Audit retention job context cancelled")
				return
			}
		}
	}()
}

// Stop stops the sweep loop
func (j *AuditRetentionJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}

func (j *AuditRetentionJob) sweep(ctx context.Context) {
	cutoff := j.now().AddDate(0, 0, -j.retentionDays)

	deleted, err := j.auditRepo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		log.Printf("Audit retention sweep failed: %v", err)
		return
	}
	if deleted > 0 {
		telemetry.AuditEntriesPrunedTotal.Add(float64(deleted))
		log.Printf("Audit retention sweep removed %d entries older than %s", deleted, cutoff.Format(time.RFC3339))
	}
}
