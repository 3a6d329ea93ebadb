// Package admin implements the authenticated operator API: triggering batch
// runs and querying the audit trail. Every route in this package sits behind
// the scheduler token middleware.
package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/streakkeeper/streakkeeper/internal/jobs"
)

// BatchHandler exposes the manual batch trigger
type BatchHandler struct {
	job *jobs.DailyCommitJob
}

// NewBatchHandler creates a new batch handler
func NewBatchHandler(job *jobs.DailyCommitJob) *BatchHandler {
	return &BatchHandler{job: job}
}

// RunBatch triggers one batch run and blocks until it finishes, returning the
// summary. An overlapping trigger gets 409 so the scheduler's retry policy
// can back off instead of stacking runs.
// POST /api/v1/batch/run
func (h *BatchHandler) RunBatch(c *gin.Context) {
	summary, err := h.job.RunDaily(c.Request.Context())
	if err != nil {
		if errors.Is(err, jobs.ErrBatchAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "a batch is already running"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "batch run failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"processed":      summary.Processed,
		"committed":      summary.Committed,
		"skipped":        summary.Skipped,
		"not_attempted":  summary.NotAttempted,
		"failed_by_kind": summary.FailedByKind,
		"duration_ms":    summary.Duration.Milliseconds(),
	})
}
