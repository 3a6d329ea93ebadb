// Package api wires together all HTTP routes for StreakKeeper.
//
// Route grouping:
//   - /health, /ready, and /version are public probes.
//   - /webhooks/github is public but every delivery must carry a valid HMAC
//     signature; nothing else authenticates the platform.
//   - /api/v1/ is the operator surface and always requires the scheduler
//     token, behind rate limiting so a guessed token burns its budget before
//     the bcrypt comparison.
package api

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/streakkeeper/streakkeeper/internal/api/admin"
	"github.com/streakkeeper/streakkeeper/internal/api/webhooks"
	"github.com/streakkeeper/streakkeeper/internal/audit"
	"github.com/streakkeeper/streakkeeper/internal/config"
	"github.com/streakkeeper/streakkeeper/internal/db/repositories"
	"github.com/streakkeeper/streakkeeper/internal/github"
	"github.com/streakkeeper/streakkeeper/internal/jobs"
	"github.com/streakkeeper/streakkeeper/internal/middleware"
	"github.com/streakkeeper/streakkeeper/internal/webhook"
)

// Version is the build version, overridable at link time.
var Version = "0.1.0"

// batchSafetyInterval is the internal fallback cadence for the daily batch.
// The external scheduler is the primary trigger; this ticker only covers a
// scheduler outage. The UTC-day check keeps the overlap harmless.
const batchSafetyInterval = 24 * time.Hour

// BackgroundServices holds background jobs and resources that must be stopped
// during graceful shutdown. The caller (cmd/server) calls Shutdown() after the
// HTTP server has drained.
type BackgroundServices struct {
	dailyCommitJob *jobs.DailyCommitJob
	retentionJob   *jobs.AuditRetentionJob
	rateLimiters   []*middleware.RateLimiter
}

// Shutdown stops all background goroutines.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.dailyCommitJob != nil {
		bg.dailyCommitJob.Stop()
	}
	if bg.retentionJob != nil {
		bg.retentionJob.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	// Repositories
	sqlxDB := sqlx.NewDb(db, "postgres")
	installationRepo := repositories.NewInstallationRepository(sqlxDB)
	deliveryRepo := repositories.NewWebhookDeliveryRepository(sqlxDB)
	settingsRepo := repositories.NewSettingsRepository(sqlxDB)
	auditRepo := repositories.NewAuditRepository(db)

	recorder := audit.NewRecorder(auditRepo)
	auditService := audit.NewService(auditRepo)

	// Platform client and credential broker
	client := github.NewClient(cfg.GitHub.APIBaseURL)
	broker, err := github.NewBroker(cfg.GitHub.AppID, cfg.GitHub.PrivateKeyPath, client)
	if err != nil {
		log.Fatalf("Failed to initialize credential broker: %v", err)
	}

	ingester := webhook.NewIngester(installationRepo, deliveryRepo, recorder, cfg.Installations.MaxActivePerUser)

	// Background jobs
	dailyJob := jobs.NewDailyCommitJob(installationRepo, broker, client, recorder, cfg.Batch, cfg.GitHub)
	dailyJob.Start(context.Background(), batchSafetyInterval)

	retentionJob := jobs.NewAuditRetentionJob(auditRepo, cfg.Audit.RetentionDays)
	retentionJob.Start(context.Background(), cfg.Audit.SweepInterval)

	bg := &BackgroundServices{
		dailyCommitJob: dailyJob,
		retentionJob:   retentionJob,
	}

	// Middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	router.Use(LoggerMiddleware())
	router.Use(middleware.SecurityHeaders(middleware.APISecurityHeadersConfig()))

	// Probes
	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db))
	router.GET("/version", versionHandler())

	// Webhook ingestion, with its own looser bucket sized for redeliveries
	webhookHandler := webhooks.NewGitHubWebhookHandler(ingester, cfg.GitHub.WebhookSecret)
	if cfg.Security.RateLimiting.Enabled {
		webhookLimiter := middleware.NewRateLimiter(middleware.WebhookRateLimitConfig())
		bg.rateLimiters = append(bg.rateLimiters, webhookLimiter)
		router.POST("/webhooks/github", middleware.RateLimit(webhookLimiter), webhookHandler.HandleWebhook)
	} else {
		router.POST("/webhooks/github", webhookHandler.HandleWebhook)
	}

	// Operator API
	apiGroup := router.Group("/api/v1")
	if cfg.Security.RateLimiting.Enabled {
		limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerMinute: cfg.Security.RateLimiting.RequestsPerMinute,
			BurstSize:         cfg.Security.RateLimiting.Burst,
			CleanupInterval:   5 * time.Minute,
		})
		bg.rateLimiters = append(bg.rateLimiters, limiter)
		apiGroup.Use(middleware.RateLimit(limiter))
	}
	apiGroup.Use(middleware.NewSchedulerAuth(settingsRepo).Middleware())

	batchHandler := admin.NewBatchHandler(dailyJob)
	auditHandler := admin.NewAuditHandler(auditService)
	apiGroup.POST("/batch/run", batchHandler.RunBatch)
	apiGroup.GET("/audit", auditHandler.ListAuditLogs)

	return router, bg
}

// healthCheckHandler reports process liveness and database connectivity
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler reports whether the service can accept traffic. A failing
// database check takes the instance out of rotation before requests error.
func readinessHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.Ping(); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware logs every request as a structured slog record. The output
// format (JSON or text) follows the handler installed by telemetry.SetupLogger.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.Any("request_id", requestID),
		)
	}
}
