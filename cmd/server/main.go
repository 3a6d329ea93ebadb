// Package main is the entry point for the StreakKeeper server binary.
// It dispatches three subcommands, serve, migrate, and version, via a simple
// switch on os.Args so the binary's full CLI surface is readable in one place
// without requiring a cobra dependency. The serve command runs auto-migration
// on startup so freshly deployed containers never need a separate migration
// step.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/streakkeeper/streakkeeper/internal/api"
	"github.com/streakkeeper/streakkeeper/internal/config"
	"github.com/streakkeeper/streakkeeper/internal/db"
	"github.com/streakkeeper/streakkeeper/internal/db/models"
	"github.com/streakkeeper/streakkeeper/internal/db/repositories"
	"github.com/streakkeeper/streakkeeper/internal/safego"
	"github.com/streakkeeper/streakkeeper/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "version":
		fmt.Printf("StreakKeeper v%s\n", api.Version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Structured logger first so all subsequent output uses the configured
	// format and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Telemetry.ServiceName)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Println("Connected to database successfully")

	telemetry.StartDBStatsCollector(database)

	log.Println("Running database migrations...")
	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	schemaVersion, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Printf("Warning: failed to get migration version: %v", err)
	} else {
		log.Printf("Database schema version: %d (dirty: %v)", schemaVersion, dirty)
	}

	// Bootstrap the scheduler token before the router starts answering:
	// /api/v1 requests verify against the hash written here.
	sqlxDB := sqlx.NewDb(database, "postgres")
	settingsRepo := repositories.NewSettingsRepository(sqlxDB)
	if err := bootstrapSchedulerToken(settingsRepo, cfg.Security.AdminToken); err != nil {
		return fmt.Errorf("failed to bootstrap scheduler token: %w", err)
	}

	// Prometheus scrapes a dedicated port so the scrape path stays off the
	// public ingress and clear of the API rate limiter.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go("metrics-server", func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	router, bgServices := api.NewRouter(cfg, database)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("Starting server on %s", cfg.Server.GetAddress())
		log.Printf("Base URL: %s", cfg.Server.BaseURL)
		log.Printf("Batch workers: %d, target file: %s", cfg.Batch.Workers, cfg.Batch.TargetFile)
		log.Println("Server is ready to accept connections")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop background jobs and rate limiter goroutines after in-flight
	// requests have drained.
	bgServices.Shutdown()

	log.Println("Server stopped gracefully")
	return nil
}

// bootstrapSchedulerToken ensures a scheduler token hash exists in system
// settings. A configured token always wins and its hash is rewritten on every
// boot, so rotation is a config change plus restart. With no configured token
// and no stored hash, a random token is generated and printed exactly once;
// only the bcrypt hash is persisted.
func bootstrapSchedulerToken(repo *repositories.SettingsRepository, configuredToken string) error {
	ctx := context.Background()

	if configuredToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(configuredToken), 12)
		if err != nil {
			return fmt.Errorf("failed to hash scheduler token: %w", err)
		}
		return repo.SetSetting(ctx, models.SettingAdminTokenHash, string(hash))
	}

	existing, err := repo.GetSetting(ctx, models.SettingAdminTokenHash)
	if err != nil {
		return fmt.Errorf("failed to check existing scheduler token: %w", err)
	}
	if existing != "" {
		return nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return fmt.Errorf("failed to generate scheduler token: %w", err)
	}
	rawToken := "sk_sched_" + base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(tokenBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(rawToken), 12)
	if err != nil {
		return fmt.Errorf("failed to hash scheduler token: %w", err)
	}
	if err := repo.SetSetting(ctx, models.SettingAdminTokenHash, string(hash)); err != nil {
		return fmt.Errorf("failed to store scheduler token hash: %w", err)
	}

	separator := strings.Repeat("═", 66)
	log.Println("")
	log.Println(separator)
	log.Println("  SCHEDULER TOKEN GENERATED")
	log.Println("")
	log.Printf("  Token: %s", rawToken)
	log.Println("")
	log.Println("  Pass it in the X-Scheduler-Token header when calling /api/v1.")
	log.Println("  It will not be printed again; only its hash is stored.")
	log.Println("  To rotate, set SK_SECURITY_ADMIN_TOKEN and restart.")
	log.Println(separator)
	log.Println("")

	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction)

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Println("Migrations completed successfully")
	return nil
}
