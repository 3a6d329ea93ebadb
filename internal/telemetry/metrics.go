// Package telemetry provides application-level observability for StreakKeeper.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started in main.go:
//
//	GET http(s)://<host>:<SK_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint returns the Prometheus text exposition
// format and is intended to be scraped every 15–60 seconds. It is NOT served
// by the Gin router, so it never competes with webhook or admin traffic.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Daily batch outcome counters and batch duration histogram
//   - Installation token exchange counters (cache hit / miss / error)
//   - Webhook delivery counters by event result
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (the route template) rather than the raw
// request URL so user-supplied path segments cannot create unbounded label
// cardinality.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Daily batch metrics, recorded by the daily commit job.
//
// BatchInstallationsTotal counts per-installation outcomes of each batch run.
// The outcome label takes one of: "committed", "skipped", "not_attempted",
// or a failure kind ("authentication", "external_api", "storage", ...).
//
// Example PromQL queries:
//   - Failure rate:         sum(rate(batch_installations_total{outcome!~"committed|skipped"}[24h]))
//   - Commits per day:      increase(batch_installations_total{outcome="committed"}[24h])
//
// BatchDuration observes the wall-clock duration of one complete batch run.
//
// Example PromQL queries:
//   - p95 batch duration:  histogram_quantile(0.95, rate(batch_duration_seconds_bucket[7d]))
var (
	BatchInstallationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_installations_total",
			Help: "Total number of installations processed by daily batches, by outcome.",
		},
		[]string{"outcome"},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_duration_seconds",
			Help:    "Duration of a complete daily commit batch run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)
)

// TokenExchangesTotal counts installation access token lookups in the
// credential broker, by result: "cache_hit", "minted", or "error".
// A rising error rate usually means the app key or app id is wrong, or an
// installation has been revoked upstream.
//
// Example PromQL queries:
//   - Cache hit ratio:  sum(rate(token_exchanges_total{result="cache_hit"}[1h])) / sum(rate(token_exchanges_total[1h]))
//   - Exchange errors:  increase(token_exchanges_total{result="error"}[1h])
var TokenExchangesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "token_exchanges_total",
		Help: "Total number of installation token lookups, by result.",
	},
	[]string{"result"},
)

// WebhookDeliveriesTotal counts inbound webhook deliveries, by result:
// "processed", "duplicate", "rejected" (bad signature or payload), or
// "failed" (state could not be applied).
//
// Example PromQL queries:
//   - Rejection rate:  rate(webhook_deliveries_total{result="rejected"}[1h])
//   - Duplicate rate:  rate(webhook_deliveries_total{result="duplicate"}[1h])
var WebhookDeliveriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Total number of inbound webhook deliveries, by processing result.",
	},
	[]string{"result"},
)

// AuditEntriesPrunedTotal counts audit entries removed by the retention sweep.
//
// Example PromQL query:
//   - Pruned per week:  increase(audit_entries_pruned_total[7d])
var AuditEntriesPrunedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "audit_entries_pruned_total",
		Help: "Total number of audit trail entries deleted by the retention sweep.",
	},
)

// DBOpenConnections is a Gauge tracking the number of open connections held
// by the sql.DB pool. It is sampled every 30 seconds by StartDBStatsCollector
// rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds and updates the
// DBOpenConnections gauge. The goroutine exits when the database becomes
// unreachable, which happens when the application shuts down and closes it.
//
// Call this once, immediately after the database connection succeeds in main.go.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
