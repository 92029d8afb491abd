// Package telemetry provides application-level observability for the key portal.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<DDC_TELEMETRY_METRICS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Key issuance, race-loss, lookup-anomaly and completion counters
//   - Store error counters by normalized kind
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/keys/:tier)
// rather than the raw request URL. Key metrics are labelled by tier only; account
// identifiers never appear in labels.
package telemetry

import (
	"context"
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

// Key lifecycle metrics, recorded by the keys service.
//
// KeysIssuedTotal counts partial keys actually inserted (not idempotent returns of an
// existing record). KeyIssueRacesTotal counts inserts that lost a uniqueness race and
// were resolved by re-lookup; a steady non-zero rate usually means a client is
// double-submitting.
//
// KeyLookupAnomaliesTotal counts lookups that saw more than one row for a single
// (account, tier). The unique constraint makes this unreachable; any increase means the
// schema was altered out of band.
//
// Example PromQL queries:
//   - Issuance rate by tier:     sum by (tier) (rate(keys_issued_total[1h]))
//   - Completion funnel (%):     sum(increase(key_completions_total[1d])) / sum(increase(keys_issued_total[1d])) * 100
//   - Alert on anomalies:        increase(key_lookup_anomalies_total[5m]) > 0
var (
	KeysIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keys_issued_total",
			Help: "Total number of partial api keys created, by tier.",
		},
		[]string{"tier"},
	)

	KeyIssueRacesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_issue_races_total",
			Help: "Total number of concurrent issuance attempts resolved by re-lookup, by tier.",
		},
		[]string{"tier"},
	)

	KeyLookupAnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_lookup_anomalies_total",
			Help: "Total number of lookups that returned more than one record for one account, by tier.",
		},
		[]string{"tier"},
	)

	KeyCompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_completions_total",
			Help: "Total number of complete keys recorded through the completion callback, by tier.",
		},
		[]string{"tier"},
	)

	// KeyCompletionObservationsTotal counts waiting requests that saw their partial
	// key turn complete. One completion watched from two tabs counts twice.
	KeyCompletionObservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_completion_observations_total",
			Help: "Total number of waiting requests that observed their key become complete, by tier.",
		},
		[]string{"tier"},
	)
)

// KeyStoreErrorsTotal counts normalized credential store failures by tier and kind
// (permission_denied, storage_unavailable).
//
// Example PromQL queries:
//   - Alert on policy misconfiguration:  increase(key_store_errors_total{kind="permission_denied"}[10m]) > 0
var KeyStoreErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "key_store_errors_total",
		Help: "Total number of normalized credential store errors, by tier and kind.",
	},
	[]string{"tier", "kind"},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request.
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <DDC_DATABASE_MAX_CONNECTIONS> * 100
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// dbStatsInterval is how often StartDBStatsCollector samples the pool.
var dbStatsInterval = 30 * time.Second

// StartDBStatsCollector launches a goroutine that samples sql.DB pool statistics and
// updates the DBOpenConnections gauge. It exits when ctx is cancelled or the
// database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	interval := dbStatsInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := db.PingContext(pingCtx)
				cancel()
				if err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
