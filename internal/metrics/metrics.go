// Package metrics provides Prometheus instrumentation for the ExecGuard engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "execguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PermitVerificationsTotal counts permit verifications by outcome.
	PermitVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execguard",
			Name:      "permit_verifications_total",
			Help:      "Total permit verifications by outcome (ok or rejection code).",
		},
		[]string{"outcome"},
	)

	// PolicyChecksTotal counts policy evaluations by tier and verdict.
	PolicyChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execguard",
			Name:      "policy_checks_total",
			Help:      "Total policy evaluations by tier and verdict.",
		},
		[]string{"tier", "verdict"},
	)

	// AttacksDetectedTotal counts attack records by type and risk level.
	AttacksDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execguard",
			Name:      "attacks_detected_total",
			Help:      "Total attack records created by type and risk level.",
		},
		[]string{"attack_type", "risk"},
	)

	// MitigationsTotal counts applied mitigations by attack type and action.
	MitigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execguard",
			Name:      "mitigations_total",
			Help:      "Total mitigations applied by attack type and action.",
		},
		[]string{"attack_type", "action"},
	)

	// ProtectionStatus exports the current protection status as a labeled gauge
	// (1 for the active status, 0 otherwise).
	ProtectionStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "execguard",
			Name:      "protection_status",
			Help:      "Current protection status (1 on the active label).",
		},
		[]string{"status"},
	)

	// AssetProbesTotal counts asset safety probes by result.
	AssetProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execguard",
			Name:      "asset_probes_total",
			Help:      "Total asset safety probes by result (ok, failed, stale_served).",
		},
		[]string{"result"},
	)

	// FeedSyncsTotal counts reputation feed syncs by source and result.
	FeedSyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execguard",
			Name:      "feed_syncs_total",
			Help:      "Total reputation feed syncs by source and result.",
		},
		[]string{"source", "result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "execguard",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execguard", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execguard", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execguard", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PermitVerificationsTotal,
		PolicyChecksTotal,
		AttacksDetectedTotal,
		MitigationsTotal,
		ProtectionStatus,
		AssetProbesTotal,
		FeedSyncsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// SetProtectionStatus flips the status gauge so exactly one label is 1.
func SetProtectionStatus(current string, all []string) {
	for _, status := range all {
		v := 0.0
		if status == current {
			v = 1.0
		}
		ProtectionStatus.WithLabelValues(status).Set(v)
	}
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
