// Package metrics provides Prometheus instrumentation for splitpay.
package metrics

import (
	"database/sql"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "splitpay"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// IntentsTotal counts payment intent transitions by resulting status.
	IntentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intents_total",
			Help:      "Payment intents by transition (created, completed, expired, rejected).",
		},
		[]string{"status"},
	)

	// SettlementsTotal counts Settled events by outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settled events processed by result (recorded, duplicate, unmatched).",
		},
		[]string{"result"},
	)

	// ListenerBlock tracks head and processed heights per chain.
	ListenerBlock = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "block",
			Help:      "Block heights seen by the settlement listener (kind=head|processed).",
		},
		[]string{"chain", "kind"},
	)

	// ListenerHalted is 1 while the listener is halted by the RPC watchdog.
	ListenerHalted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "halted",
			Help:      "1 when scanning is halted because the ledger client is unreachable.",
		},
		[]string{"chain"},
	)

	// WatchdogTransitions counts watchdog state changes.
	WatchdogTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "state_transitions_total",
			Help:      "RPC watchdog state transitions by name, from-state, and to-state.",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// NotificationsTotal counts settlement notification attempts.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Settlement notification attempts by result (delivered, retry, dead).",
		},
		[]string{"result"},
	)

	// OutboxPending tracks undelivered notifications.
	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "notification_outbox_pending",
		Help:      "Notifications waiting for delivery.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		IntentsTotal,
		SettlementsTotal,
		ListenerBlock,
		ListenerHalted,
		WatchdogTransitions,
		NotificationsTotal,
		OutboxPending,
		ActiveWebSocketClients,
	)
}

// RegisterDB exports the pool's sql.DBStats as go_sql_* series labeled
// db_name. Registering the same name twice is not an error.
func RegisterDB(db *sql.DB, name string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Route patterns keep label cardinality bounded.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
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
