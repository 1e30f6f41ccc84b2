// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts engine operations by name and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinwar_operations_total",
		Help: "Total engine operations by outcome",
	}, []string{"op", "outcome"})

	// OperationLatency tracks engine operation latency, custody calls included.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coinwar_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// TransferFailures counts custody transfers that were not confirmed.
	TransferFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinwar_transfer_failures_total",
		Help: "Custody transfers that were not confirmed",
	}, []string{"op"})

	// TransferReversalFailures counts compensating transfers that failed.
	// Any non-zero value needs manual reconciliation.
	TransferReversalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinwar_transfer_reversal_failures_total",
		Help: "Compensating transfers that were not confirmed",
	})

	// PoolTotalDeposit tracks each pool's total deposit after every commit.
	PoolTotalDeposit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coinwar_pool_total_deposit",
		Help: "Total deposit attributed to a pool",
	}, []string{"pool"})

	// PoolUsers tracks each pool's member count.
	PoolUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coinwar_pool_users",
		Help: "Number of users with a balance in a pool",
	}, []string{"pool"})

	// DepositVolume tracks cumulative value moved, by pool and kind.
	DepositVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinwar_volume_total",
		Help: "Cumulative deposit and withdrawal volume",
	}, []string{"pool", "kind"})

	// PayoutVolume tracks cumulative prize value paid, by kind.
	PayoutVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinwar_payout_volume_total",
		Help: "Cumulative prize value paid out",
	}, []string{"kind"})

	// RoundsSettled counts completed rounds, by winning pool.
	RoundsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinwar_rounds_settled_total",
		Help: "Rounds settled, by winning pool",
	}, []string{"pool"})

	// SchedulerRuns counts scheduled settlement attempts by outcome:
	// settled, idle, or error.
	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinwar_scheduler_runs_total",
		Help: "Scheduled settlement attempts by outcome",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coinwar_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinwar_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coinwar_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Observe records an operation's outcome and latency since start.
func Observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	OperationsTotal.WithLabelValues(op, outcome).Inc()
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
