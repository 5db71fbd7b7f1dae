// Package metrics provides Prometheus instrumentation for the trade contract.
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
	// PositionsOpened counts accepted buy and sell positions.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cts_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"kind"})

	// OpenLatency is the time spent in an open call, matching included.
	OpenLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cts_open_position_latency_seconds",
		Help:    "Open position latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TradesTotal counts fills, partitioned by the resting side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cts_trades_total",
		Help: "Total number of trades executed",
	}, []string{"position_kind"})

	// TradeVolumeCycles tracks cumulative traded cycles.
	TradeVolumeCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cts_trade_volume_cycles_total",
		Help: "Cumulative trade volume in cycles",
	})

	// RestingPositions is the size of each side of the book.
	RestingPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cts_resting_positions",
		Help: "Number of positions resting in the book",
	}, []string{"kind"})

	// VoidPositions is the size of each void queue.
	VoidPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cts_void_positions",
		Help: "Number of void positions awaiting payout",
	}, []string{"kind"})

	// PendingTrades is the number of trades held in memory.
	PendingTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cts_pending_trades",
		Help: "Number of trades awaiting payout completion",
	})

	// BusyRejections counts opens rejected for capacity or a held lock.
	BusyRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cts_busy_rejections_total",
		Help: "Calls rejected as busy",
	}, []string{"reason"})

	// PayoutSteps counts payout step outcomes by leg.
	PayoutSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cts_payout_steps_total",
		Help: "Payout steps by leg and outcome",
	}, []string{"leg", "outcome"})

	// FlushChunks counts chunks delivered to storage children.
	FlushChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cts_flush_chunks_total",
		Help: "Log chunks flushed to storage",
	}, []string{"log"})

	// FlushErrors counts failed flush attempts.
	FlushErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cts_flush_errors_total",
		Help: "Failed log flushes",
	}, []string{"log"})

	// StorageBufferBytes is the unflushed size of each log buffer.
	StorageBufferBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cts_storage_buffer_bytes",
		Help: "Bytes waiting in the log buffer",
	}, []string{"log"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cts_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cts_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cts_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

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
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
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
