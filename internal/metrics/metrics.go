// Package metrics provides Prometheus instrumentation for the match engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth tracks players currently waiting in matchmaking.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solfight_queue_depth",
		Help: "Players currently waiting in the matchmaking queue",
	})

	// PairsTotal counts successful matchmaking pairings.
	PairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solfight_pairs_total",
		Help: "Total matchmaking pairings",
	})

	// QueueDropsTotal counts entries dropped at pairing time.
	QueueDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solfight_queue_drops_total",
		Help: "Queue entries dropped for insufficient funds",
	})

	// ActiveMatches tracks matches currently in the arena.
	ActiveMatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solfight_active_matches",
		Help: "Number of matches currently running",
	})

	// PositionsOpenedTotal counts opened positions by side.
	PositionsOpenedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solfight_positions_opened_total",
		Help: "Total positions opened",
	}, []string{"side"})

	// PositionsClosedTotal counts closed positions by close reason.
	PositionsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solfight_positions_closed_total",
		Help: "Total positions closed",
	}, []string{"reason"})

	// SettlementsTotal counts settlements by outcome (win, tie, failed).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solfight_settlements_total",
		Help: "Total match settlements",
	}, []string{"outcome"})

	// PayoutRetriesTotal counts on-chain payout submission retries.
	PayoutRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solfight_payout_retries_total",
		Help: "On-chain payout submissions retried",
	})

	// EscrowTimeoutsTotal counts matches cancelled for missed deposits.
	EscrowTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solfight_escrow_timeouts_total",
		Help: "Matches cancelled because escrow was not funded in time",
	})

	// TicksAppliedTotal counts price ticks applied to live matches.
	TicksAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solfight_ticks_applied_total",
		Help: "Price ticks applied to live matches",
	})

	// StaleAssets tracks assets whose feed is currently stale.
	StaleAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solfight_stale_assets",
		Help: "Assets with a stale price feed",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solfight_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// CommandsRejectedTotal counts inbound commands rejected, by error code.
	CommandsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solfight_commands_rejected_total",
		Help: "Inbound commands rejected",
	}, []string{"code"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solfight_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "solfight_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
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
