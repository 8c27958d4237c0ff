// Package metrics provides Prometheus instrumentation for the exchange
// engine.
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
	// TradesTotal counts executed trades, partitioned by taker side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trades_total",
		Help: "Total number of trades executed",
	}, []string{"taker_side"})

	// TradeVolume accumulates settled amounts in minor currency units.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trade_volume_total",
		Help: "Cumulative settled trade volume in minor currency units",
	}, []string{"market_id"})

	// MatchLatency tracks the duration of one match invocation.
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_match_latency_seconds",
		Help:    "Match invocation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// MatchConflicts counts commits aborted by concurrent modification.
	MatchConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_match_conflicts_total",
		Help: "Match commits aborted by concurrent modification",
	})

	// LedgerEntriesTotal counts ledger writes by transaction type.
	LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_ledger_entries_total",
		Help: "Total ledger entries written",
	}, []string{"type"})

	// OrdersExpired counts orders transitioned by the expiry sweeper.
	OrdersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_expired_total",
		Help: "Orders expired by the sweeper",
	})

	// RiskRejections counts orders rejected by the risk limiter.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_risk_rejections_total",
		Help: "Orders rejected by risk limits",
	}, []string{"reason"})

	// WebSocketClients tracks connected trade-feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
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
		// that cardinality stays bounded by entity ids only.
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
