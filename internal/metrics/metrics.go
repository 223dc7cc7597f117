// Package metrics provides Prometheus instrumentation for the exchange engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by kind and option.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trades_total",
		Help: "Total number of trades executed",
	}, []string{"kind", "option"})

	// TradeRejections counts trades rejected by a precondition, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trade_rejections_total",
		Help: "Trades rejected before commit",
	}, []string{"kind", "reason"})

	// TradeLatency is the end-to-end trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TradeVolume tracks cumulative traded cash in cents.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trade_volume_cents_total",
		Help: "Cumulative traded cash in cents",
	}, []string{"kind"})

	// TxConflicts counts optimistic transaction attempts that hit a conflict.
	TxConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_tx_conflicts_total",
		Help: "Store transaction attempts aborted by a version conflict",
	})

	// TxExhausted counts transactions that gave up after all retries.
	TxExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_tx_retries_exhausted_total",
		Help: "Store transactions that surfaced a conflict to the caller",
	})

	// Settlements counts resolve calls by outcome (completed, noop, failed).
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_settlements_total",
		Help: "Market settlements by outcome",
	}, []string{"outcome"})

	// PayoutsTotal counts payout ledger entries written.
	PayoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_payouts_total",
		Help: "Payout ledger entries written",
	})

	// PayoutCents tracks cumulative cents paid to winners.
	PayoutCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_payout_cents_total",
		Help: "Cumulative payout amount in cents",
	})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
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

		// Label by route pattern, not raw path, to bound cardinality.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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

// Unwrap lets http.ResponseController reach the underlying writer, which the
// WebSocket upgrade needs for hijacking.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
