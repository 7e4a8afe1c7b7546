// Package metrics exposes Prometheus instrumentation for the engine.
//
// Counters and gauges are registered once via promauto and written from the
// components that own the underlying state (bus drop counters, pool
// connection gauges, detector signal counters). The Server serves them on
// /metrics when enabled.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event bus
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pump_bus_events_published_total",
			Help: "Total events published per topic",
		},
		[]string{"topic"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pump_bus_events_dropped_total",
			Help: "Events dropped on full subscriber queues, per topic and class",
		},
		[]string{"topic", "class"},
	)

	// Market data
	TradesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pump_md_trades_total",
			Help: "Total trades received from the exchange feed",
		},
		[]string{"exchange", "symbol"},
	)

	OrderbookUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pump_md_orderbook_updates_total",
			Help: "Total orderbook updates applied",
		},
		[]string{"exchange", "symbol"},
	)

	OrderbookBestBid = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pump_md_orderbook_best_bid",
			Help: "Current best bid price",
		},
		[]string{"exchange", "symbol"},
	)

	OrderbookBestAsk = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pump_md_orderbook_best_ask",
			Help: "Current best ask price",
		},
		[]string{"exchange", "symbol"},
	)

	StaleDeltasDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pump_md_stale_deltas_total",
			Help: "Orderbook deltas dropped for non-increasing version",
		},
		[]string{"exchange", "symbol"},
	)

	// Connection pool
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pump_ws_connections_active",
			Help: "Currently open WebSocket connections",
		},
		[]string{"exchange"},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pump_ws_reconnects_total",
			Help: "WebSocket reconnection attempts",
		},
		[]string{"exchange", "outcome"},
	)

	// Signals
	PumpSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pump_signals_total",
			Help: "Confirmed flash-pump signals emitted",
		},
		[]string{"symbol"},
	)

	ReversalSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pump_reversals_total",
			Help: "Reversal signals emitted",
		},
		[]string{"symbol"},
	)

	// Risk
	RiskRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pump_risk_rejections_total",
			Help: "Position intents rejected, by first failed check",
		},
		[]string{"check"},
	)
)

// Server serves the Prometheus metrics endpoint.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server listening on the given address.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start blocks serving until Stop is called.
func (s *Server) Start() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
