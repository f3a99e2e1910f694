package engine

import "github.com/prometheus/client_golang/prometheus"

// Prometheus counters/gauges the event processor updates as it drives the
// order lifecycle. Exposed at /metrics by cmd/engine, grounded on the
// chidi150c-coinbase main.go's promhttp.Handler() wiring.
var (
	mtxOrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_placed_total",
			Help: "Bracket orders placed, by side.",
		},
		[]string{"side"},
	)

	mtxExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_exits_total",
			Help: "Positions closed, by exit reason.",
		},
		[]string{"reason"},
	)

	mtxSLUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_sl_trail_updates_total",
			Help: "Trailing stop-loss modifications sent to the broker.",
		},
	)

	mtxWebsocketReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_websocket_reconnects_total",
			Help: "Websocket error/reconnect cycles observed.",
		},
	)

	mtxActivePositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_active_positions",
			Help: "Current count of active (Y) positions in the table.",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxOrdersPlaced, mtxExitsTotal, mtxSLUpdates, mtxWebsocketReconnects, mtxActivePositions)
}
