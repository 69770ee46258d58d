// Package monitor exposes fleet health as Prometheus metrics.
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	botsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "botfleet_bots_running",
			Help: "Number of bots currently in Running state",
		},
	)

	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botfleet_analysis_ticks_total",
			Help: "Total analysis loop ticks executed",
		},
		[]string{"bot_id", "symbol"},
	)

	analysisFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botfleet_analysis_failures_total",
			Help: "Analysis ticks that failed (gateway or provider error)",
		},
		[]string{"bot_id", "reason"},
	)

	ordersSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botfleet_orders_submitted_total",
			Help: "Orders accepted by the gateway",
		},
		[]string{"bot_id", "symbol", "direction"},
	)

	ordersRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botfleet_orders_rejected_total",
			Help: "Orders refused by the gateway",
		},
		[]string{"bot_id", "symbol"},
	)

	tradesClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botfleet_trades_closed_total",
			Help: "Trades reconciled to closed, by close reason",
		},
		[]string{"bot_id", "reason"},
	)

	emergencyStops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "botfleet_emergency_stops_total",
			Help: "Fleet-wide emergency stop invocations",
		},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "botfleet_tick_duration_seconds",
			Help:    "Wall time of one analysis tick",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
	)
)

func SetBotsRunning(n int) { botsRunning.Set(float64(n)) }

func RecordTick(botID, symbol string, d time.Duration) {
	ticksTotal.WithLabelValues(botID, symbol).Inc()
	tickDuration.Observe(d.Seconds())
}

func RecordAnalysisFailure(botID, reason string) {
	analysisFailures.WithLabelValues(botID, reason).Inc()
}

func RecordOrderSubmitted(botID, symbol, direction string) {
	ordersSubmitted.WithLabelValues(botID, symbol, direction).Inc()
}

func RecordOrderRejected(botID, symbol string) {
	ordersRejected.WithLabelValues(botID, symbol).Inc()
}

func RecordTradeClosed(botID, reason string) {
	tradesClosed.WithLabelValues(botID, reason).Inc()
}

func RecordEmergencyStop() { emergencyStops.Inc() }
