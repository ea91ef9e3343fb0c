// Package metrics exposes Prometheus collectors and the health/metrics HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deltabot"

// Stream metrics.
var (
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "ticks_total",
		Help:      "Mark-price ticks delivered to the tick handler.",
	})

	MalformedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "malformed_frames_total",
		Help:      "Inbound frames dropped because they could not be parsed.",
	})

	HandlerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "handler_errors_total",
		Help:      "Tick handler failures, by kind (error, panic).",
	}, []string{"kind"})

	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "reconnects_total",
		Help:      "Reconnect requests, by outcome (scheduled, suppressed, stale).",
	}, []string{"outcome"})

	ReconnectDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "reconnect_delay_seconds",
		Help:      "Scheduled reconnect delay.",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
	})

	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "connection_state",
		Help:      "Connection state (0=disconnected, 1=connecting, 2=open, 3=authenticated, 4=failed).",
	})

	SessionUptimeAverage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "session_uptime_avg_seconds",
		Help:      "Smoothed average session uptime.",
	})

	DialErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "dial_errors_total",
		Help:      "Failed connection attempts.",
	})
)

// Watchdog metrics.
var (
	WatchdogBreachesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watchdog",
		Name:      "breaches_total",
		Help:      "Watchdog breaches, by watchdog name.",
	}, []string{"watchdog"})
)

// Trading metrics.
var (
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "execution",
		Name:      "orders_total",
		Help:      "Orders by side and status or reject reason.",
	}, []string{"side", "status"})

	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "execution",
		Name:      "fills_total",
		Help:      "Applied fills, by side and ledger action.",
	}, []string{"side", "action"})

	FillLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "execution",
		Name:      "fill_latency_seconds",
		Help:      "Simulated order latency.",
		Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.25},
	})

	FeesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "execution",
		Name:      "fees_total",
		Help:      "Cumulative simulated fees.",
	})

	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "trades_total",
		Help:      "Closed trades, by side and outcome.",
	}, []string{"side", "outcome"})

	RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "realized_pnl",
		Help:      "Cumulative realized PnL.",
	})

	PositionOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "position_open",
		Help:      "Open position direction (1 long, -1 short, 0 flat).",
	})

	RiskTriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "triggers_total",
		Help:      "Forced closes, by reason.",
	}, []string{"reason"})

	BadTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tickfilter",
		Name:      "rejected_total",
		Help:      "Ticks rejected by the bad-tick filter, by reason.",
	}, []string{"reason"})

	SinkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "journal",
		Name:      "errors_total",
		Help:      "Fill listener failures, by listener.",
	}, []string{"listener"})
)

// BuildInfo carries version labels.
var BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "build_info",
	Help:      "Build information.",
}, []string{"version", "commit"})

// SetBuildInfo publishes the build labels.
func SetBuildInfo(version, commit string) {
	BuildInfo.WithLabelValues(version, commit).Set(1)
}
