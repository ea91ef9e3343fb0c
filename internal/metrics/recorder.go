package metrics

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordTick records a delivered tick.
func (r *Recorder) RecordTick() {
	TicksTotal.Inc()
}

// RecordMalformedFrame records a dropped inbound frame.
func (r *Recorder) RecordMalformedFrame() {
	MalformedFramesTotal.Inc()
}

// RecordHandlerError records a tick handler failure.
func (r *Recorder) RecordHandlerError(panicked bool) {
	kind := "error"
	if panicked {
		kind = "panic"
	}
	HandlerErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordReconnectScheduled records a scheduled reconnect and its delay.
func (r *Recorder) RecordReconnectScheduled(delay time.Duration) {
	ReconnectsTotal.WithLabelValues("scheduled").Inc()
	ReconnectDelay.Observe(delay.Seconds())
}

// RecordReconnectSuppressed records a reconnect request dropped by the suppression window.
func (r *Recorder) RecordReconnectSuppressed() {
	ReconnectsTotal.WithLabelValues("suppressed").Inc()
}

// RecordReconnectStale records a reconnect timer that fired after being superseded.
func (r *Recorder) RecordReconnectStale() {
	ReconnectsTotal.WithLabelValues("stale").Inc()
}

// RecordDialError records a failed connection attempt.
func (r *Recorder) RecordDialError() {
	DialErrorsTotal.Inc()
}

// RecordConnectionState records the numeric connection state.
func (r *Recorder) RecordConnectionState(state int) {
	ConnectionState.Set(float64(state))
}

// RecordSessionUptime records the smoothed session uptime.
func (r *Recorder) RecordSessionUptime(avg time.Duration) {
	SessionUptimeAverage.Set(avg.Seconds())
}

// RecordWatchdogBreach records a watchdog breach.
func (r *Recorder) RecordWatchdogBreach(name string) {
	WatchdogBreachesTotal.WithLabelValues(name).Inc()
}

// RecordOrder records an order outcome.
func (r *Recorder) RecordOrder(side, status string) {
	OrdersTotal.WithLabelValues(strings.ToLower(side), status).Inc()
}

// RecordFill records an applied fill.
func (r *Recorder) RecordFill(side, action string, latency time.Duration, fee decimal.Decimal) {
	FillsTotal.WithLabelValues(strings.ToLower(side), action).Inc()
	FillLatency.Observe(latency.Seconds())
	FeesTotal.Add(fee.Abs().InexactFloat64())
}

// RecordTrade records a closed trade.
func (r *Recorder) RecordTrade(side string, pnl decimal.Decimal) {
	outcome := "loss"
	if pnl.IsPositive() {
		outcome = "win"
	}
	TradesTotal.WithLabelValues(strings.ToLower(side), outcome).Inc()
}

// RecordRealizedPnL records cumulative realized PnL.
func (r *Recorder) RecordRealizedPnL(total decimal.Decimal) {
	RealizedPnL.Set(total.InexactFloat64())
}

// RecordPosition records the open position direction.
func (r *Recorder) RecordPosition(direction int) {
	PositionOpen.Set(float64(direction))
}

// RecordRiskTrigger records a forced close.
func (r *Recorder) RecordRiskTrigger(reason string) {
	RiskTriggersTotal.WithLabelValues(reason).Inc()
}

// RecordBadTick records a tick rejected by the filter.
func (r *Recorder) RecordBadTick(reason string) {
	BadTicksTotal.WithLabelValues(reason).Inc()
}

// RecordSinkError records a fill listener failure.
func (r *Recorder) RecordSinkError(listener string) {
	SinkErrorsTotal.WithLabelValues(listener).Inc()
}
