// Package risk forces a position closed when it has been open too long or the
// price has moved too far from entry.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/metrics"
	"github.com/tathienbao/delta-bot/internal/types"
)

// Trigger reasons passed to the close action.
const (
	ReasonExposureTimeout = "EXPOSURE_TIMEOUT"
	ReasonDistanceMax     = "DISTANCE_MAX"
)

// Config holds guard limits.
type Config struct {
	MaxExposure    time.Duration
	MaxDistancePct decimal.Decimal // percent of entry, e.g. 0.4 for 0.4%
}

// DefaultConfig returns the default guard limits.
func DefaultConfig() Config {
	return Config{
		MaxExposure:    180 * time.Second,
		MaxDistancePct: decimal.RequireFromString("0.4"),
	}
}

// CloseFunc is invoked once per exposure window when a limit is hit.
type CloseFunc func(reason string, price decimal.Decimal)

// State mirrors the open position while the guard is armed.
type State struct {
	Side       types.Side
	EntryPrice decimal.Decimal
	EnteredAt  time.Time
}

// Guard watches one exposure window at a time. OnOpen arms it; a trigger or
// Reset disarms it until the next OnOpen.
type Guard struct {
	cfg      Config
	onRisk   CloseFunc
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu    sync.Mutex
	state *State

	now func() time.Time
}

// NewGuard creates a disarmed guard.
func NewGuard(cfg Config, onRisk CloseFunc, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		cfg:      cfg,
		onRisk:   onRisk,
		logger:   logger.With("component", "risk_guard"),
		recorder: metrics.NewRecorder(),
		now:      time.Now,
	}
}

// SetCloseFunc replaces the action run on a trigger.
func (g *Guard) SetCloseFunc(fn CloseFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onRisk = fn
}

// OnOpen starts a new exposure window.
func (g *Guard) OnOpen(side types.Side, entry decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = &State{Side: side, EntryPrice: entry, EnteredAt: g.now()}
	g.logger.Debug("exposure window started", "side", side.String(), "entry", entry.String())
}

// Reset disarms the guard.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = nil
}

// Active returns the armed state, if any.
func (g *Guard) Active() (State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == nil {
		return State{}, false
	}
	return *g.state, true
}

// Check evaluates the limits at price. On a breach the guard disarms and the
// close action runs once; the returned reason is empty otherwise.
func (g *Guard) Check(price decimal.Decimal) string {
	g.mu.Lock()
	if g.state == nil {
		g.mu.Unlock()
		return ""
	}
	st := *g.state

	var reason string
	alive := g.now().Sub(st.EnteredAt)
	if alive > g.cfg.MaxExposure {
		reason = ReasonExposureTimeout
	} else if st.EntryPrice.IsPositive() {
		limit := g.cfg.MaxDistancePct.Div(decimal.NewFromInt(100))
		if price.Sub(st.EntryPrice).Abs().Div(st.EntryPrice).GreaterThan(limit) {
			reason = ReasonDistanceMax
		}
	}
	if reason == "" {
		g.mu.Unlock()
		return ""
	}
	g.state = nil
	fn := g.onRisk
	g.mu.Unlock()

	g.recorder.RecordRiskTrigger(reason)
	g.logger.Warn("risk limit hit",
		"reason", reason,
		"side", st.Side.String(),
		"entry", st.EntryPrice.String(),
		"price", price.String(),
		"alive", alive.Round(time.Millisecond).String(),
	)
	if fn != nil {
		fn(reason, price)
	}
	return reason
}
