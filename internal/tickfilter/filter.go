// Package tickfilter drops implausible prices before they reach the trading path.
package tickfilter

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/metrics"
)

// Rejection reasons.
const (
	ReasonOutOfRange   = "out_of_range"
	ReasonSuddenSpike  = "sudden_spike"
	ReasonInvalidPrice = "invalid_price"
)

// Config holds filter bounds.
type Config struct {
	MinPrice              decimal.Decimal
	MaxPrice              decimal.Decimal
	MaxJumpPct            decimal.Decimal // percent move from the last accepted price
	MaxConsecutiveRejects int             // spike rejections before re-basing; zero never re-bases
}

// DefaultConfig returns bounds suited to BTC perpetuals.
func DefaultConfig() Config {
	return Config{
		MinPrice:              decimal.NewFromInt(1000),
		MaxPrice:              decimal.NewFromInt(200000),
		MaxJumpPct:            decimal.RequireFromString("0.4"),
		MaxConsecutiveRejects: 5,
	}
}

// Stats counts filter outcomes.
type Stats struct {
	Accepted     uint64
	OutOfRange   uint64
	SuddenSpike  uint64
	Rebased      uint64
	LastAccepted decimal.Decimal
}

// Filter validates prices against absolute bounds and the last accepted price.
type Filter struct {
	cfg      Config
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu      sync.Mutex
	last    decimal.Decimal
	hasLast bool
	streak  int
	stats   Stats
}

// New creates a filter with no reference price.
func New(cfg Config, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{
		cfg:      cfg,
		logger:   logger.With("component", "tick_filter"),
		recorder: metrics.NewRecorder(),
	}
}

// Validate reports whether price is accepted and, if not, why.
func (f *Filter) Validate(price decimal.Decimal) (bool, string) {
	if !price.IsPositive() {
		f.reject(ReasonInvalidPrice, price, decimal.Zero)
		return false, ReasonInvalidPrice
	}

	f.mu.Lock()
	if price.LessThan(f.cfg.MinPrice) || price.GreaterThan(f.cfg.MaxPrice) {
		f.stats.OutOfRange++
		f.mu.Unlock()
		f.reject(ReasonOutOfRange, price, decimal.Zero)
		return false, ReasonOutOfRange
	}

	if f.hasLast {
		pct := price.Sub(f.last).Div(f.last).Abs().Mul(decimal.NewFromInt(100))
		if pct.GreaterThan(f.cfg.MaxJumpPct) {
			f.streak++
			if f.cfg.MaxConsecutiveRejects <= 0 || f.streak <= f.cfg.MaxConsecutiveRejects {
				f.stats.SuddenSpike++
				f.mu.Unlock()
				f.reject(ReasonSuddenSpike, price, pct)
				return false, ReasonSuddenSpike
			}
			f.stats.Rebased++
			f.logger.Warn("persistent price shift, re-basing", "from", f.last.String(), "to", price.String(), "rejected", f.streak-1)
		}
	}

	f.last = price
	f.hasLast = true
	f.streak = 0
	f.stats.Accepted++
	f.stats.LastAccepted = price
	f.mu.Unlock()
	return true, ""
}

// Reset forgets the reference price.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hasLast = false
	f.last = decimal.Zero
	f.streak = 0
}

// Stats returns a snapshot of filter counters.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *Filter) reject(reason string, price, pct decimal.Decimal) {
	f.recorder.RecordBadTick(reason)
	if pct.IsZero() {
		f.logger.Warn("bad tick", "reason", reason, "price", price.String())
		return
	}
	f.logger.Warn("bad tick", "reason", reason, "price", price.String(), "jump_pct", pct.StringFixed(3))
}
