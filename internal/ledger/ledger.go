// Package ledger tracks the single open position and realized PnL.
package ledger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/types"
)

// Config holds ledger settings.
type Config struct {
	Leverage     decimal.Decimal
	PositionSize decimal.Decimal // used when Open is called with a zero size
}

// DefaultConfig returns the default ledger settings.
func DefaultConfig() Config {
	return Config{
		Leverage:     decimal.NewFromInt(50),
		PositionSize: decimal.RequireFromString("0.01"),
	}
}

// Ledger holds at most one open position. Mutations are expected from a single
// writer (the execution worker); the lock makes concurrent reads safe.
type Ledger struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	position *types.Position
	trades   []types.Trade
	total    decimal.Decimal

	now func() time.Time
}

// New creates a flat ledger.
func New(cfg Config, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Leverage.IsZero() {
		cfg.Leverage = decimal.NewFromInt(1)
	}
	return &Ledger{
		cfg:    cfg,
		logger: logger.With("component", "ledger"),
		now:    time.Now,
	}
}

// Open opens a position. It returns false and changes nothing if one is open
// or side is not tradable.
func (l *Ledger) Open(side types.Side, price, size decimal.Decimal) bool {
	if !side.Valid() {
		return false
	}
	if size.IsZero() {
		size = l.cfg.PositionSize
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.position != nil {
		return false
	}
	l.position = &types.Position{
		Side:       side,
		EntryPrice: price,
		Size:       size,
		OpenedAt:   l.now(),
	}

	l.logger.Info("position opened",
		"side", side.String(),
		"entry", price.String(),
		"size", size.String(),
	)
	return true
}

// Close closes the open position at price and returns the realized PnL.
// It returns zero when flat.
func (l *Ledger) Close(price decimal.Decimal, reason string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.position == nil {
		return decimal.Zero
	}

	pos := *l.position
	pnl := l.pnlLocked(pos, price)
	trade := types.Trade{
		ID:         uuid.New().String(),
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  price,
		Size:       pos.Size,
		Leverage:   l.cfg.Leverage,
		PnL:        pnl,
		Reason:     reason,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   l.now(),
	}
	l.trades = append(l.trades, trade)
	l.total = l.total.Add(pnl)
	l.position = nil

	l.logger.Info("position closed",
		"side", pos.Side.String(),
		"entry", pos.EntryPrice.String(),
		"exit", price.String(),
		"pnl", pnl.StringFixed(4),
		"reason", reason,
	)
	return pnl
}

// CalculatePnL returns the unrealized PnL at price, or zero when flat.
func (l *Ledger) CalculatePnL(price decimal.Decimal) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.position == nil {
		return decimal.Zero
	}
	return l.pnlLocked(*l.position, price)
}

// (exit - entry) * direction * size * leverage
func (l *Ledger) pnlLocked(pos types.Position, price decimal.Decimal) decimal.Decimal {
	return price.Sub(pos.EntryPrice).
		Mul(pos.Side.Sign()).
		Mul(pos.Size).
		Mul(l.cfg.Leverage)
}

// Position returns a copy of the open position.
func (l *Ledger) Position() (types.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.position == nil {
		return types.Position{}, false
	}
	return *l.position, true
}

// Trades returns a copy of the closed trades, oldest first.
func (l *Ledger) Trades() []types.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// LastTrade returns the most recent closed trade.
func (l *Ledger) LastTrade() (types.Trade, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.trades) == 0 {
		return types.Trade{}, false
	}
	return l.trades[len(l.trades)-1], true
}

// TotalPnL returns the cumulative realized PnL.
func (l *Ledger) TotalPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}
