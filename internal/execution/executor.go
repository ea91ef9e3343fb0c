// Package execution provides order execution functionality.
package execution

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/types"
)

// SubmitStatus is the outcome of handing an order to an executor.
type SubmitStatus string

const (
	StatusQueued   SubmitStatus = "queued"
	StatusRejected SubmitStatus = "rejected"
)

// Reject reasons.
const (
	ReasonInvalidSide    = "invalid_side"
	ReasonInvalidSize    = "invalid_size"
	ReasonInvalidPrice   = "invalid_price"
	ReasonMinTradeGap    = "min_trade_gap"
	ReasonEngineStopped  = "engine_stopped"
	ReasonClosePending   = "close_pending"
	ReasonNoPosition     = "no_position"
	ReasonNotImplemented = "not_implemented"
)

// ReasonReplace is the close reason recorded when an opposite fill flips the position.
const ReasonReplace = "EXECUTE_REPLACE"

// Result is returned synchronously by SubmitOrder and ClosePosition.
type Result struct {
	Status    SubmitStatus
	OrderID   string
	Reason    string
	Timestamp time.Time
}

// Accepted reports whether the order was queued.
func (r Result) Accepted() bool { return r.Status == StatusQueued }

// Err maps a rejection reason to a sentinel error, or nil when queued.
func (r Result) Err() error {
	switch r.Reason {
	case "":
		return nil
	case ReasonInvalidSide:
		return types.ErrInvalidSide
	case ReasonInvalidSize:
		return types.ErrInvalidOrderSize
	case ReasonInvalidPrice:
		return types.ErrInvalidPrice
	case ReasonMinTradeGap:
		return types.ErrMinTradeGap
	case ReasonEngineStopped:
		return types.ErrEngineStopped
	case ReasonClosePending:
		return types.ErrClosePending
	case ReasonNotImplemented:
		return types.ErrNotImplemented
	default:
		return nil
	}
}

// Executor accepts orders from the signal layer.
type Executor interface {
	// SubmitOrder validates and enqueues an entry order without blocking.
	SubmitOrder(side types.Side, size, price decimal.Decimal, meta map[string]string) Result

	// ClosePosition enqueues a forced close of the open position.
	ClosePosition(price decimal.Decimal, reason string) Result

	// CancelAll drops orders not yet picked up and returns how many.
	CancelAll() int

	// Start launches background processing.
	Start()

	// Stop ends processing, waiting at most timeout.
	Stop(timeout time.Duration) error

	// Running reports whether orders are being processed.
	Running() bool

	// AddListener registers a fill observer.
	AddListener(l FillListener)
}

// PositionLedger is the ledger surface mutated by fills.
type PositionLedger interface {
	Position() (types.Position, bool)
	Open(side types.Side, price, size decimal.Decimal) bool
	Close(price decimal.Decimal, reason string) decimal.Decimal
	CalculatePnL(price decimal.Decimal) decimal.Decimal
	LastTrade() (types.Trade, bool)
}

// FillListener observes applied fills. Failures are logged and never affect execution.
type FillListener interface {
	Name() string
	OnFill(report types.FillReport) error
}

type listenerFunc struct {
	name string
	fn   func(types.FillReport) error
}

func (l listenerFunc) Name() string { return l.name }

func (l listenerFunc) OnFill(r types.FillReport) error { return l.fn(r) }

// ListenerFunc adapts a function to a FillListener.
func ListenerFunc(name string, fn func(types.FillReport) error) FillListener {
	return listenerFunc{name: name, fn: fn}
}
