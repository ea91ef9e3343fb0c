// Package types defines shared types used across the bot.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order or position.
type Side int

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Valid reports whether s is a tradable direction.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// Sign returns +1 for LONG, -1 for SHORT and 0 otherwise.
func (s Side) Sign() decimal.Decimal {
	switch s {
	case SideLong:
		return decimal.NewFromInt(1)
	case SideShort:
		return decimal.NewFromInt(-1)
	default:
		return decimal.Zero
	}
}

// ParseSide maps "LONG"/"SHORT" (any case) to a Side. Anything else yields SideFlat,
// which order entry rejects.
func ParseSide(s string) Side {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG":
		return SideLong
	case "SHORT":
		return SideShort
	default:
		return SideFlat
	}
}

// OrderStatus represents the state of an order.
type OrderStatus int

const (
	OrderStatusQueued OrderStatus = iota
	OrderStatusFilled
	OrderStatusRejected
	OrderStatusCancelled
	OrderStatusMissed
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusQueued:
		return "QUEUED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusRejected:
		return "REJECTED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusMissed:
		return "MISSED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the order is in a terminal state.
func (s OrderStatus) IsFinal() bool {
	return s != OrderStatusQueued
}

// OrderKind distinguishes signal entries from forced closes.
type OrderKind int

const (
	OrderKindEntry OrderKind = iota
	OrderKindClose
)

func (k OrderKind) String() string {
	if k == OrderKindClose {
		return "CLOSE"
	}
	return "ENTRY"
}

// ParseOrderKind is the inverse of OrderKind.String.
func ParseOrderKind(s string) OrderKind {
	if s == "CLOSE" {
		return OrderKindClose
	}
	return OrderKindEntry
}

// Order is a simulated order owned by the execution engine.
type Order struct {
	ID          string
	Kind        OrderKind
	Side        Side
	Size        decimal.Decimal
	Price       decimal.Decimal // price at submission
	Reason      string          // close reason for OrderKindClose
	Status      OrderStatus
	SubmittedAt time.Time
	Meta        map[string]string
}

// Tick is a single mark-price update from the market data feed.
type Tick struct {
	Symbol     string
	Price      decimal.Decimal
	ReceivedAt time.Time
	SessionID  string
}

// Fill is an executed simulated order.
type Fill struct {
	OrderID        string
	Kind           OrderKind
	Side           Side
	Size           decimal.Decimal
	SubmittedPrice decimal.Decimal
	ExecutedPrice  decimal.Decimal
	Fee            decimal.Decimal
	Latency        time.Duration
	FilledAt       time.Time
	Reason         string
	Meta           map[string]string
}

// FillAction is what a fill did to the position ledger.
type FillAction int

const (
	FillOpened FillAction = iota
	FillIgnored
	FillReplaced
	FillClosed
)

func (a FillAction) String() string {
	switch a {
	case FillOpened:
		return "opened"
	case FillIgnored:
		return "ignored"
	case FillReplaced:
		return "replaced"
	case FillClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ParseFillAction is the inverse of FillAction.String. Unknown values map to FillIgnored.
func ParseFillAction(s string) FillAction {
	switch s {
	case "opened":
		return FillOpened
	case "replaced":
		return FillReplaced
	case "closed":
		return FillClosed
	default:
		return FillIgnored
	}
}

// FillReport is published to fill listeners after a fill has been applied.
type FillReport struct {
	Fill   Fill
	Action FillAction
	Closed *Trade    // set when the fill closed a position
	Opened *Position // set when the fill opened a position
}

// Position is the single open position held by the ledger.
type Position struct {
	Side       Side
	EntryPrice decimal.Decimal
	Size       decimal.Decimal
	OpenedAt   time.Time
}

// Trade is a closed position.
type Trade struct {
	ID         string
	Side       Side
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Size       decimal.Decimal
	Leverage   decimal.Decimal
	PnL        decimal.Decimal
	Reason     string
	OpenedAt   time.Time
	ClosedAt   time.Time
}
