// Package persistence journals fills, trades and running totals to SQLite.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/types"
)

// Repository defines the interface for trade journal persistence.
type Repository interface {
	// Fill operations
	SaveFill(ctx context.Context, fill FillRecord) error
	GetFills(ctx context.Context, from, to time.Time) ([]FillRecord, error)

	// Trade operations
	SaveTrade(ctx context.Context, trade types.Trade) error
	GetTrades(ctx context.Context, from, to time.Time) ([]types.Trade, error)
	GetRecentTrades(ctx context.Context, limit int) ([]types.Trade, error)
	TotalPnL(ctx context.Context) (decimal.Decimal, error)

	// State operations
	SaveState(ctx context.Context, state BotState) error
	GetState(ctx context.Context) (*BotState, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// FillRecord is a persisted fill with the ledger action it caused.
type FillRecord struct {
	ID     int64
	Fill   types.Fill
	Action types.FillAction
}

// BotState holds running totals for restart reporting.
type BotState struct {
	LastUpdated   time.Time
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      decimal.Decimal
	FeesPaid      decimal.Decimal
}
