package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens or creates the database at path and migrates it.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			side TEXT NOT NULL,
			size TEXT NOT NULL,
			submitted_price TEXT NOT NULL,
			executed_price TEXT NOT NULL,
			fee TEXT NOT NULL,
			latency_us INTEGER NOT NULL,
			action TEXT NOT NULL,
			reason TEXT,
			meta TEXT,
			filled_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_filled_at ON fills(filled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_order_id ON fills(order_id)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			side TEXT NOT NULL,
			size TEXT NOT NULL,
			leverage TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			exit_price TEXT NOT NULL,
			pnl TEXT NOT NULL,
			reason TEXT NOT NULL,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at)`,

		`CREATE TABLE IF NOT EXISTS bot_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_updated DATETIME NOT NULL,
			total_trades INTEGER NOT NULL DEFAULT 0,
			winning_trades INTEGER NOT NULL DEFAULT 0,
			losing_trades INTEGER NOT NULL DEFAULT 0,
			total_pnl TEXT NOT NULL DEFAULT '0',
			fees_paid TEXT NOT NULL DEFAULT '0'
		)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// SaveFill saves an applied fill.
func (r *SQLiteRepository) SaveFill(ctx context.Context, rec FillRecord) error {
	meta, err := json.Marshal(rec.Fill.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	query := `INSERT INTO fills
		(order_id, kind, side, size, submitted_price, executed_price, fee, latency_us, action, reason, meta, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	f := rec.Fill
	_, err = r.db.ExecContext(ctx, query,
		f.OrderID,
		f.Kind.String(),
		f.Side.String(),
		f.Size.String(),
		f.SubmittedPrice.String(),
		f.ExecutedPrice.String(),
		f.Fee.String(),
		f.Latency.Microseconds(),
		rec.Action.String(),
		f.Reason,
		string(meta),
		f.FilledAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}

	return nil
}

// GetFills returns fills in a time range, oldest first.
func (r *SQLiteRepository) GetFills(ctx context.Context, from, to time.Time) ([]FillRecord, error) {
	query := `SELECT id, order_id, kind, side, size, submitted_price, executed_price, fee, latency_us, action, reason, meta, filled_at
		FROM fills WHERE filled_at BETWEEN ? AND ? ORDER BY filled_at, id`

	rows, err := r.db.QueryContext(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var fills []FillRecord
	for rows.Next() {
		var (
			rec                            FillRecord
			kind, side, action             string
			size, submitted, executed, fee string
			latencyUS                      int64
			reason, meta                   sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Fill.OrderID, &kind, &side, &size, &submitted, &executed, &fee,
			&latencyUS, &action, &reason, &meta, &rec.Fill.FilledAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		rec.Fill.Kind = types.ParseOrderKind(kind)
		rec.Fill.Side = types.ParseSide(side)
		rec.Fill.Size, _ = decimal.NewFromString(size)
		rec.Fill.SubmittedPrice, _ = decimal.NewFromString(submitted)
		rec.Fill.ExecutedPrice, _ = decimal.NewFromString(executed)
		rec.Fill.Fee, _ = decimal.NewFromString(fee)
		rec.Fill.Latency = time.Duration(latencyUS) * time.Microsecond
		rec.Fill.Reason = reason.String
		rec.Action = types.ParseFillAction(action)
		if meta.Valid && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &rec.Fill.Meta); err != nil {
				return nil, fmt.Errorf("decode meta: %w", err)
			}
		}

		fills = append(fills, rec)
	}

	return fills, rows.Err()
}

// SaveTrade saves a closed trade.
func (r *SQLiteRepository) SaveTrade(ctx context.Context, trade types.Trade) error {
	query := `INSERT INTO trades
		(id, side, size, leverage, entry_price, exit_price, pnl, reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		trade.ID,
		trade.Side.String(),
		trade.Size.String(),
		trade.Leverage.String(),
		trade.EntryPrice.String(),
		trade.ExitPrice.String(),
		trade.PnL.String(),
		trade.Reason,
		trade.OpenedAt.UTC(),
		trade.ClosedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	return nil
}

const tradeColumns = `id, side, size, leverage, entry_price, exit_price, pnl, reason, opened_at, closed_at`

// GetTrades returns trades closed in a time range, oldest first.
func (r *SQLiteRepository) GetTrades(ctx context.Context, from, to time.Time) ([]types.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE closed_at BETWEEN ? AND ? ORDER BY closed_at`

	rows, err := r.db.QueryContext(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

// GetRecentTrades returns the most recent trades, newest first.
func (r *SQLiteRepository) GetRecentTrades(ctx context.Context, limit int) ([]types.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades ORDER BY closed_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent trades: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func scanTrades(rows *sql.Rows) ([]types.Trade, error) {
	var trades []types.Trade
	for rows.Next() {
		var t types.Trade
		var side, size, leverage, entry, exit, pnl string

		if err := rows.Scan(&t.ID, &side, &size, &leverage, &entry, &exit, &pnl, &t.Reason, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		t.Side = types.ParseSide(side)
		t.Size, _ = decimal.NewFromString(size)
		t.Leverage, _ = decimal.NewFromString(leverage)
		t.EntryPrice, _ = decimal.NewFromString(entry)
		t.ExitPrice, _ = decimal.NewFromString(exit)
		t.PnL, _ = decimal.NewFromString(pnl)

		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// TotalPnL sums realized PnL across every journaled trade.
func (r *SQLiteRepository) TotalPnL(ctx context.Context) (decimal.Decimal, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT pnl FROM trades`)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query pnl: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// Summed in decimal; SQL SUM would go through float.
	total := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return decimal.Zero, fmt.Errorf("scan row: %w", err)
		}
		pnl, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse pnl %q: %w", s, err)
		}
		total = total.Add(pnl)
	}

	return total, rows.Err()
}

// SaveState saves the running totals.
func (r *SQLiteRepository) SaveState(ctx context.Context, state BotState) error {
	query := `INSERT OR REPLACE INTO bot_state
		(id, last_updated, total_trades, winning_trades, losing_trades, total_pnl, fees_paid)
		VALUES (1, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		state.LastUpdated.UTC(),
		state.TotalTrades,
		state.WinningTrades,
		state.LosingTrades,
		state.TotalPnL.String(),
		state.FeesPaid.String(),
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	return nil
}

// GetState returns the saved totals, or nil if none were saved.
func (r *SQLiteRepository) GetState(ctx context.Context) (*BotState, error) {
	query := `SELECT last_updated, total_trades, winning_trades, losing_trades, total_pnl, fees_paid
		FROM bot_state WHERE id = 1`

	var state BotState
	var pnl, fees string

	err := r.db.QueryRowContext(ctx, query).Scan(
		&state.LastUpdated,
		&state.TotalTrades,
		&state.WinningTrades,
		&state.LosingTrades,
		&pnl,
		&fees,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}

	state.TotalPnL, _ = decimal.NewFromString(pnl)
	state.FeesPaid, _ = decimal.NewFromString(fees)

	return &state, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
