package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tathienbao/delta-bot/internal/types"
)

// FillJournal writes every fill report to a Repository. It is registered as an
// execution fill listener and runs on the execution worker.
type FillJournal struct {
	repo    Repository
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	state BotState
	now   func() time.Time
}

// NewFillJournal creates a journal, seeding running totals from any saved state.
func NewFillJournal(ctx context.Context, repo Repository, logger *slog.Logger) (*FillJournal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &FillJournal{
		repo:    repo,
		timeout: 2 * time.Second,
		logger:  logger.With("component", "fill_journal"),
		now:     time.Now,
	}

	prev, err := repo.GetState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if prev != nil {
		j.state = *prev
		j.logger.Info("journal state restored",
			"trades", prev.TotalTrades,
			"total_pnl", prev.TotalPnL.StringFixed(4),
			"last_updated", prev.LastUpdated,
		)
	}
	return j, nil
}

// Name identifies the listener in logs and metrics.
func (j *FillJournal) Name() string { return "sqlite" }

// OnFill persists the fill, any closed trade and the updated totals.
func (j *FillJournal) OnFill(report types.FillReport) error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if err := j.repo.SaveFill(ctx, FillRecord{Fill: report.Fill, Action: report.Action}); err != nil {
		return err
	}
	if report.Closed != nil {
		if err := j.repo.SaveTrade(ctx, *report.Closed); err != nil {
			return err
		}
	}

	j.mu.Lock()
	j.state.FeesPaid = j.state.FeesPaid.Add(report.Fill.Fee)
	if t := report.Closed; t != nil {
		j.state.TotalTrades++
		if t.PnL.IsPositive() {
			j.state.WinningTrades++
		} else {
			j.state.LosingTrades++
		}
		j.state.TotalPnL = j.state.TotalPnL.Add(t.PnL)
	}
	j.state.LastUpdated = j.now()
	state := j.state
	j.mu.Unlock()

	return j.repo.SaveState(ctx, state)
}

// State returns the running totals.
func (j *FillJournal) State() BotState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}
