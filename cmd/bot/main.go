// Package main is the entry point for the delta trading bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/alerting"
	"github.com/tathienbao/delta-bot/internal/config"
	"github.com/tathienbao/delta-bot/internal/engine"
	"github.com/tathienbao/delta-bot/internal/execution"
	"github.com/tathienbao/delta-bot/internal/journal"
	"github.com/tathienbao/delta-bot/internal/ledger"
	"github.com/tathienbao/delta-bot/internal/logging"
	"github.com/tathienbao/delta-bot/internal/metrics"
	"github.com/tathienbao/delta-bot/internal/persistence"
	"github.com/tathienbao/delta-bot/internal/risk"
	"github.com/tathienbao/delta-bot/internal/stream"
	"github.com/tathienbao/delta-bot/internal/tickfilter"
	"github.com/tathienbao/delta-bot/internal/types"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const statusInterval = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		if err := cmdRun(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Delta Bot - Paper Trading on the Delta Exchange Mark Price Feed

Usage:
  delta-bot <command> [options]

Commands:
  run        Connect to the feed and start trading (paper or live)
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  delta-bot run --config config.yaml
  delta-bot validate --config config.yaml

Use "delta-bot <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("delta-bot version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Mode: %s\n", cfg.Mode)
	fmt.Printf("  Feed: %s (%s %s)\n", cfg.Stream.URL, cfg.Stream.Channel, cfg.Stream.Symbol)
	fmt.Printf("  Position size: %s @ %.0fx\n", cfg.PositionSize(), cfg.Ledger.Leverage)
	fmt.Printf("  Take profit / stop loss: %s / %s\n", cfg.TakeProfit(), cfg.StopLoss())
	fmt.Printf("  Max exposure: %ds, max distance: %.2f%%\n", cfg.Risk.MaxExposureSec, cfg.Risk.MaxDistancePct)
}

// bot holds every runtime component so shutdown can release them in order.
type bot struct {
	logger    *slog.Logger
	server    *metrics.Server
	engine    *engine.Engine
	ledger    *ledger.Ledger
	paper     *execution.Engine
	alerts    *alerting.Dispatcher
	repo      persistence.Repository
	journal   *persistence.FillJournal
	parquet   *journal.Writer
	logCloser io.Closer
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.New(cfg.ToLoggingConfig())
	slog.SetDefault(logger)
	metrics.SetBuildInfo(Version, GitCommit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("delta-bot starting",
		"version", Version,
		"mode", cfg.Mode,
		"symbol", cfg.Stream.Symbol,
		"channel", cfg.Stream.Channel,
	)

	b, err := build(ctx, cfg, logger)
	b.logCloser = logCloser
	if err != nil {
		b.shutdown(context.Background())
		return err
	}

	if err := b.engine.Start(ctx); err != nil {
		b.shutdown(context.Background())
		return fmt.Errorf("start engine: %w", err)
	}

	b.notify(alerting.EventBotStarted, "bot started", "version", Version, "mode", cfg.Mode, "symbol", cfg.Stream.Symbol)

	b.waitForShutdown(ctx)
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := b.shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
	}
	return nil
}

// build constructs every component. It returns the partially built bot on
// error so the caller can release what was opened.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*bot, error) {
	b := &bot{logger: logger}

	if cfg.Metrics.Enabled {
		b.server = metrics.NewServer(cfg.ToServerConfig(), logger)
		if err := b.server.Start(); err != nil {
			b.server = nil
			return b, err
		}
	}

	b.alerts = newDispatcher(cfg, logger)

	l := ledger.New(cfg.ToLedgerConfig(), logger)
	b.ledger = l

	var executor execution.Executor
	switch cfg.Mode {
	case config.ModeLive:
		slog.Warn("live execution is a stub, every order will be rejected")
		executor = execution.NewLiveExecutor(logger)
	default:
		paper := execution.NewEngine(cfg.ToExecutionConfig(), l, logger)
		b.paper = paper
		if err := b.attachJournals(ctx, cfg, paper); err != nil {
			return b, err
		}
		if b.alerts != nil {
			paper.AddListener(b.alerts)
		}
		executor = paper
	}

	deps := engine.Deps{
		Feed:     stream.NewConnection(cfg.ToStreamConfig(), logger),
		Executor: executor,
		Ledger:   l,
		Guard:    risk.NewGuard(cfg.ToRiskConfig(), nil, logger),
		Filter:   tickfilter.New(cfg.ToTickFilterConfig(), logger),
	}
	if b.alerts != nil {
		deps.Alerts = b.alerts
	}
	eng, err := engine.NewEngine(cfg.ToEngineConfig(), deps, logger)
	if err != nil {
		return b, fmt.Errorf("create engine: %w", err)
	}
	b.engine = eng

	if b.server != nil {
		eng.RegisterHealthChecks(b.server)
	}
	return b, nil
}

// newDispatcher returns nil when no alert channel is configured.
func newDispatcher(cfg *config.Config, logger *slog.Logger) *alerting.Dispatcher {
	channels := alerting.NewMultiAlerter(logger)
	if cfg.Alerting.Console {
		channels.AddAlerter(alerting.NewConsoleAlerter(logger))
	}
	if cfg.Alerting.Telegram.Enabled {
		channels.AddAlerter(alerting.NewTelegramAlerter(cfg.ToTelegramConfig()))
	}
	if channels.Len() == 0 {
		return nil
	}
	return alerting.NewDispatcher(cfg.ToDispatcherConfig(), channels, logger)
}

func (b *bot) notify(event alerting.Event, message string, fields ...any) {
	if b.alerts != nil {
		b.alerts.Notify(event, message, fields...)
	}
}

// summary reports closed trades for the session.
func (b *bot) summary() alerting.Summary {
	fees := decimal.Zero
	if b.paper != nil {
		fees = b.paper.FeesPaid()
	}
	var trades []types.Trade
	open := false
	if b.ledger != nil {
		trades = b.ledger.Trades()
		_, open = b.ledger.Position()
	}
	return alerting.NewSummary(time.Now(), trades, fees, open)
}

func (b *bot) attachJournals(ctx context.Context, cfg *config.Config, paper *execution.Engine) error {
	if cfg.Persistence.Enabled {
		repo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
		if err != nil {
			return fmt.Errorf("open fill database: %w", err)
		}
		b.repo = repo

		j, err := persistence.NewFillJournal(ctx, repo, b.logger)
		if err != nil {
			return fmt.Errorf("restore fill journal: %w", err)
		}
		b.journal = j
		paper.AddListener(j)

		st := j.State()
		slog.Info("fill journal restored",
			"path", cfg.Persistence.Path,
			"trades", st.TotalTrades,
			"total_pnl", st.TotalPnL.StringFixed(4),
		)
	}

	if cfg.Journal.Enabled {
		w, err := journal.NewWriter(cfg.ToJournalConfig(), b.logger)
		if err != nil {
			return fmt.Errorf("create parquet journal: %w", err)
		}
		b.parquet = w
		paper.AddListener(w)
	}
	return nil
}

// waitForShutdown logs a status line periodically until ctx is done.
func (b *bot) waitForShutdown(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := b.engine.Snapshot()
			attrs := []any{
				"stream", s.StreamState.String(),
				"price", s.LastPrice.String(),
				"ticks", s.Ticks,
				"realized_pnl", s.Realized.StringFixed(4),
				"breaches", s.Breaches,
			}
			if s.Open {
				attrs = append(attrs,
					"position", s.Position.Side.String(),
					"entry", s.Position.EntryPrice.String(),
					"unrealized_pnl", s.Unrealized.StringFixed(4),
				)
			}
			slog.Info("status", attrs...)
		}
	}
}

func (b *bot) shutdown(ctx context.Context) error {
	slog.Info("starting graceful shutdown")

	steps := []struct {
		name string
		fn   func() error
	}{
		{"stop engine", func() error {
			if b.engine == nil {
				return nil
			}
			return b.engine.Stop(ctx)
		}},
		{"send session summary", func() error {
			s := b.summary()
			slog.Info("session summary", s.Fields()...)
			if b.alerts == nil {
				return nil
			}
			b.notify(alerting.EventSessionReport, "session summary", s.Fields()...)
			b.notify(alerting.EventBotStopped, "bot stopped")
			return b.alerts.Close(ctx)
		}},
		{"flush parquet journal", func() error {
			if b.parquet == nil {
				return nil
			}
			return b.parquet.Close()
		}},
		{"close fill database", func() error {
			if b.repo == nil {
				return nil
			}
			return b.repo.Close()
		}},
		{"stop metrics server", func() error {
			if b.server == nil {
				return nil
			}
			return b.server.Shutdown(ctx)
		}},
	}

	var errs []error
	for _, step := range steps {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("shutdown timeout during: %s", step.name))
			break
		}
		slog.Debug("shutdown step", "step", step.name)
		if err := step.fn(); err != nil {
			slog.Warn("shutdown step failed", "step", step.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}

	slog.Info("delta-bot shutdown complete")
	if b.logCloser != nil {
		if err := b.logCloser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}
	return errors.Join(errs...)
}
