// Package engine wires the market data feed, liveness watchdogs, risk guard
// and execution engine into one running bot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/alerting"
	"github.com/tathienbao/delta-bot/internal/execution"
	"github.com/tathienbao/delta-bot/internal/metrics"
	"github.com/tathienbao/delta-bot/internal/risk"
	"github.com/tathienbao/delta-bot/internal/stream"
	"github.com/tathienbao/delta-bot/internal/tickfilter"
	"github.com/tathienbao/delta-bot/internal/types"
	"github.com/tathienbao/delta-bot/internal/watchdog"
)

// Close reasons raised by the engine itself.
const (
	ReasonTakeProfit = "TAKE_PROFIT"
	ReasonStopLoss   = "STOP_LOSS"
)

// Config holds engine configuration.
type Config struct {
	PositionSize decimal.Decimal
	TakeProfit   decimal.Decimal // unrealized PnL above this closes; zero disables
	StopLoss     decimal.Decimal // unrealized loss beyond this closes; zero disables

	HeartbeatTimeout   time.Duration
	FreezeTimeout      time.Duration
	SilentHangTimeout  time.Duration
	SlowdownWindow     int
	SlowdownFactor     float64
	SlowdownMinSamples int
	WatchdogMaxPoll    time.Duration

	RestartEnabled bool
	RestartHour    int
	RestartMinute  int

	StopTimeout time.Duration
}

// DefaultConfig returns default engine config.
func DefaultConfig() Config {
	return Config{
		PositionSize:       decimal.RequireFromString("0.01"),
		TakeProfit:         decimal.NewFromInt(4),
		StopLoss:           decimal.NewFromInt(2),
		HeartbeatTimeout:   10 * time.Second,
		FreezeTimeout:      30 * time.Second,
		SilentHangTimeout:  12 * time.Second,
		SlowdownWindow:     40,
		SlowdownFactor:     3.0,
		SlowdownMinSamples: 10,
		WatchdogMaxPoll:    3 * time.Second,
		RestartEnabled:     true,
		RestartHour:        5,
		RestartMinute:      15,
		StopTimeout:        5 * time.Second,
	}
}

// Feed is the market data connection surface the engine drives.
type Feed interface {
	Connect(ctx context.Context) error
	SetTickHandler(h stream.TickHandler)
	SetHooks(h stream.Hooks)
	MarkDead()
	Reconnect() (time.Duration, bool)
	Close() error
	State() stream.State
	Healthy() bool
}

var _ Feed = (*stream.Connection)(nil)

// SignalSource turns ticks into entry decisions. A Side that is not tradable
// means no signal.
type SignalSource interface {
	OnTick(tick types.Tick, pos types.Position, open bool) (types.Side, map[string]string)
}

// NoSignals never trades. Positions are then only closed by risk limits.
type NoSignals struct{}

// OnTick implements SignalSource.
func (NoSignals) OnTick(types.Tick, types.Position, bool) (types.Side, map[string]string) {
	return types.SideFlat, nil
}

// Notifier queues operator alerts without blocking.
type Notifier interface {
	Notify(event alerting.Event, message string, fields ...any) bool
}

// Deps are the components the engine coordinates. Guard, Filter and Signals
// get defaults when nil; Alerts is optional.
type Deps struct {
	Feed     Feed
	Executor execution.Executor
	Ledger   execution.PositionLedger
	Guard    *risk.Guard
	Filter   *tickfilter.Filter
	Signals  SignalSource
	Alerts   Notifier
}

// Snapshot is a point-in-time view for status logging.
type Snapshot struct {
	StreamState stream.State
	LastPrice   decimal.Decimal
	Position    types.Position
	Open        bool
	Unrealized  decimal.Decimal
	Realized    decimal.Decimal
	Ticks       uint64
	Breaches    map[string]uint64
}

// Engine coordinates all trading components.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	recorder *metrics.Recorder

	feed      Feed
	executor  execution.Executor
	ledger    execution.PositionLedger
	guard     *risk.Guard
	filter    *tickfilter.Filter
	signals   SignalSource
	alerts    Notifier
	watchdogs []*watchdog.Watchdog
	heartbeat *watchdog.Watchdog
	freeze    *watchdog.Watchdog
	hang      *watchdog.Watchdog
	slowdown  *watchdog.Watchdog
	restarter *watchdog.DailyRestarter

	mu        sync.RWMutex
	running   bool
	stopped   bool
	lastPrice decimal.Decimal
	realized  decimal.Decimal
	ticks     uint64
}

var _ execution.FillListener = (*Engine)(nil)

// NewEngine builds the engine and wires every callback: feed hooks mark the
// watchdogs, watchdog breaches restart the feed, the guard closes through the
// executor and fills re-arm the guard.
func NewEngine(cfg Config, deps Deps, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Feed == nil || deps.Executor == nil || deps.Ledger == nil {
		return nil, errors.New("engine: feed, executor and ledger are required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultConfig().StopTimeout
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		recorder: metrics.NewRecorder(),
		feed:     deps.Feed,
		executor: deps.Executor,
		ledger:   deps.Ledger,
		guard:    deps.Guard,
		filter:   deps.Filter,
		signals:  deps.Signals,
		alerts:   deps.Alerts,
	}
	if e.guard == nil {
		e.guard = risk.NewGuard(risk.DefaultConfig(), nil, logger)
	}
	if e.filter == nil {
		e.filter = tickfilter.New(tickfilter.DefaultConfig(), logger)
	}
	if e.signals == nil {
		e.signals = NoSignals{}
	}

	e.guard.SetCloseFunc(e.forceClose)

	e.heartbeat = watchdog.New(e.idle(watchdog.NameHeartbeat, cfg.HeartbeatTimeout), logger)
	e.freeze = watchdog.New(e.idle(watchdog.NameFreeze, cfg.FreezeTimeout), logger)
	e.hang = watchdog.New(e.idle(watchdog.NameSilentHang, cfg.SilentHangTimeout), logger)
	sd := watchdog.Slowdown(cfg.SlowdownWindow, cfg.SlowdownFactor, cfg.SlowdownMinSamples, e.recoverFeed)
	sd.MaxPoll = cfg.WatchdogMaxPoll
	e.slowdown = watchdog.New(sd, logger)
	e.watchdogs = []*watchdog.Watchdog{e.heartbeat, e.freeze, e.hang, e.slowdown}

	if cfg.RestartEnabled {
		e.restarter = watchdog.NewDailyRestarter(cfg.RestartHour, cfg.RestartMinute, func() {
			e.recoverFeed("daily_restart")
		}, logger)
	}

	e.feed.SetHooks(stream.Hooks{
		OnMessage: e.heartbeat.Mark,
		OnTraffic: e.hang.Mark,
	})
	e.feed.SetTickHandler(e.onTick)

	e.executor.AddListener(e)

	return e, nil
}

func (e *Engine) idle(name string, timeout time.Duration) watchdog.Config {
	cfg := watchdog.Idle(name, timeout, e.recoverFeed)
	cfg.MaxPoll = e.cfg.WatchdogMaxPoll
	return cfg
}

// recoverFeed is the single recovery action shared by every watchdog and the
// daily restarter.
func (e *Engine) recoverFeed(source string) {
	state := e.feed.State()
	e.logger.Warn("recovering feed", "source", source, "state", state.String())
	if e.alerts != nil {
		e.alerts.Notify(alerting.EventFeedRecovery, "feed recovery", "source", source, "state", state.String())
	}
	e.feed.MarkDead()
	if delay, ok := e.feed.Reconnect(); ok {
		e.logger.Info("feed reconnect scheduled", "source", source, "delay", delay.String())
	}
}

// Start starts the executor, the watchdogs and the feed. A failed initial dial
// is logged and left to the feed's reconnect schedule.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return types.ErrEngineStopped
	}
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	e.logger.Info("starting engine",
		"take_profit", e.cfg.TakeProfit.String(),
		"stop_loss", e.cfg.StopLoss.String(),
		"position_size", e.cfg.PositionSize.String(),
	)

	e.executor.Start()
	for _, w := range e.watchdogs {
		w.Start()
	}
	if e.restarter != nil {
		e.restarter.Start()
	}

	if err := e.feed.Connect(ctx); err != nil {
		if errors.Is(err, types.ErrConnectionClosed) {
			return err
		}
		e.logger.Warn("initial connect failed, retry scheduled", "err", err)
	}
	return nil
}

// Stop shuts every component down in dependency order. It returns
// ErrShutdownTimeout if ctx expires first.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.running = false
	e.mu.Unlock()

	e.logger.Info("stopping engine")

	done := make(chan error, 1)
	go func() { done <- e.shutdown() }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		e.logger.Info("engine stopped", "realized_pnl", e.Realized().StringFixed(4))
		return nil
	case <-ctx.Done():
		e.logger.Error("engine shutdown timed out", "err", ctx.Err())
		return fmt.Errorf("%w: engine", types.ErrShutdownTimeout)
	}
}

func (e *Engine) shutdown() error {
	var errs []error

	if e.restarter != nil {
		e.restarter.Stop()
	}
	for _, w := range e.watchdogs {
		w.Stop()
	}
	if err := e.feed.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close feed: %w", err))
	}
	if n := e.executor.CancelAll(); n > 0 {
		e.logger.Info("cancelled queued orders", "count", n)
	}
	if err := e.executor.Stop(e.cfg.StopTimeout); err != nil {
		errs = append(errs, fmt.Errorf("stop executor: %w", err))
	}

	return errors.Join(errs...)
}

// IsRunning returns true if engine is running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// onTick is the feed's tick handler. It runs on the read loop and never blocks
// on execution.
func (e *Engine) onTick(tick types.Tick) error {
	e.freeze.Mark()
	e.slowdown.Mark()

	if ok, _ := e.filter.Validate(tick.Price); !ok {
		return nil
	}

	e.mu.Lock()
	e.lastPrice = tick.Price
	e.ticks++
	e.mu.Unlock()

	if reason := e.guard.Check(tick.Price); reason != "" {
		return nil
	}

	pos, open := e.ledger.Position()
	if side, meta := e.signals.OnTick(tick, pos, open); side.Valid() {
		res := e.executor.SubmitOrder(side, e.cfg.PositionSize, tick.Price, meta)
		if !res.Accepted() {
			e.logger.Debug("signal not executed", "side", side.String(), "reason", res.Reason)
		}
	}

	if open {
		e.checkTargets(tick.Price)
	}
	return nil
}

func (e *Engine) checkTargets(price decimal.Decimal) {
	pnl := e.ledger.CalculatePnL(price)

	var reason string
	switch {
	case e.cfg.TakeProfit.IsPositive() && pnl.GreaterThan(e.cfg.TakeProfit):
		reason = ReasonTakeProfit
	case e.cfg.StopLoss.IsPositive() && pnl.LessThan(e.cfg.StopLoss.Neg()):
		reason = ReasonStopLoss
	default:
		return
	}

	res := e.executor.ClosePosition(price, reason)
	if res.Accepted() {
		e.recorder.RecordRiskTrigger(reason)
		e.logger.Info("auto-close queued", "reason", reason, "pnl", pnl.StringFixed(4), "price", price.String())
	}
}

// forceClose is the risk guard's close action.
func (e *Engine) forceClose(reason string, price decimal.Decimal) {
	res := e.executor.ClosePosition(price, reason)
	if !res.Accepted() {
		e.logger.Warn("forced close not queued", "reason", reason, "result", res.Reason)
	}
}

// Name implements execution.FillListener.
func (e *Engine) Name() string { return "engine" }

// OnFill mirrors ledger changes into the risk guard.
func (e *Engine) OnFill(report types.FillReport) error {
	switch report.Action {
	case types.FillOpened, types.FillReplaced:
		if report.Opened != nil {
			e.guard.OnOpen(report.Opened.Side, report.Opened.EntryPrice)
		}
	case types.FillClosed:
		e.guard.Reset()
	}

	if report.Closed != nil {
		e.mu.Lock()
		e.realized = e.realized.Add(report.Closed.PnL)
		total := e.realized
		e.mu.Unlock()
		e.recorder.RecordRealizedPnL(total)
	}
	return nil
}

// Realized returns realized PnL since start.
func (e *Engine) Realized() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.realized
}

// Snapshot returns a status view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	price, realized, ticks := e.lastPrice, e.realized, e.ticks
	e.mu.RUnlock()

	pos, open := e.ledger.Position()
	s := Snapshot{
		StreamState: e.feed.State(),
		LastPrice:   price,
		Position:    pos,
		Open:        open,
		Realized:    realized,
		Ticks:       ticks,
		Breaches:    make(map[string]uint64, len(e.watchdogs)),
	}
	if open && price.IsPositive() {
		s.Unrealized = e.ledger.CalculatePnL(price)
	}
	for _, w := range e.watchdogs {
		s.Breaches[w.Name()] = w.Breaches()
	}
	return s
}

// RegisterHealthChecks adds stream and execution checks to srv.
func (e *Engine) RegisterHealthChecks(srv *metrics.Server) {
	srv.RegisterHealthCheck("stream", e.streamCheck)
	srv.RegisterHealthCheck("execution", e.executionCheck)
}

func (e *Engine) streamCheck() metrics.Check {
	state := e.feed.State()
	if e.feed.Healthy() && state.Live() {
		return metrics.Healthy(state.String())
	}
	return metrics.Unhealthy(state.String())
}

func (e *Engine) executionCheck() metrics.Check {
	if e.executor.Running() {
		return metrics.Healthy("worker running")
	}
	return metrics.Unhealthy("worker stopped")
}
