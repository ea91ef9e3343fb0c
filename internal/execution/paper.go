package execution

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/metrics"
	"github.com/tathienbao/delta-bot/internal/types"
)

// Config holds paper execution settings.
type Config struct {
	MinTradeGap     time.Duration
	SpreadUSD       decimal.Decimal
	SlippagePct     decimal.Decimal
	Latency         time.Duration // mean simulated latency
	RandomSlippage  bool
	TakerFeePct     decimal.Decimal
	FillProbability float64
	StopTimeout     time.Duration
	Seed            int64 // zero seeds from the clock
}

// DefaultConfig returns default paper execution settings.
func DefaultConfig() Config {
	return Config{
		MinTradeGap:     500 * time.Millisecond,
		SpreadUSD:       decimal.NewFromInt(1),
		SlippagePct:     decimal.RequireFromString("0.0005"),
		Latency:         20 * time.Millisecond,
		RandomSlippage:  true,
		TakerFeePct:     decimal.RequireFromString("0.0005"),
		FillProbability: 0.995,
		StopTimeout:     5 * time.Second,
	}
}

const recentOrders = 256

// Engine simulates order execution. Orders are queued FIFO and processed by a
// single worker, so at most one fill is applied to the ledger at a time.
type Engine struct {
	cfg      Config
	ledger   PositionLedger
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu           sync.Mutex
	pending      []*types.Order
	outstanding  map[string]*types.Order
	recent       []types.Order
	listeners    []FillListener
	lastFill     time.Time
	closePending bool
	fees         decimal.Decimal
	seq          uint64
	running      bool
	stopped      bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	// worker-owned
	rng   *rand.Rand
	sleep func(time.Duration)
	now   func() time.Time
}

var _ Executor = (*Engine)(nil)

// NewEngine creates a paper execution engine. Call Start to begin processing.
func NewEngine(cfg Config, ledger PositionLedger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Engine{
		cfg:         cfg,
		ledger:      ledger,
		logger:      logger.With("component", "execution", "mode", "paper"),
		recorder:    metrics.NewRecorder(),
		outstanding: make(map[string]*types.Order),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		rng:         rand.New(rand.NewSource(seed)),
		sleep:       time.Sleep,
		now:         time.Now,
	}
}

// AddListener registers a fill listener. Listeners run on the worker goroutine.
func (e *Engine) AddListener(l FillListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Start launches the worker. It is idempotent and has no effect after Stop.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running || e.stopped {
		return
	}
	e.running = true
	go e.worker()
	e.logger.Info("execution worker started")
}

// SubmitOrder validates an entry order and enqueues it. It never blocks on execution.
func (e *Engine) SubmitOrder(side types.Side, size, price decimal.Decimal, meta map[string]string) Result {
	now := e.now()

	switch {
	case !side.Valid():
		return e.reject(side, ReasonInvalidSide, now)
	case !size.IsPositive():
		return e.reject(side, ReasonInvalidSize, now)
	case !price.IsPositive():
		return e.reject(side, ReasonInvalidPrice, now)
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return e.reject(side, ReasonEngineStopped, now)
	}
	if !e.lastFill.IsZero() && now.Sub(e.lastFill) < e.cfg.MinTradeGap {
		e.mu.Unlock()
		return e.reject(side, ReasonMinTradeGap, now)
	}
	o := e.enqueueLocked(types.OrderKindEntry, side, size, price, "", meta, now)
	e.mu.Unlock()

	e.signal()
	e.recorder.RecordOrder(side.String(), "queued")
	e.logger.Debug("order queued", "order_id", o.ID, "side", side.String(), "price", price.String())
	return Result{Status: StatusQueued, OrderID: o.ID, Timestamp: now}
}

// ClosePosition enqueues a forced close of the open position behind any queued
// orders. Only one close may be outstanding.
func (e *Engine) ClosePosition(price decimal.Decimal, reason string) Result {
	now := e.now()
	if !price.IsPositive() {
		return e.reject(types.SideFlat, ReasonInvalidPrice, now)
	}

	pos, ok := e.ledger.Position()

	e.mu.Lock()
	switch {
	case e.stopped:
		e.mu.Unlock()
		return e.reject(types.SideFlat, ReasonEngineStopped, now)
	case e.closePending:
		e.mu.Unlock()
		return e.reject(types.SideFlat, ReasonClosePending, now)
	case !ok:
		e.mu.Unlock()
		return e.reject(types.SideFlat, ReasonNoPosition, now)
	}
	o := e.enqueueLocked(types.OrderKindClose, pos.Side.Opposite(), pos.Size, price, reason, nil, now)
	e.closePending = true
	e.mu.Unlock()

	e.signal()
	e.recorder.RecordOrder(o.Side.String(), "queued")
	e.logger.Info("close queued", "order_id", o.ID, "reason", reason, "price", price.String())
	return Result{Status: StatusQueued, OrderID: o.ID, Timestamp: now}
}

// CancelAll drops every order the worker has not picked up yet.
func (e *Engine) CancelAll() int {
	e.mu.Lock()
	n := len(e.pending)
	for _, o := range e.pending {
		o.Status = types.OrderStatusCancelled
		if o.Kind == types.OrderKindClose {
			e.closePending = false
		}
		e.retireLocked(o)
	}
	e.pending = nil
	e.mu.Unlock()

	if n > 0 {
		e.logger.Info("cancelled queued orders", "count", n)
	}
	return n
}

// Stop lets the worker finish its current order and waits at most timeout
// (the configured stop timeout when zero). Queued orders are cancelled.
func (e *Engine) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = e.cfg.StopTimeout
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	running := e.running
	e.mu.Unlock()

	if running {
		close(e.stop)
		select {
		case <-e.done:
		case <-time.After(timeout):
			e.logger.Warn("execution worker did not stop in time", "timeout", timeout.String())
			return fmt.Errorf("%w: execution worker", types.ErrShutdownTimeout)
		}
	}

	if n := e.CancelAll(); n > 0 {
		e.logger.Info("dropped queued orders on stop", "count", n)
	}
	e.logger.Info("execution worker stopped")
	return nil
}

// Running reports whether the worker is processing orders.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running && !e.stopped
}

// Pending returns the number of queued orders not yet picked up.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Order returns an outstanding or recently finished order.
func (e *Engine) Order(id string) (types.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.outstanding[id]; ok {
		return *o, true
	}
	for i := len(e.recent) - 1; i >= 0; i-- {
		if e.recent[i].ID == id {
			return e.recent[i], true
		}
	}
	return types.Order{}, false
}

// FeesPaid returns cumulative simulated fees.
func (e *Engine) FeesPaid() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fees
}

func (e *Engine) reject(side types.Side, reason string, now time.Time) Result {
	e.recorder.RecordOrder(side.String(), reason)
	e.logger.Debug("order rejected", "side", side.String(), "reason", reason)
	return Result{Status: StatusRejected, Reason: reason, Timestamp: now}
}

func (e *Engine) enqueueLocked(kind types.OrderKind, side types.Side, size, price decimal.Decimal, reason string, meta map[string]string, now time.Time) *types.Order {
	e.seq++
	o := &types.Order{
		ID:          "paper-" + strconv.FormatUint(e.seq, 10),
		Kind:        kind,
		Side:        side,
		Size:        size,
		Price:       price,
		Reason:      reason,
		Status:      types.OrderStatusQueued,
		SubmittedAt: now,
		Meta:        meta,
	}
	e.pending = append(e.pending, o)
	e.outstanding[o.ID] = o
	return o
}

func (e *Engine) retireLocked(o *types.Order) {
	delete(e.outstanding, o.ID)
	if len(e.recent) == recentOrders {
		copy(e.recent, e.recent[1:])
		e.recent = e.recent[:recentOrders-1]
	}
	e.recent = append(e.recent, *o)
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) dequeue() *types.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return nil
	}
	o := e.pending[0]
	e.pending[0] = nil
	e.pending = e.pending[1:]
	return o
}

func (e *Engine) worker() {
	defer close(e.done)

	for {
		o := e.dequeue()
		if o == nil {
			select {
			case <-e.stop:
				return
			case <-e.wake:
				continue
			}
		}

		e.process(o)

		select {
		case <-e.stop:
			return
		default:
		}
	}
}

func (e *Engine) process(o *types.Order) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("order processing panic", "order_id", o.ID, "panic", r)
			e.finish(o, types.OrderStatusRejected)
		}
	}()

	latency := e.sampleLatency()
	e.sleep(latency)

	if o.Kind == types.OrderKindEntry && e.rng.Float64() > e.cfg.FillProbability {
		e.finish(o, types.OrderStatusMissed)
		e.recorder.RecordOrder(o.Side.String(), "missed")
		e.logger.Info("simulated no-fill", "order_id", o.ID, "side", o.Side.String())
		return
	}

	var (
		report types.FillReport
		ok     bool
	)
	if o.Kind == types.OrderKindClose {
		report, ok = e.applyClose(o, latency)
	} else {
		report, ok = e.applyEntry(o, latency)
	}
	if !ok {
		return
	}

	e.recorder.RecordFill(report.Fill.Side.String(), report.Action.String(), latency, report.Fill.Fee)
	if report.Closed != nil {
		e.recorder.RecordTrade(report.Closed.Side.String(), report.Closed.PnL)
	}
	if pos, open := e.ledger.Position(); open {
		e.recorder.RecordPosition(int(pos.Side.Sign().IntPart()))
	} else {
		e.recorder.RecordPosition(0)
	}
	e.publish(report)
}

func (e *Engine) applyEntry(o *types.Order, latency time.Duration) (types.FillReport, bool) {
	fill := e.fill(o, latency)
	report := types.FillReport{Fill: fill}

	pos, open := e.ledger.Position()
	switch {
	case !open:
		e.ledger.Open(o.Side, fill.ExecutedPrice, o.Size)
		report.Action = types.FillOpened
	case pos.Side == o.Side:
		report.Action = types.FillIgnored
	default:
		e.ledger.Close(fill.ExecutedPrice, ReasonReplace)
		if trade, ok := e.ledger.LastTrade(); ok {
			report.Closed = &trade
		}
		e.ledger.Open(o.Side, fill.ExecutedPrice, o.Size)
		report.Action = types.FillReplaced
	}
	if report.Action != types.FillIgnored {
		if p, ok := e.ledger.Position(); ok {
			report.Opened = &p
		}
	}

	e.finish(o, types.OrderStatusFilled)
	e.logger.Info("order filled",
		"order_id", o.ID,
		"side", o.Side.String(),
		"submitted", o.Price.String(),
		"executed", fill.ExecutedPrice.String(),
		"fee", fill.Fee.StringFixed(6),
		"action", report.Action.String(),
	)
	return report, true
}

func (e *Engine) applyClose(o *types.Order, latency time.Duration) (types.FillReport, bool) {
	pos, open := e.ledger.Position()
	if !open {
		e.finish(o, types.OrderStatusCancelled)
		e.logger.Info("close skipped, already flat", "order_id", o.ID, "reason", o.Reason)
		return types.FillReport{}, false
	}
	// The position may have flipped since submission.
	e.mu.Lock()
	o.Side = pos.Side.Opposite()
	o.Size = pos.Size
	e.mu.Unlock()

	fill := e.fill(o, latency)
	pnl := e.ledger.Close(fill.ExecutedPrice, o.Reason)
	report := types.FillReport{Fill: fill, Action: types.FillClosed}
	if trade, ok := e.ledger.LastTrade(); ok {
		report.Closed = &trade
	}

	e.finish(o, types.OrderStatusFilled)
	e.logger.Info("position force-closed",
		"order_id", o.ID,
		"reason", o.Reason,
		"executed", fill.ExecutedPrice.String(),
		"pnl", pnl.StringFixed(4),
	)
	return report, true
}

func (e *Engine) fill(o *types.Order, latency time.Duration) types.Fill {
	exec := e.executedPrice(o.Side, o.Price)
	fee := exec.Mul(o.Size).Mul(e.cfg.TakerFeePct)
	now := e.now()

	e.mu.Lock()
	e.lastFill = now
	e.fees = e.fees.Add(fee)
	e.mu.Unlock()

	return types.Fill{
		OrderID:        o.ID,
		Kind:           o.Kind,
		Side:           o.Side,
		Size:           o.Size,
		SubmittedPrice: o.Price,
		ExecutedPrice:  exec,
		Fee:            fee,
		Latency:        latency,
		FilledAt:       now,
		Reason:         o.Reason,
		Meta:           o.Meta,
	}
}

// executedPrice moves ref against the taker by half the spread plus slippage.
func (e *Engine) executedPrice(side types.Side, ref decimal.Decimal) decimal.Decimal {
	slip := ref.Mul(e.cfg.SlippagePct)
	if e.cfg.RandomSlippage {
		base := slip.InexactFloat64()
		slip = decimal.NewFromFloat(e.gauss(base, base*0.5))
	}
	adj := e.cfg.SpreadUSD.Div(decimal.NewFromInt(2)).Add(slip)
	return ref.Add(adj.Mul(side.Sign())).Round(8)
}

func (e *Engine) sampleLatency() time.Duration {
	mean := float64(e.cfg.Latency) / float64(time.Millisecond)
	std := max(1, mean*0.25)
	ms := e.gauss(mean, std)
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

func (e *Engine) gauss(mean, std float64) float64 {
	return mean + e.rng.NormFloat64()*std
}

func (e *Engine) finish(o *types.Order, status types.OrderStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o.Status = status
	if o.Kind == types.OrderKindClose {
		e.closePending = false
	}
	e.retireLocked(o)
}

func (e *Engine) publish(report types.FillReport) {
	e.mu.Lock()
	listeners := make([]FillListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	for _, l := range listeners {
		e.notify(l, report)
	}
}

func (e *Engine) notify(l FillListener, report types.FillReport) {
	defer func() {
		if r := recover(); r != nil {
			e.recorder.RecordSinkError(l.Name())
			e.logger.Error("fill listener panic", "listener", l.Name(), "panic", r)
		}
	}()
	if err := l.OnFill(report); err != nil {
		e.recorder.RecordSinkError(l.Name())
		e.logger.Warn("fill listener failed", "listener", l.Name(), "err", err)
	}
}
