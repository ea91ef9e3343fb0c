package execution

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/ledger"
	"github.com/tathienbao/delta-bot/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func frictionlessConfig() Config {
	return Config{
		MinTradeGap:     0,
		SpreadUSD:       decimal.Zero,
		SlippagePct:     decimal.Zero,
		Latency:         0,
		RandomSlippage:  false,
		TakerFeePct:     d("0.0005"),
		FillProbability: 1,
		StopTimeout:     time.Second,
		Seed:            42,
	}
}

type harness struct {
	engine  *Engine
	ledger  *ledger.Ledger
	reports chan types.FillReport
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	l := ledger.New(ledger.Config{Leverage: d("50"), PositionSize: d("0.01")}, nil)
	e := NewEngine(cfg, l, nil)
	e.sleep = func(time.Duration) {}

	h := &harness{engine: e, ledger: l, reports: make(chan types.FillReport, 256)}
	e.AddListener(ListenerFunc("test", func(r types.FillReport) error {
		h.reports <- r
		return nil
	}))
	t.Cleanup(func() { _ = e.Stop(time.Second) })
	return h
}

func (h *harness) nextReport(t *testing.T) types.FillReport {
	t.Helper()
	select {
	case r := <-h.reports:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no fill report")
		return types.FillReport{}
	}
}

func (h *harness) noReport(t *testing.T) {
	t.Helper()
	select {
	case r := <-h.reports:
		t.Fatalf("unexpected fill report %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngine_SubmitRejectsInvalidParameters(t *testing.T) {
	h := newHarness(t, frictionlessConfig())

	tests := []struct {
		name    string
		side    types.Side
		size    string
		price   string
		reason  string
		wantErr error
	}{
		{"unknown side", types.ParseSide("UP"), "0.01", "100", ReasonInvalidSide, types.ErrInvalidSide},
		{"zero size", types.SideLong, "0", "100", ReasonInvalidSize, types.ErrInvalidOrderSize},
		{"negative price", types.SideShort, "0.01", "-1", ReasonInvalidPrice, types.ErrInvalidPrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.engine.SubmitOrder(tt.side, d(tt.size), d(tt.price), nil)
			if res.Status != StatusRejected || res.Reason != tt.reason {
				t.Errorf("SubmitOrder() = %+v, want rejected %s", res, tt.reason)
			}
			if !errors.Is(res.Err(), tt.wantErr) {
				t.Errorf("Err() = %v, want %v", res.Err(), tt.wantErr)
			}
			if res.OrderID != "" {
				t.Errorf("OrderID = %q, want empty for rejection", res.OrderID)
			}
		})
	}

	if n := h.engine.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestEngine_FillAppliesFriction(t *testing.T) {
	cfg := frictionlessConfig()
	cfg.SpreadUSD = d("1")
	cfg.SlippagePct = d("0.0005")
	h := newHarness(t, cfg)
	h.engine.Start()

	res := h.engine.SubmitOrder(types.SideLong, d("0.01"), d("100000"), map[string]string{"signal": "breakout"})
	if !res.Accepted() || res.OrderID == "" {
		t.Fatalf("SubmitOrder() = %+v, want queued with id", res)
	}

	r := h.nextReport(t)
	// 100000 + 0.5 half spread + 50 slippage
	if !r.Fill.ExecutedPrice.Equal(d("100050.5")) {
		t.Errorf("ExecutedPrice = %s, want 100050.5", r.Fill.ExecutedPrice)
	}
	if !r.Fill.Fee.Equal(d("0.5002525")) {
		t.Errorf("Fee = %s, want 0.5002525", r.Fill.Fee)
	}
	if r.Action != types.FillOpened || r.Opened == nil || r.Opened.Side != types.SideLong {
		t.Errorf("report = %+v, want LONG opened", r)
	}
	if r.Fill.Meta["signal"] != "breakout" {
		t.Errorf("Meta lost: %v", r.Fill.Meta)
	}
	if o, ok := h.engine.Order(res.OrderID); !ok || o.Status != types.OrderStatusFilled {
		t.Errorf("Order(%s) = %+v, %v; want FILLED", res.OrderID, o, ok)
	}
	if !h.engine.FeesPaid().Equal(d("0.5002525")) {
		t.Errorf("FeesPaid() = %s", h.engine.FeesPaid())
	}

	h.ledger.Close(d("100000"), "reset")
	h.engine.SubmitOrder(types.SideShort, d("0.01"), d("100000"), nil)
	r = h.nextReport(t)
	if !r.Fill.ExecutedPrice.Equal(d("99949.5")) {
		t.Errorf("short ExecutedPrice = %s, want 99949.5", r.Fill.ExecutedPrice)
	}
}

func TestEngine_SameSideIsIgnored(t *testing.T) {
	h := newHarness(t, frictionlessConfig())
	h.engine.Start()

	h.engine.SubmitOrder(types.SideLong, d("0.01"), d("100"), nil)
	h.nextReport(t)
	h.engine.SubmitOrder(types.SideLong, d("0.01"), d("120"), nil)

	r := h.nextReport(t)
	if r.Action != types.FillIgnored {
		t.Errorf("Action = %s, want ignored", r.Action)
	}
	pos, _ := h.ledger.Position()
	if !pos.EntryPrice.Equal(d("100")) {
		t.Errorf("EntryPrice = %s, want 100 (no pyramiding)", pos.EntryPrice)
	}
}

func TestEngine_OppositeSideReplacesPosition(t *testing.T) {
	h := newHarness(t, frictionlessConfig())
	h.ledger.Open(types.SideLong, d("100"), d("0.01"))
	h.engine.Start()

	h.engine.SubmitOrder(types.SideShort, d("0.01"), d("110"), nil)
	r := h.nextReport(t)

	if r.Action != types.FillReplaced {
		t.Fatalf("Action = %s, want replaced", r.Action)
	}
	if r.Closed == nil || r.Closed.Reason != ReasonReplace || !r.Closed.PnL.Equal(d("5")) {
		t.Errorf("Closed = %+v, want EXECUTE_REPLACE with pnl 5", r.Closed)
	}
	pos, ok := h.ledger.Position()
	if !ok || pos.Side != types.SideShort || !pos.EntryPrice.Equal(d("110")) {
		t.Errorf("Position() = %+v, want SHORT @110", pos)
	}
}

func TestEngine_MinTradeGap(t *testing.T) {
	cfg := frictionlessConfig()
	cfg.MinTradeGap = time.Hour
	h := newHarness(t, cfg)
	h.engine.Start()

	if res := h.engine.SubmitOrder(types.SideLong, d("0.01"), d("100"), nil); !res.Accepted() {
		t.Fatalf("first SubmitOrder() = %+v, want queued", res)
	}
	h.nextReport(t)

	res := h.engine.SubmitOrder(types.SideShort, d("0.01"), d("101"), nil)
	if res.Reason != ReasonMinTradeGap {
		t.Errorf("SubmitOrder() after fill = %+v, want min_trade_gap", res)
	}
}

func TestEngine_CancelAll(t *testing.T) {
	h := newHarness(t, frictionlessConfig())

	var ids []string
	for _, side := range []types.Side{types.SideLong, types.SideShort, types.SideLong} {
		res := h.engine.SubmitOrder(side, d("0.01"), d("100"), nil)
		ids = append(ids, res.OrderID)
	}

	if n := h.engine.CancelAll(); n != 3 {
		t.Fatalf("CancelAll() = %d, want 3", n)
	}
	if n := h.engine.CancelAll(); n != 0 {
		t.Errorf("second CancelAll() = %d, want 0", n)
	}
	for _, id := range ids {
		if o, ok := h.engine.Order(id); !ok || o.Status != types.OrderStatusCancelled {
			t.Errorf("Order(%s) = %+v, want CANCELLED", id, o)
		}
	}

	h.engine.Start()
	h.noReport(t)
	if _, ok := h.ledger.Position(); ok {
		t.Error("cancelled order opened a position")
	}
}

func TestEngine_NoFillDropsOrder(t *testing.T) {
	cfg := frictionlessConfig()
	cfg.FillProbability = 0
	h := newHarness(t, cfg)
	h.engine.Start()

	res := h.engine.SubmitOrder(types.SideLong, d("0.01"), d("100"), nil)
	if !res.Accepted() {
		t.Fatalf("SubmitOrder() = %+v, want queued", res)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o, _ := h.engine.Order(res.OrderID); o.Status == types.OrderStatusMissed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if o, _ := h.engine.Order(res.OrderID); o.Status != types.OrderStatusMissed {
		t.Fatalf("Order status = %s, want MISSED", o.Status)
	}
	h.noReport(t)
	if _, ok := h.ledger.Position(); ok {
		t.Error("missed order opened a position")
	}
}

func TestEngine_ClosePosition(t *testing.T) {
	h := newHarness(t, frictionlessConfig())

	if res := h.engine.ClosePosition(d("100"), "EXPOSURE_TIMEOUT"); res.Reason != ReasonNoPosition {
		t.Errorf("ClosePosition() flat = %+v, want no_position", res)
	}

	h.ledger.Open(types.SideShort, d("100"), d("0.01"))

	if res := h.engine.ClosePosition(d("98"), "DISTANCE_MAX"); !res.Accepted() {
		t.Fatalf("ClosePosition() = %+v, want queued", res)
	}
	if res := h.engine.ClosePosition(d("98"), "DISTANCE_MAX"); res.Reason != ReasonClosePending {
		t.Errorf("second ClosePosition() = %+v, want close_pending", res)
	}
	if n := h.engine.CancelAll(); n != 1 {
		t.Fatalf("CancelAll() = %d, want 1", n)
	}
	if res := h.engine.ClosePosition(d("98"), "DISTANCE_MAX"); !res.Accepted() {
		t.Fatalf("ClosePosition() after cancel = %+v, want queued", res)
	}

	h.engine.Start()
	r := h.nextReport(t)
	if r.Action != types.FillClosed || r.Fill.Side != types.SideLong {
		t.Errorf("report = %+v, want closed by a LONG fill", r)
	}
	if r.Closed == nil || r.Closed.Reason != "DISTANCE_MAX" || !r.Closed.PnL.Equal(d("1")) {
		t.Errorf("Closed = %+v, want DISTANCE_MAX pnl 1", r.Closed)
	}
	if _, ok := h.ledger.Position(); ok {
		t.Error("position still open after forced close")
	}
}

func TestEngine_ProcessesFIFO(t *testing.T) {
	h := newHarness(t, frictionlessConfig())

	var ids []string
	for i, side := range []types.Side{types.SideLong, types.SideShort, types.SideLong} {
		res := h.engine.SubmitOrder(side, d("0.01"), decimal.NewFromInt(int64(100+i)), nil)
		ids = append(ids, res.OrderID)
	}
	h.engine.Start()

	wantActions := []types.FillAction{types.FillOpened, types.FillReplaced, types.FillReplaced}
	for i, want := range wantActions {
		r := h.nextReport(t)
		if r.Fill.OrderID != ids[i] {
			t.Errorf("report %d order = %s, want %s", i, r.Fill.OrderID, ids[i])
		}
		if r.Action != want {
			t.Errorf("report %d action = %s, want %s", i, r.Action, want)
		}
	}
	pos, _ := h.ledger.Position()
	if pos.Side != types.SideLong || !pos.EntryPrice.Equal(d("102")) {
		t.Errorf("final position = %+v, want LONG @102", pos)
	}
}

// serialLedger fails the test if two ledger calls overlap.
type serialLedger struct {
	*ledger.Ledger
	inflight   atomic.Int32
	violations atomic.Int32
}

func (s *serialLedger) enter() func() {
	if s.inflight.Add(1) > 1 {
		s.violations.Add(1)
	}
	time.Sleep(50 * time.Microsecond)
	return func() { s.inflight.Add(-1) }
}

func (s *serialLedger) Open(side types.Side, price, size decimal.Decimal) bool {
	defer s.enter()()
	return s.Ledger.Open(side, price, size)
}

func (s *serialLedger) Close(price decimal.Decimal, reason string) decimal.Decimal {
	defer s.enter()()
	return s.Ledger.Close(price, reason)
}

func TestEngine_ConcurrentSubmitSerializesLedger(t *testing.T) {
	sl := &serialLedger{Ledger: ledger.New(ledger.DefaultConfig(), nil)}
	e := NewEngine(frictionlessConfig(), sl, nil)
	e.sleep = func(time.Duration) {}

	var filled atomic.Int32
	e.AddListener(ListenerFunc("count", func(types.FillReport) error {
		filled.Add(1)
		return nil
	}))
	e.Start()
	defer e.Stop(time.Second)

	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			side := types.SideLong
			if i%2 == 1 {
				side = types.SideShort
			}
			if e.SubmitOrder(side, d("0.01"), decimal.NewFromInt(int64(1000+i)), nil).Accepted() {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for filled.Load() < accepted.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if filled.Load() != accepted.Load() {
		t.Fatalf("filled = %d, want %d", filled.Load(), accepted.Load())
	}
	if v := sl.violations.Load(); v != 0 {
		t.Errorf("overlapping ledger mutations = %d, want 0", v)
	}
}

func TestEngine_StopIsBoundedAndFinal(t *testing.T) {
	h := newHarness(t, frictionlessConfig())
	h.engine.Start()

	start := time.Now()
	if err := h.engine.Stop(time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop() took %v", elapsed)
	}
	if h.engine.Running() {
		t.Error("Running() = true after Stop")
	}
	if err := h.engine.Stop(time.Second); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if res := h.engine.SubmitOrder(types.SideLong, d("0.01"), d("100"), nil); res.Reason != ReasonEngineStopped {
		t.Errorf("SubmitOrder() after Stop = %+v, want engine_stopped", res)
	}
}

func TestEngine_StopTimesOutOnStuckWorker(t *testing.T) {
	h := newHarness(t, frictionlessConfig())
	release := make(chan struct{})
	h.engine.sleep = func(time.Duration) { <-release }
	defer close(release)

	h.engine.SubmitOrder(types.SideLong, d("0.01"), d("100"), nil)
	h.engine.Start()

	deadline := time.Now().Add(2 * time.Second)
	for h.engine.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	err := h.engine.Stop(20 * time.Millisecond)
	if !errors.Is(err, types.ErrShutdownTimeout) {
		t.Errorf("Stop() error = %v, want ErrShutdownTimeout", err)
	}
}

func TestEngine_ListenerFailuresAreContained(t *testing.T) {
	h := newHarness(t, frictionlessConfig())
	h.engine.AddListener(ListenerFunc("failing", func(types.FillReport) error {
		return errors.New("disk full")
	}))
	h.engine.AddListener(ListenerFunc("panicking", func(types.FillReport) error {
		panic("listener bug")
	}))
	h.engine.Start()

	h.engine.SubmitOrder(types.SideLong, d("0.01"), d("100"), nil)
	h.nextReport(t)
	h.engine.SubmitOrder(types.SideShort, d("0.01"), d("101"), nil)
	if r := h.nextReport(t); r.Action != types.FillReplaced {
		t.Errorf("second report action = %s, want replaced", r.Action)
	}
}

func TestEngine_SampleLatencyNonNegative(t *testing.T) {
	e := NewEngine(Config{Latency: 0, Seed: 7}, ledger.New(ledger.DefaultConfig(), nil), nil)

	for i := 0; i < 1000; i++ {
		if l := e.sampleLatency(); l < 0 {
			t.Fatalf("sampleLatency() = %v, want >= 0", l)
		}
	}
}

func TestLiveExecutor_RefusesOrders(t *testing.T) {
	var ex Executor = NewLiveExecutor(nil)
	ex.Start()
	if !ex.Running() {
		t.Error("Running() = false after Start")
	}

	res := ex.SubmitOrder(types.SideLong, d("0.01"), d("100"), nil)
	if res.Status != StatusRejected || !errors.Is(res.Err(), types.ErrNotImplemented) {
		t.Errorf("SubmitOrder() = %+v, want not_implemented rejection", res)
	}
	if res := ex.ClosePosition(d("100"), "STOP_LOSS"); res.Accepted() {
		t.Errorf("ClosePosition() = %+v, want rejection", res)
	}
	if n := ex.CancelAll(); n != 0 {
		t.Errorf("CancelAll() = %d, want 0", n)
	}
	if err := ex.Stop(time.Second); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if ex.Running() {
		t.Error("Running() = true after Stop")
	}
}
