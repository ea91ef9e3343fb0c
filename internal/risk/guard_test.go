package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type closeRecorder struct {
	mu      sync.Mutex
	reasons []string
	prices  []decimal.Decimal
}

func (r *closeRecorder) onRisk(reason string, price decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	r.prices = append(r.prices, price)
}

func newTestGuard(cfg Config) (*Guard, *fakeClock, *closeRecorder) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rec := &closeRecorder{}
	g := NewGuard(cfg, rec.onRisk, nil)
	g.now = clock.Now
	return g, clock, rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxExposure != 180*time.Second {
		t.Errorf("MaxExposure = %v, want 180s", cfg.MaxExposure)
	}
	if !cfg.MaxDistancePct.Equal(decimal.RequireFromString("0.4")) {
		t.Errorf("MaxDistancePct = %s, want 0.4", cfg.MaxDistancePct)
	}
}

func TestGuard_DisarmedDoesNothing(t *testing.T) {
	g, clock, rec := newTestGuard(DefaultConfig())
	clock.Advance(time.Hour)

	if reason := g.Check(decimal.NewFromInt(1)); reason != "" {
		t.Errorf("Check() = %q, want no trigger", reason)
	}
	if len(rec.reasons) != 0 {
		t.Errorf("close action called %d times", len(rec.reasons))
	}
}

func TestGuard_ExposureTimeoutFiresOnce(t *testing.T) {
	g, clock, rec := newTestGuard(Config{MaxExposure: 120 * time.Second, MaxDistancePct: decimal.RequireFromString("0.4")})
	price := decimal.NewFromInt(60000)
	g.OnOpen(types.SideLong, price)

	clock.Advance(120 * time.Second)
	if reason := g.Check(price); reason != "" {
		t.Fatalf("Check() at limit = %q, want none", reason)
	}

	clock.Advance(time.Second)
	if reason := g.Check(price); reason != ReasonExposureTimeout {
		t.Fatalf("Check() = %q, want %s", reason, ReasonExposureTimeout)
	}

	for i := 0; i < 5; i++ {
		clock.Advance(time.Minute)
		g.Check(price)
	}
	if len(rec.reasons) != 1 {
		t.Fatalf("close action called %d times, want 1", len(rec.reasons))
	}
	if _, ok := g.Active(); ok {
		t.Error("guard still armed after trigger")
	}

	g.OnOpen(types.SideShort, price)
	clock.Advance(121 * time.Second)
	g.Check(price)
	if len(rec.reasons) != 2 {
		t.Errorf("close action called %d times after re-arm, want 2", len(rec.reasons))
	}
}

func TestGuard_DistanceMax(t *testing.T) {
	tests := []struct {
		name   string
		side   types.Side
		price  string
		reason string
	}{
		{"within band", types.SideLong, "100.39", ""},
		{"at band edge", types.SideLong, "100.4", ""},
		{"above band", types.SideLong, "100.41", ReasonDistanceMax},
		{"below band", types.SideShort, "99.5", ReasonDistanceMax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, rec := newTestGuard(DefaultConfig())
			g.OnOpen(tt.side, decimal.NewFromInt(100))

			got := g.Check(decimal.RequireFromString(tt.price))
			if got != tt.reason {
				t.Errorf("Check(%s) = %q, want %q", tt.price, got, tt.reason)
			}
			if tt.reason != "" && !rec.prices[0].Equal(decimal.RequireFromString(tt.price)) {
				t.Errorf("close price = %s, want %s", rec.prices[0], tt.price)
			}
		})
	}
}

func TestGuard_ExposureCheckedBeforeDistance(t *testing.T) {
	g, clock, _ := newTestGuard(DefaultConfig())
	g.OnOpen(types.SideLong, decimal.NewFromInt(100))
	clock.Advance(181 * time.Second)

	if reason := g.Check(decimal.NewFromInt(200)); reason != ReasonExposureTimeout {
		t.Errorf("Check() = %q, want %s", reason, ReasonExposureTimeout)
	}
}

func TestGuard_ResetDisarms(t *testing.T) {
	g, clock, rec := newTestGuard(DefaultConfig())
	g.OnOpen(types.SideLong, decimal.NewFromInt(100))

	st, ok := g.Active()
	if !ok || st.Side != types.SideLong || !st.EntryPrice.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("Active() = %+v, %v", st, ok)
	}

	g.Reset()
	clock.Advance(time.Hour)
	g.Check(decimal.NewFromInt(500))
	if len(rec.reasons) != 0 {
		t.Errorf("close action called after Reset")
	}
}

func TestGuard_ConcurrentChecksFireOnce(t *testing.T) {
	g, clock, rec := newTestGuard(DefaultConfig())
	g.OnOpen(types.SideLong, decimal.NewFromInt(100))
	clock.Advance(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Check(decimal.NewFromInt(100))
		}()
	}
	wg.Wait()

	if len(rec.reasons) != 1 {
		t.Errorf("close action called %d times, want 1", len(rec.reasons))
	}
}
