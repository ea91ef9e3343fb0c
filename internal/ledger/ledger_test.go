package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger() *Ledger {
	return New(Config{Leverage: d("50"), PositionSize: d("0.01")}, nil)
}

func TestLedger_OpenClose(t *testing.T) {
	tests := []struct {
		name  string
		side  types.Side
		entry string
		exit  string
		size  string
		want  string
	}{
		{"long profit", types.SideLong, "100", "110", "0.01", "5"},
		{"long loss", types.SideLong, "100", "95", "0.01", "-2.5"},
		{"short profit", types.SideShort, "100", "90", "0.02", "10"},
		{"short loss", types.SideShort, "65000", "65100", "0.01", "-50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger()
			if !l.Open(tt.side, d(tt.entry), d(tt.size)) {
				t.Fatal("Open() = false on flat ledger")
			}
			pnl := l.Close(d(tt.exit), "test")
			if !pnl.Equal(d(tt.want)) {
				t.Errorf("Close() = %s, want %s", pnl, tt.want)
			}
			if _, ok := l.Position(); ok {
				t.Error("position still open after Close")
			}
			if !l.TotalPnL().Equal(d(tt.want)) {
				t.Errorf("TotalPnL() = %s, want %s", l.TotalPnL(), tt.want)
			}
		})
	}
}

func TestLedger_OpenWhileOpenIsNoop(t *testing.T) {
	l := newTestLedger()

	l.Open(types.SideLong, d("100"), d("0.01"))
	if l.Open(types.SideShort, d("200"), d("1")) {
		t.Error("second Open() = true, want false")
	}

	pos, ok := l.Position()
	if !ok || pos.Side != types.SideLong || !pos.EntryPrice.Equal(d("100")) {
		t.Errorf("Position() = %+v, want original LONG @100", pos)
	}
}

func TestLedger_CloseWhenFlat(t *testing.T) {
	l := newTestLedger()

	if pnl := l.Close(d("100"), "noop"); !pnl.IsZero() {
		t.Errorf("Close() on flat = %s, want 0", pnl)
	}
	if len(l.Trades()) != 0 {
		t.Errorf("Trades() = %d, want 0", len(l.Trades()))
	}
	if _, ok := l.LastTrade(); ok {
		t.Error("LastTrade() ok on empty ledger")
	}
}

func TestLedger_OpenRejectsFlatSide(t *testing.T) {
	l := newTestLedger()
	if l.Open(types.SideFlat, d("100"), d("0.01")) {
		t.Error("Open(FLAT) = true, want false")
	}
}

func TestLedger_ZeroSizeUsesDefault(t *testing.T) {
	l := newTestLedger()
	l.Open(types.SideLong, d("100"), decimal.Zero)

	pos, _ := l.Position()
	if !pos.Size.Equal(d("0.01")) {
		t.Errorf("Size = %s, want default 0.01", pos.Size)
	}
}

func TestLedger_CalculatePnL(t *testing.T) {
	l := newTestLedger()

	if pnl := l.CalculatePnL(d("100")); !pnl.IsZero() {
		t.Errorf("CalculatePnL() flat = %s, want 0", pnl)
	}

	l.Open(types.SideShort, d("100"), d("0.01"))
	if pnl := l.CalculatePnL(d("96")); !pnl.Equal(d("2")) {
		t.Errorf("CalculatePnL(96) = %s, want 2", pnl)
	}
	if _, ok := l.Position(); !ok {
		t.Error("CalculatePnL closed the position")
	}
}

func TestLedger_TradeRecord(t *testing.T) {
	l := newTestLedger()
	l.Open(types.SideLong, d("100"), d("0.01"))
	l.Close(d("104"), "TAKE_PROFIT")
	l.Open(types.SideShort, d("104"), d("0.01"))
	l.Close(d("106"), "EXECUTE_REPLACE")

	trades := l.Trades()
	if len(trades) != 2 {
		t.Fatalf("Trades() = %d, want 2", len(trades))
	}
	last, ok := l.LastTrade()
	if !ok || last.Reason != "EXECUTE_REPLACE" || last.Side != types.SideShort {
		t.Errorf("LastTrade() = %+v", last)
	}
	if trades[0].ID == "" || trades[0].ID == trades[1].ID {
		t.Error("trade IDs must be unique and non-empty")
	}
	// 2 + (-1)
	if !l.TotalPnL().Equal(d("1")) {
		t.Errorf("TotalPnL() = %s, want 1", l.TotalPnL())
	}
}
