package alerting

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/types"
)

// Summary is an end-of-session trading report.
type Summary struct {
	Date          time.Time
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       decimal.Decimal // percent
	GrossPnL      decimal.Decimal
	Fees          decimal.Decimal
	NetPnL        decimal.Decimal
	ByReason      map[string]int
	OpenPosition  bool
}

// NewSummary aggregates closed trades. Zero PnL trades count as neither win
// nor loss.
func NewSummary(date time.Time, trades []types.Trade, fees decimal.Decimal, open bool) Summary {
	s := Summary{
		Date:         date,
		TotalTrades:  len(trades),
		Fees:         fees,
		ByReason:     make(map[string]int),
		OpenPosition: open,
	}
	for _, tr := range trades {
		s.GrossPnL = s.GrossPnL.Add(tr.PnL)
		switch {
		case tr.PnL.IsPositive():
			s.WinningTrades++
		case tr.PnL.IsNegative():
			s.LosingTrades++
		}
		s.ByReason[tr.Reason]++
	}
	if s.TotalTrades > 0 {
		s.WinRate = decimal.NewFromInt(int64(s.WinningTrades)).
			Div(decimal.NewFromInt(int64(s.TotalTrades))).
			Mul(decimal.NewFromInt(100))
	}
	s.NetPnL = s.GrossPnL.Sub(fees)
	return s
}

// Fields returns the summary as alert fields.
func (s Summary) Fields() []any {
	return []any{
		"trades", s.TotalTrades,
		"wins", s.WinningTrades,
		"losses", s.LosingTrades,
		"win_rate", s.WinRate.StringFixed(1) + "%",
		"gross_pnl", s.GrossPnL.StringFixed(4),
		"fees", s.Fees.StringFixed(4),
		"net_pnl", s.NetPnL.StringFixed(4),
		"by_reason", s.ByReason,
		"open_position", s.OpenPosition,
	}
}
