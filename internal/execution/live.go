package execution

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/types"
)

// LiveExecutor is a placeholder for exchange order routing. It refuses every order.
type LiveExecutor struct {
	logger  *slog.Logger
	running atomic.Bool
}

var _ Executor = (*LiveExecutor)(nil)

// NewLiveExecutor creates the live stub.
func NewLiveExecutor(logger *slog.Logger) *LiveExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveExecutor{logger: logger.With("component", "live_executor")}
}

func (l *LiveExecutor) SubmitOrder(side types.Side, size, price decimal.Decimal, meta map[string]string) Result {
	l.logger.Error("live order refused: live execution not implemented", "side", side.String(), "price", price.String())
	return Result{Status: StatusRejected, Reason: ReasonNotImplemented, Timestamp: time.Now()}
}

func (l *LiveExecutor) ClosePosition(price decimal.Decimal, reason string) Result {
	l.logger.Error("live close refused: live execution not implemented", "reason", reason)
	return Result{Status: StatusRejected, Reason: ReasonNotImplemented, Timestamp: time.Now()}
}

func (l *LiveExecutor) CancelAll() int { return 0 }

func (l *LiveExecutor) Start() {
	l.running.Store(true)
	l.logger.Warn("live executor started in stub mode; all orders will be rejected")
}

func (l *LiveExecutor) Stop(time.Duration) error {
	l.running.Store(false)
	return nil
}

func (l *LiveExecutor) Running() bool { return l.running.Load() }

// AddListener accepts l; no fills are ever produced.
func (l *LiveExecutor) AddListener(FillListener) {}
