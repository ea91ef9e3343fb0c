package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tathienbao/delta-bot/internal/types"
)

// DispatcherConfig configures asynchronous delivery.
type DispatcherConfig struct {
	QueueSize int
	Timeout   time.Duration // per alert
	// Escalate lists close reasons reported as EventRiskClose instead of
	// EventTradeClosed.
	Escalate []string
}

// DefaultDispatcherConfig returns default dispatcher settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{QueueSize: 64, Timeout: 10 * time.Second}
}

type queued struct {
	event   Event
	message string
	fields  []any
}

// Dispatcher delivers alerts from a queue on its own goroutine so callers on
// the tick path or the execution worker never wait on a network channel. When
// the queue is full new alerts are dropped.
type Dispatcher struct {
	cfg      DispatcherConfig
	alerter  Alerter
	logger   *slog.Logger
	escalate map[string]bool

	mu      sync.RWMutex
	closed  bool
	queue   chan queued
	done    chan struct{}
	dropped atomic.Uint64
}

// NewDispatcher starts the delivery goroutine.
func NewDispatcher(cfg DispatcherConfig, alerter Alerter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultDispatcherConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	d := &Dispatcher{
		cfg:      cfg,
		alerter:  alerter,
		logger:   logger.With("component", "alert_dispatcher"),
		escalate: make(map[string]bool, len(cfg.Escalate)),
		queue:    make(chan queued, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	for _, r := range cfg.Escalate {
		d.escalate[r] = true
	}
	go d.run()
	return d
}

// Notify queues an alert with the event's default severity. It returns false
// if the alert was dropped.
func (d *Dispatcher) Notify(event Event, message string, fields ...any) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- queued{event: event, message: message, fields: fields}:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn("alert queue full, dropping", "event", string(event))
		return false
	}
}

// Dropped returns the number of alerts dropped on a full queue.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *Dispatcher) run() {
	defer close(d.done)
	for q := range d.queue {
		d.deliver(q)
	}
}

func (d *Dispatcher) deliver(q queued) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("alerter panic", "event", string(q.event), "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	fields := append([]any{"event", string(q.event)}, q.fields...)
	if err := d.alerter.Alert(ctx, EventSeverity(q.event), q.message, fields...); err != nil {
		d.logger.Warn("alert delivery failed", "alerter", d.alerter.Name(), "event", string(q.event), "err", err)
	}
}

// Close stops accepting alerts and waits for the queue to drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: alert dispatcher", types.ErrShutdownTimeout)
	}
}

// Name implements the execution fill listener contract.
func (d *Dispatcher) Name() string { return "alerts" }

// OnFill turns position changes into alerts.
func (d *Dispatcher) OnFill(r types.FillReport) error {
	if r.Closed != nil {
		tr := r.Closed
		event, msg := EventTradeClosed, "trade closed"
		if d.escalate[tr.Reason] {
			event, msg = EventRiskClose, "position force-closed"
		}
		d.Notify(event, msg,
			"side", tr.Side.String(),
			"entry", tr.EntryPrice.String(),
			"exit", tr.ExitPrice.String(),
			"pnl", tr.PnL.StringFixed(4),
			"reason", tr.Reason,
			"held", tr.ClosedAt.Sub(tr.OpenedAt).Round(time.Second).String(),
		)
	}
	if r.Opened != nil {
		d.Notify(EventPositionOpen, "position opened",
			"side", r.Opened.Side.String(),
			"entry", r.Opened.EntryPrice.String(),
			"size", r.Opened.Size.String(),
		)
	}
	return nil
}
