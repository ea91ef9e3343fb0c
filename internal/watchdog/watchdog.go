// Package watchdog runs liveness monitors that trigger a recovery action on stalls.
package watchdog

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tathienbao/delta-bot/internal/metrics"
)

// Names of the standard feed watchdogs.
const (
	NameHeartbeat  = "heartbeat"
	NameFreeze     = "freeze"
	NameSilentHang = "silent_hang"
	NameSlowdown   = "slowdown"
)

const (
	defaultMaxPoll = 3 * time.Second
	minPoll        = 5 * time.Millisecond
)

// RecoveryFunc is invoked once per breach with the watchdog name.
type RecoveryFunc func(name string)

// Config describes one watchdog.
type Config struct {
	Name     string
	Detector Detector
	OnBreach RecoveryFunc
	// MaxPoll caps the polling interval; it is shortened as a deadline approaches.
	MaxPoll time.Duration
}

// Idle returns a config for an idle-timeout watchdog.
func Idle(name string, timeout time.Duration, onBreach RecoveryFunc) Config {
	return Config{Name: name, Detector: NewIdleDetector(timeout), OnBreach: onBreach}
}

// Slowdown returns a config for a tick-rate slowdown watchdog.
func Slowdown(window int, factor float64, minSamples int, onBreach RecoveryFunc) Config {
	return Config{Name: NameSlowdown, Detector: NewSlowdownDetector(window, factor, minSamples), OnBreach: onBreach}
}

// Watchdog polls a detector and fires the recovery callback on each breach.
// After a breach the detector is reset and monitoring continues.
type Watchdog struct {
	name     string
	detector Detector
	onBreach RecoveryFunc
	maxPoll  time.Duration
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	breaches atomic.Uint64
	now      func() time.Time
}

// New creates a stopped watchdog.
func New(cfg Config, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPoll <= 0 {
		cfg.MaxPoll = defaultMaxPoll
	}
	return &Watchdog{
		name:     cfg.Name,
		detector: cfg.Detector,
		onBreach: cfg.OnBreach,
		maxPoll:  cfg.MaxPoll,
		logger:   logger.With("component", "watchdog", "watchdog", cfg.Name),
		recorder: metrics.NewRecorder(),
		now:      time.Now,
	}
}

// Name returns the watchdog name.
func (w *Watchdog) Name() string { return w.name }

// Mark records activity. Safe to call from any goroutine, running or not.
func (w *Watchdog) Mark() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.detector.Mark(w.now())
}

// Start begins monitoring. It is idempotent.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.detector.Reset(w.now())
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(w.stop, w.done)
	w.logger.Debug("watchdog started")
}

// Stop ends monitoring and waits for the poller to exit. It is idempotent.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stop, done := w.stop, w.done
	w.mu.Unlock()

	close(stop)
	<-done
	w.logger.Debug("watchdog stopped")
}

// Running reports whether the poller is active.
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Breaches returns the number of breaches fired.
func (w *Watchdog) Breaches() uint64 {
	return w.breaches.Load()
}

func (w *Watchdog) loop(stop, done chan struct{}) {
	defer close(done)

	for {
		w.mu.Lock()
		now := w.now()
		breached, detail, next := w.detector.Check(now)
		if breached {
			w.detector.Reset(now)
		}
		w.mu.Unlock()

		if breached {
			w.breaches.Add(1)
			w.recorder.RecordWatchdogBreach(w.name)
			w.logger.Warn("watchdog breach", "detail", detail)
			w.fire()
		}

		wait := min(max(next, minPoll), w.maxPoll)
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watchdog) fire() {
	if w.onBreach == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("recovery callback panic", "panic", r)
		}
	}()
	w.onBreach(w.name)
}
