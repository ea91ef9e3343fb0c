package watchdog

import (
	"log/slog"
	"sync"
	"time"
)

// DailyRestarter forces a fresh feed session once a day at a fixed local time.
type DailyRestarter struct {
	hour, minute int
	action       func()
	logger       *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	now func() time.Time
}

// NewDailyRestarter creates a stopped restarter that runs action at hour:minute.
func NewDailyRestarter(hour, minute int, action func(), logger *slog.Logger) *DailyRestarter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DailyRestarter{
		hour:   hour,
		minute: minute,
		action: action,
		logger: logger.With("component", "restarter"),
		now:    time.Now,
	}
}

// NextRun returns the first hour:minute strictly after now, in now's location.
func NextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start begins scheduling. It is idempotent.
func (r *DailyRestarter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(r.stop, r.done)
}

// Stop cancels scheduling and waits for the loop to exit. It is idempotent.
func (r *DailyRestarter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	<-done
}

func (r *DailyRestarter) loop(stop, done chan struct{}) {
	defer close(done)

	for {
		now := r.now()
		next := NextRun(now, r.hour, r.minute)
		r.logger.Info("next session restart", "at", next.Format(time.RFC3339))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		r.logger.Warn("daily session restart")
		r.run()
	}
}

func (r *DailyRestarter) run() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("restart action panic", "panic", rec)
		}
	}()
	if r.action != nil {
		r.action()
	}
}
