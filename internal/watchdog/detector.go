package watchdog

import (
	"fmt"
	"time"
)

// Detector decides whether watched activity has stalled. Implementations are not
// safe for concurrent use; the owning Watchdog serializes access.
type Detector interface {
	// Mark records activity.
	Mark(now time.Time)
	// Reset clears history as of now.
	Reset(now time.Time)
	// Check reports a breach with a description, and how long until the next
	// check could possibly breach.
	Check(now time.Time) (breached bool, detail string, next time.Duration)
}

// IdleDetector breaches when no activity was marked for Timeout.
type IdleDetector struct {
	Timeout time.Duration
	last    time.Time
}

// NewIdleDetector creates an idle detector.
func NewIdleDetector(timeout time.Duration) *IdleDetector {
	return &IdleDetector{Timeout: timeout}
}

func (d *IdleDetector) Mark(now time.Time) { d.last = now }

func (d *IdleDetector) Reset(now time.Time) { d.last = now }

func (d *IdleDetector) Check(now time.Time) (bool, string, time.Duration) {
	idle := now.Sub(d.last)
	if idle > d.Timeout {
		return true, fmt.Sprintf("no activity for %s (limit %s)", idle.Round(time.Millisecond), d.Timeout), d.Timeout
	}
	return false, "", d.Timeout - idle
}

// SlowdownDetector breaches when the latest inter-mark interval exceeds Factor
// times the rolling average of the last Window intervals.
type SlowdownDetector struct {
	Window     int
	Factor     float64
	MinSamples int
	Poll       time.Duration

	last      time.Time
	intervals []time.Duration
}

// NewSlowdownDetector creates a slowdown detector.
func NewSlowdownDetector(window int, factor float64, minSamples int) *SlowdownDetector {
	if window < 1 {
		window = 1
	}
	return &SlowdownDetector{
		Window:     window,
		Factor:     factor,
		MinSamples: minSamples,
		Poll:       3 * time.Second,
		intervals:  make([]time.Duration, 0, window),
	}
}

func (d *SlowdownDetector) Mark(now time.Time) {
	if !d.last.IsZero() {
		if len(d.intervals) == d.Window {
			copy(d.intervals, d.intervals[1:])
			d.intervals = d.intervals[:d.Window-1]
		}
		d.intervals = append(d.intervals, now.Sub(d.last))
	}
	d.last = now
}

func (d *SlowdownDetector) Reset(now time.Time) {
	d.last = time.Time{}
	d.intervals = d.intervals[:0]
}

func (d *SlowdownDetector) Check(now time.Time) (bool, string, time.Duration) {
	if len(d.intervals) < d.MinSamples || len(d.intervals) == 0 {
		return false, "", d.Poll
	}
	var sum time.Duration
	for _, iv := range d.intervals {
		sum += iv
	}
	avg := sum / time.Duration(len(d.intervals))
	latest := d.intervals[len(d.intervals)-1]
	if float64(latest) > float64(avg)*d.Factor {
		return true, fmt.Sprintf("tick interval %s exceeds %.1fx average %s", latest, d.Factor, avg), d.Poll
	}
	return false, "", d.Poll
}
