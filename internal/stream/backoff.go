package stream

import "time"

// Backoff computes reconnect delays from connection quality and attempt count.
type Backoff struct {
	Excellent time.Duration
	Good      time.Duration
	Poor      time.Duration
	VeryBad   time.Duration

	// PenaltyUnit scales the 2^attempts penalty, capped at PenaltyCap.
	PenaltyUnit time.Duration
	PenaltyCap  time.Duration
}

// DefaultBackoff returns the production delay schedule.
func DefaultBackoff() Backoff {
	return Backoff{
		Excellent:   2 * time.Second,
		Good:        5 * time.Second,
		Poor:        12 * time.Second,
		VeryBad:     30 * time.Second,
		PenaltyUnit: time.Second,
		PenaltyCap:  30 * time.Second,
	}
}

// Base returns the quality-dependent part of the delay.
func (b Backoff) Base(q Quality) time.Duration {
	switch q {
	case QualityExcellent:
		return b.Excellent
	case QualityGood:
		return b.Good
	case QualityPoor:
		return b.Poor
	default:
		return b.VeryBad
	}
}

// Penalty returns min(2^attempts units, cap).
func (b Backoff) Penalty(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		return b.PenaltyCap
	}
	p := time.Duration(1<<attempts) * b.PenaltyUnit
	if p > b.PenaltyCap || p < 0 {
		return b.PenaltyCap
	}
	return p
}

// Delay returns the full reconnect delay.
func (b Backoff) Delay(q Quality, attempts int) time.Duration {
	return b.Base(q) + b.Penalty(attempts)
}
