package stream

import (
	"sync"
	"time"
)

// Quality is a label derived from the smoothed session uptime.
type Quality int

const (
	QualityVeryBad Quality = iota
	QualityPoor
	QualityGood
	QualityExcellent
)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	default:
		return "very_bad"
	}
}

// ScoreFor maps an average uptime to a quality label.
func ScoreFor(avg time.Duration) Quality {
	switch {
	case avg > 120*time.Second:
		return QualityExcellent
	case avg > 60*time.Second:
		return QualityGood
	case avg > 20*time.Second:
		return QualityPoor
	default:
		return QualityVeryBad
	}
}

const maxSmoothing = 0.25

// QualityTracker keeps an exponentially smoothed average of session uptimes.
type QualityTracker struct {
	mu          sync.Mutex
	connectedAt time.Time
	avg         float64 // seconds
	samples     int

	now func() time.Time
}

// NewQualityTracker creates a tracker with no samples.
func NewQualityTracker() *QualityTracker {
	return &QualityTracker{now: time.Now}
}

// OnConnect records the start of a session.
func (q *QualityTracker) OnConnect() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.connectedAt = q.now()
}

// OnDisconnect folds the ended session into the average and returns it.
// Without a matching OnConnect the average is returned unchanged.
func (q *QualityTracker) OnDisconnect() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.connectedAt.IsZero() {
		return q.avgLocked()
	}

	uptime := q.now().Sub(q.connectedAt).Seconds()
	if uptime < 0 {
		uptime = 0
	}
	q.connectedAt = time.Time{}
	q.samples++

	if q.samples == 1 {
		q.avg = uptime
	} else {
		alpha := min(maxSmoothing, 1/float64(q.samples))
		q.avg = alpha*uptime + (1-alpha)*q.avg
	}
	return q.avgLocked()
}

// AverageUptime returns the smoothed session uptime.
func (q *QualityTracker) AverageUptime() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.avgLocked()
}

// Samples returns the number of completed sessions.
func (q *QualityTracker) Samples() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.samples
}

// Score returns the current quality label.
func (q *QualityTracker) Score() Quality {
	return ScoreFor(q.AverageUptime())
}

func (q *QualityTracker) avgLocked() time.Duration {
	return time.Duration(q.avg * float64(time.Second))
}
