package stream

import (
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()

	tests := []struct {
		quality  Quality
		attempts int
		want     time.Duration
	}{
		{QualityExcellent, 1, 4 * time.Second},
		{QualityGood, 1, 7 * time.Second},
		{QualityPoor, 2, 16 * time.Second},
		{QualityVeryBad, 3, 38 * time.Second},
		{QualityExcellent, 5, 32 * time.Second},
		{QualityExcellent, 6, 32 * time.Second},
		{QualityVeryBad, 100, 60 * time.Second},
		{QualityGood, 0, 6 * time.Second},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.quality, tt.attempts); got != tt.want {
			t.Errorf("Delay(%v, %d) = %v, want %v", tt.quality, tt.attempts, got, tt.want)
		}
	}
}

func TestBackoff_PenaltyCap(t *testing.T) {
	b := DefaultBackoff()
	for attempts := 0; attempts < 70; attempts++ {
		if p := b.Penalty(attempts); p > 30*time.Second || p <= 0 {
			t.Fatalf("Penalty(%d) = %v, want within (0, 30s]", attempts, p)
		}
	}
}
