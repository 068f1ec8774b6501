package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelaySchedule(t *testing.T) {
	tests := []struct {
		attempt int
		nominal time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		got := Delay(tt.attempt)
		lo := time.Duration(float64(tt.nominal) * (1 - JitterFactor))
		hi := time.Duration(float64(tt.nominal) * (1 + JitterFactor))
		if got < lo || got > hi {
			t.Errorf("Delay(%d) = %v, want within [%v, %v]", tt.attempt, got, lo, hi)
		}
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, 5); err == nil {
		t.Error("Sleep on cancelled context should return its error")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Sleep did not return promptly: %v", elapsed)
	}
}
