// Package backoff implements the retry schedule shared by the worker
// pool and the upstream client: exponential starting at 1s, doubling,
// capped at 30s, with ±20% jitter.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	BaseDelay    = time.Second
	MaxDelay     = 30 * time.Second
	JitterFactor = 0.2
)

// Delay returns the wait before retry number attempt (0-based).
func Delay(attempt int) time.Duration {
	d := BaseDelay
	for i := 0; i < attempt && d < MaxDelay; i++ {
		d *= 2
	}
	if d > MaxDelay {
		d = MaxDelay
	}
	jitter := 1 + JitterFactor*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// Sleep waits for the attempt's delay or until ctx is done.
func Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
