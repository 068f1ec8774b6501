package upstream

import (
	"testing"
	"time"

	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
)

func testBreaker(t *testing.T, cfg EndpointConfig) (*breaker, *time.Time) {
	t.Helper()
	current := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	b := newBreaker(cfg, func() time.Time { return current }, nil)
	return b, &current
}

func failN(t *testing.T, b *breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		probe, err := b.allow()
		if err != nil {
			t.Fatalf("allow on failure %d: %v", i, err)
		}
		b.record(false, probe)
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cfg := DefaultEndpointConfig()
	cfg.FailureThreshold = 5
	b, _ := testBreaker(t, cfg)

	failN(t, b, 4)
	if _, err := b.allow(); err != nil {
		t.Fatalf("breaker opened before threshold: %v", err)
	}
	b.record(false, false)

	// consecutive_failures reached 5; next call fails fast.
	if _, err := b.allow(); !errkind.IsKind(err, errkind.CircuitOpen) {
		t.Errorf("allow after threshold = %v, want circuit_open", err)
	}
	if got := b.snapshot("svc", "/e").Status; got != BreakerOpen {
		t.Errorf("state = %s, want open", got)
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	cfg := DefaultEndpointConfig()
	b, _ := testBreaker(t, cfg)

	failN(t, b, 4)
	probe, _ := b.allow()
	b.record(true, probe) // a received response resets the count
	failN(t, b, 4)

	if _, err := b.allow(); err != nil {
		t.Errorf("breaker opened despite reset: %v", err)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cfg := DefaultEndpointConfig()
	cfg.OpenDuration = 30 * time.Second
	b, clock := testBreaker(t, cfg)

	failN(t, b, cfg.FailureThreshold)
	if _, err := b.allow(); !errkind.IsKind(err, errkind.CircuitOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}

	// After open_duration one probe is admitted.
	*clock = clock.Add(31 * time.Second)
	probe, err := b.allow()
	if err != nil {
		t.Fatalf("probe not admitted after open_duration: %v", err)
	}
	if !probe {
		t.Fatal("admitted call should be flagged as a probe")
	}
	if got := b.snapshot("svc", "/e").Status; got != BreakerHalfOpen {
		t.Fatalf("state = %s, want half_open", got)
	}

	// One successful probe closes the breaker.
	b.record(true, probe)
	snap := b.snapshot("svc", "/e")
	if snap.Status != BreakerClosed || snap.ConsecutiveFailures != 0 {
		t.Errorf("after probe success: %+v, want closed with zero failures", snap)
	}
	if _, err := b.allow(); err != nil {
		t.Errorf("closed breaker refused a call: %v", err)
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	cfg := DefaultEndpointConfig()
	b, clock := testBreaker(t, cfg)

	failN(t, b, cfg.FailureThreshold)
	*clock = clock.Add(cfg.OpenDuration + time.Second)
	probe, err := b.allow()
	if err != nil {
		t.Fatalf("probe not admitted: %v", err)
	}
	openedBefore := *clock
	b.record(false, probe)

	snap := b.snapshot("svc", "/e")
	if snap.Status != BreakerOpen {
		t.Fatalf("state after probe failure = %s, want open", snap.Status)
	}
	if snap.OpenedAt == nil || !snap.OpenedAt.Equal(openedBefore) {
		t.Errorf("opened_at not refreshed on probe failure: %v", snap.OpenedAt)
	}

	// Still fails fast until another full open_duration passes.
	if _, err := b.allow(); !errkind.IsKind(err, errkind.CircuitOpen) {
		t.Errorf("allow right after re-open = %v, want circuit_open", err)
	}
}

func TestBreakerHalfOpenProbeLimit(t *testing.T) {
	cfg := DefaultEndpointConfig()
	cfg.HalfOpenProbeLimit = 1
	b, clock := testBreaker(t, cfg)

	failN(t, b, cfg.FailureThreshold)
	*clock = clock.Add(cfg.OpenDuration + time.Second)

	if _, err := b.allow(); err != nil {
		t.Fatalf("first probe refused: %v", err)
	}
	// Concurrent non-probe traffic during half_open fails fast.
	if _, err := b.allow(); !errkind.IsKind(err, errkind.CircuitOpen) {
		t.Errorf("second concurrent call = %v, want circuit_open", err)
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := DefaultEndpointConfig()
	current := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	b := newBreaker(cfg, func() time.Time { return current }, func(from, to BreakerState) {
		transitions = append(transitions, string(from)+"->"+string(to))
	})

	failN(t, b, cfg.FailureThreshold)
	current = current.Add(cfg.OpenDuration + time.Second)
	probe, _ := b.allow()
	b.record(true, probe)

	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}
