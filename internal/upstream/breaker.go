package upstream

import (
	"sync"
	"time"

	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
)

// BreakerState is the circuit breaker state for one endpoint.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitState is the read-only snapshot exposed to callers.
type CircuitState struct {
	Service             string       `json:"service"`
	Endpoint            string       `json:"endpoint"`
	Status              BreakerState `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
	HalfOpenProbes      int          `json:"half_open_probes"`
}

// breaker guards a single (service, endpoint) pair. Failures are
// counted per attempt; any received 2xx/3xx/4xx response resets the
// counter.
type breaker struct {
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenProbes      int

	failureThreshold   int
	openDuration       time.Duration
	halfOpenProbeLimit int
	now                func() time.Time
	onStateChange      func(from, to BreakerState)
}

func newBreaker(cfg EndpointConfig, now func() time.Time, onStateChange func(from, to BreakerState)) *breaker {
	return &breaker{
		state:              BreakerClosed,
		failureThreshold:   cfg.FailureThreshold,
		openDuration:       cfg.OpenDuration,
		halfOpenProbeLimit: cfg.HalfOpenProbeLimit,
		now:                now,
		onStateChange:      onStateChange,
	}
}

// allow decides whether a call may proceed. The returned probe flag
// must be passed back to record.
func (b *breaker) allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return false, nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.openDuration {
			return false, errkind.New(errkind.CircuitOpen, "circuit open, retry later")
		}
		b.transitionLocked(BreakerHalfOpen)
		b.halfOpenProbes = 0
		fallthrough
	case BreakerHalfOpen:
		if b.halfOpenProbes >= b.halfOpenProbeLimit {
			return false, errkind.New(errkind.CircuitOpen, "half-open probe limit reached")
		}
		b.halfOpenProbes++
		return true, nil
	}
	return false, nil
}

// record reports the outcome of a call admitted by allow.
func (b *breaker) record(success, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe && b.halfOpenProbes > 0 {
		b.halfOpenProbes--
	}

	switch b.state {
	case BreakerClosed:
		if success {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.openedAt = b.now()
			b.transitionLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		if success {
			b.consecutiveFailures = 0
			b.halfOpenProbes = 0
			b.transitionLocked(BreakerClosed)
			return
		}
		b.openedAt = b.now()
		b.halfOpenProbes = 0
		b.transitionLocked(BreakerOpen)
	case BreakerOpen:
		// Late result from before the trip; nothing to update.
	}
}

func (b *breaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

func (b *breaker) snapshot(service, endpoint string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := CircuitState{
		Service:             service,
		Endpoint:            endpoint,
		Status:              b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		HalfOpenProbes:      b.halfOpenProbes,
	}
	if !b.openedAt.IsZero() && b.state != BreakerClosed {
		ts := b.openedAt
		cs.OpenedAt = &ts
	}
	return cs
}
