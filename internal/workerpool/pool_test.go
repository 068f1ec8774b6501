package workerpool

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
	"github.com/vedanthundare/Gurukul-sub002/internal/registry"
)

func singleKindConfig(kind registry.Kind, concurrency, depth int, timeout time.Duration, retries int) map[registry.Kind]KindConfig {
	return map[registry.Kind]KindConfig{
		kind: {MaxConcurrency: concurrency, MaxQueueDepth: depth, JobTimeout: timeout, Retries: retries},
	}
}

func newTestPool(t *testing.T, configs map[registry.Kind]KindConfig) (*Pool, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	pool := New(reg, configs)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
		reg.Close()
	})
	return pool, reg
}

func createTask(t *testing.T, reg *registry.Registry, kind registry.Kind, inputs string) *registry.Task {
	t.Helper()
	task, err := reg.Create(context.Background(), kind, "u1", json.RawMessage(inputs), true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

func waitTerminal(t *testing.T, reg *registry.Registry, taskID string, within time.Duration) *registry.Task {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		task, err := reg.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if task.State.IsTerminal() {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state within %v", taskID, within)
	return nil
}

func TestSubmitAndComplete(t *testing.T) {
	pool, reg := newTestPool(t, singleKindConfig(registry.KindLesson, 2, 8, time.Minute, 0))
	task := createTask(t, reg, registry.KindLesson, `{"n":1}`)

	err := pool.Submit(registry.KindLesson, task.TaskID, func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"done":true}`), nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitTerminal(t, reg, task.TaskID, 2*time.Second)
	if got.State != registry.StateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
	if string(got.FinalResult) != `{"done":true}` {
		t.Errorf("final result = %s", got.FinalResult)
	}
}

func TestBackpressureAndRecovery(t *testing.T) {
	pool, reg := newTestPool(t, singleKindConfig(registry.KindTTS, 1, 2, time.Minute, 0))

	release := make(chan struct{})
	blocking := func(ctx context.Context) (json.RawMessage, error) {
		select {
		case <-release:
			return json.RawMessage(`{}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// One running + two queued fills the kind.
	var ids []string
	for i := 0; i < 3; i++ {
		task := createTask(t, reg, registry.KindTTS, `{"i":`+string(rune('0'+i))+`}`)
		if err := pool.Submit(registry.KindTTS, task.TaskID, blocking); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		ids = append(ids, task.TaskID)
		if i == 0 {
			// Wait for the single worker to pull the first job so the
			// queue holds exactly the next two.
			deadline := time.Now().Add(time.Second)
			for pool.QueueDepth(registry.KindTTS) > 0 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
		}
	}

	extra := createTask(t, reg, registry.KindTTS, `{"i":9}`)
	err := pool.Submit(registry.KindTTS, extra.TaskID, blocking)
	if !errkind.IsKind(err, errkind.Backpressure) {
		t.Fatalf("Submit over capacity = %v, want backpressure", err)
	}
	if hint := errkind.RetryAfterOf(err); hint < time.Second || hint > time.Minute {
		t.Errorf("retry_after hint %v outside [1s, 60s]", hint)
	}

	// Free capacity; previously queued jobs all finish and new intake works.
	close(release)
	for _, id := range ids {
		got := waitTerminal(t, reg, id, 2*time.Second)
		if got.State != registry.StateCompleted {
			t.Errorf("task %s = %s, want completed", id, got.State)
		}
	}
	if err := pool.Submit(registry.KindTTS, extra.TaskID, func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}); err != nil {
		t.Errorf("Submit after drain: %v", err)
	}
	waitTerminal(t, reg, extra.TaskID, 2*time.Second)
}

func TestConcurrencyBound(t *testing.T) {
	const maxConc = 2
	pool, reg := newTestPool(t, singleKindConfig(registry.KindLesson, maxConc, 16, time.Minute, 0))

	var running, peak atomic.Int32
	var mu sync.Mutex
	release := make(chan struct{})
	job := func(ctx context.Context) (json.RawMessage, error) {
		n := running.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		<-release
		running.Add(-1)
		return json.RawMessage(`{}`), nil
	}

	var ids []string
	for i := 0; i < 6; i++ {
		task := createTask(t, reg, registry.KindLesson, `{"i":`+string(rune('0'+i))+`}`)
		if err := pool.Submit(registry.KindLesson, task.TaskID, job); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, task.TaskID)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	for _, id := range ids {
		waitTerminal(t, reg, id, 2*time.Second)
	}
	if got := peak.Load(); got > maxConc {
		t.Errorf("peak concurrency = %d, want <= %d", got, maxConc)
	}
}

func TestFIFOWithinKind(t *testing.T) {
	pool, reg := newTestPool(t, singleKindConfig(registry.KindSimulation, 1, 16, time.Minute, 0))

	var mu sync.Mutex
	var order []int
	gate := make(chan struct{})
	var ids []string
	for i := 0; i < 5; i++ {
		i := i
		task := createTask(t, reg, registry.KindSimulation, `{"i":`+string(rune('0'+i))+`}`)
		if err := pool.Submit(registry.KindSimulation, task.TaskID, func(ctx context.Context) (json.RawMessage, error) {
			<-gate
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return json.RawMessage(`{}`), nil
		}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		ids = append(ids, task.TaskID)
	}
	close(gate)
	for _, id := range ids {
		waitTerminal(t, reg, id, 2*time.Second)
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < len(order); i++ {
		if order[i] != i {
			t.Fatalf("dequeue order = %v, want FIFO", order)
		}
	}
}

func TestJobTimeout(t *testing.T) {
	pool, reg := newTestPool(t, singleKindConfig(registry.KindTTS, 1, 4, 100*time.Millisecond, 0))
	task := createTask(t, reg, registry.KindTTS, `{"t":1}`)

	err := pool.Submit(registry.KindTTS, task.TaskID, func(ctx context.Context) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitTerminal(t, reg, task.TaskID, 2*time.Second)
	if got.State != registry.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.Error == nil || got.Error.Kind != errkind.Timeout {
		t.Errorf("error = %+v, want timeout kind", got.Error)
	}
}

func TestCancelRunningJob(t *testing.T) {
	pool, reg := newTestPool(t, singleKindConfig(registry.KindSimulation, 1, 4, time.Minute, 0))
	task := createTask(t, reg, registry.KindSimulation, `{"c":1}`)

	started := make(chan struct{})
	err := pool.Submit(registry.KindSimulation, task.TaskID, func(ctx context.Context) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if err := pool.Cancel(context.Background(), task.TaskID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got := waitTerminal(t, reg, task.TaskID, 2*time.Second)
	if got.State != registry.StateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	pool, reg := newTestPool(t, singleKindConfig(registry.KindLesson, 1, 8, time.Minute, 0))

	release := make(chan struct{})
	blocker := createTask(t, reg, registry.KindLesson, `{"b":1}`)
	if err := pool.Submit(registry.KindLesson, blocker.TaskID, func(ctx context.Context) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{}`), nil
	}); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	var ran atomic.Bool
	queued := createTask(t, reg, registry.KindLesson, `{"q":1}`)
	if err := pool.Submit(registry.KindLesson, queued.TaskID, func(ctx context.Context) (json.RawMessage, error) {
		ran.Store(true)
		return json.RawMessage(`{}`), nil
	}); err != nil {
		t.Fatalf("Submit queued: %v", err)
	}

	if err := pool.Cancel(context.Background(), queued.TaskID); err != nil {
		t.Fatalf("Cancel queued: %v", err)
	}
	got, _ := reg.Get(context.Background(), queued.TaskID)
	if got.State != registry.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}

	// Unblock the worker; the cancelled task must be skipped, not run.
	close(release)
	waitTerminal(t, reg, blocker.TaskID, 2*time.Second)
	time.Sleep(100 * time.Millisecond)
	if ran.Load() {
		t.Error("cancelled queued job still executed")
	}
}

func TestRetryOnTransientFailure(t *testing.T) {
	pool, reg := newTestPool(t, singleKindConfig(registry.KindLesson, 1, 4, time.Minute, 2))
	task := createTask(t, reg, registry.KindLesson, `{"r":1}`)

	var attempts atomic.Int32
	err := pool.Submit(registry.KindLesson, task.TaskID, func(ctx context.Context) (json.RawMessage, error) {
		if attempts.Add(1) == 1 {
			return nil, errkind.New(errkind.UpstreamUnavailable, "flaky")
		}
		return json.RawMessage(`{"ok":1}`), nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitTerminal(t, reg, task.TaskID, 5*time.Second)
	if got.State != registry.StateCompleted {
		t.Fatalf("state = %s, want completed after retry", got.State)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1 retry recorded", got.AttemptCount)
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	pool, reg := newTestPool(t, singleKindConfig(registry.KindLesson, 1, 4, time.Minute, 3))
	task := createTask(t, reg, registry.KindLesson, `{"p":1}`)

	var attempts atomic.Int32
	if err := pool.Submit(registry.KindLesson, task.TaskID, func(ctx context.Context) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, errkind.Validation("bad inputs")
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitTerminal(t, reg, task.TaskID, 2*time.Second)
	if got.State != registry.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.Error == nil || got.Error.Kind != errkind.InvalidInput {
		t.Errorf("error = %+v, want invalid_input", got.Error)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

func TestUnknownKindRejected(t *testing.T) {
	pool, _ := newTestPool(t, singleKindConfig(registry.KindLesson, 1, 4, time.Minute, 0))
	err := pool.Submit(registry.Kind("essay"), "t1", func(ctx context.Context) (json.RawMessage, error) {
		return nil, nil
	})
	if !errkind.IsKind(err, errkind.InvalidInput) {
		t.Errorf("Submit unknown kind = %v, want invalid_input", err)
	}
}

func TestShutdownDrains(t *testing.T) {
	reg := registry.New()
	defer reg.Close()
	pool := New(reg, singleKindConfig(registry.KindLesson, 2, 8, time.Minute, 0))

	task := createTask(t, reg, registry.KindLesson, `{"s":1}`)
	if err := pool.Submit(registry.KindLesson, task.TaskID, func(ctx context.Context) (json.RawMessage, error) {
		time.Sleep(100 * time.Millisecond)
		return json.RawMessage(`{}`), nil
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool.Shutdown(ctx)

	got, err := reg.Get(context.Background(), task.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != registry.StateCompleted {
		t.Errorf("state after drain = %s, want completed", got.State)
	}

	// Intake is closed.
	err = pool.Submit(registry.KindLesson, "later", func(ctx context.Context) (json.RawMessage, error) {
		return nil, nil
	})
	if !errkind.IsKind(err, errkind.Backpressure) {
		t.Errorf("Submit after shutdown = %v, want backpressure", err)
	}
}
