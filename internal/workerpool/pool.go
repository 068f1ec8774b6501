// Package workerpool executes registered jobs with bounded concurrency
// per task kind. Each kind has its own FIFO queue so a slow kind never
// starves a fast one.
package workerpool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vedanthundare/Gurukul-sub002/internal/async"
	"github.com/vedanthundare/Gurukul-sub002/internal/backoff"
	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
	"github.com/vedanthundare/Gurukul-sub002/internal/logging"
	"github.com/vedanthundare/Gurukul-sub002/internal/registry"
)

// JobFunc is one unit of work. It reports progress through the registry
// and returns the final result payload.
type JobFunc func(ctx context.Context) (json.RawMessage, error)

// KindConfig bounds one kind's execution.
type KindConfig struct {
	MaxConcurrency int           `json:"max_concurrency" mapstructure:"max_concurrency"`
	MaxQueueDepth  int           `json:"max_queue_depth" mapstructure:"max_queue_depth"`
	JobTimeout     time.Duration `json:"job_timeout" mapstructure:"job_timeout"`
	Retries        int           `json:"retries" mapstructure:"retries"`
}

// DefaultKindConfigs returns the recognized kinds with their defaults.
func DefaultKindConfigs() map[registry.Kind]KindConfig {
	return map[registry.Kind]KindConfig{
		registry.KindLesson:       {MaxConcurrency: 8, MaxQueueDepth: 64, JobTimeout: 10 * time.Minute, Retries: 2},
		registry.KindSimulation:   {MaxConcurrency: 4, MaxQueueDepth: 32, JobTimeout: 15 * time.Minute, Retries: 1},
		registry.KindIntervention: {MaxConcurrency: 16, MaxQueueDepth: 128, JobTimeout: 2 * time.Minute, Retries: 3},
		registry.KindTTS:          {MaxConcurrency: 8, MaxQueueDepth: 64, JobTimeout: 60 * time.Second, Retries: 2},
	}
}

type submission struct {
	taskID string
	fn     JobFunc
}

// kindQueue is one kind's buffered FIFO plus its worker set.
type kindQueue struct {
	cfg  KindConfig
	jobs chan submission

	// drain-time estimate, fed by completed job durations
	statMu     sync.Mutex
	recentDur  []time.Duration
	recentPos  int
	recentFull bool
}

const drainSampleSize = 32

func (q *kindQueue) noteDuration(d time.Duration) {
	q.statMu.Lock()
	defer q.statMu.Unlock()
	if len(q.recentDur) < drainSampleSize {
		q.recentDur = append(q.recentDur, d)
		return
	}
	q.recentDur[q.recentPos] = d
	q.recentPos = (q.recentPos + 1) % drainSampleSize
	q.recentFull = true
}

func (q *kindQueue) avgDuration() time.Duration {
	q.statMu.Lock()
	defer q.statMu.Unlock()
	if len(q.recentDur) == 0 {
		return 5 * time.Second
	}
	var total time.Duration
	for _, d := range q.recentDur {
		total += d
	}
	return total / time.Duration(len(q.recentDur))
}

// Pool dispatches submitted jobs across per-kind worker sets. All task
// state changes go through the registry.
type Pool struct {
	reg    *registry.Registry
	queues map[registry.Kind]*kindQueue
	logger logging.Logger

	cancelMu    sync.Mutex
	cancelFuncs map[string]context.CancelCauseFunc

	closedMu sync.RWMutex
	closed   bool

	wg       sync.WaitGroup
	observer func(kind registry.Kind, outcome string, d time.Duration)
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger attaches a logger.
func WithPoolLogger(logger logging.Logger) PoolOption {
	return func(p *Pool) { p.logger = logging.OrNop(logger) }
}

// WithExecutionObserver registers a metrics hook per finished job.
func WithExecutionObserver(fn func(kind registry.Kind, outcome string, d time.Duration)) PoolOption {
	return func(p *Pool) { p.observer = fn }
}

// New builds a Pool and starts its workers.
func New(reg *registry.Registry, configs map[registry.Kind]KindConfig, opts ...PoolOption) *Pool {
	if configs == nil {
		configs = DefaultKindConfigs()
	}
	p := &Pool{
		reg:         reg,
		queues:      make(map[registry.Kind]*kindQueue, len(configs)),
		logger:      logging.Nop(),
		cancelFuncs: make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	for kind, cfg := range configs {
		q := &kindQueue{cfg: cfg, jobs: make(chan submission, cfg.MaxQueueDepth)}
		p.queues[kind] = q
		for i := 0; i < cfg.MaxConcurrency; i++ {
			p.wg.Add(1)
			async.Go(p.logger, string(kind)+"-worker", func() {
				defer p.wg.Done()
				p.workerLoop(kind, q)
			})
		}
	}
	return p
}

// Submit enqueues a job for an already-created task. A full queue
// rejects with backpressure carrying a drain-time hint.
func (p *Pool) Submit(kind registry.Kind, taskID string, fn JobFunc) error {
	p.closedMu.RLock()
	defer p.closedMu.RUnlock()
	if p.closed {
		return errkind.New(errkind.Backpressure, "pool is shutting down").WithRetryAfter(30 * time.Second)
	}
	q, ok := p.queues[kind]
	if !ok {
		return errkind.Validation("no queue for kind %q", kind)
	}
	select {
	case q.jobs <- submission{taskID: taskID, fn: fn}:
		return nil
	default:
		return errkind.New(errkind.Backpressure, "%s queue is full", kind).
			WithRetryAfter(p.RetryAfterHint(kind))
	}
}

// RetryAfterHint estimates the current queue drain time for a kind,
// clamped to [1s, 60s].
func (p *Pool) RetryAfterHint(kind registry.Kind) time.Duration {
	q, ok := p.queues[kind]
	if !ok {
		return time.Second
	}
	depth := len(q.jobs)
	avg := q.avgDuration()
	hint := time.Duration(depth+1) * avg / time.Duration(q.cfg.MaxConcurrency)
	if hint < time.Second {
		hint = time.Second
	}
	if hint > time.Minute {
		hint = time.Minute
	}
	return hint
}

// QueueDepth reports the current backlog for a kind.
func (p *Pool) QueueDepth(kind registry.Kind) int {
	if q, ok := p.queues[kind]; ok {
		return len(q.jobs)
	}
	return 0
}

// QueueDepths reports every kind's backlog and capacity.
func (p *Pool) QueueDepths() map[registry.Kind][2]int {
	out := make(map[registry.Kind][2]int, len(p.queues))
	for kind, q := range p.queues {
		out[kind] = [2]int{len(q.jobs), q.cfg.MaxQueueDepth}
	}
	return out
}

// Cancel signals a running job and cancels a still-queued task directly.
// It returns immediately; the job observes the signal at its next
// suspension point.
func (p *Pool) Cancel(ctx context.Context, taskID string) error {
	p.cancelMu.Lock()
	cancel, running := p.cancelFuncs[taskID]
	p.cancelMu.Unlock()
	if running {
		cancel(errkind.New(errkind.Cancelled, "cancel requested"))
		return nil
	}
	// Not running: either still queued or already terminal. The registry
	// arbitrates; the worker skips cancelled tasks when it dequeues them.
	return p.reg.Cancel(ctx, taskID)
}

// Shutdown stops intake, waits for workers up to the grace period, then
// cancels stragglers.
func (p *Pool) Shutdown(ctx context.Context) {
	p.closedMu.Lock()
	if p.closed {
		p.closedMu.Unlock()
		return
	}
	p.closed = true
	p.closedMu.Unlock()

	for _, q := range p.queues {
		close(q.jobs)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	p.cancelMu.Lock()
	for taskID, cancel := range p.cancelFuncs {
		p.logger.Warn("shutdown grace elapsed, cancelling task %s", taskID)
		cancel(errkind.New(errkind.Cancelled, "server shutting down"))
	}
	p.cancelMu.Unlock()
	<-done
}

func (p *Pool) workerLoop(kind registry.Kind, q *kindQueue) {
	for sub := range q.jobs {
		p.runJob(kind, q, sub)
	}
}

func (p *Pool) runJob(kind registry.Kind, q *kindQueue, sub submission) {
	ctx := context.Background()

	// A task cancelled while queued is skipped, not started.
	task, err := p.reg.Get(ctx, sub.taskID)
	if err != nil {
		p.logger.Warn("dequeued unknown task %s: %v", sub.taskID, err)
		return
	}
	if task.State.IsTerminal() {
		return
	}

	if err := p.reg.Begin(ctx, sub.taskID); err != nil {
		p.logger.Warn("could not start task %s: %v", sub.taskID, err)
		return
	}

	jobCtx, timeoutCancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	jobCtx, cancelCause := context.WithCancelCause(jobCtx)
	p.cancelMu.Lock()
	p.cancelFuncs[sub.taskID] = cancelCause
	p.cancelMu.Unlock()
	defer func() {
		p.cancelMu.Lock()
		delete(p.cancelFuncs, sub.taskID)
		p.cancelMu.Unlock()
		cancelCause(nil)
		timeoutCancel()
	}()

	start := time.Now()
	result, err := p.execute(jobCtx, sub)
	elapsed := time.Since(start)
	q.noteDuration(elapsed)

	outcome := p.finish(ctx, jobCtx, sub.taskID, result, err)
	if p.observer != nil {
		p.observer(kind, outcome, elapsed)
	}
	p.logger.Debug("task %s finished %s in %v", sub.taskID, outcome, elapsed)
}

// execute runs the job with retries for transient failures. A failed
// attempt backs off before the next one; cancellation and the job
// deadline cut the loop short.
func (p *Pool) execute(ctx context.Context, sub submission) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			p.reg.NoteAttempt(ctx, sub.taskID)
			if err := backoff.Sleep(ctx, attempt-1); err != nil {
				return nil, err
			}
		}
		result, err := sub.fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		if !errkind.Transient(err) || attempt >= p.retriesFor(sub.taskID) {
			return nil, lastErr
		}
		p.logger.Info("task %s attempt %d failed, retrying: %v", sub.taskID, attempt, err)
	}
}

func (p *Pool) retriesFor(taskID string) int {
	task, err := p.reg.Get(context.Background(), taskID)
	if err != nil {
		return 0
	}
	if q, ok := p.queues[task.Kind]; ok {
		return q.cfg.Retries
	}
	return 0
}

// finish maps the job outcome onto a terminal registry transition.
func (p *Pool) finish(ctx, jobCtx context.Context, taskID string, result json.RawMessage, err error) string {
	if err == nil {
		if terr := p.reg.Complete(ctx, taskID, result); terr != nil {
			p.logger.Error("could not complete task %s: %v", taskID, terr)
			return "error"
		}
		return "completed"
	}

	cause := context.Cause(jobCtx)
	switch {
	case errkind.IsKind(cause, errkind.Cancelled) || errkind.IsKind(err, errkind.Cancelled):
		if terr := p.reg.Cancel(ctx, taskID); terr != nil {
			p.logger.Warn("could not record cancel for task %s: %v", taskID, terr)
		}
		return "cancelled"
	case jobCtx.Err() == context.DeadlineExceeded || errkind.IsKind(err, errkind.Timeout):
		if terr := p.reg.Fail(ctx, taskID, errkind.Timeout, "job deadline exceeded"); terr != nil {
			p.logger.Warn("could not record timeout for task %s: %v", taskID, terr)
		}
		return "timeout"
	default:
		kind := errkind.KindOf(err)
		if terr := p.reg.Fail(ctx, taskID, kind, err.Error()); terr != nil {
			p.logger.Warn("could not record failure for task %s: %v", taskID, terr)
		}
		return "failed"
	}
}
