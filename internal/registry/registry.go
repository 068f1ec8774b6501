package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
	"github.com/vedanthundare/Gurukul-sub002/internal/fingerprint"
	"github.com/vedanthundare/Gurukul-sub002/internal/logging"
)

const (
	defaultTTL           = 24 * time.Hour
	defaultMaxTasks      = 10000
	defaultEventsLimit   = 500
	defaultSweepInterval = time.Minute
)

type inflightKey struct {
	userID      string
	kind        Kind
	fingerprint string
}

// Registry is a mutex-guarded in-memory task store with optional JSON
// persistence. It owns all task mutation; other components only call
// through it.
type Registry struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	events   map[string][]ProgressEvent
	inflight map[inflightKey]string
	watchers map[string][]chan ProgressEvent

	ttl         time.Duration
	maxTasks    int
	eventsLimit int
	persistPath string
	now         func() time.Time
	logger      logging.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides the retention period for terminal tasks.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithMaxTasks bounds the number of retained tasks.
func WithMaxTasks(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxTasks = n
		}
	}
}

// WithPersistencePath enables JSON snapshot persistence at path.
func WithPersistencePath(path string) Option {
	return func(r *Registry) { r.persistPath = path }
}

// WithLogger attaches a logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(logger) }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New builds a Registry and starts its sweep loop.
func New(opts ...Option) *Registry {
	r := &Registry{
		tasks:       make(map[string]*Task),
		events:      make(map[string][]ProgressEvent),
		inflight:    make(map[inflightKey]string),
		watchers:    make(map[string][]chan ProgressEvent),
		ttl:         defaultTTL,
		maxTasks:    defaultMaxTasks,
		eventsLimit: defaultEventsLimit,
		now:         time.Now,
		logger:      logging.Nop(),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.persistPath != "" {
		if err := r.loadFromDisk(); err != nil {
			r.logger.Warn("registry: could not load snapshot from %s: %v", r.persistPath, err)
		}
	}
	go r.sweepLoop()
	return r
}

// Close stops the sweep loop and persists a final snapshot.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.persistLocked(); err != nil {
		r.logger.Warn("registry: final persist failed: %v", err)
	}
}

// Create allocates a queued task. When a non-terminal task with the same
// (user_id, kind, fingerprint) exists and force is false, the existing
// task is returned together with a duplicate_inflight error.
func (r *Registry) Create(ctx context.Context, kind Kind, userID string, inputs json.RawMessage, force bool) (*Task, error) {
	if userID == "" {
		return nil, errkind.Validation("user_id is required")
	}
	fp := fingerprint.Compute(inputs)

	r.mu.Lock()
	defer r.mu.Unlock()

	key := inflightKey{userID: userID, kind: kind, fingerprint: fp}
	if !force {
		if existingID, ok := r.inflight[key]; ok {
			if existing, ok := r.tasks[existingID]; ok && !existing.State.IsTerminal() {
				return existing.Clone(), errkind.New(errkind.DuplicateInflight,
					"an equivalent %s task is already in flight", kind)
			}
		}
	}
	if len(r.tasks) >= r.maxTasks {
		r.evictOldestTerminalLocked()
		if len(r.tasks) >= r.maxTasks {
			return nil, errkind.New(errkind.Backpressure, "task registry is full")
		}
	}

	now := r.now()
	task := &Task{
		TaskID:           uuid.NewString(),
		Kind:             kind,
		UserID:           userID,
		CorrelationID:    uuid.NewString()[:8],
		SubmittedAt:      now,
		State:            StateQueued,
		InputFingerprint: fp,
		Inputs:           append(json.RawMessage(nil), inputs...),
	}
	r.tasks[task.TaskID] = task
	r.inflight[key] = task.TaskID
	if err := r.persistLocked(); err != nil {
		delete(r.tasks, task.TaskID)
		delete(r.inflight, key)
		return nil, errkind.Wrap(errkind.StorageUnavailable, err, "persist task create")
	}
	r.logger.Info("task %s created kind=%s user=%s fp=%s corr=%s",
		task.TaskID, kind, userID, fp, task.CorrelationID)
	return task.Clone(), nil
}

// Discard removes a task that never entered the pool, such as when the
// submit step hit backpressure right after Create.
func (r *Registry) Discard(ctx context.Context, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return
	}
	delete(r.tasks, taskID)
	delete(r.events, taskID)
	key := inflightKey{userID: task.UserID, kind: task.Kind, fingerprint: task.InputFingerprint}
	if id, ok := r.inflight[key]; ok && id == taskID {
		delete(r.inflight, key)
	}
	r.closeWatchersLocked(taskID)
	if err := r.persistLocked(); err != nil {
		r.logger.Warn("registry: persist after discard failed: %v", err)
	}
}

// Begin moves a task from queued to running.
func (r *Registry) Begin(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return errkind.NotFound("no task %s", taskID)
	}
	if task.State == StateRunning {
		return nil
	}
	if !legalTransition(task.State, StateRunning) {
		return errkind.Conflict("cannot start task %s in state %s", taskID, task.State)
	}
	now := r.now()
	task.State = StateRunning
	task.StartedAt = &now
	if err := r.persistLocked(); err != nil {
		task.State = StateQueued
		task.StartedAt = nil
		return errkind.Wrap(errkind.StorageUnavailable, err, "persist task begin")
	}
	r.logger.Debug("task %s queued -> running", taskID)
	return nil
}

// NoteAttempt increments the attempt counter before a retry.
func (r *Registry) NoteAttempt(ctx context.Context, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := r.tasks[taskID]; ok && !task.State.IsTerminal() {
		task.AttemptCount++
	}
}

// Emit appends a ProgressEvent. Terminal tasks reject the write and
// percent may never decrease or leave [0,100].
func (r *Registry) Emit(ctx context.Context, taskID string, percent int, stage string, partial json.RawMessage) (ProgressEvent, error) {
	if percent < 0 || percent > 100 {
		return ProgressEvent{}, errkind.Validation("progress percent %d out of range", percent)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return ProgressEvent{}, errkind.NotFound("no task %s", taskID)
	}
	if task.State.IsTerminal() {
		return ProgressEvent{}, errkind.Conflict("task %s is %s, no further progress", taskID, task.State)
	}
	if percent < task.ProgressPercent {
		return ProgressEvent{}, errkind.Validation("progress for task %s would decrease (%d -> %d)",
			taskID, task.ProgressPercent, percent)
	}

	evs := r.events[taskID]
	var seq int64 = 1
	if n := len(evs); n > 0 {
		seq = evs[n-1].Seq + 1
	}
	ev := ProgressEvent{
		TaskID:    taskID,
		Seq:       seq,
		EmittedAt: r.now(),
		Percent:   percent,
		Stage:     stage,
		Partial:   append(json.RawMessage(nil), partial...),
	}
	r.events[taskID] = append(evs, ev)
	task.ProgressPercent = percent
	if len(partial) > 0 {
		task.PartialResult = append(json.RawMessage(nil), partial...)
	}
	r.notifyWatchersLocked(taskID, ev)
	return ev, nil
}

// Complete records a successful terminal result. A repeated Complete on
// an already completed task is a no-op; a conflicting terminal state
// fails with state_conflict.
func (r *Registry) Complete(ctx context.Context, taskID string, finalResult json.RawMessage) error {
	return r.terminate(ctx, taskID, StateCompleted, finalResult, nil)
}

// Fail records a terminal failure.
func (r *Registry) Fail(ctx context.Context, taskID string, kind errkind.Kind, message string) error {
	return r.terminate(ctx, taskID, StateFailed, nil, &TaskError{Kind: kind, Message: message})
}

// Cancel records a terminal cancellation from queued or running.
func (r *Registry) Cancel(ctx context.Context, taskID string) error {
	return r.terminate(ctx, taskID, StateCancelled, nil, nil)
}

func (r *Registry) terminate(ctx context.Context, taskID string, to State, finalResult json.RawMessage, taskErr *TaskError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return errkind.NotFound("no task %s", taskID)
	}
	if task.State.IsTerminal() {
		if task.State == to {
			return nil
		}
		return errkind.Conflict("task %s already terminal as %s, cannot become %s", taskID, task.State, to)
	}
	if !legalTransition(task.State, to) {
		return errkind.Conflict("illegal transition %s -> %s for task %s", task.State, to, taskID)
	}

	prevState, prevCompleted := task.State, task.CompletedAt
	now := r.now()
	task.State = to
	task.CompletedAt = &now
	switch to {
	case StateCompleted:
		task.FinalResult = append(json.RawMessage(nil), finalResult...)
		task.ProgressPercent = 100
	case StateFailed:
		task.Error = taskErr
	}
	if err := r.persistLocked(); err != nil {
		task.State = prevState
		task.CompletedAt = prevCompleted
		task.FinalResult = nil
		task.Error = nil
		return errkind.Wrap(errkind.StorageUnavailable, err, "persist terminal state")
	}
	key := inflightKey{userID: task.UserID, kind: task.Kind, fingerprint: task.InputFingerprint}
	if id, ok := r.inflight[key]; ok && id == task.TaskID {
		delete(r.inflight, key)
	}
	r.closeWatchersLocked(taskID)
	if taskErr != nil {
		r.logger.Info("task %s %s -> %s (%s: %s) corr=%s", taskID, prevState, to, taskErr.Kind, taskErr.Message, task.CorrelationID)
	} else {
		r.logger.Info("task %s %s -> %s corr=%s", taskID, prevState, to, task.CorrelationID)
	}
	return nil
}

// Get returns a snapshot of the task.
func (r *Registry) Get(ctx context.Context, taskID string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return nil, errkind.NotFound("no task %s", taskID)
	}
	return task.Clone(), nil
}

// EventsSince returns events with Seq > since in seq order, capped at
// the configured result bound.
func (r *Registry) EventsSince(ctx context.Context, taskID string, since int64) ([]ProgressEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.tasks[taskID]; !ok {
		return nil, errkind.NotFound("no task %s", taskID)
	}
	evs := r.events[taskID]
	out := make([]ProgressEvent, 0, len(evs))
	for _, ev := range evs {
		if ev.Seq > since {
			out = append(out, ev)
			if len(out) >= r.eventsLimit {
				break
			}
		}
	}
	return out, nil
}

// Watch subscribes to live progress events for a task. The channel is
// closed when the task reaches a terminal state or cancel is called.
func (r *Registry) Watch(taskID string) (<-chan ProgressEvent, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return nil, nil, errkind.NotFound("no task %s", taskID)
	}
	ch := make(chan ProgressEvent, 32)
	if task.State.IsTerminal() {
		close(ch)
		return ch, func() {}, nil
	}
	r.watchers[taskID] = append(r.watchers[taskID], ch)
	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.watchers[taskID]
		for i, sub := range subs {
			if sub == ch {
				r.watchers[taskID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

func (r *Registry) notifyWatchersLocked(taskID string, ev ProgressEvent) {
	for _, ch := range r.watchers[taskID] {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it catches up via EventsSince.
		}
	}
}

func (r *Registry) closeWatchersLocked(taskID string) {
	for _, ch := range r.watchers[taskID] {
		close(ch)
	}
	delete(r.watchers, taskID)
}

// Sweep removes terminal tasks older than the TTL and returns the count.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, task := range r.tasks {
		if !task.State.IsTerminal() || task.CompletedAt == nil {
			continue
		}
		if now.Sub(*task.CompletedAt) > r.ttl {
			delete(r.tasks, id)
			delete(r.events, id)
			removed++
		}
	}
	if removed > 0 {
		if err := r.persistLocked(); err != nil {
			r.logger.Warn("registry: persist after sweep failed: %v", err)
		}
		r.logger.Debug("registry sweep removed %d expired tasks", removed)
	}
	return removed
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

func (r *Registry) evictOldestTerminalLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, task := range r.tasks {
		if !task.State.IsTerminal() || task.CompletedAt == nil {
			continue
		}
		if oldestID == "" || task.CompletedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = *task.CompletedAt
		}
	}
	if oldestID != "" {
		delete(r.tasks, oldestID)
		delete(r.events, oldestID)
	}
}

// GetStats aggregates counts for the stats endpoint.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{
		Total:   len(r.tasks),
		ByState: make(map[State]int),
		ByKind:  make(map[Kind]int),
	}
	for _, task := range r.tasks {
		stats.ByState[task.State]++
		stats.ByKind[task.Kind]++
		if stats.Oldest == nil || task.SubmittedAt.Before(*stats.Oldest) {
			ts := task.SubmittedAt
			stats.Oldest = &ts
		}
	}
	return stats
}

// snapshot is the on-disk layout.
type snapshot struct {
	SavedAt time.Time                  `json:"saved_at"`
	Tasks   []*Task                    `json:"tasks"`
	Events  map[string][]ProgressEvent `json:"events"`
}

// persistLocked writes the snapshot atomically: temp file then rename.
// Callers must hold the write lock.
func (r *Registry) persistLocked() error {
	if r.persistPath == "" {
		return nil
	}
	snap := snapshot{SavedAt: r.now(), Events: r.events}
	for _, task := range r.tasks {
		snap.Tasks = append(snap.Tasks, task)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.persistPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := r.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, r.persistPath); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (r *Registry) loadFromDisk() error {
	data, err := os.ReadFile(r.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	for _, task := range snap.Tasks {
		// Work interrupted by the previous shutdown cannot resume.
		if !task.State.IsTerminal() {
			now := r.now()
			task.State = StateFailed
			task.CompletedAt = &now
			task.Error = &TaskError{Kind: errkind.Internal, Message: "interrupted by restart"}
		}
		r.tasks[task.TaskID] = task
	}
	if snap.Events != nil {
		r.events = snap.Events
	}
	r.logger.Info("registry restored %d tasks from %s", len(snap.Tasks), r.persistPath)
	return nil
}
