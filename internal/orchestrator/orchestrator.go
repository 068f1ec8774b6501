// Package orchestrator ties the registry, worker pool, upstream clients,
// and domain stores together. It owns task admission and the per-kind
// job logic; the HTTP gateway stays a thin translation layer above it.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vedanthundare/Gurukul-sub002/internal/async"
	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
	"github.com/vedanthundare/Gurukul-sub002/internal/lesson"
	"github.com/vedanthundare/Gurukul-sub002/internal/lessonstore"
	"github.com/vedanthundare/Gurukul-sub002/internal/logging"
	"github.com/vedanthundare/Gurukul-sub002/internal/observability"
	"github.com/vedanthundare/Gurukul-sub002/internal/progress"
	"github.com/vedanthundare/Gurukul-sub002/internal/registry"
	"github.com/vedanthundare/Gurukul-sub002/internal/upstream"
	"github.com/vedanthundare/Gurukul-sub002/internal/workerpool"
)

const (
	defaultSimulationPollInterval = 2 * time.Second
	defaultHeartbeatInterval      = 15 * time.Second
)

// Deps are the components the orchestrator composes. All are required
// except Metrics and Tracer, which default to disabled collectors.
type Deps struct {
	Registry *registry.Registry
	Pool     *workerpool.Pool
	Upstream *upstream.Client
	Composer *lesson.Composer
	Lessons  *lessonstore.Store
	Tracker  *progress.Tracker
	Metrics  *observability.MetricsCollector
	Tracer   *observability.TracerProvider
}

// Orchestrator is the composition root for task execution.
type Orchestrator struct {
	reg      *registry.Registry
	pool     *workerpool.Pool
	client   *upstream.Client
	composer *lesson.Composer
	lessons  *lessonstore.Store
	tracker  *progress.Tracker
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
	logger   logging.Logger

	tutoring   *upstream.TutoringClient
	tts        *upstream.TTSClient
	simulation *upstream.SimulationClient

	simPollInterval   time.Duration
	heartbeatInterval time.Duration
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger attaches a logger.
func WithOrchestratorLogger(logger logging.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logging.OrNop(logger) }
}

// WithSimulationPollInterval overrides the remote simulation poll
// cadence, for tests.
func WithSimulationPollInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.simPollInterval = d
		}
	}
}

// WithHeartbeatInterval overrides how often a job re-emits its current
// stage while parked inside a long upstream call. Keep it under half
// the stall threshold watchers enforce.
func WithHeartbeatInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// New builds an Orchestrator over its dependencies.
func New(deps Deps, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		reg:               deps.Registry,
		pool:              deps.Pool,
		client:            deps.Upstream,
		composer:          deps.Composer,
		lessons:           deps.Lessons,
		tracker:           deps.Tracker,
		metrics:           deps.Metrics,
		tracer:            deps.Tracer,
		logger:            logging.Nop(),
		tutoring:          upstream.NewTutoringClient(deps.Upstream),
		tts:               upstream.NewTTSClient(deps.Upstream),
		simulation:        upstream.NewSimulationClient(deps.Upstream),
		simPollInterval:   defaultSimulationPollInterval,
		heartbeatInterval: defaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics, _ = observability.NewMetricsCollector(observability.MetricsConfig{})
	}
	if o.tracer == nil {
		o.tracer, _ = observability.NewTracerProvider(observability.TracingConfig{})
	}
	return o
}

// Registry exposes the task registry for read paths.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Pool exposes the worker pool for queue introspection.
func (o *Orchestrator) Pool() *workerpool.Pool { return o.pool }

// Lessons exposes the lesson artifact store.
func (o *Orchestrator) Lessons() *lessonstore.Store { return o.lessons }

// Tracker exposes the progress tracker.
func (o *Orchestrator) Tracker() *progress.Tracker { return o.tracker }

// Upstream exposes the breaker-guarded client for status reads.
func (o *Orchestrator) Upstream() *upstream.Client { return o.client }

// SubmitTask validates inputs for the kind, creates the task, and hands
// it to the pool. On backpressure the freshly created task is discarded
// so a rejected submission leaves no trace.
func (o *Orchestrator) SubmitTask(ctx context.Context, kind registry.Kind, userID string, inputs json.RawMessage, force bool) (*registry.Task, error) {
	if err := o.validateInputs(kind, userID, inputs); err != nil {
		o.metrics.RecordSubmission(ctx, string(kind), "invalid")
		return nil, err
	}

	task, err := o.reg.Create(ctx, kind, userID, inputs, force)
	if err != nil {
		if errkind.IsKind(err, errkind.DuplicateInflight) {
			o.metrics.RecordSubmission(ctx, string(kind), "duplicate")
			return task, err
		}
		o.metrics.RecordSubmission(ctx, string(kind), "rejected")
		return nil, err
	}

	if err := o.pool.Submit(kind, task.TaskID, o.buildJob(kind, task)); err != nil {
		o.reg.Discard(ctx, task.TaskID)
		o.metrics.RecordSubmission(ctx, string(kind), "backpressure")
		return nil, err
	}
	o.metrics.RecordSubmission(ctx, string(kind), "accepted")
	return task, nil
}

// SubmitLesson is the lesson-specific admission path: an existing
// artifact for the same (subject, topic) is a conflict unless the
// caller forces regeneration.
func (o *Orchestrator) SubmitLesson(ctx context.Context, req lesson.Request) (*registry.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !req.ForceRegenerate && o.lessons.Exists(ctx, req.Subject, req.Topic) {
		return nil, errkind.Conflict("a lesson for %s/%s already exists; set force_regenerate to replace it",
			req.Subject, req.Topic)
	}
	inputs, err := json.Marshal(req)
	if err != nil {
		return nil, errkind.Internalf("encode lesson request: %v", err)
	}
	return o.SubmitTask(ctx, registry.KindLesson, req.UserID, inputs, req.ForceRegenerate)
}

// Cancel requests cancellation of a queued or running task.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	if _, err := o.reg.Get(ctx, taskID); err != nil {
		return err
	}
	return o.pool.Cancel(ctx, taskID)
}

// RecordQuiz stores the score and evaluates intervention triggers in the
// background; the write path never waits on the tutoring service.
func (o *Orchestrator) RecordQuiz(ctx context.Context, userID, subject, topic string, score float64, at time.Time) error {
	if err := o.tracker.RecordQuiz(ctx, userID, subject, topic, score, at); err != nil {
		return err
	}
	o.scanAsync(userID)
	return nil
}

// RecordLessonCompletion stores the completion and re-evaluates triggers.
func (o *Orchestrator) RecordLessonCompletion(ctx context.Context, userID, subject, topic string, at time.Time) error {
	if err := o.tracker.RecordLessonCompletion(ctx, userID, subject, topic, at); err != nil {
		return err
	}
	o.scanAsync(userID)
	return nil
}

// RunInterventionScan evaluates triggers for one user and dispatches
// whatever the dedup windows allow, returning the new task IDs.
func (o *Orchestrator) RunInterventionScan(ctx context.Context, userID string) ([]string, error) {
	if _, err := o.tracker.Get(ctx, userID); err != nil {
		return nil, err
	}
	triggers := o.tracker.EvaluateTriggers(userID)
	if len(triggers) == 0 {
		return nil, nil
	}
	return o.tracker.DispatchInterventions(ctx, userID, triggers)
}

func (o *Orchestrator) scanAsync(userID string) {
	async.Go(o.logger, "intervention-scan", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := o.RunInterventionScan(ctx, userID); err != nil {
			o.logger.Warn("intervention scan for %s failed: %v", userID, err)
		}
	})
}

// DispatchIntervention implements progress.Dispatcher: it turns one
// trigger into an intervention task. A duplicate in flight counts as
// dispatched and returns the existing task.
func (o *Orchestrator) DispatchIntervention(ctx context.Context, userID string, trig progress.Trigger) (string, error) {
	ic := upstream.InterventionContext{
		UserID:      userID,
		TriggerKind: string(trig.Kind),
		Subject:     trig.Subject,
		Topic:       trig.Topic,
		Context:     trig.Context,
	}
	inputs, err := json.Marshal(ic)
	if err != nil {
		return "", errkind.Internalf("encode intervention context: %v", err)
	}
	task, err := o.SubmitTask(ctx, registry.KindIntervention, userID, inputs, false)
	if err != nil {
		if errkind.IsKind(err, errkind.DuplicateInflight) && task != nil {
			return task.TaskID, nil
		}
		return "", err
	}
	o.metrics.RecordIntervention(ctx, string(trig.Kind))
	return task.TaskID, nil
}

// QueueStatus is one kind's backlog for the status endpoint.
type QueueStatus struct {
	Depth    int `json:"depth"`
	Capacity int `json:"capacity"`
}

// IntegrationStatus is the aggregate health view over queues, breakers,
// and recent upstream attempts.
type IntegrationStatus struct {
	Circuits    []upstream.CircuitState       `json:"circuits"`
	Queues      map[registry.Kind]QueueStatus `json:"queues"`
	RecentCalls []upstream.CallRecord         `json:"recent_calls"`
	Tasks       registry.Stats                `json:"tasks"`
}

// Status assembles the integration status snapshot.
func (o *Orchestrator) Status() IntegrationStatus {
	queues := make(map[registry.Kind]QueueStatus)
	for kind, pair := range o.pool.QueueDepths() {
		queues[kind] = QueueStatus{Depth: pair[0], Capacity: pair[1]}
	}
	return IntegrationStatus{
		Circuits:    o.client.Snapshot(),
		Queues:      queues,
		RecentCalls: o.client.RecentCalls(),
		Tasks:       o.reg.GetStats(),
	}
}

// Shutdown drains the pool, persists state, and stops the collectors.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.pool.Shutdown(ctx)
	o.reg.Close()
	if err := o.metrics.Shutdown(ctx); err != nil {
		o.logger.Warn("metrics shutdown: %v", err)
	}
	if err := o.tracer.Shutdown(ctx); err != nil {
		o.logger.Warn("tracer shutdown: %v", err)
	}
}
