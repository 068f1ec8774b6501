package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
	"github.com/vedanthundare/Gurukul-sub002/internal/lesson"
	"github.com/vedanthundare/Gurukul-sub002/internal/observability"
	"github.com/vedanthundare/Gurukul-sub002/internal/registry"
	"github.com/vedanthundare/Gurukul-sub002/internal/upstream"
	"github.com/vedanthundare/Gurukul-sub002/internal/workerpool"
)

const maxTTSTextBytes = 8 << 10

type ttsInputs struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// validateInputs rejects structurally bad payloads at admission so a
// task never enters the queue with inputs its job cannot parse.
func (o *Orchestrator) validateInputs(kind registry.Kind, userID string, inputs json.RawMessage) error {
	switch kind {
	case registry.KindLesson:
		var req lesson.Request
		if err := json.Unmarshal(inputs, &req); err != nil {
			return errkind.Validation("lesson inputs are not valid JSON: %v", err)
		}
		if req.UserID == "" {
			req.UserID = userID
		}
		return req.Validate()
	case registry.KindSimulation:
		if len(inputs) == 0 || !json.Valid(inputs) {
			return errkind.Validation("simulation inputs must be a JSON payload")
		}
		return nil
	case registry.KindIntervention:
		var ic upstream.InterventionContext
		if err := json.Unmarshal(inputs, &ic); err != nil {
			return errkind.Validation("intervention inputs are not valid JSON: %v", err)
		}
		if ic.TriggerKind == "" {
			return errkind.Validation("intervention inputs need a trigger_kind")
		}
		return nil
	case registry.KindTTS:
		var in ttsInputs
		if err := json.Unmarshal(inputs, &in); err != nil {
			return errkind.Validation("tts inputs are not valid JSON: %v", err)
		}
		if strings.TrimSpace(in.Text) == "" {
			return errkind.Validation("tts inputs need non-empty text")
		}
		if len(in.Text) > maxTTSTextBytes {
			return errkind.Validation("tts text exceeds %d bytes", maxTTSTextBytes)
		}
		return nil
	default:
		return errkind.Validation("unknown task kind %q", kind)
	}
}

func (o *Orchestrator) buildJob(kind registry.Kind, task *registry.Task) workerpool.JobFunc {
	switch kind {
	case registry.KindLesson:
		return o.lessonJob(task)
	case registry.KindSimulation:
		return o.simulationJob(task)
	case registry.KindIntervention:
		return o.interventionJob(task)
	case registry.KindTTS:
		return o.ttsJob(task)
	default:
		return func(ctx context.Context) (json.RawMessage, error) {
			return nil, errkind.Internalf("no job for kind %q", kind)
		}
	}
}

// emit reports progress, tolerating rejections: a retry re-emitting an
// earlier percent or a race with cancellation is not a job failure.
func (o *Orchestrator) emit(ctx context.Context, taskID string, percent int, stage string, partial json.RawMessage) {
	if _, err := o.reg.Emit(ctx, taskID, percent, stage, partial); err != nil {
		o.logger.Debug("progress emit for %s (%d%% %s) dropped: %v", taskID, percent, stage, err)
	}
}

func (o *Orchestrator) jobContext(ctx context.Context, task *registry.Task) context.Context {
	ctx = observability.WithTaskID(ctx, task.TaskID)
	return observability.WithCorrelationID(ctx, task.CorrelationID)
}

// heartbeat re-emits the current stage on an interval while a long
// upstream call is in flight, so a running task is never silent past
// the stall window. The returned stop must be called when the call
// returns.
func (o *Orchestrator) heartbeat(ctx context.Context, taskID string, percent int, stage string) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(o.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.emit(ctx, taskID, percent, stage, nil)
			}
		}
	}()
	return func() { close(done) }
}

func (o *Orchestrator) lessonJob(task *registry.Task) workerpool.JobFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		var req lesson.Request
		if err := json.Unmarshal(task.Inputs, &req); err != nil {
			return nil, errkind.Validation("decode lesson inputs: %v", err)
		}
		if req.UserID == "" {
			req.UserID = task.UserID
		}

		ctx = o.jobContext(ctx, task)
		ctx, span := o.tracer.StartSpan(ctx, observability.SpanLessonCompose,
			observability.TaskAttrs(string(task.Kind), task.TaskID)...)
		defer span.End()

		o.emit(ctx, task.TaskID, 10, "fetching_sources", nil)
		stop := o.heartbeat(ctx, task.TaskID, 10, "fetching_sources")
		composed, err := o.composer.Compose(ctx, req)
		stop()
		if err != nil {
			return nil, err
		}
		o.emit(ctx, task.TaskID, 80, "storing", nil)
		if err := o.lessons.Put(ctx, composed); err != nil {
			return nil, err
		}
		out, err := json.Marshal(composed)
		if err != nil {
			return nil, errkind.Internalf("encode lesson: %v", err)
		}
		return out, nil
	}
}

// simulationJob starts a remote simulation and polls it to completion,
// relaying the remote percent as progress. Cancellation is observed at
// every poll boundary.
func (o *Orchestrator) simulationJob(task *registry.Task) workerpool.JobFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		ctx = o.jobContext(ctx, task)
		ctx, span := o.tracer.StartSpan(ctx, observability.SpanJobExecute,
			observability.TaskAttrs(string(task.Kind), task.TaskID)...)
		defer span.End()

		handle, err := o.simulation.Start(ctx, task.Inputs)
		if err != nil {
			return nil, err
		}
		o.emit(ctx, task.TaskID, 5, "started", nil)

		lastPercent := 5
		ticker := time.NewTicker(o.simPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if cause := context.Cause(ctx); cause != nil && errkind.IsKind(cause, errkind.Cancelled) {
					return nil, cause
				}
				return nil, errkind.Wrap(errkind.KindOf(ctx.Err()), ctx.Err(),
					"simulation %s abandoned", handle.ID)
			case <-ticker.C:
			}

			st, err := o.simulation.Status(ctx, handle.ID)
			if err != nil {
				// A transient poll failure is retried on the next tick;
				// anything else fails the task.
				if errkind.Transient(err) {
					o.logger.Warn("simulation %s poll failed, will retry: %v", handle.ID, err)
					continue
				}
				return nil, err
			}

			switch st.State {
			case "completed":
				return st.Result, nil
			case "failed":
				msg := st.Error
				if msg == "" {
					msg = "remote simulation failed"
				}
				return nil, errkind.New(errkind.UpstreamUnavailable, "simulation %s: %s", handle.ID, msg)
			case "cancelled":
				return nil, errkind.New(errkind.Cancelled, "simulation %s cancelled remotely", handle.ID)
			default:
				if p := clampPercent(st.Percent, lastPercent, 95); p > lastPercent {
					lastPercent = p
					o.emit(ctx, task.TaskID, p, "running", st.Result)
				}
			}
		}
	}
}

func (o *Orchestrator) interventionJob(task *registry.Task) workerpool.JobFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		var ic upstream.InterventionContext
		if err := json.Unmarshal(task.Inputs, &ic); err != nil {
			return nil, errkind.Validation("decode intervention inputs: %v", err)
		}
		if ic.UserID == "" {
			ic.UserID = task.UserID
		}

		ctx = o.jobContext(ctx, task)
		ctx, span := o.tracer.StartSpan(ctx, observability.SpanInterventionRun,
			observability.TaskAttrs(string(task.Kind), task.TaskID)...)
		defer span.End()

		o.emit(ctx, task.TaskID, 25, "consulting_tutor", nil)
		stop := o.heartbeat(ctx, task.TaskID, 25, "consulting_tutor")
		rec, err := o.tutoring.Recommend(ctx, ic)
		stop()
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(rec)
		if err != nil {
			return nil, errkind.Internalf("encode recommendation: %v", err)
		}
		return out, nil
	}
}

func (o *Orchestrator) ttsJob(task *registry.Task) workerpool.JobFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		var in ttsInputs
		if err := json.Unmarshal(task.Inputs, &in); err != nil {
			return nil, errkind.Validation("decode tts inputs: %v", err)
		}

		ctx = o.jobContext(ctx, task)
		ctx, span := o.tracer.StartSpan(ctx, observability.SpanJobExecute,
			observability.TaskAttrs(string(task.Kind), task.TaskID)...)
		defer span.End()

		o.emit(ctx, task.TaskID, 20, "synthesizing", nil)
		// The task ID doubles as the idempotency key, making retries safe.
		stop := o.heartbeat(ctx, task.TaskID, 20, "synthesizing")
		audio, err := o.tts.Synthesize(ctx, in.Text, in.Voice, task.TaskID)
		stop()
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(audio)
		if err != nil {
			return nil, errkind.Internalf("encode audio result: %v", err)
		}
		return out, nil
	}
}

func clampPercent(p, lo, hi int) int {
	if p < lo {
		return lo
	}
	if p > hi {
		return hi
	}
	return p
}
