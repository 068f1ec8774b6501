// Package registry is the canonical store for async task state and
// progress events. Workers write through it, the gateway reads from it,
// and duplicate submissions are detected against it.
package registry

import (
	"encoding/json"
	"time"

	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
)

// Kind identifies a job family with its own queue and limits.
type Kind string

const (
	KindLesson       Kind = "lesson"
	KindSimulation   Kind = "simulation"
	KindIntervention Kind = "intervention"
	KindTTS          Kind = "tts"
)

// Kinds lists every recognized kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindLesson, KindSimulation, KindIntervention, KindTTS}
}

// ParseKind validates a client-supplied kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLesson, KindSimulation, KindIntervention, KindTTS:
		return Kind(s), nil
	default:
		return "", errkind.Validation("unknown task kind %q", s)
	}
}

// State is the lifecycle state of a task.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// legalTransition encodes the permitted edges of the state machine.
func legalTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to == StateCompleted || to == StateFailed || to == StateCancelled
	default:
		return false
	}
}

// TaskError is the terminal error recorded on a failed task.
type TaskError struct {
	Kind    errkind.Kind `json:"kind"`
	Message string       `json:"message"`
}

// Task is one unit of asynchronous work.
type Task struct {
	TaskID           string          `json:"task_id"`
	Kind             Kind            `json:"kind"`
	UserID           string          `json:"user_id"`
	CorrelationID    string          `json:"correlation_id"`
	SubmittedAt      time.Time       `json:"submitted_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	State            State           `json:"state"`
	ProgressPercent  int             `json:"progress_percent"`
	PartialResult    json.RawMessage `json:"partial_result,omitempty"`
	FinalResult      json.RawMessage `json:"final_result,omitempty"`
	Error            *TaskError      `json:"error,omitempty"`
	AttemptCount     int             `json:"attempt_count"`
	InputFingerprint string          `json:"input_fingerprint"`
	Inputs           json.RawMessage `json:"inputs,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (t *Task) Clone() *Task {
	clone := *t
	if t.StartedAt != nil {
		ts := *t.StartedAt
		clone.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		clone.CompletedAt = &ts
	}
	if t.Error != nil {
		e := *t.Error
		clone.Error = &e
	}
	clone.PartialResult = append(json.RawMessage(nil), t.PartialResult...)
	clone.FinalResult = append(json.RawMessage(nil), t.FinalResult...)
	clone.Inputs = append(json.RawMessage(nil), t.Inputs...)
	return &clone
}

// ProgressEvent is an append-only progress record attached to a task.
type ProgressEvent struct {
	TaskID    string          `json:"task_id"`
	Seq       int64           `json:"seq"`
	EmittedAt time.Time       `json:"emitted_at"`
	Percent   int             `json:"percent"`
	Stage     string          `json:"stage"`
	Partial   json.RawMessage `json:"partial,omitempty"`
}

// Stats aggregates task counts for the stats endpoint.
type Stats struct {
	Total   int              `json:"total"`
	ByState map[State]int    `json:"by_state"`
	ByKind  map[Kind]int     `json:"by_kind"`
	Oldest  *time.Time       `json:"oldest_submitted_at,omitempty"`
}
