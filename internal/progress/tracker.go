// Package progress maintains per-user quiz and lesson telemetry and
// turns it into intervention dispatch decisions.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
	"github.com/vedanthundare/Gurukul-sub002/internal/logging"
)

// Band is the derived performance tier.
type Band string

const (
	BandExcellent Band = "excellent"
	BandGood      Band = "good"
	BandAverage   Band = "average"
	BandNeedsHelp Band = "needs_help"
)

const bandWindow = 10

// QuizScore is one recorded quiz outcome.
type QuizScore struct {
	Timestamp time.Time `json:"timestamp"`
	Subject   string    `json:"subject"`
	Topic     string    `json:"topic"`
	Score     float64   `json:"score"`
}

// UserProgress is the per-user aggregate.
type UserProgress struct {
	UserID             string      `json:"user_id"`
	QuizScores         []QuizScore `json:"quiz_scores"`
	LessonsCompleted   int         `json:"lessons_completed"`
	LastInterventionAt *time.Time  `json:"last_intervention_at,omitempty"`
	PerformanceBand    Band        `json:"performance_band"`
	LastActivityAt     time.Time   `json:"last_activity_at"`
}

func (u *UserProgress) clone() *UserProgress {
	c := *u
	c.QuizScores = append([]QuizScore(nil), u.QuizScores...)
	if u.LastInterventionAt != nil {
		ts := *u.LastInterventionAt
		c.LastInterventionAt = &ts
	}
	return &c
}

// TriggerKind enumerates intervention triggers.
type TriggerKind string

const (
	TriggerLowRecentScore TriggerKind = "low_recent_score"
	TriggerDecliningTrend TriggerKind = "declining_trend"
	TriggerInactivity     TriggerKind = "inactivity"
)

// Trigger is one intervention decision candidate.
type Trigger struct {
	Kind    TriggerKind       `json:"kind"`
	Subject string            `json:"subject,omitempty"`
	Topic   string            `json:"topic,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// Dispatcher enqueues one intervention task for a trigger.
type Dispatcher interface {
	DispatchIntervention(ctx context.Context, userID string, trig Trigger) (taskID string, err error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, userID string, trig Trigger) (string, error)

func (f DispatcherFunc) DispatchIntervention(ctx context.Context, userID string, trig Trigger) (string, error) {
	return f(ctx, userID, trig)
}

// Windows are the trigger deduplication windows.
type Windows struct {
	LowRecentScore time.Duration `json:"low_recent_score" mapstructure:"low_recent_score"`
	DecliningTrend time.Duration `json:"declining_trend" mapstructure:"declining_trend"`
	Inactivity     time.Duration `json:"inactivity" mapstructure:"inactivity"`
}

// DefaultWindows returns the default dedup windows.
func DefaultWindows() Windows {
	return Windows{
		LowRecentScore: 24 * time.Hour,
		DecliningTrend: 24 * time.Hour,
		Inactivity:     7 * 24 * time.Hour,
	}
}

const (
	lowScoreThreshold  = 60.0
	trendSampleSize    = 5
	trendMinTotalDrop  = 15.0
	inactivityDuration = 7 * 24 * time.Hour
)

// Tracker owns UserProgress state. Updates per user are serialized
// under one store lock; reads return copies.
type Tracker struct {
	mu    sync.RWMutex
	users map[string]*UserProgress
	fired map[string]time.Time

	windows     Windows
	dispatcher  Dispatcher
	persistPath string
	logger      logging.Logger
	now         func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithWindows overrides the dedup windows.
func WithWindows(w Windows) TrackerOption {
	return func(t *Tracker) { t.windows = w }
}

// WithDispatcher wires the intervention dispatcher.
func WithDispatcher(d Dispatcher) TrackerOption {
	return func(t *Tracker) { t.dispatcher = d }
}

// WithPersistencePath enables JSON snapshot persistence at path.
func WithPersistencePath(path string) TrackerOption {
	return func(t *Tracker) { t.persistPath = path }
}

// WithLogger attaches a logger.
func WithLogger(logger logging.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = logging.OrNop(logger) }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New builds a Tracker, restoring any prior snapshot.
func New(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		users:   make(map[string]*UserProgress),
		fired:   make(map[string]time.Time),
		windows: DefaultWindows(),
		logger:  logging.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.persistPath != "" {
		if err := t.loadFromDisk(); err != nil {
			t.logger.Warn("progress: could not load snapshot from %s: %v", t.persistPath, err)
		}
	}
	return t
}

// RecordQuiz appends a quiz score and recomputes the band.
func (t *Tracker) RecordQuiz(ctx context.Context, userID, subject, topic string, score float64, at time.Time) error {
	if strings.TrimSpace(userID) == "" {
		return errkind.Validation("user_id is required")
	}
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(topic) == "" {
		return errkind.Validation("subject and topic are required")
	}
	if score < 0 || score > 100 {
		return errkind.Validation("score %.1f out of range [0,100]", score)
	}
	if at.IsZero() {
		at = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.userLocked(userID)
	u.QuizScores = append(u.QuizScores, QuizScore{Timestamp: at, Subject: subject, Topic: topic, Score: score})
	u.PerformanceBand = deriveBand(u.QuizScores)
	if at.After(u.LastActivityAt) {
		u.LastActivityAt = at
	}
	if err := t.persistLocked(); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, err, "persist quiz score")
	}
	return nil
}

// RecordLessonCompletion increments the lesson counter.
func (t *Tracker) RecordLessonCompletion(ctx context.Context, userID, subject, topic string, at time.Time) error {
	if strings.TrimSpace(userID) == "" {
		return errkind.Validation("user_id is required")
	}
	if at.IsZero() {
		at = t.now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.userLocked(userID)
	u.LessonsCompleted++
	if at.After(u.LastActivityAt) {
		u.LastActivityAt = at
	}
	if err := t.persistLocked(); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, err, "persist lesson completion")
	}
	return nil
}

// Get returns a copy of the user's aggregate.
func (t *Tracker) Get(ctx context.Context, userID string) (*UserProgress, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.users[userID]
	if !ok {
		return nil, errkind.NotFound("no progress recorded for user %s", userID)
	}
	return u.clone(), nil
}

// EvaluateTriggers computes candidate triggers from current state only.
// Dedup windows are applied at dispatch time, not here.
func (t *Tracker) EvaluateTriggers(userID string) []Trigger {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.users[userID]
	if !ok {
		return nil
	}
	now := t.now()
	var out []Trigger

	// Rule 1: most recent score below the floor.
	if n := len(u.QuizScores); n > 0 {
		last := u.QuizScores[n-1]
		if last.Score < lowScoreThreshold {
			out = append(out, Trigger{
				Kind:    TriggerLowRecentScore,
				Subject: last.Subject,
				Topic:   last.Topic,
				Context: map[string]string{"score": fmt.Sprintf("%.0f", last.Score)},
			})
		}
	}

	// Rule 2: strict monotonic decline >= 15 points over the last 5
	// scores of a subject.
	for subject, scores := range scoresBySubject(u.QuizScores) {
		if len(scores) < trendSampleSize {
			continue
		}
		tail := scores[len(scores)-trendSampleSize:]
		declining := true
		for i := 1; i < len(tail); i++ {
			if tail[i] >= tail[i-1] {
				declining = false
				break
			}
		}
		if declining && tail[0]-tail[len(tail)-1] >= trendMinTotalDrop {
			out = append(out, Trigger{
				Kind:    TriggerDecliningTrend,
				Subject: subject,
				Context: map[string]string{"drop": fmt.Sprintf("%.0f", tail[0]-tail[len(tail)-1])},
			})
		}
	}

	// Rule 3: no activity of any kind for 7 days.
	if !u.LastActivityAt.IsZero() && now.Sub(u.LastActivityAt) >= inactivityDuration {
		out = append(out, Trigger{
			Kind:    TriggerInactivity,
			Context: map[string]string{"last_activity": u.LastActivityAt.Format(time.RFC3339)},
		})
	}
	return out
}

// DispatchInterventions enqueues one intervention task per trigger that
// clears its dedup window. It returns the created task IDs.
func (t *Tracker) DispatchInterventions(ctx context.Context, userID string, triggers []Trigger) ([]string, error) {
	if t.dispatcher == nil {
		return nil, errkind.Internalf("no intervention dispatcher wired")
	}

	var taskIDs []string
	for _, trig := range triggers {
		key, window := t.dedupKey(userID, trig)
		now := t.now()

		t.mu.Lock()
		if firedAt, ok := t.fired[key]; ok && now.Sub(firedAt) < window {
			t.mu.Unlock()
			t.logger.Debug("trigger %s for %s suppressed, fired %v ago", trig.Kind, userID, now.Sub(firedAt))
			continue
		}
		t.fired[key] = now
		t.mu.Unlock()

		taskID, err := t.dispatcher.DispatchIntervention(ctx, userID, trig)
		if err != nil {
			// Roll the window back so the trigger can fire again.
			t.mu.Lock()
			delete(t.fired, key)
			t.mu.Unlock()
			t.logger.Warn("could not dispatch %s intervention for %s: %v", trig.Kind, userID, err)
			continue
		}
		taskIDs = append(taskIDs, taskID)

		t.mu.Lock()
		if u, ok := t.users[userID]; ok {
			ts := now
			u.LastInterventionAt = &ts
		}
		if err := t.persistLocked(); err != nil {
			t.logger.Warn("progress: persist after dispatch failed: %v", err)
		}
		t.mu.Unlock()
	}
	return taskIDs, nil
}

func (t *Tracker) dedupKey(userID string, trig Trigger) (string, time.Duration) {
	switch trig.Kind {
	case TriggerLowRecentScore:
		return fmt.Sprintf("low/%s/%s/%s", userID, trig.Subject, trig.Topic), t.windows.LowRecentScore
	case TriggerDecliningTrend:
		return fmt.Sprintf("trend/%s/%s", userID, trig.Subject), t.windows.DecliningTrend
	default:
		return "inactive/" + userID, t.windows.Inactivity
	}
}

func (t *Tracker) userLocked(userID string) *UserProgress {
	u, ok := t.users[userID]
	if !ok {
		u = &UserProgress{UserID: userID, PerformanceBand: BandNeedsHelp}
		t.users[userID] = u
	}
	return u
}

func deriveBand(scores []QuizScore) Band {
	if len(scores) == 0 {
		return BandNeedsHelp
	}
	tail := scores
	if len(tail) > bandWindow {
		tail = tail[len(tail)-bandWindow:]
	}
	var sum float64
	for _, s := range tail {
		sum += s.Score
	}
	mean := sum / float64(len(tail))
	switch {
	case mean >= 80:
		return BandExcellent
	case mean >= 70:
		return BandGood
	case mean >= 60:
		return BandAverage
	default:
		return BandNeedsHelp
	}
}

func scoresBySubject(scores []QuizScore) map[string][]float64 {
	out := make(map[string][]float64)
	for _, s := range scores {
		out[s.Subject] = append(out[s.Subject], s.Score)
	}
	return out
}

type trackerSnapshot struct {
	SavedAt time.Time                `json:"saved_at"`
	Users   map[string]*UserProgress `json:"users"`
	Fired   map[string]time.Time     `json:"fired"`
}

func (t *Tracker) persistLocked() error {
	if t.persistPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(trackerSnapshot{SavedAt: t.now(), Users: t.users, Fired: t.fired}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.persistPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := t.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, t.persistPath); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (t *Tracker) loadFromDisk() error {
	data, err := os.ReadFile(t.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap trackerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Users != nil {
		t.users = snap.Users
	}
	if snap.Fired != nil {
		t.fired = snap.Fired
	}
	t.logger.Info("progress restored %d users from %s", len(t.users), t.persistPath)
	return nil
}
