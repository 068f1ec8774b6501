package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
	"github.com/vedanthundare/Gurukul-sub002/internal/lesson"
	"github.com/vedanthundare/Gurukul-sub002/internal/lessonstore"
	"github.com/vedanthundare/Gurukul-sub002/internal/progress"
	"github.com/vedanthundare/Gurukul-sub002/internal/registry"
	"github.com/vedanthundare/Gurukul-sub002/internal/upstream"
	"github.com/vedanthundare/Gurukul-sub002/internal/workerpool"
)

// fastKindConfigs keeps queues small and timeouts short for tests.
func fastKindConfigs() map[registry.Kind]workerpool.KindConfig {
	return map[registry.Kind]workerpool.KindConfig{
		registry.KindLesson:       {MaxConcurrency: 2, MaxQueueDepth: 8, JobTimeout: 5 * time.Second, Retries: 1},
		registry.KindSimulation:   {MaxConcurrency: 2, MaxQueueDepth: 8, JobTimeout: 5 * time.Second, Retries: 0},
		registry.KindIntervention: {MaxConcurrency: 2, MaxQueueDepth: 8, JobTimeout: 5 * time.Second, Retries: 1},
		registry.KindTTS:          {MaxConcurrency: 1, MaxQueueDepth: 1, JobTimeout: 5 * time.Second, Retries: 1},
	}
}

func newTestOrchestrator(t *testing.T, handler http.Handler, opts ...OrchestratorOption) *Orchestrator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	baseURLs := map[string]string{
		upstream.ServiceKnowledge:    srv.URL,
		upstream.ServiceEncyclopedia: srv.URL,
		upstream.ServiceTutoring:     srv.URL,
		upstream.ServiceTTS:          srv.URL,
		upstream.ServiceSimulation:   srv.URL,
	}
	client := upstream.NewClient(baseURLs, upstream.WithDefaultConfig(upstream.EndpointConfig{
		ConnectTimeout:     time.Second,
		OverallTimeout:     5 * time.Second,
		MaxRetries:         1,
		FailureThreshold:   5,
		OpenDuration:       time.Second,
		HalfOpenProbeLimit: 1,
	}))

	reg := registry.New()
	t.Cleanup(reg.Close)
	pool := workerpool.New(reg, fastKindConfigs())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	composer := lesson.NewComposer(upstream.NewKnowledgeClient(client), upstream.NewEncyclopediaClient(client))
	lessons := lessonstore.New()

	var orch *Orchestrator
	tracker := progress.New(progress.WithDispatcher(progress.DispatcherFunc(
		func(ctx context.Context, userID string, trig progress.Trigger) (string, error) {
			return orch.DispatchIntervention(ctx, userID, trig)
		})))

	base := []OrchestratorOption{WithSimulationPollInterval(10 * time.Millisecond)}
	orch = New(Deps{
		Registry: reg,
		Pool:     pool,
		Upstream: client,
		Composer: composer,
		Lessons:  lessons,
		Tracker:  tracker,
	}, append(base, opts...)...)
	return orch
}

func waitTerminal(t *testing.T, orch *Orchestrator, taskID string) *registry.Task {
	t.Helper()
	var task *registry.Task
	require.Eventually(t, func() bool {
		got, err := orch.Registry().Get(context.Background(), taskID)
		if err != nil {
			return false
		}
		task = got
		return got.State.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached a terminal state", taskID)
	return task
}

func contentHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"passages": []map[string]any{
				{"text": "Photosynthesis converts light into chemical energy.", "source": "bio-101", "score": 0.92},
			},
		})
	})
	mux.HandleFunc("/summary", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"title":   "Photosynthesis",
			"summary": "Plants synthesize sugars from carbon dioxide and water.",
			"url":     "https://example.org/photosynthesis",
		})
	})
	mux.HandleFunc("/recommendations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": "Review the basics before the next quiz.",
			"actions": []string{"redo_lesson"},
		})
	})
	mux.HandleFunc("/synthesize", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content_type": "audio/mpeg", "audio_base64": "QUJD", "duration_ms": 1200,
		})
	})
	return mux
}

func TestLessonTaskEndToEnd(t *testing.T) {
	orch := newTestOrchestrator(t, contentHandler())

	task, err := orch.SubmitLesson(context.Background(), lesson.Request{
		Subject:             "science",
		Topic:               "photosynthesis",
		UserID:              "u1",
		UseKnowledgeStore:   true,
		IncludeEncyclopedia: true,
	})
	require.NoError(t, err)

	done := waitTerminal(t, orch, task.TaskID)
	require.Equal(t, registry.StateCompleted, done.State, "error: %+v", done.Error)
	assert.Equal(t, 100, done.ProgressPercent)

	var composed lesson.Lesson
	require.NoError(t, json.Unmarshal(done.FinalResult, &composed))
	assert.True(t, composed.KnowledgeBaseUsed)
	assert.True(t, composed.EncyclopediaUsed)
	assert.Contains(t, composed.Body, lesson.EncyclopediaMarker)

	stored, err := orch.Lessons().Get(context.Background(), "science", "photosynthesis")
	require.NoError(t, err)
	assert.Equal(t, composed.Title, stored.Title)

	events, err := orch.Registry().EventsSince(context.Background(), task.TaskID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestLessonConflictWithoutForce(t *testing.T) {
	orch := newTestOrchestrator(t, contentHandler())
	ctx := context.Background()

	require.NoError(t, orch.Lessons().Put(ctx, &lesson.Lesson{
		Subject: "science", Topic: "photosynthesis", Title: "Photosynthesis", Body: "existing",
	}))

	_, err := orch.SubmitLesson(ctx, lesson.Request{
		Subject: "science", Topic: "photosynthesis", UserID: "u1",
	})
	assert.True(t, errkind.IsKind(err, errkind.StateConflict), "got %v", err)

	task, err := orch.SubmitLesson(ctx, lesson.Request{
		Subject: "science", Topic: "photosynthesis", UserID: "u1", ForceRegenerate: true,
	})
	require.NoError(t, err)
	done := waitTerminal(t, orch, task.TaskID)
	assert.Equal(t, registry.StateCompleted, done.State)
}

func TestDuplicateInflightReturnsExistingTask(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/synthesize", func(w http.ResponseWriter, r *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{"content_type": "audio/mpeg", "audio_base64": "QUJD"})
	})
	orch := newTestOrchestrator(t, mux)
	defer close(release)
	ctx := context.Background()

	inputs := json.RawMessage(`{"text":"hello class"}`)
	first, err := orch.SubmitTask(ctx, registry.KindTTS, "u1", inputs, false)
	require.NoError(t, err)

	second, err := orch.SubmitTask(ctx, registry.KindTTS, "u1", inputs, false)
	require.Error(t, err)
	assert.True(t, errkind.IsKind(err, errkind.DuplicateInflight), "got %v", err)
	require.NotNil(t, second)
	assert.Equal(t, first.TaskID, second.TaskID)
}

func TestTTSTaskCompletes(t *testing.T) {
	orch := newTestOrchestrator(t, contentHandler())

	task, err := orch.SubmitTask(context.Background(), registry.KindTTS, "u1",
		json.RawMessage(`{"text":"hello class","voice":"warm"}`), false)
	require.NoError(t, err)

	done := waitTerminal(t, orch, task.TaskID)
	require.Equal(t, registry.StateCompleted, done.State, "error: %+v", done.Error)

	var audio upstream.AudioResult
	require.NoError(t, json.Unmarshal(done.FinalResult, &audio))
	assert.Equal(t, "audio/mpeg", audio.ContentType)
	assert.NotEmpty(t, audio.AudioBase64)
}

func TestSubmitRejectsBadInputs(t *testing.T) {
	orch := newTestOrchestrator(t, contentHandler())
	ctx := context.Background()

	tests := []struct {
		name   string
		kind   registry.Kind
		inputs string
	}{
		{"tts empty text", registry.KindTTS, `{"text":"  "}`},
		{"tts oversized text", registry.KindTTS, `{"text":"` + strings.Repeat("a", maxTTSTextBytes+1) + `"}`},
		{"lesson missing topic", registry.KindLesson, `{"subject":"science"}`},
		{"intervention missing trigger", registry.KindIntervention, `{"user_id":"u1"}`},
		{"simulation non-json", registry.KindSimulation, `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := orch.SubmitTask(ctx, tt.kind, "u1", json.RawMessage(tt.inputs), false)
			assert.True(t, errkind.IsKind(err, errkind.InvalidInput), "got %v", err)
		})
	}

	_, err := orch.SubmitTask(ctx, registry.Kind("karaoke"), "u1", json.RawMessage(`{}`), false)
	assert.True(t, errkind.IsKind(err, errkind.InvalidInput), "got %v", err)
}

func TestSimulationTaskPollsToCompletion(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/simulations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "sim-1"})
	})
	mux.HandleFunc("/simulations/sim-1", func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1:
			_ = json.NewEncoder(w).Encode(map[string]any{"state": "running", "percent": 30})
		case 2:
			_ = json.NewEncoder(w).Encode(map[string]any{"state": "running", "percent": 70})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"state": "completed", "percent": 100,
				"result": map[string]any{"balance": 1042.50},
			})
		}
	})
	orch := newTestOrchestrator(t, mux)

	task, err := orch.SubmitTask(context.Background(), registry.KindSimulation, "u1",
		json.RawMessage(`{"scenario":"savings","months":12}`), false)
	require.NoError(t, err)

	done := waitTerminal(t, orch, task.TaskID)
	require.Equal(t, registry.StateCompleted, done.State, "error: %+v", done.Error)
	assert.Contains(t, string(done.FinalResult), "balance")

	events, err := orch.Registry().EventsSince(context.Background(), task.TaskID, 0)
	require.NoError(t, err)
	var percents []int
	for _, ev := range events {
		percents = append(percents, ev.Percent)
	}
	assert.IsNonDecreasing(t, percents)
}

func TestSimulationRemoteFailureFailsTask(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/simulations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "sim-2"})
	})
	mux.HandleFunc("/simulations/sim-2", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"state": "failed", "error": "model diverged"})
	})
	orch := newTestOrchestrator(t, mux)

	task, err := orch.SubmitTask(context.Background(), registry.KindSimulation, "u1",
		json.RawMessage(`{"scenario":"savings"}`), false)
	require.NoError(t, err)

	done := waitTerminal(t, orch, task.TaskID)
	require.Equal(t, registry.StateFailed, done.State)
	require.NotNil(t, done.Error)
	assert.Equal(t, errkind.UpstreamUnavailable, done.Error.Kind)
	assert.Contains(t, done.Error.Message, "model diverged")
}

func TestOpenBreakerFailsLessonFastWithoutRetry(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	orch := newTestOrchestrator(t, mux)
	ctx := context.Background()

	// Drive the knowledge breaker open with direct calls.
	knowledge := upstream.NewKnowledgeClient(orch.Upstream())
	require.Eventually(t, func() bool {
		_, err := knowledge.Search(ctx, "science", "erosion")
		return errkind.IsKind(err, errkind.CircuitOpen)
	}, 5*time.Second, 10*time.Millisecond, "knowledge breaker never opened")

	task, err := orch.SubmitLesson(ctx, lesson.Request{
		Subject: "science", Topic: "erosion", UserID: "u1", UseKnowledgeStore: true,
	})
	require.NoError(t, err)

	done := waitTerminal(t, orch, task.TaskID)
	require.Equal(t, registry.StateFailed, done.State)
	require.NotNil(t, done.Error)
	assert.Equal(t, errkind.UpstreamUnavailable, done.Error.Kind)
	assert.Equal(t, 0, done.AttemptCount, "an open breaker must not be retried")
	require.NotNil(t, done.CompletedAt)
	assert.LessOrEqual(t, done.CompletedAt.Sub(done.SubmittedAt), time.Second)
}

func TestSlowUpstreamCallKeepsProgressFlowing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/synthesize", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{"content_type": "audio/mpeg", "audio_base64": "QUJD"})
	})
	orch := newTestOrchestrator(t, mux, WithHeartbeatInterval(50*time.Millisecond))

	task, err := orch.SubmitTask(context.Background(), registry.KindTTS, "u1",
		json.RawMessage(`{"text":"long speech"}`), false)
	require.NoError(t, err)

	done := waitTerminal(t, orch, task.TaskID)
	require.Equal(t, registry.StateCompleted, done.State, "error: %+v", done.Error)

	events, err := orch.Registry().EventsSince(context.Background(), task.TaskID, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 4,
		"the job should keep emitting while parked in the upstream call")
	for _, ev := range events {
		assert.Equal(t, "synthesizing", ev.Stage)
	}
}

func TestCancelRunningTask(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/synthesize", func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	orch := newTestOrchestrator(t, mux)
	defer close(release)
	ctx := context.Background()

	task, err := orch.SubmitTask(ctx, registry.KindTTS, "u1", json.RawMessage(`{"text":"slow"}`), false)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("tts job never reached the upstream")
	}
	require.NoError(t, orch.Cancel(ctx, task.TaskID))

	done := waitTerminal(t, orch, task.TaskID)
	assert.Equal(t, registry.StateCancelled, done.State)
}

func TestCancelUnknownTask(t *testing.T) {
	orch := newTestOrchestrator(t, contentHandler())
	err := orch.Cancel(context.Background(), "no-such-task")
	assert.True(t, errkind.IsKind(err, errkind.UnknownTask), "got %v", err)
}

func TestBackpressureLeavesNoTrace(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/synthesize", func(w http.ResponseWriter, r *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{"content_type": "audio/mpeg", "audio_base64": "QUJD"})
	})
	orch := newTestOrchestrator(t, mux)
	defer close(release)
	ctx := context.Background()

	// TTS runs one worker over a depth-one queue: the first submission
	// occupies the worker, the second the queue, the third must bounce.
	first, err := orch.SubmitTask(ctx, registry.KindTTS, "u1", json.RawMessage(`{"text":"one"}`), false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, _ := orch.Registry().Get(ctx, first.TaskID)
		return got != nil && got.State == registry.StateRunning
	}, 3*time.Second, 5*time.Millisecond)

	_, err = orch.SubmitTask(ctx, registry.KindTTS, "u2", json.RawMessage(`{"text":"two"}`), false)
	require.NoError(t, err)

	_, err = orch.SubmitTask(ctx, registry.KindTTS, "u3", json.RawMessage(`{"text":"three"}`), false)
	require.Error(t, err)
	assert.True(t, errkind.IsKind(err, errkind.Backpressure), "got %v", err)
	assert.GreaterOrEqual(t, errkind.RetryAfterOf(err), time.Second)

	// The bounced submission must not leave a task behind.
	assert.Equal(t, 2, orch.Registry().GetStats().Total)
}

func TestInterventionScanDispatchesAndCompletes(t *testing.T) {
	orch := newTestOrchestrator(t, contentHandler())
	ctx := context.Background()

	// Record directly on the tracker so the async scan inside RecordQuiz
	// does not race with the explicit one below.
	require.NoError(t, orch.Tracker().RecordQuiz(ctx, "u1", "math", "algebra", 42, time.Time{}))

	ids, err := orch.RunInterventionScan(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	done := waitTerminal(t, orch, ids[0])
	require.Equal(t, registry.StateCompleted, done.State, "error: %+v", done.Error)
	assert.Contains(t, string(done.FinalResult), "Review the basics")
	assert.Equal(t, registry.KindIntervention, done.Kind)
}

func TestInterventionScanUnknownUser(t *testing.T) {
	orch := newTestOrchestrator(t, contentHandler())
	_, err := orch.RunInterventionScan(context.Background(), "ghost")
	assert.True(t, errkind.IsKind(err, errkind.UnknownTask), "got %v", err)
}

func TestStatusSnapshot(t *testing.T) {
	orch := newTestOrchestrator(t, contentHandler())

	task, err := orch.SubmitTask(context.Background(), registry.KindTTS, "u1",
		json.RawMessage(`{"text":"hello"}`), false)
	require.NoError(t, err)
	waitTerminal(t, orch, task.TaskID)

	status := orch.Status()
	assert.NotEmpty(t, status.Circuits)
	assert.NotEmpty(t, status.RecentCalls)
	assert.Contains(t, status.Queues, registry.KindTTS)
	assert.Equal(t, 1, status.Tasks.Total)
}
