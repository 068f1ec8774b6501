// Package harness exercises the orchestration core end to end through
// its HTTP surface, with controllable stub upstreams. Each scenario
// returns a Report with pass/fail checks; the edgeharness command
// renders them.
package harness

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/vedanthundare/Gurukul-sub002/internal/gateway"
	"github.com/vedanthundare/Gurukul-sub002/internal/lesson"
	"github.com/vedanthundare/Gurukul-sub002/internal/lessonstore"
	"github.com/vedanthundare/Gurukul-sub002/internal/logging"
	"github.com/vedanthundare/Gurukul-sub002/internal/orchestrator"
	"github.com/vedanthundare/Gurukul-sub002/internal/progress"
	"github.com/vedanthundare/Gurukul-sub002/internal/registry"
	"github.com/vedanthundare/Gurukul-sub002/internal/upstream"
	"github.com/vedanthundare/Gurukul-sub002/internal/workerpool"
)

// Params tune a scenario run.
type Params struct {
	Clients        int           `yaml:"clients" json:"clients"`
	StallThreshold time.Duration `yaml:"stall_threshold" json:"stall_threshold"`
	JobDuration    time.Duration `yaml:"job_duration" json:"job_duration"`

	// Breaker knobs for the connectivity scenario.
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration" json:"open_duration"`
}

// DefaultParams returns a run sized for a laptop.
func DefaultParams() Params {
	return Params{
		Clients:          10,
		StallThreshold:   30 * time.Second,
		JobDuration:      2 * time.Second,
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
	}
}

// Check is one asserted property of a scenario run.
type Check struct {
	Name   string `yaml:"name" json:"name"`
	Pass   bool   `yaml:"pass" json:"pass"`
	Detail string `yaml:"detail" json:"detail"`
}

// Report is a scenario's outcome.
type Report struct {
	Scenario   string        `yaml:"scenario" json:"scenario"`
	StartedAt  time.Time     `yaml:"started_at" json:"started_at"`
	FinishedAt time.Time     `yaml:"finished_at" json:"finished_at"`
	Checks     []Check       `yaml:"checks" json:"checks"`
	Elapsed    time.Duration `yaml:"elapsed" json:"elapsed"`
}

// Passed reports whether every check held.
func (r Report) Passed() bool {
	for _, c := range r.Checks {
		if !c.Pass {
			return false
		}
	}
	return len(r.Checks) > 0
}

func (r *Report) check(name string, pass bool, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, Pass: pass, Detail: detail})
}

// stubUpstream is a controllable fake for every external service:
// latency and failure are switchable at run time.
type stubUpstream struct {
	latency atomic.Int64 // nanoseconds
	failing atomic.Bool
	calls   atomic.Int64
}

func (s *stubUpstream) setLatency(d time.Duration) { s.latency.Store(int64(d)) }
func (s *stubUpstream) setFailing(v bool)          { s.failing.Store(v) }
func (s *stubUpstream) callCount() int64           { return s.calls.Load() }

func (s *stubUpstream) handler() http.Handler {
	respond := func(w http.ResponseWriter, r *http.Request, body any) {
		s.calls.Add(1)
		if d := time.Duration(s.latency.Load()); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
		if s.failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(body)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		respond(w, r, map[string]any{
			"passages": []map[string]any{{"text": "Stub passage.", "source": "stub", "score": 0.5}},
		})
	})
	mux.HandleFunc("/summary", func(w http.ResponseWriter, r *http.Request) {
		respond(w, r, map[string]any{"title": "Stub", "summary": "Stub summary."})
	})
	mux.HandleFunc("/recommendations", func(w http.ResponseWriter, r *http.Request) {
		respond(w, r, map[string]any{"message": "Stub advice.", "actions": []string{"rest"}})
	})
	mux.HandleFunc("/synthesize", func(w http.ResponseWriter, r *http.Request) {
		respond(w, r, map[string]any{"content_type": "audio/mpeg", "audio_base64": "QUJD", "duration_ms": 100})
	})
	mux.HandleFunc("/simulations", func(w http.ResponseWriter, r *http.Request) {
		respond(w, r, map[string]any{"id": "sim-stub"})
	})
	mux.HandleFunc("/simulations/sim-stub", func(w http.ResponseWriter, r *http.Request) {
		respond(w, r, map[string]any{"state": "completed", "percent": 100, "result": map[string]any{"ok": true}})
	})
	return mux
}

// env is one in-process stack: stub upstreams, orchestrator, gateway.
type env struct {
	baseURL string
	stub    *stubUpstream
	orch    *orchestrator.Orchestrator
	closers []func()
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// harnessKindConfigs narrows the tts queue so backpressure is reachable
// with a small client count.
func harnessKindConfigs() map[registry.Kind]workerpool.KindConfig {
	cfgs := workerpool.DefaultKindConfigs()
	cfgs[registry.KindTTS] = workerpool.KindConfig{
		MaxConcurrency: 2, MaxQueueDepth: 4, JobTimeout: 60 * time.Second, Retries: 1,
	}
	return cfgs
}

func newEnv(p Params, logger logging.Logger) *env {
	e := &env{stub: &stubUpstream{}}

	stubSrv := httptest.NewServer(e.stub.handler())
	e.closers = append(e.closers, stubSrv.Close)

	baseURLs := map[string]string{
		upstream.ServiceKnowledge:    stubSrv.URL,
		upstream.ServiceEncyclopedia: stubSrv.URL,
		upstream.ServiceTutoring:     stubSrv.URL,
		upstream.ServiceTTS:          stubSrv.URL,
		upstream.ServiceSimulation:   stubSrv.URL,
	}
	client := upstream.NewClient(baseURLs, upstream.WithDefaultConfig(upstream.EndpointConfig{
		ConnectTimeout:     2 * time.Second,
		OverallTimeout:     60 * time.Second,
		MaxRetries:         0,
		FailureThreshold:   p.FailureThreshold,
		OpenDuration:       p.OpenDuration,
		HalfOpenProbeLimit: 1,
	}))

	reg := registry.New(registry.WithLogger(logger))
	e.closers = append(e.closers, reg.Close)
	pool := workerpool.New(reg, harnessKindConfigs(), workerpool.WithPoolLogger(logger))
	e.closers = append(e.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	var orch *orchestrator.Orchestrator
	tracker := progress.New(progress.WithDispatcher(progress.DispatcherFunc(
		func(ctx context.Context, userID string, trig progress.Trigger) (string, error) {
			return orch.DispatchIntervention(ctx, userID, trig)
		})))
	orch = orchestrator.New(orchestrator.Deps{
		Registry: reg,
		Pool:     pool,
		Upstream: client,
		Composer: lesson.NewComposer(upstream.NewKnowledgeClient(client), upstream.NewEncyclopediaClient(client)),
		Lessons:  lessonstore.New(),
		Tracker:  tracker,
	},
		orchestrator.WithOrchestratorLogger(logger),
		orchestrator.WithSimulationPollInterval(50*time.Millisecond),
		orchestrator.WithHeartbeatInterval(p.StallThreshold/2))
	e.orch = orch

	cfg := gateway.DefaultServerConfig()
	cfg.Debug = false
	cfg.RateLimitRPS = 0
	srv := gateway.NewServer(orch, cfg, logger)
	web := httptest.NewServer(srv.Handler())
	e.closers = append(e.closers, web.Close)
	e.baseURL = web.URL
	return e
}
