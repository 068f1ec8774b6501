package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vedanthundare/Gurukul-sub002/internal/logging"
	"github.com/vedanthundare/Gurukul-sub002/internal/registry"
)

// apiClient is the thin HTTP driver: scenarios only ever touch the
// gateway, never the internals.
type apiClient struct {
	base string
	hc   *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: base, hc: &http.Client{Timeout: 90 * time.Second}}
}

type submitOutcome struct {
	status     int
	taskID     string
	retryAfter string
	errorKind  string
}

func (a *apiClient) submit(ctx context.Context, kind, userID string, inputs any) (submitOutcome, error) {
	payload, err := json.Marshal(map[string]any{"kind": kind, "user_id": userID, "inputs": inputs})
	if err != nil {
		return submitOutcome{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/tasks", bytes.NewReader(payload))
	if err != nil {
		return submitOutcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.hc.Do(req)
	if err != nil {
		return submitOutcome{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)

	var body struct {
		TaskID    string `json:"task_id"`
		ErrorKind string `json:"error_kind"`
	}
	_ = json.Unmarshal(data, &body)
	return submitOutcome{
		status:     resp.StatusCode,
		taskID:     body.TaskID,
		retryAfter: resp.Header.Get("Retry-After"),
		errorKind:  body.ErrorKind,
	}, nil
}

type taskSnapshot struct {
	TaskID          string              `json:"task_id"`
	State           registry.State      `json:"state"`
	ProgressPercent int                 `json:"progress_percent"`
	Error           *registry.TaskError `json:"error"`
}

func (a *apiClient) task(ctx context.Context, taskID string) (*taskSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/api/tasks/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET task %s: HTTP %d", taskID, resp.StatusCode)
	}
	var snap taskSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

type progressEvent struct {
	Seq       int64     `json:"seq"`
	EmittedAt time.Time `json:"emitted_at"`
	Percent   int       `json:"percent"`
}

func (a *apiClient) events(ctx context.Context, taskID string) ([]progressEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/api/tasks/"+taskID+"/events", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		Events []progressEvent `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Events, nil
}

func (a *apiClient) cancel(ctx context.Context, taskID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/tasks/"+taskID+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := a.hc.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel %s: HTTP %d", taskID, resp.StatusCode)
	}
	return nil
}

type circuitView struct {
	Service  string `json:"service"`
	Endpoint string `json:"endpoint"`
	Status   string `json:"status"`
}

func (a *apiClient) circuits(ctx context.Context) ([]circuitView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/api/integration/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		Circuits []circuitView `json:"circuits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Circuits, nil
}

func (a *apiClient) waitTerminal(ctx context.Context, taskID string, within time.Duration) (*taskSnapshot, error) {
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		snap, err := a.task(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if snap.State.IsTerminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("task %s still not terminal after %v", taskID, within)
}

// RunBursty floods the gateway with concurrent submissions and checks
// that every request is answered decisively: accepted work settles,
// rejected work carries a usable retry hint, nothing is lost.
func RunBursty(ctx context.Context, p Params, logger logging.Logger) Report {
	report := Report{Scenario: "bursty", StartedAt: time.Now()}
	e := newEnv(p, logger)
	defer e.close()
	e.stub.setLatency(p.JobDuration)
	api := newAPIClient(e.baseURL)

	var (
		mu         sync.Mutex
		accepted   []string
		rejected   int
		badReject  int
		unexpected int
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.Clients; i++ {
		g.Go(func() error {
			out, err := api.submit(gctx, "tts", fmt.Sprintf("burst-user-%d", i),
				map[string]any{"text": fmt.Sprintf("burst utterance %d", i)})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch out.status {
			case http.StatusAccepted:
				accepted = append(accepted, out.taskID)
			case http.StatusServiceUnavailable:
				rejected++
				if out.retryAfter == "" || out.errorKind != "backpressure" {
					badReject++
				}
			default:
				unexpected++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		report.check("burst submitted", false, err.Error())
		report.FinishedAt = time.Now()
		report.Elapsed = report.FinishedAt.Sub(report.StartedAt)
		return report
	}

	report.check("every submission answered decisively", unexpected == 0,
		fmt.Sprintf("accepted=%d rejected=%d unexpected=%d", len(accepted), rejected, unexpected))
	report.check("at least one submission accepted", len(accepted) > 0,
		fmt.Sprintf("accepted=%d of %d", len(accepted), p.Clients))
	report.check("rejections carry retry_after and backpressure kind", badReject == 0,
		fmt.Sprintf("malformed rejections=%d of %d", badReject, rejected))

	var latencies []time.Duration
	settled, completed := 0, 0
	start := time.Now()
	for _, id := range accepted {
		snap, err := api.waitTerminal(ctx, id, 4*p.JobDuration*time.Duration(p.Clients)+30*time.Second)
		if err != nil {
			continue
		}
		settled++
		if snap.State == registry.StateCompleted {
			completed++
		}
		latencies = append(latencies, time.Since(start))
	}
	report.check("accepted tasks all settle", settled == len(accepted),
		fmt.Sprintf("settled=%d of %d", settled, len(accepted)))
	report.check("accepted tasks all complete", completed == len(accepted),
		fmt.Sprintf("completed=%d of %d", completed, len(accepted)))

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		p95 := latencies[(len(latencies)*95)/100]
		budget := 4*p.JobDuration*time.Duration(p.Clients) + 10*time.Second
		report.check("p95 drain latency within budget", p95 <= budget,
			fmt.Sprintf("p95=%v budget=%v", p95, budget))
	}

	report.FinishedAt = time.Now()
	report.Elapsed = report.FinishedAt.Sub(report.StartedAt)
	return report
}

// RunHighLatency slows every upstream and checks that progress keeps
// flowing under the stall threshold and that cancellation stays prompt
// even while an upstream call is parked.
func RunHighLatency(ctx context.Context, p Params, logger logging.Logger) Report {
	report := Report{Scenario: "high_latency", StartedAt: time.Now()}
	e := newEnv(p, logger)
	defer e.close()
	e.stub.setLatency(p.JobDuration)
	api := newAPIClient(e.baseURL)

	// Phase 1: a lesson task emits progress around each slow fetch; no
	// gap between consecutive signals may exceed the stall threshold.
	out, err := api.submit(ctx, "lesson", "latency-user", map[string]any{
		"subject": "science", "topic": "erosion", "user_id": "latency-user",
		"use_knowledge_store": true, "include_encyclopedia": true,
	})
	if err != nil || out.status != http.StatusAccepted {
		report.check("slow lesson accepted", false, fmt.Sprintf("status=%d err=%v", out.status, err))
	} else {
		snap, err := api.waitTerminal(ctx, out.taskID, 10*p.JobDuration+30*time.Second)
		report.check("slow lesson settles", err == nil && snap != nil,
			fmt.Sprintf("err=%v", err))
		if err == nil {
			report.check("slow lesson completes", snap.State == registry.StateCompleted,
				fmt.Sprintf("state=%s", snap.State))
			events, eerr := api.events(ctx, out.taskID)
			maxGap := time.Duration(0)
			if eerr == nil && len(events) > 0 {
				prev := report.StartedAt
				for _, ev := range events {
					if gap := ev.EmittedAt.Sub(prev); gap > maxGap {
						maxGap = gap
					}
					prev = ev.EmittedAt
				}
			}
			report.check("progress gaps stay under the stall threshold",
				eerr == nil && len(events) > 0 && maxGap <= p.StallThreshold,
				fmt.Sprintf("events=%d max_gap=%v threshold=%v", len(events), maxGap, p.StallThreshold))
		}
	}

	// Phase 2: cancel must take effect promptly while the job is parked
	// inside a slow upstream call.
	e.stub.setLatency(10 * p.JobDuration)
	out, err = api.submit(ctx, "tts", "cancel-user", map[string]any{"text": "very slow"})
	if err != nil || out.status != http.StatusAccepted {
		report.check("slow tts accepted", false, fmt.Sprintf("status=%d err=%v", out.status, err))
	} else {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			snap, terr := api.task(ctx, out.taskID)
			if terr == nil && snap.State == registry.StateRunning {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancelAt := time.Now()
		cerr := api.cancel(ctx, out.taskID)
		snap, werr := api.waitTerminal(ctx, out.taskID, 5*time.Second)
		effective := time.Since(cancelAt)
		report.check("cancel lands within five seconds",
			cerr == nil && werr == nil && snap.State == registry.StateCancelled && effective <= 5*time.Second,
			fmt.Sprintf("cancel_err=%v wait_err=%v took=%v", cerr, werr, effective))
	}

	report.FinishedAt = time.Now()
	report.Elapsed = report.FinishedAt.Sub(report.StartedAt)
	return report
}

// RunConnectivity kills the upstreams, verifies the breaker opens within
// the failure threshold and fails fast while open, then heals the
// upstreams and verifies one probe closes it again.
func RunConnectivity(ctx context.Context, p Params, logger logging.Logger) Report {
	report := Report{Scenario: "connectivity", StartedAt: time.Now()}
	e := newEnv(p, logger)
	defer e.close()
	api := newAPIClient(e.baseURL)
	e.stub.setFailing(true)

	// Drive failures one task at a time so breaker state is observable
	// between attempts.
	failures := 0
	for i := 0; i < p.FailureThreshold; i++ {
		out, err := api.submit(ctx, "tts", fmt.Sprintf("conn-user-%d", i),
			map[string]any{"text": fmt.Sprintf("doomed %d", i)})
		if err != nil || out.status != http.StatusAccepted {
			continue
		}
		snap, err := api.waitTerminal(ctx, out.taskID, 30*time.Second)
		if err == nil && snap.State == registry.StateFailed {
			failures++
		}
	}
	report.check("failures recorded up to the threshold", failures == p.FailureThreshold,
		fmt.Sprintf("failed tasks=%d threshold=%d", failures, p.FailureThreshold))

	circuits, err := api.circuits(ctx)
	open := breakerState(circuits, "tts")
	report.check("breaker opens at the threshold", err == nil && open == "open",
		fmt.Sprintf("state=%q err=%v", open, err))

	// While open, a new task must fail fast without touching the wire.
	before := e.stub.callCount()
	out, err := api.submit(ctx, "tts", "conn-user-open", map[string]any{"text": "blocked"})
	if err == nil && out.status == http.StatusAccepted {
		snap, werr := api.waitTerminal(ctx, out.taskID, 10*time.Second)
		failFast := werr == nil && snap.State == registry.StateFailed &&
			snap.Error != nil && snap.Error.Kind == "circuit_open"
		report.check("open breaker fails fast without network calls",
			failFast && e.stub.callCount() == before,
			fmt.Sprintf("state=%v calls_before=%d calls_after=%d", snapState(snap), before, e.stub.callCount()))
	} else {
		report.check("open breaker fails fast without network calls", false,
			fmt.Sprintf("status=%d err=%v", out.status, err))
	}

	// Heal and wait out the open window; the next task is the probe.
	e.stub.setFailing(false)
	time.Sleep(p.OpenDuration + 100*time.Millisecond)

	out, err = api.submit(ctx, "tts", "conn-user-heal", map[string]any{"text": "recovered"})
	if err == nil && out.status == http.StatusAccepted {
		snap, werr := api.waitTerminal(ctx, out.taskID, 30*time.Second)
		recovered := werr == nil && snap.State == registry.StateCompleted
		circuits, _ = api.circuits(ctx)
		report.check("one probe closes the breaker after recovery",
			recovered && breakerState(circuits, "tts") == "closed",
			fmt.Sprintf("state=%v breaker=%q", snapState(snap), breakerState(circuits, "tts")))
	} else {
		report.check("one probe closes the breaker after recovery", false,
			fmt.Sprintf("status=%d err=%v", out.status, err))
	}

	report.FinishedAt = time.Now()
	report.Elapsed = report.FinishedAt.Sub(report.StartedAt)
	return report
}

func breakerState(circuits []circuitView, service string) string {
	for _, c := range circuits {
		if c.Service == service {
			return c.Status
		}
	}
	return ""
}

func snapState(snap *taskSnapshot) string {
	if snap == nil {
		return "<none>"
	}
	if snap.Error != nil {
		return fmt.Sprintf("%s(%s)", snap.State, snap.Error.Kind)
	}
	return string(snap.State)
}

// RunAll executes every scenario in order.
func RunAll(ctx context.Context, p Params, logger logging.Logger) []Report {
	return []Report{
		RunBursty(ctx, p, logger),
		RunHighLatency(ctx, p, logger),
		RunConnectivity(ctx, p, logger),
	}
}
