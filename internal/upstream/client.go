// Package upstream wraps every external service call with per-endpoint
// circuit breakers, bounded retries, and timeouts. It is the only place
// the orchestration core touches the network.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vedanthundare/Gurukul-sub002/internal/backoff"
	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
	"github.com/vedanthundare/Gurukul-sub002/internal/logging"
)

const (
	maxResponseBytes = 10 << 20
	callLogCapacity  = 256
)

// CallStatus classifies the outcome of one attempt.
type CallStatus string

const (
	CallOK           CallStatus = "ok"
	CallTimeout      CallStatus = "timeout"
	CallHTTPError    CallStatus = "http_error"
	CallNetworkError CallStatus = "network_error"
	CallCancelled    CallStatus = "cancelled"
)

// CallRecord is one attempt against an external service, retained for
// observability only.
type CallRecord struct {
	Service      string     `json:"service"`
	Endpoint     string     `json:"endpoint"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      time.Time  `json:"ended_at"`
	Status       CallStatus `json:"status"`
	HTTPStatus   int        `json:"http_status,omitempty"`
	AttemptIndex int        `json:"attempt_index"`
}

// EndpointConfig carries the per-endpoint resilience knobs.
type EndpointConfig struct {
	ConnectTimeout     time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	OverallTimeout     time.Duration `json:"overall_timeout" mapstructure:"overall_timeout"`
	MaxRetries         int           `json:"max_retries" mapstructure:"max_retries"`
	FailureThreshold   int           `json:"failure_threshold" mapstructure:"failure_threshold"`
	OpenDuration       time.Duration `json:"open_duration" mapstructure:"open_duration"`
	HalfOpenProbeLimit int           `json:"half_open_probe_limit" mapstructure:"half_open_probe_limit"`
}

// DefaultEndpointConfig returns the baseline knobs; long-running
// endpoints override OverallTimeout per service.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		ConnectTimeout:     2 * time.Second,
		OverallTimeout:     30 * time.Second,
		MaxRetries:         3,
		FailureThreshold:   5,
		OpenDuration:       30 * time.Second,
		HalfOpenProbeLimit: 1,
	}
}

// Request describes one logical upstream request.
type Request struct {
	Method     string
	Path       string
	Query      url.Values
	Body       []byte
	Header     http.Header
	Idempotent bool
}

// Response is the decoded-enough result handed back to typed clients.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client is the breaker-guarded HTTP client.
type Client struct {
	httpClient *http.Client
	baseURLs   map[string]string
	defaults   EndpointConfig
	configs    map[string]EndpointConfig

	mu       sync.Mutex
	breakers map[string]*breaker
	calls    []CallRecord
	callPos  int

	now      func() time.Time
	logger   logging.Logger
	observer func(CallRecord)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDefaultConfig replaces the baseline endpoint config.
func WithDefaultConfig(cfg EndpointConfig) ClientOption {
	return func(c *Client) { c.defaults = cfg }
}

// WithEndpointConfig overrides the config for one (service, endpoint).
func WithEndpointConfig(service, endpoint string, cfg EndpointConfig) ClientOption {
	return func(c *Client) { c.configs[breakerKey(service, endpoint)] = cfg }
}

// WithServiceConfig overrides the config for every endpoint of a service.
func WithServiceConfig(service string, cfg EndpointConfig) ClientOption {
	return func(c *Client) { c.configs[service] = cfg }
}

// WithHTTPClient substitutes the underlying transport, for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithClientLogger attaches a logger.
func WithClientLogger(logger logging.Logger) ClientOption {
	return func(c *Client) { c.logger = logging.OrNop(logger) }
}

// WithObserver registers a hook invoked for every attempt record.
func WithObserver(fn func(CallRecord)) ClientOption {
	return func(c *Client) { c.observer = fn }
}

// WithClientClock overrides the time source, for tests.
func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient builds a Client. baseURLs maps symbolic service names to
// their base URLs.
func NewClient(baseURLs map[string]string, opts ...ClientOption) *Client {
	c := &Client{
		baseURLs: baseURLs,
		defaults: DefaultEndpointConfig(),
		configs:  make(map[string]EndpointConfig),
		breakers: make(map[string]*breaker),
		calls:    make([]CallRecord, 0, callLogCapacity),
		now:      time.Now,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		dialer := &net.Dialer{Timeout: c.defaults.ConnectTimeout}
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConnsPerHost: 8,
			},
		}
	}
	return c
}

func breakerKey(service, endpoint string) string {
	return service + "/" + strings.TrimPrefix(endpoint, "/")
}

func (c *Client) configFor(service, endpoint string) EndpointConfig {
	if cfg, ok := c.configs[breakerKey(service, endpoint)]; ok {
		return cfg
	}
	if cfg, ok := c.configs[service]; ok {
		return cfg
	}
	return c.defaults
}

func (c *Client) breakerFor(service, endpoint string) *breaker {
	key := breakerKey(service, endpoint)
	c.mu.Lock()
	defer c.mu.Unlock()
	br, ok := c.breakers[key]
	if !ok {
		cfg := c.configFor(service, endpoint)
		br = newBreaker(cfg, c.now, func(from, to BreakerState) {
			c.logger.Warn("breaker %s: %s -> %s", key, from, to)
		})
		c.breakers[key] = br
	}
	return br
}

// Call performs one logical request with retries as permitted. Only
// requests marked Idempotent are retried; the overall timeout caps
// total wall time including retries.
func (c *Client) Call(ctx context.Context, service, endpoint string, req Request) (*Response, error) {
	base, ok := c.baseURLs[service]
	if !ok {
		return nil, errkind.Internalf("no base URL configured for service %q", service)
	}
	cfg := c.configFor(service, endpoint)
	br := c.breakerFor(service, endpoint)

	ctx, cancel := context.WithTimeout(ctx, cfg.OverallTimeout)
	defer cancel()

	attempts := 1
	if req.Idempotent {
		attempts = cfg.MaxRetries + 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, attempt-1); err != nil {
				return nil, classifyContextErr(ctx, err)
			}
		}

		probe, err := br.allow()
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		startedAt := c.now()
		resp, status, httpStatus, err := c.doOnce(ctx, base, service, endpoint, req)
		c.recordCall(CallRecord{
			Service:      service,
			Endpoint:     endpoint,
			StartedAt:    startedAt,
			EndedAt:      c.now(),
			Status:       status,
			HTTPStatus:   httpStatus,
			AttemptIndex: attempt,
		})

		switch status {
		case CallOK:
			br.record(true, probe)
			return resp, nil
		case CallCancelled:
			// The caller went away; the breaker learns nothing.
			br.record(true, probe)
			return nil, errkind.Wrap(errkind.Cancelled, err, "%s %s cancelled", service, endpoint)
		case CallHTTPError:
			if httpStatus >= 400 && httpStatus < 500 {
				// A 4xx is a received answer: the service is healthy,
				// the request is wrong. Never retried, never counted.
				br.record(true, probe)
				return resp, errkind.New(errkind.InvalidInput,
					"%s %s rejected the request with HTTP %d", service, endpoint, httpStatus)
			}
			br.record(false, probe)
			lastErr = errkind.New(errkind.UpstreamUnavailable,
				"%s %s returned HTTP %d", service, endpoint, httpStatus)
		case CallTimeout:
			br.record(false, probe)
			lastErr = errkind.Wrap(errkind.Timeout, err, "%s %s timed out", service, endpoint)
		case CallNetworkError:
			br.record(false, probe)
			lastErr = errkind.Wrap(errkind.UpstreamUnavailable, err, "%s %s unreachable", service, endpoint)
		}
		c.logger.Debug("call %s/%s attempt %d failed: %v", service, endpoint, attempt, lastErr)

		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, base, service, endpoint string, req Request) (*Response, CallStatus, int, error) {
	fullURL := strings.TrimRight(base, "/") + "/" + strings.TrimPrefix(req.Path, "/")
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, CallNetworkError, 0, err
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, CallTimeout, 0, err
		case errors.Is(err, context.Canceled):
			return nil, CallCancelled, 0, err
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, CallTimeout, 0, err
		}
		return nil, CallNetworkError, 0, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes+1))
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, CallTimeout, httpResp.StatusCode, err
		case errors.Is(err, context.Canceled):
			return nil, CallCancelled, httpResp.StatusCode, err
		}
		return nil, CallNetworkError, httpResp.StatusCode, err
	}
	if len(data) > maxResponseBytes {
		return nil, CallHTTPError, httpResp.StatusCode,
			fmt.Errorf("response from %s/%s exceeds %d bytes", service, endpoint, maxResponseBytes)
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Body: data}
	if httpResp.StatusCode >= 400 {
		return resp, CallHTTPError, httpResp.StatusCode, nil
	}
	return resp, CallOK, httpResp.StatusCode, nil
}

func classifyContextErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errkind.Wrap(errkind.Timeout, err, "overall timeout elapsed during backoff")
	}
	return errkind.Wrap(errkind.Cancelled, err, "cancelled during backoff")
}

func (c *Client) recordCall(rec CallRecord) {
	c.mu.Lock()
	if len(c.calls) < callLogCapacity {
		c.calls = append(c.calls, rec)
	} else {
		c.calls[c.callPos] = rec
		c.callPos = (c.callPos + 1) % callLogCapacity
	}
	c.mu.Unlock()
	if c.observer != nil {
		c.observer(rec)
	}
}

// State returns the breaker snapshot for one endpoint.
func (c *Client) State(service, endpoint string) CircuitState {
	return c.breakerFor(service, endpoint).snapshot(service, endpoint)
}

// Snapshot returns every breaker's state, for the status endpoint.
func (c *Client) Snapshot() []CircuitState {
	c.mu.Lock()
	keys := make([]string, 0, len(c.breakers))
	for key := range c.breakers {
		keys = append(keys, key)
	}
	brs := make(map[string]*breaker, len(c.breakers))
	for k, v := range c.breakers {
		brs[k] = v
	}
	c.mu.Unlock()

	out := make([]CircuitState, 0, len(keys))
	for _, key := range keys {
		service, endpoint, _ := strings.Cut(key, "/")
		out = append(out, brs[key].snapshot(service, endpoint))
	}
	return out
}

// RecentCalls returns a copy of the retained attempt records.
func (c *Client) RecentCalls() []CallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CallRecord, len(c.calls))
	copy(out, c.calls)
	return out
}
