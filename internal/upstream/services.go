package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/kaptinlin/jsonrepair"

	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
)

// Symbolic service names used for base URLs, breakers, and metrics.
const (
	ServiceKnowledge    = "knowledge"
	ServiceEncyclopedia = "encyclopedia"
	ServiceTutoring     = "tutoring"
	ServiceTTS          = "tts"
	ServiceSimulation   = "simulation"
)

// decodeLenient unmarshals an upstream payload, repairing near-JSON
// first. Generation services occasionally emit trailing commas or
// unquoted keys.
func decodeLenient(service, endpoint string, data []byte, out any) error {
	if err := json.Unmarshal(data, out); err == nil {
		return nil
	}
	fixed, repairErr := jsonrepair.JSONRepair(string(data))
	if repairErr != nil {
		return errkind.New(errkind.UpstreamUnavailable,
			"%s %s returned an undecodable payload", service, endpoint)
	}
	if err := json.Unmarshal([]byte(fixed), out); err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, err,
			"%s %s payload invalid after repair", service, endpoint)
	}
	return nil
}

// Passage is one ranked snippet from the knowledge retriever.
type Passage struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// KnowledgeClient queries the retrieval-augmented knowledge store.
type KnowledgeClient struct {
	c *Client
}

func NewKnowledgeClient(c *Client) *KnowledgeClient {
	return &KnowledgeClient{c: c}
}

// Search returns ranked passages for a (subject, topic) query.
func (k *KnowledgeClient) Search(ctx context.Context, subject, topic string) ([]Passage, error) {
	q := url.Values{}
	q.Set("subject", subject)
	q.Set("topic", topic)
	resp, err := k.c.Call(ctx, ServiceKnowledge, "/search", Request{
		Method:     http.MethodGet,
		Path:       "/search",
		Query:      q,
		Idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Passages []Passage `json:"passages"`
	}
	if err := decodeLenient(ServiceKnowledge, "/search", resp.Body, &payload); err != nil {
		return nil, err
	}
	return payload.Passages, nil
}

// EncyclopediaSummary is the encyclopedia fetcher's answer for a title.
type EncyclopediaSummary struct {
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	URL     string   `json:"url"`
	Related []string `json:"related"`
}

// EncyclopediaClient fetches article summaries.
type EncyclopediaClient struct {
	c *Client
}

func NewEncyclopediaClient(c *Client) *EncyclopediaClient {
	return &EncyclopediaClient{c: c}
}

// Summary fetches the summary for a title.
func (e *EncyclopediaClient) Summary(ctx context.Context, title string) (*EncyclopediaSummary, error) {
	q := url.Values{}
	q.Set("title", title)
	resp, err := e.c.Call(ctx, ServiceEncyclopedia, "/summary", Request{
		Method:     http.MethodGet,
		Path:       "/summary",
		Query:      q,
		Idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	var out EncyclopediaSummary
	if err := decodeLenient(ServiceEncyclopedia, "/summary", resp.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InterventionContext is what the tutoring service receives.
type InterventionContext struct {
	UserID      string            `json:"user_id"`
	TriggerKind string            `json:"trigger_kind"`
	Subject     string            `json:"subject,omitempty"`
	Topic       string            `json:"topic,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

// Recommendation is the tutoring service's answer.
type Recommendation struct {
	Message    string   `json:"message"`
	Actions    []string `json:"actions"`
	LessonRefs []string `json:"lesson_refs,omitempty"`
}

// TutoringClient calls the tutoring service. The deployment does not
// advertise idempotency keys, so calls are single-attempt.
type TutoringClient struct {
	c *Client
}

func NewTutoringClient(c *Client) *TutoringClient {
	return &TutoringClient{c: c}
}

func (t *TutoringClient) Recommend(ctx context.Context, ic InterventionContext) (*Recommendation, error) {
	body, err := json.Marshal(ic)
	if err != nil {
		return nil, errkind.Internalf("encode intervention context: %v", err)
	}
	resp, err := t.c.Call(ctx, ServiceTutoring, "/recommendations", Request{
		Method:     http.MethodPost,
		Path:       "/recommendations",
		Body:       body,
		Idempotent: false,
	})
	if err != nil {
		return nil, err
	}
	var out Recommendation
	if err := decodeLenient(ServiceTutoring, "/recommendations", resp.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AudioResult references synthesized speech.
type AudioResult struct {
	ContentType string `json:"content_type"`
	AudioBase64 string `json:"audio_base64"`
	DurationMS  int    `json:"duration_ms"`
}

// TTSClient calls the speech synthesis service. A request is retried
// only when the caller supplies an idempotency key.
type TTSClient struct {
	c *Client
}

func NewTTSClient(c *Client) *TTSClient {
	return &TTSClient{c: c}
}

func (t *TTSClient) Synthesize(ctx context.Context, text, voice, idempotencyKey string) (*AudioResult, error) {
	body, err := json.Marshal(map[string]string{"text": text, "voice": voice})
	if err != nil {
		return nil, errkind.Internalf("encode tts request: %v", err)
	}
	req := Request{
		Method:     http.MethodPost,
		Path:       "/synthesize",
		Body:       body,
		Idempotent: idempotencyKey != "",
	}
	if idempotencyKey != "" {
		req.Header = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}
	resp, err := t.c.Call(ctx, ServiceTTS, "/synthesize", req)
	if err != nil {
		return nil, err
	}
	var out AudioResult
	if err := decodeLenient(ServiceTTS, "/synthesize", resp.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SimulationHandle is the remote task handle for a started simulation.
type SimulationHandle struct {
	ID string `json:"id"`
}

// SimulationStatus is one poll of a remote simulation.
type SimulationStatus struct {
	State   string          `json:"state"`
	Percent int             `json:"percent"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SimulationClient starts and polls financial simulations.
type SimulationClient struct {
	c *Client
}

func NewSimulationClient(c *Client) *SimulationClient {
	return &SimulationClient{c: c}
}

// Start submits a simulation payload and returns its remote handle.
func (s *SimulationClient) Start(ctx context.Context, payload json.RawMessage) (*SimulationHandle, error) {
	resp, err := s.c.Call(ctx, ServiceSimulation, "/simulations", Request{
		Method:     http.MethodPost,
		Path:       "/simulations",
		Body:       payload,
		Idempotent: false,
	})
	if err != nil {
		return nil, err
	}
	var out SimulationHandle
	if err := decodeLenient(ServiceSimulation, "/simulations", resp.Body, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, errkind.New(errkind.UpstreamUnavailable, "simulation service returned no handle")
	}
	return &out, nil
}

// Status polls one simulation by handle.
func (s *SimulationClient) Status(ctx context.Context, handle string) (*SimulationStatus, error) {
	resp, err := s.c.Call(ctx, ServiceSimulation, "/simulations/status", Request{
		Method:     http.MethodGet,
		Path:       "/simulations/" + url.PathEscape(handle),
		Idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	var out SimulationStatus
	if err := decodeLenient(ServiceSimulation, "/simulations/status", resp.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
