package lesson

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
	"github.com/vedanthundare/Gurukul-sub002/internal/logging"
	"github.com/vedanthundare/Gurukul-sub002/internal/upstream"
)

// KnowledgeRetriever fetches ranked passages for a (subject, topic).
type KnowledgeRetriever interface {
	Search(ctx context.Context, subject, topic string) ([]upstream.Passage, error)
}

// EncyclopediaFetcher fetches an article summary for a title.
type EncyclopediaFetcher interface {
	Summary(ctx context.Context, title string) (*upstream.EncyclopediaSummary, error)
}

// Composer builds Lesson artifacts. It never consults existing
// artifacts; conflict handling on creation belongs to the gateway.
type Composer struct {
	retriever    KnowledgeRetriever
	encyclopedia EncyclopediaFetcher
	encCache     *lru.Cache[string, *upstream.EncyclopediaSummary]
	logger       logging.Logger
	now          func() time.Time
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithComposerLogger attaches a logger.
func WithComposerLogger(logger logging.Logger) ComposerOption {
	return func(c *Composer) { c.logger = logging.OrNop(logger) }
}

// WithEncyclopediaCache bounds repeat summary fetches with an LRU of
// the given size. The cache holds per-source content only, so source
// isolation is unaffected: a cached summary is still attached only to
// requests that enable the encyclopedia.
func WithEncyclopediaCache(size int) ComposerOption {
	return func(c *Composer) {
		if cache, err := lru.New[string, *upstream.EncyclopediaSummary](size); err == nil {
			c.encCache = cache
		}
	}
}

// WithComposerClock overrides the time source, for tests.
func WithComposerClock(now func() time.Time) ComposerOption {
	return func(c *Composer) {
		if now != nil {
			c.now = now
		}
	}
}

// NewComposer builds a Composer over the two content upstreams.
func NewComposer(retriever KnowledgeRetriever, encyclopedia EncyclopediaFetcher, opts ...ComposerOption) *Composer {
	c := &Composer{
		retriever:    retriever,
		encyclopedia: encyclopedia,
		logger:       logging.Nop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose produces a Lesson for req according to the mode matrix.
// Partial degradation applies only in the both-sources mode; a mode
// whose sole required upstream fails surfaces upstream_unavailable.
func (c *Composer) Compose(ctx context.Context, req Request) (*Lesson, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		passages []upstream.Passage
		summary  *upstream.EncyclopediaSummary
		kbErr    error
		encErr   error
	)

	if req.UseKnowledgeStore {
		passages, kbErr = c.retriever.Search(ctx, req.Subject, req.Topic)
		if kbErr == nil && len(passages) == 0 {
			kbErr = errkind.Unavailable("knowledge store returned no passages for %s/%s", req.Subject, req.Topic)
		}
	}
	if req.IncludeEncyclopedia {
		summary, encErr = c.fetchSummary(ctx, req.Topic)
		if encErr == nil && strings.TrimSpace(summary.Summary) == "" {
			encErr = errkind.Unavailable("encyclopedia returned an empty summary for %s", req.Topic)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Cancelled, err, "lesson composition interrupted")
	}

	switch {
	case req.UseKnowledgeStore && req.IncludeEncyclopedia:
		// Partial degradation: one available source still yields a lesson.
		if kbErr != nil && encErr != nil {
			return nil, errkind.Wrap(errkind.UpstreamUnavailable, kbErr,
				"both content sources failed for %s/%s", req.Subject, req.Topic)
		}
		if kbErr != nil {
			c.logger.Warn("knowledge store unavailable for %s/%s, degrading to encyclopedia only: %v",
				req.Subject, req.Topic, kbErr)
			passages = nil
		}
		if encErr != nil {
			c.logger.Warn("encyclopedia unavailable for %s/%s, degrading to knowledge store only: %v",
				req.Subject, req.Topic, encErr)
			summary = nil
		}
	case req.UseKnowledgeStore:
		if kbErr != nil {
			return nil, errkind.Wrap(errkind.UpstreamUnavailable, kbErr,
				"knowledge store is the sole source for %s/%s and it failed", req.Subject, req.Topic)
		}
	case req.IncludeEncyclopedia:
		if encErr != nil {
			return nil, errkind.Wrap(errkind.UpstreamUnavailable, encErr,
				"encyclopedia is the sole source for %s/%s and it failed", req.Subject, req.Topic)
		}
	default:
		return c.finish(c.templateLesson(req), req)
	}

	// Fallback chain: enhanced -> standard -> template. A later stage is
	// tried only when the earlier one fails content validation.
	if l := c.enhancedLesson(req, passages, summary); l != nil {
		if out, err := c.finish(l, req); err == nil {
			return out, nil
		}
	}
	if l := c.standardLesson(req, passages, summary); l != nil {
		if out, err := c.finish(l, req); err == nil {
			return out, nil
		}
	}
	// A sourced mode cannot fall back to the sourceless template without
	// betraying its flags.
	return nil, errkind.Unavailable("no generator produced a valid lesson for %s/%s", req.Subject, req.Topic)
}

func (c *Composer) fetchSummary(ctx context.Context, topic string) (*upstream.EncyclopediaSummary, error) {
	key := strings.ToLower(strings.TrimSpace(topic))
	if c.encCache != nil {
		if cached, ok := c.encCache.Get(key); ok {
			return cached, nil
		}
	}
	summary, err := c.encyclopedia.Summary(ctx, topic)
	if err != nil {
		return nil, err
	}
	if c.encCache != nil {
		c.encCache.Add(key, summary)
	}
	return summary, nil
}

func (c *Composer) finish(l *Lesson, req Request) (*Lesson, error) {
	if l == nil {
		return nil, errkind.Internalf("generator returned no lesson")
	}
	if err := l.Validate(req); err != nil {
		c.logger.Warn("generated lesson for %s/%s failed validation: %v", req.Subject, req.Topic, err)
		return nil, err
	}
	return l, nil
}

// enhancedLesson builds the richest artifact: sectioned body, per-source
// attribution, study activity and check question derived from content.
func (c *Composer) enhancedLesson(req Request, passages []upstream.Passage, summary *upstream.EncyclopediaSummary) *Lesson {
	if len(passages) == 0 && summary == nil {
		return nil
	}
	l := c.skeleton(req, MethodKnowledgeEnhanced)
	var b strings.Builder

	if len(passages) > 0 {
		fmt.Fprintf(&b, "# %s\n\n", l.Title)
		b.WriteString("## Key Ideas\n\n")
		for i, p := range passages {
			fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(p.Text))
			l.Sources = append(l.Sources, Source{
				Text:       p.Text,
				SourceName: p.Source,
				Store:      StoreKnowledgeBase,
			})
		}
		b.WriteString("\n")
		l.KnowledgeBaseUsed = true
	}

	if summary != nil {
		if len(passages) > 0 {
			b.WriteString("---\n\n")
		} else {
			fmt.Fprintf(&b, "# %s\n\n", l.Title)
		}
		fmt.Fprintf(&b, "%s: %s\n", EncyclopediaMarker, strings.TrimSpace(summary.Summary))
		if summary.URL != "" {
			fmt.Fprintf(&b, "\nRead more: %s\n", summary.URL)
		}
		l.Sources = append(l.Sources, Source{
			Text:       summary.Summary,
			SourceName: summary.Title,
			Store:      StoreEncyclopedia,
			URL:        summary.URL,
		})
		l.EncyclopediaUsed = true
	}

	l.Body = b.String()
	l.Activity = fmt.Sprintf("Write a short explanation of %s in your own words, citing the ideas above.", req.Topic)
	l.Question = fmt.Sprintf("Which key idea about %s did you find most surprising, and why?", req.Topic)
	return l
}

// standardLesson is the plainer fallback: same sources, flat body.
func (c *Composer) standardLesson(req Request, passages []upstream.Passage, summary *upstream.EncyclopediaSummary) *Lesson {
	if len(passages) == 0 && summary == nil {
		return nil
	}
	l := c.skeleton(req, MethodStandard)
	var parts []string
	for _, p := range passages {
		parts = append(parts, strings.TrimSpace(p.Text))
		l.Sources = append(l.Sources, Source{Text: p.Text, SourceName: p.Source, Store: StoreKnowledgeBase})
	}
	if len(passages) > 0 {
		l.KnowledgeBaseUsed = true
	}
	if summary != nil {
		parts = append(parts, fmt.Sprintf("%s: %s", EncyclopediaMarker, strings.TrimSpace(summary.Summary)))
		l.Sources = append(l.Sources, Source{
			Text:       summary.Summary,
			SourceName: summary.Title,
			Store:      StoreEncyclopedia,
			URL:        summary.URL,
		})
		l.EncyclopediaUsed = true
	}
	l.Body = strings.Join(parts, "\n\n")
	l.Activity = fmt.Sprintf("Review the material on %s and summarize it.", req.Topic)
	l.Question = fmt.Sprintf("What is the main idea of %s?", req.Topic)
	return l
}

// templateLesson is the deterministic sourceless artifact.
func (c *Composer) templateLesson(req Request) *Lesson {
	l := c.skeleton(req, MethodTemplate)
	l.Body = fmt.Sprintf(
		"# %s\n\nThis lesson introduces %s within %s. Work through the activity below, then answer the check question.",
		l.Title, req.Topic, req.Subject)
	l.Activity = fmt.Sprintf("List three things you already know about %s.", req.Topic)
	l.Question = fmt.Sprintf("What would you like to learn about %s?", req.Topic)
	return l
}

func (c *Composer) skeleton(req Request, method string) *Lesson {
	return &Lesson{
		Subject: req.Subject,
		Topic:   req.Topic,
		Title:   titleCase(req.Topic),
		Metadata: Metadata{
			CreatedAt:        c.now(),
			CreatedBy:        req.UserID,
			GenerationMethod: method,
		},
	}
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
