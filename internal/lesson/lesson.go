// Package lesson composes Lesson artifacts from knowledge-store and
// encyclopedia content under strict source isolation: content from a
// disabled source must never appear in the output, in any form.
package lesson

import (
	"strings"
	"time"

	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
)

// EncyclopediaMarker is the attribution prefix for encyclopedia content.
// It may appear in a lesson body only when include_encyclopedia is set.
const EncyclopediaMarker = "According to Encyclopedia"

// Store names for lesson sources.
const (
	StoreKnowledgeBase = "knowledge_base"
	StoreEncyclopedia  = "encyclopedia"
)

// Generation methods recorded in lesson metadata.
const (
	MethodKnowledgeEnhanced = "knowledge_enhanced"
	MethodStandard          = "standard"
	MethodTemplate          = "template"
)

// Request is the normalized input to the composer.
type Request struct {
	Subject             string `json:"subject"`
	Topic               string `json:"topic"`
	UserID              string `json:"user_id"`
	IncludeEncyclopedia bool   `json:"include_encyclopedia"`
	UseKnowledgeStore   bool   `json:"use_knowledge_store"`
	ForceRegenerate     bool   `json:"force_regenerate"`
}

// Validate rejects structurally bad requests.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Subject) == "" {
		return errkind.Validation("subject is required")
	}
	if strings.TrimSpace(r.Topic) == "" {
		return errkind.Validation("topic is required")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return errkind.Validation("user_id is required")
	}
	return nil
}

// Source is one attributed snippet inside a Lesson.
type Source struct {
	Text       string `json:"text"`
	SourceName string `json:"source_name"`
	Store      string `json:"store"`
	URL        string `json:"url,omitempty"`
}

// Metadata records provenance for a Lesson.
type Metadata struct {
	CreatedAt        time.Time `json:"created_at"`
	CreatedBy        string    `json:"created_by"`
	GenerationMethod string    `json:"generation_method"`
}

// Lesson is the composed artifact.
type Lesson struct {
	Subject           string   `json:"subject"`
	Topic             string   `json:"topic"`
	Title             string   `json:"title"`
	Body              string   `json:"body"`
	Activity          string   `json:"activity"`
	Question          string   `json:"question"`
	Sources           []Source `json:"sources"`
	KnowledgeBaseUsed bool     `json:"knowledge_base_used"`
	EncyclopediaUsed  bool     `json:"encyclopedia_used"`
	Metadata          Metadata `json:"metadata"`
}

// Validate enforces the artifact invariants: flags agree with sources,
// the body is non-empty, and no disabled source leaks through.
func (l *Lesson) Validate(req Request) error {
	if strings.TrimSpace(l.Body) == "" {
		return errkind.Internalf("lesson body is empty")
	}
	var kb, enc bool
	for _, s := range l.Sources {
		switch s.Store {
		case StoreKnowledgeBase:
			kb = true
		case StoreEncyclopedia:
			enc = true
		default:
			return errkind.Internalf("unknown source store %q", s.Store)
		}
	}
	if l.KnowledgeBaseUsed != kb {
		return errkind.Internalf("knowledge_base_used=%v disagrees with sources", l.KnowledgeBaseUsed)
	}
	if l.EncyclopediaUsed != enc {
		return errkind.Internalf("encyclopedia_used=%v disagrees with sources", l.EncyclopediaUsed)
	}
	if !req.IncludeEncyclopedia {
		if enc {
			return errkind.Internalf("encyclopedia source present but include_encyclopedia=false")
		}
		if strings.Contains(l.Body, EncyclopediaMarker) {
			return errkind.Internalf("encyclopedia phrasing leaked into an isolated lesson")
		}
	}
	if !req.UseKnowledgeStore && kb {
		return errkind.Internalf("knowledge source present but use_knowledge_store=false")
	}
	return nil
}
