package lessonstore

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
	"github.com/vedanthundare/Gurukul-sub002/internal/lesson"
)

func sampleLesson() *lesson.Lesson {
	return &lesson.Lesson{
		Subject:           "science",
		Topic:             "motion",
		Title:             "Motion",
		Body:              "# Motion\n\nA body in motion stays in motion.",
		Activity:          "List three moving things.",
		Question:          "What slows a rolling ball?",
		KnowledgeBaseUsed: true,
		Sources: []lesson.Source{
			{Text: "A body in motion stays in motion.", SourceName: "physics-notes", Store: lesson.StoreKnowledgeBase},
		},
		Metadata: lesson.Metadata{CreatedBy: "u1", GenerationMethod: lesson.MethodKnowledgeEnhanced},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	want := sampleLesson()

	if err := s.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "science", "motion")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, want)
	}
}

func TestKeyNormalization(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Put(ctx, sampleLesson()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Get(ctx, "Science", "  MOTION "); err != nil {
		t.Errorf("normalized lookup failed: %v", err)
	}
	if !s.Exists(ctx, "SCIENCE", "Motion") {
		t.Error("Exists should normalize the same way as Get")
	}
}

func TestGetUnknown(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "science", "gravity")
	if !errkind.IsKind(err, errkind.UnknownTask) {
		t.Errorf("Get unknown = %v, want not-found kind", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Put(ctx, sampleLesson()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	first, _ := s.Get(ctx, "science", "motion")
	first.Body = "mutated"
	first.Sources[0].Text = "mutated"

	second, _ := s.Get(ctx, "science", "motion")
	if second.Body == "mutated" || second.Sources[0].Text == "mutated" {
		t.Error("mutating a returned lesson leaked into the store")
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lessons.json")
	ctx := context.Background()

	s := New(WithPersistencePath(path))
	if err := s.Put(ctx, sampleLesson()); err != nil {
		t.Fatalf("Put: %v", err)
	}

	restored := New(WithPersistencePath(path))
	got, err := restored.Get(ctx, "science", "motion")
	if err != nil {
		t.Fatalf("Get after restore: %v", err)
	}
	if got.Body != sampleLesson().Body {
		t.Errorf("restored body = %q", got.Body)
	}
	if restored.Count() != 1 {
		t.Errorf("Count = %d, want 1", restored.Count())
	}
}
