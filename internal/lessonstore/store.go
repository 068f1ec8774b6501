// Package lessonstore keeps composed Lesson artifacts keyed by
// (subject, topic), with atomic JSON persistence. It backs the
// GET-by-identity path and the creation conflict rule.
package lessonstore

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
	"github.com/vedanthundare/Gurukul-sub002/internal/lesson"
	"github.com/vedanthundare/Gurukul-sub002/internal/logging"
)

// Store is a mutex-guarded map with optional snapshot persistence.
type Store struct {
	mu          sync.RWMutex
	lessons     map[string]*lesson.Lesson
	persistPath string
	logger      logging.Logger
	now         func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPersistencePath enables JSON snapshot persistence at path.
func WithPersistencePath(path string) StoreOption {
	return func(s *Store) { s.persistPath = path }
}

// WithLogger attaches a logger.
func WithLogger(logger logging.Logger) StoreOption {
	return func(s *Store) { s.logger = logging.OrNop(logger) }
}

// New builds a Store, restoring any prior snapshot.
func New(opts ...StoreOption) *Store {
	s := &Store{
		lessons: make(map[string]*lesson.Lesson),
		logger:  logging.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.persistPath != "" {
		if err := s.loadFromDisk(); err != nil {
			s.logger.Warn("lessonstore: could not load snapshot from %s: %v", s.persistPath, err)
		}
	}
	return s
}

// Key normalizes a (subject, topic) identity.
func Key(subject, topic string) string {
	normalize := func(v string) string {
		return strings.Join(strings.Fields(strings.ToLower(v)), " ")
	}
	return normalize(subject) + "/" + normalize(topic)
}

// Get returns a copy of the lesson for (subject, topic).
func (s *Store) Get(ctx context.Context, subject, topic string) (*lesson.Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lessons[Key(subject, topic)]
	if !ok {
		return nil, errkind.NotFound("no lesson for %s/%s", subject, topic)
	}
	clone := *l
	clone.Sources = append([]lesson.Source(nil), l.Sources...)
	return &clone, nil
}

// Exists reports whether an artifact is stored for (subject, topic).
func (s *Store) Exists(ctx context.Context, subject, topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.lessons[Key(subject, topic)]
	return ok
}

// Put stores the artifact, replacing any previous one.
func (s *Store) Put(ctx context.Context, l *lesson.Lesson) error {
	if l == nil {
		return errkind.Validation("nil lesson")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key(l.Subject, l.Topic)
	prev, had := s.lessons[key]
	clone := *l
	clone.Sources = append([]lesson.Source(nil), l.Sources...)
	s.lessons[key] = &clone
	if err := s.persistLocked(); err != nil {
		if had {
			s.lessons[key] = prev
		} else {
			delete(s.lessons, key)
		}
		return errkind.Wrap(errkind.StorageUnavailable, err, "persist lesson %s", key)
	}
	return nil
}

// Count returns the number of stored artifacts.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lessons)
}

type snapshot struct {
	SavedAt time.Time                 `json:"saved_at"`
	Lessons map[string]*lesson.Lesson `json:"lessons"`
}

func (s *Store) persistLocked() error {
	if s.persistPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(snapshot{SavedAt: s.now(), Lessons: s.lessons}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.persistPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := s.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.persistPath); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (s *Store) loadFromDisk() error {
	data, err := os.ReadFile(s.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Lessons != nil {
		s.lessons = snap.Lessons
	}
	s.logger.Info("lessonstore restored %d lessons from %s", len(s.lessons), s.persistPath)
	return nil
}
