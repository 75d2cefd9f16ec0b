package entrystore

import (
	"context"
	"strings"
	"sync"

	"github.com/unionidx/unionidx/errs"
	"github.com/unionidx/unionidx/internal/meta"
)

// MemoryStore is an in-memory Store implementation used by tests and
// single-process deployments.
type MemoryStore[T any] struct {
	mu      sync.RWMutex
	entries map[string]meta.Entry[T]
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{
		entries: make(map[string]meta.Entry[T]),
	}
}

// Save upserts the entry.
func (s *MemoryStore[T]) Save(_ context.Context, entry meta.Entry[T]) (meta.Entry[T], error) {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return meta.Entry[T]{}, errs.New("entrystore/memory", errs.CodeInvalid, errs.WithMessage("entry id required"))
	}
	s.mu.Lock()
	s.entries[id] = entry
	s.mu.Unlock()
	return entry, nil
}

// Insert creates the entry only if the id is unseen.
func (s *MemoryStore[T]) Insert(_ context.Context, entry meta.Entry[T]) (meta.Entry[T], error) {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return meta.Entry[T]{}, errs.New("entrystore/memory", errs.CodeInvalid, errs.WithMessage("entry id required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return meta.Entry[T]{}, errs.New("entrystore/memory", errs.CodeConflict,
			errs.WithMessage("entry already exists: "+id),
			errs.WithCanonicalCode(errs.CanonicalEntryExists))
	}
	s.entries[id] = entry
	return entry, nil
}

// Get returns the entry for id.
func (s *MemoryStore[T]) Get(_ context.Context, id string) (meta.Entry[T], bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[strings.TrimSpace(id)]
	s.mu.RUnlock()
	return entry, ok, nil
}

// GetAll batch-fetches entries for ids; unknown ids are skipped.
func (s *MemoryStore[T]) GetAll(_ context.Context, ids []string) ([]meta.Entry[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]meta.Entry[T], 0, len(ids))
	for _, id := range ids {
		if entry, ok := s.entries[strings.TrimSpace(id)]; ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

// ListRetryable returns entries still eligible for a non-forced re-attempt.
func (s *MemoryStore[T]) ListRetryable(_ context.Context, maxRetries, limit int) ([]meta.Entry[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]meta.Entry[T], 0, limit)
	for _, entry := range s.entries {
		if limit > 0 && len(out) >= limit {
			break
		}
		if entry.Retryable(maxRetries) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Delete removes the entry for id.
func (s *MemoryStore[T]) Delete(_ context.Context, id string) (bool, error) {
	trimmed := strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[trimmed]; !ok {
		return false, nil
	}
	delete(s.entries, trimmed)
	return true, nil
}

var _ Store[struct{}] = (*MemoryStore[struct{}])(nil)
