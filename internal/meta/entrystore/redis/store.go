// Package redis persists download entries in Redis, one JSON value per key
// plus a pending-id set backing the retryable scan. Insert-if-absent maps
// onto SETNX so concurrent initial creations surface as an errs.CodeConflict
// envelope, mirroring the Postgres store's unique-violation contract.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/unionidx/unionidx/errs"
	"github.com/unionidx/unionidx/internal/meta"
	"github.com/unionidx/unionidx/internal/meta/entrystore"
)

// Store is a go-redis-backed entry store for one entity type, namespaced so
// multiple entity types can share one Redis instance.
type Store[T any] struct {
	rdb       redis.UniversalClient
	namespace string
}

// NewStore constructs a Store writing under the given namespace
// (e.g. "item-meta").
func NewStore[T any](rdb redis.UniversalClient, namespace string) (*Store[T], error) {
	trimmed := strings.TrimSpace(namespace)
	if trimmed == "" {
		return nil, fmt.Errorf("entry store: namespace required")
	}
	return &Store[T]{rdb: rdb, namespace: trimmed}, nil
}

func (s *Store[T]) entryKey(id string) string {
	return "unionidx:" + s.namespace + ":entry:" + id
}

func (s *Store[T]) pendingKey() string {
	return "unionidx:" + s.namespace + ":pending"
}

type record[T any] struct {
	ID           string     `json:"id"`
	Data         *T         `json:"data,omitempty"`
	Status       string     `json:"status"`
	Downloads    int        `json:"downloads"`
	Fails        int        `json:"fails"`
	Retries      int        `json:"retries"`
	ScheduledAt  *time.Time `json:"scheduledAt,omitempty"`
	SucceedAt    *time.Time `json:"succeedAt,omitempty"`
	FailedAt     *time.Time `json:"failedAt,omitempty"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

func toRecord[T any](entry meta.Entry[T]) record[T] {
	return record[T]{
		ID:           entry.ID,
		Data:         entry.Data,
		Status:       string(entry.Status),
		Downloads:    entry.Downloads,
		Fails:        entry.Fails,
		Retries:      entry.Retries,
		ScheduledAt:  entry.ScheduledAt,
		SucceedAt:    entry.SucceedAt,
		FailedAt:     entry.FailedAt,
		UpdatedAt:    entry.UpdatedAt,
		ErrorMessage: entry.ErrorMessage,
	}
}

func (r record[T]) toEntry() meta.Entry[T] {
	return meta.Entry[T]{
		ID:           r.ID,
		Data:         r.Data,
		Status:       meta.Status(r.Status),
		Downloads:    r.Downloads,
		Fails:        r.Fails,
		Retries:      r.Retries,
		ScheduledAt:  r.ScheduledAt,
		SucceedAt:    r.SucceedAt,
		FailedAt:     r.FailedAt,
		UpdatedAt:    r.UpdatedAt,
		ErrorMessage: r.ErrorMessage,
	}
}

func encodeEntry[T any](entry meta.Entry[T]) (string, []byte, error) {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return "", nil, errs.New("entrystore/redis", errs.CodeInvalid, errs.WithMessage("entry id required"))
	}
	raw, err := json.Marshal(toRecord(entry))
	if err != nil {
		return "", nil, fmt.Errorf("entry store: encode entry: %w", err)
	}
	return id, raw, nil
}

// Save upserts the entry and refreshes the pending-id set.
func (s *Store[T]) Save(ctx context.Context, entry meta.Entry[T]) (meta.Entry[T], error) {
	id, raw, err := encodeEntry(entry)
	if err != nil {
		return meta.Entry[T]{}, err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.entryKey(id), raw, 0)
		s.trackPending(ctx, p, entry.Status, id)
		return nil
	})
	if err != nil {
		return meta.Entry[T]{}, fmt.Errorf("entry store: save: %w", err)
	}
	return entry, nil
}

// Insert creates the entry only if the key is unseen.
func (s *Store[T]) Insert(ctx context.Context, entry meta.Entry[T]) (meta.Entry[T], error) {
	id, raw, err := encodeEntry(entry)
	if err != nil {
		return meta.Entry[T]{}, err
	}
	created, err := s.rdb.SetNX(ctx, s.entryKey(id), raw, 0).Result()
	if err != nil {
		return meta.Entry[T]{}, fmt.Errorf("entry store: insert: %w", err)
	}
	if !created {
		return meta.Entry[T]{}, errs.New("entrystore/redis", errs.CodeConflict,
			errs.WithMessage("entry already exists: "+id),
			errs.WithCanonicalCode(errs.CanonicalEntryExists))
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		s.trackPending(ctx, p, entry.Status, id)
		return nil
	})
	if err != nil {
		return meta.Entry[T]{}, fmt.Errorf("entry store: insert pending: %w", err)
	}
	return entry, nil
}

func (s *Store[T]) trackPending(ctx context.Context, p redis.Pipeliner, status meta.Status, id string) {
	switch status {
	case meta.StatusScheduled, meta.StatusRetry:
		p.SAdd(ctx, s.pendingKey(), id)
	case meta.StatusSuccess, meta.StatusFailed:
		p.SRem(ctx, s.pendingKey(), id)
	}
}

// Get returns the entry for id.
func (s *Store[T]) Get(ctx context.Context, id string) (meta.Entry[T], bool, error) {
	raw, err := s.rdb.Get(ctx, s.entryKey(strings.TrimSpace(id))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return meta.Entry[T]{}, false, nil
		}
		return meta.Entry[T]{}, false, fmt.Errorf("entry store: get: %w", err)
	}
	var rec record[T]
	if err := json.Unmarshal(raw, &rec); err != nil {
		return meta.Entry[T]{}, false, fmt.Errorf("entry store: decode entry: %w", err)
	}
	return rec.toEntry(), true, nil
}

// GetAll batch-fetches entries via MGET; missing ids are skipped.
func (s *Store[T]) GetAll(ctx context.Context, ids []string) ([]meta.Entry[T], error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if v := strings.TrimSpace(id); v != "" {
			keys = append(keys, s.entryKey(v))
		}
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("entry store: get all: %w", err)
	}
	entries := make([]meta.Entry[T], 0, len(values))
	for _, value := range values {
		text, ok := value.(string)
		if !ok || text == "" {
			continue
		}
		var rec record[T]
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("entry store: decode entry: %w", err)
		}
		entries = append(entries, rec.toEntry())
	}
	return entries, nil
}

// ListRetryable loads the pending-id set and filters by retry budget.
func (s *Store[T]) ListRetryable(ctx context.Context, maxRetries, limit int) ([]meta.Entry[T], error) {
	if limit <= 0 {
		limit = 128
	}
	ids, err := s.rdb.SMembers(ctx, s.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("entry store: list pending: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	entries, err := s.GetAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]meta.Entry[T], 0, limit)
	for _, entry := range entries {
		if len(out) >= limit {
			break
		}
		if entry.Retryable(maxRetries) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Delete removes the entry for id.
func (s *Store[T]) Delete(ctx context.Context, id string) (bool, error) {
	trimmed := strings.TrimSpace(id)
	removed, err := s.rdb.Del(ctx, s.entryKey(trimmed)).Result()
	if err != nil {
		return false, fmt.Errorf("entry store: delete: %w", err)
	}
	if err := s.rdb.SRem(ctx, s.pendingKey(), trimmed).Err(); err != nil {
		return false, fmt.Errorf("entry store: delete pending: %w", err)
	}
	return removed > 0, nil
}

var _ entrystore.Store[struct{}] = (*Store[struct{}])(nil)
