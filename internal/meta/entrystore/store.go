// Package entrystore defines the keyed repository holding one download entry
// per key. The store is the pipeline's single source of truth and its only
// shared mutable resource: duplicate-work avoidance is expressed as store
// operations, never as external locks.
package entrystore

import (
	"context"

	"github.com/unionidx/unionidx/internal/meta"
)

// Store persists download entries keyed by entity id.
type Store[T any] interface {
	// Save upserts the entry and returns the stored state.
	Save(ctx context.Context, entry meta.Entry[T]) (meta.Entry[T], error)
	// Insert creates the entry only if no entry exists for its id. A concurrent
	// creation race surfaces as an errs.CodeConflict envelope so callers can
	// treat it as benign.
	Insert(ctx context.Context, entry meta.Entry[T]) (meta.Entry[T], error)
	// Get returns the entry for id, or found=false when none exists.
	Get(ctx context.Context, id string) (meta.Entry[T], bool, error)
	// GetAll batch-fetches entries for the given ids; missing ids are simply
	// absent from the result.
	GetAll(ctx context.Context, ids []string) ([]meta.Entry[T], error)
	// ListRetryable returns up to limit entries still eligible for a non-forced
	// re-attempt (SCHEDULED or RETRY within budget).
	ListRetryable(ctx context.Context, maxRetries, limit int) ([]meta.Entry[T], error)
	// Delete removes the entry, reporting whether one existed. Reserved for
	// administrative purges and tests.
	Delete(ctx context.Context, id string) (bool, error)
}
