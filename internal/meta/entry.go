// Package meta defines the download pipeline's core records: the per-key
// download entry, the download task, and their status state machine.
package meta

import (
	"strings"
	"time"

	"github.com/unionidx/unionidx/errs"
)

// Status tracks where a download entry sits in its lifecycle.
type Status string

const (
	// StatusScheduled marks an entry whose first fetch has not been attempted yet.
	StatusScheduled Status = "SCHEDULED"
	// StatusRetry marks an entry whose last fetch failed with retry budget remaining.
	StatusRetry Status = "RETRY"
	// StatusFailed marks an entry whose retry budget is exhausted. A forced task
	// can still revive it.
	StatusFailed Status = "FAILED"
	// StatusSuccess marks an entry holding successfully downloaded data.
	StatusSuccess Status = "SUCCESS"
)

// Validate ensures the status is a member of the closed status set.
func (s Status) Validate() error {
	switch s {
	case StatusScheduled, StatusRetry, StatusFailed, StatusSuccess:
		return nil
	default:
		return errs.New("meta/status", errs.CodeInvalid, errs.WithMessage("unknown download status: "+string(s)))
	}
}

// Entry is the authoritative per-key state of "do we have fresh data for this
// key". Exactly one entry exists per ID; the scheduler creates it once and the
// executor mutates it on every attempt.
type Entry[T any] struct {
	ID           string
	Data         *T
	Status       Status
	Downloads    int
	Fails        int
	Retries      int
	ScheduledAt  *time.Time
	SucceedAt    *time.Time
	FailedAt     *time.Time
	UpdatedAt    *time.Time
	ErrorMessage string
}

// NewScheduledEntry builds the initial SCHEDULED entry for a first-sighted key.
func NewScheduledEntry[T any](id string, scheduledAt time.Time) Entry[T] {
	at := scheduledAt.UTC()
	return Entry[T]{
		ID:           strings.TrimSpace(id),
		Data:         nil,
		Status:       StatusScheduled,
		Downloads:    0,
		Fails:        0,
		Retries:      0,
		ScheduledAt:  &at,
		SucceedAt:    nil,
		FailedAt:     nil,
		UpdatedAt:    &at,
		ErrorMessage: "",
	}
}

// Succeed applies a successful download to the entry: data is replaced, the
// download counter advances and the failure diagnostics are cleared.
func (e Entry[T]) Succeed(data T, now time.Time) Entry[T] {
	at := now.UTC()
	e.Data = &data
	e.Status = StatusSuccess
	e.Downloads++
	e.SucceedAt = &at
	e.UpdatedAt = &at
	e.Retries = 0
	e.ErrorMessage = ""
	return e
}

// Fail applies a failed download attempt. Previously downloaded data is
// retained. maxRetries gates the RETRY -> FAILED transition: once the entry
// has consumed its retry budget, the next failure is terminal. Retries counts
// consumed retry cycles, so it advances only when a failure lands on an entry
// that had already failed before.
func (e Entry[T]) Fail(message string, maxRetries int, now time.Time) Entry[T] {
	at := now.UTC()
	e.Fails++
	e.FailedAt = &at
	e.UpdatedAt = &at
	e.ErrorMessage = message

	switch e.Status {
	case StatusFailed:
		// Already terminal; only the diagnostics above move.
	case StatusRetry:
		if e.Retries >= maxRetries {
			e.Status = StatusFailed
		} else {
			e.Retries++
		}
	case StatusScheduled, StatusSuccess:
		if e.Retries >= maxRetries {
			e.Status = StatusFailed
		} else {
			e.Status = StatusRetry
		}
	}
	return e
}

// Retryable reports whether a non-forced task may still advance this entry.
func (e Entry[T]) Retryable(maxRetries int) bool {
	switch e.Status {
	case StatusScheduled, StatusRetry:
		return e.Retries <= maxRetries
	case StatusFailed, StatusSuccess:
		return false
	default:
		return false
	}
}

// UpdatedWithin reports whether the entry changed inside the given window
// ending at now. Used by the executor's debounce check.
func (e Entry[T]) UpdatedWithin(window time.Duration, now time.Time) bool {
	if e.UpdatedAt == nil || window <= 0 {
		return false
	}
	return now.Sub(*e.UpdatedAt) < window
}
