// Package notifier delivers entry lifecycle notifications to downstream
// consumers. The in-memory bus covers single-process deployments; the durable
// wrapper adds an outbox so notifications survive process restarts.
package notifier

import (
	"time"

	"github.com/google/uuid"

	"github.com/unionidx/unionidx/internal/meta"
)

// EventType classifies entry notifications.
type EventType string

const (
	// EventEntryUpdated fires whenever an entry transitions state, on both
	// success and failure.
	EventEntryUpdated EventType = "entry.updated"
)

// EntryEvent is the notification payload emitted after an entry changes.
type EntryEvent struct {
	EventID      string      `json:"eventId"`
	Type         EventType   `json:"type"`
	EntityType   string      `json:"entityType"`
	EntryID      string      `json:"entryId"`
	Status       meta.Status `json:"status"`
	Downloads    int         `json:"downloads"`
	Fails        int         `json:"fails"`
	Retries      int         `json:"retries"`
	HasData      bool        `json:"hasData"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	UpdatedAt    *time.Time  `json:"updatedAt,omitempty"`
	EmittedAt    time.Time   `json:"emittedAt"`
}

// NewEntryEvent snapshots an entry into a notification event with a fresh
// event identifier.
func NewEntryEvent[T any](entityType string, entry meta.Entry[T], now time.Time) EntryEvent {
	return EntryEvent{
		EventID:      uuid.NewString(),
		Type:         EventEntryUpdated,
		EntityType:   entityType,
		EntryID:      entry.ID,
		Status:       entry.Status,
		Downloads:    entry.Downloads,
		Fails:        entry.Fails,
		Retries:      entry.Retries,
		HasData:      entry.Data != nil,
		ErrorMessage: entry.ErrorMessage,
		UpdatedAt:    entry.UpdatedAt,
		EmittedAt:    now.UTC(),
	}
}
