package notifier

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// OutboxEvent is a notification waiting to be enqueued durably.
type OutboxEvent struct {
	EntityType  string
	EntryID     string
	EventType   EventType
	Payload     json.RawMessage
	AvailableAt time.Time
}

// OutboxRecord is the persisted state of an outbox entry.
type OutboxRecord struct {
	ID          int64
	EntityType  string
	EntryID     string
	EventType   EventType
	Payload     json.RawMessage
	AvailableAt time.Time
	PublishedAt *time.Time
	Attempts    int
	LastError   string
	Delivered   bool
	CreatedAt   time.Time
}

// OutboxStore abstracts durable storage for undelivered notifications.
type OutboxStore interface {
	Enqueue(ctx context.Context, evt OutboxEvent) (OutboxRecord, error)
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	Delete(ctx context.Context, id int64) error
}
