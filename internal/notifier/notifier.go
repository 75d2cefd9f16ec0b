package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/unionidx/unionidx/internal/meta"
)

// BusNotifier publishes entry updates onto a bus. It implements
// meta.Notifier for one entity type.
type BusNotifier[T any] struct {
	entityType string
	bus        Bus
	now        func() time.Time
}

// NewBusNotifier constructs a notifier for the given entity type.
func NewBusNotifier[T any](entityType string, bus Bus) (*BusNotifier[T], error) {
	if entityType == "" {
		return nil, fmt.Errorf("notifier: entity type required")
	}
	if bus == nil {
		return nil, fmt.Errorf("notifier: bus required")
	}
	return &BusNotifier[T]{entityType: entityType, bus: bus, now: time.Now}, nil
}

// Notify implements meta.Notifier.
func (n *BusNotifier[T]) Notify(ctx context.Context, entry meta.Entry[T]) error {
	evt := NewEntryEvent(n.entityType, entry, n.now())
	if err := n.bus.Publish(ctx, evt); err != nil {
		return fmt.Errorf("notifier: publish %s: %w", entry.ID, err)
	}
	return nil
}

var _ meta.Notifier[struct{}] = (*BusNotifier[struct{}])(nil)
