package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memoryOutbox struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*OutboxRecord
	listErr error
}

func newMemoryOutbox() *memoryOutbox {
	return &memoryOutbox{records: make(map[int64]*OutboxRecord)}
}

func (m *memoryOutbox) Enqueue(_ context.Context, evt OutboxEvent) (OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	availableAt := evt.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	record := &OutboxRecord{
		ID:          m.nextID,
		EntityType:  evt.EntityType,
		EntryID:     evt.EntryID,
		EventType:   evt.EventType,
		Payload:     append([]byte(nil), evt.Payload...),
		AvailableAt: availableAt,
		CreatedAt:   time.Now(),
	}
	m.records[record.ID] = record
	return *record, nil
}

func (m *memoryOutbox) ListPending(_ context.Context, limit int) ([]OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	now := time.Now()
	var out []OutboxRecord
	for _, record := range m.records {
		if record.Delivered || record.AvailableAt.After(now) {
			continue
		}
		out = append(out, *record)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memoryOutbox) MarkDelivered(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return errors.New("no such record")
	}
	record.Delivered = true
	record.Attempts++
	return nil
}

func (m *memoryOutbox) MarkFailed(_ context.Context, id int64, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return errors.New("no such record")
	}
	record.Attempts++
	record.LastError = lastError
	return nil
}

func (m *memoryOutbox) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *memoryOutbox) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, record := range m.records {
		if !record.Delivered {
			n++
		}
	}
	return n
}

var _ OutboxStore = (*memoryOutbox)(nil)

func TestDurableBusPublishMarksDelivered(t *testing.T) {
	store := newMemoryOutbox()
	bus := NewDurableBus(NewMemoryBus(MemoryBusConfig{}), store, WithReplayDisabled())
	defer bus.Close()

	_, ch, err := bus.Subscribe(context.Background(), EventEntryUpdated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	evt := testEvent("ETHEREUM:0xabc:1")
	if err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.EntryID != evt.EntryID {
			t.Fatalf("entry id = %s", got.EntryID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	if store.pendingCount() != 0 {
		t.Fatalf("pending = %d", store.pendingCount())
	}
}

type failingBus struct {
	*MemoryBus
	mu   sync.Mutex
	fail bool
}

func (f *failingBus) Publish(ctx context.Context, evt EntryEvent) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("downstream unavailable")
	}
	return f.MemoryBus.Publish(ctx, evt)
}

func (f *failingBus) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func TestDurableBusReplaysUndeliveredEvents(t *testing.T) {
	store := newMemoryOutbox()
	inner := &failingBus{MemoryBus: NewMemoryBus(MemoryBusConfig{}), fail: true}
	bus := NewDurableBus(inner, store,
		WithReplayInterval(10*time.Millisecond),
		WithReplayBatchSize(16))
	defer bus.Close()

	_, ch, err := bus.Subscribe(context.Background(), EventEntryUpdated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	evt := testEvent("ETHEREUM:0xabc:2")
	if err := bus.Publish(context.Background(), evt); err == nil {
		t.Fatal("expected publish error while downstream failing")
	}
	if store.pendingCount() != 1 {
		t.Fatalf("pending = %d", store.pendingCount())
	}

	inner.setFail(false)

	select {
	case got := <-ch:
		if got.EntryID != evt.EntryID {
			t.Fatalf("entry id = %s", got.EntryID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("replay never delivered the event")
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.pendingCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d after replay", store.pendingCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewDurableBusPassThroughWithoutStore(t *testing.T) {
	inner := NewMemoryBus(MemoryBusConfig{})
	defer inner.Close()
	if got := NewDurableBus(inner, nil); got != Bus(inner) {
		t.Fatal("expected inner bus back when store is nil")
	}
}
