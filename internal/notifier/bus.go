package notifier

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/unionidx/unionidx/errs"
)

// SubscriptionID identifies one bus subscription.
type SubscriptionID string

// Bus is the delivery contract for entry events.
type Bus interface {
	Publish(ctx context.Context, evt EntryEvent) error
	Subscribe(ctx context.Context, typ EventType) (SubscriptionID, <-chan EntryEvent, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryBusConfig tunes the in-memory bus.
type MemoryBusConfig struct {
	// SubscriberBuffer sizes each subscriber channel.
	SubscriberBuffer int
	Logger           *log.Logger
}

func (c MemoryBusConfig) normalize() MemoryBusConfig {
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 256
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, "notifier/bus ", log.LstdFlags|log.Lmicroseconds)
	}
	return c
}

type busSubscriber struct {
	ch   chan EntryEvent
	once sync.Once
}

func (s *busSubscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// MemoryBus fans entry events out to in-process subscribers. Delivery is
// best-effort: a subscriber that cannot keep up has events dropped rather
// than stalling the pipeline.
type MemoryBus struct {
	cfg    MemoryBusConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	subscribers map[EventType]map[SubscriptionID]*busSubscriber
	nextID      uint64
	closeOnce   sync.Once

	dropped atomic.Int64
}

// NewMemoryBus constructs the in-memory bus.
func NewMemoryBus(cfg MemoryBusConfig) *MemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		cfg:         cfg.normalize(),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[EventType]map[SubscriptionID]*busSubscriber),
	}
}

// Publish fans the event out to every subscriber of its type.
func (b *MemoryBus) Publish(ctx context.Context, evt EntryEvent) error {
	if evt.Type == "" {
		return errs.New("notifier/bus", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("notifier/bus", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	_ = ctx

	b.mu.RLock()
	subs := make([]*busSubscriber, 0, len(b.subscribers[evt.Type]))
	for _, sub := range b.subscribers[evt.Type] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- evt:
		default:
			if n := b.dropped.Add(1); n == 1 || n%1000 == 0 {
				b.cfg.Logger.Printf("subscriber backpressure, dropped=%d type=%s", n, evt.Type)
			}
		}
	}
	return nil
}

// Subscribe registers a consumer for events of the given type. The channel is
// closed on Unsubscribe or bus Close.
func (b *MemoryBus) Subscribe(_ context.Context, typ EventType) (SubscriptionID, <-chan EntryEvent, error) {
	if typ == "" {
		return "", nil, errs.New("notifier/bus", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if b.ctx.Err() != nil {
		return "", nil, errs.New("notifier/bus", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	sub := &busSubscriber{ch: make(chan EntryEvent, b.cfg.SubscriberBuffer)}

	b.mu.Lock()
	b.nextID++
	id := SubscriptionID(fmt.Sprintf("%s-%s", typ, strconv.FormatUint(b.nextID, 10)))
	byID, ok := b.subscribers[typ]
	if !ok {
		byID = make(map[SubscriptionID]*busSubscriber)
		b.subscribers[typ] = byID
	}
	byID[id] = sub
	b.mu.Unlock()

	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	var removed *busSubscriber
	for typ, byID := range b.subscribers {
		if sub, ok := byID[id]; ok {
			removed = sub
			delete(byID, id)
			if len(byID) == 0 {
				delete(b.subscribers, typ)
			}
			break
		}
	}
	b.mu.Unlock()
	if removed != nil {
		removed.close()
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *MemoryBus) Close() {
	b.closeOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for typ, byID := range b.subscribers {
			for _, sub := range byID {
				sub.close()
			}
			delete(b.subscribers, typ)
		}
		b.mu.Unlock()
	})
}

// Dropped reports how many events were discarded due to slow subscribers.
func (b *MemoryBus) Dropped() int64 { return b.dropped.Load() }

var _ Bus = (*MemoryBus)(nil)
