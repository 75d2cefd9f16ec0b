package notifier

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
)

// DurableOption configures the durable bus wrapper.
type DurableOption func(*DurableBus)

// WithDurableLogger overrides the default logger.
func WithDurableLogger(logger *log.Logger) DurableOption {
	return func(b *DurableBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithReplayInterval tweaks the polling cadence for replaying undelivered
// events.
func WithReplayInterval(interval time.Duration) DurableOption {
	return func(b *DurableBus) {
		if interval > 0 {
			b.replayInterval = interval
		}
	}
}

// WithReplayBatchSize configures the number of rows fetched per replay tick.
func WithReplayBatchSize(size int) DurableOption {
	return func(b *DurableBus) {
		if size > 0 {
			b.replayBatchSize = size
		}
	}
}

// WithReplayDisabled skips starting the background replay worker.
func WithReplayDisabled() DurableOption {
	return func(b *DurableBus) {
		b.replayDisabled = true
	}
}

const (
	defaultReplayInterval  = 5 * time.Second
	defaultReplayBatchSize = 128
	maxReplayListInterval  = time.Minute
)

// DurableBus wraps a bus with outbox-backed durability. Every event is
// persisted before delivery; the replay worker re-publishes anything that did
// not make it out.
type DurableBus struct {
	inner Bus
	store OutboxStore

	logger          *log.Logger
	replayInterval  time.Duration
	replayBatchSize int
	replayDisabled  bool

	replayCtx    context.Context
	replayCancel context.CancelFunc
	replayWG     sync.WaitGroup
	closeOnce    sync.Once
}

// NewDurableBus wraps the provided bus with outbox persistence. When store is
// nil the original bus is returned unmodified.
func NewDurableBus(inner Bus, store OutboxStore, opts ...DurableOption) Bus {
	if inner == nil {
		return nil
	}
	if store == nil {
		return inner
	}
	durable := &DurableBus{
		inner:           inner,
		store:           store,
		logger:          log.New(os.Stdout, "notifier/durable ", log.LstdFlags|log.Lmicroseconds),
		replayInterval:  defaultReplayInterval,
		replayBatchSize: defaultReplayBatchSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(durable)
		}
	}
	if !durable.replayDisabled {
		durable.startReplayWorker()
	}
	return durable
}

// Publish persists the event to the outbox before delegating to the inner
// bus. A failed delivery stays pending and is retried by the replay worker.
func (b *DurableBus) Publish(ctx context.Context, evt EntryEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("durable bus: encode event: %w", err)
	}
	record, err := b.store.Enqueue(ctx, OutboxEvent{
		EntityType: evt.EntityType,
		EntryID:    evt.EntryID,
		EventType:  evt.Type,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("durable bus: enqueue: %w", err)
	}
	if err := b.inner.Publish(ctx, evt); err != nil {
		if markErr := b.store.MarkFailed(context.WithoutCancel(ctx), record.ID, err.Error()); markErr != nil {
			b.logger.Printf("mark failed error (id=%d): %v", record.ID, markErr)
		}
		return fmt.Errorf("durable bus: publish: %w", err)
	}
	if err := b.store.MarkDelivered(context.WithoutCancel(ctx), record.ID); err != nil {
		b.logger.Printf("mark delivered failed (id=%d): %v", record.ID, err)
		return fmt.Errorf("durable bus: mark delivered: %w", err)
	}
	return nil
}

// Subscribe delegates to the inner bus.
func (b *DurableBus) Subscribe(ctx context.Context, typ EventType) (SubscriptionID, <-chan EntryEvent, error) {
	return b.inner.Subscribe(ctx, typ)
}

// Unsubscribe delegates to the inner bus.
func (b *DurableBus) Unsubscribe(id SubscriptionID) {
	b.inner.Unsubscribe(id)
}

// Close stops the replay worker before closing the inner bus.
func (b *DurableBus) Close() {
	b.closeOnce.Do(func() {
		if b.replayCancel != nil {
			b.replayCancel()
			b.replayWG.Wait()
		}
		b.inner.Close()
	})
}

func (b *DurableBus) startReplayWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	b.replayCtx = ctx
	b.replayCancel = cancel
	b.replayWG.Add(1)
	go func() {
		defer b.replayWG.Done()
		backoffCfg := backoff.NewExponentialBackOff()
		backoffCfg.MaxInterval = maxReplayListInterval
		ticker := time.NewTicker(b.replayInterval)
		defer ticker.Stop()
		b.replayPending(ctx, backoffCfg)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.replayPending(ctx, backoffCfg)
			}
		}
	}()
}

func (b *DurableBus) replayPending(ctx context.Context, backoffCfg *backoff.ExponentialBackOff) {
	records, err := b.store.ListPending(ctx, b.replayBatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		b.logger.Printf("outbox replay list failed: %v", err)
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReplayListInterval
		}
		select {
		case <-ctx.Done():
		case <-time.After(sleep):
		}
		return
	}
	backoffCfg.Reset()
	for _, record := range records {
		var evt EntryEvent
		if err := json.Unmarshal(record.Payload, &evt); err != nil {
			b.logger.Printf("outbox replay decode failed (id=%d): %v", record.ID, err)
			_ = b.store.MarkFailed(ctx, record.ID, err.Error())
			continue
		}
		if err := b.inner.Publish(ctx, evt); err != nil {
			b.logger.Printf("outbox replay publish failed (id=%d): %v", record.ID, err)
			_ = b.store.MarkFailed(ctx, record.ID, err.Error())
			continue
		}
		if err := b.store.MarkDelivered(ctx, record.ID); err != nil {
			b.logger.Printf("outbox replay mark delivered failed (id=%d): %v", record.ID, err)
		}
	}
}

var _ Bus = (*DurableBus)(nil)
