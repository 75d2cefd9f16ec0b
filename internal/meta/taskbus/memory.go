package taskbus

import (
	"context"
	"sort"
	"sync"

	"github.com/unionidx/unionidx/errs"
	"github.com/unionidx/unionidx/internal/meta"
)

// MemoryBus is an in-memory task transport: one intake channel feeding the
// scheduler and one buffered lane per pipeline feeding the executor.
type MemoryBus struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	intake       chan []meta.Task
	lanes        map[meta.Pipeline]chan []meta.Task
	shutdownOnce sync.Once
}

// NewMemoryBus constructs a memory-backed task bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.intake = make(chan []meta.Task, cfg.IntakeBuffer)
	bus.lanes = make(map[meta.Pipeline]chan []meta.Task)
	return bus
}

// Publish hands a task batch to the scheduler's ingress.
func (b *MemoryBus) Publish(ctx context.Context, tasks []meta.Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(tasks) == 0 {
		return nil
	}
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return err
		}
	}
	if b.ctx.Err() != nil {
		return errs.New("taskbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	batch := append([]meta.Task(nil), tasks...)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.intake <- batch:
		return nil
	default:
		return errs.New("taskbus/publish", errs.CodeUnavailable, errs.WithMessage("intake buffer full"))
	}
}

// Intake exposes the scheduler-ingress channel.
func (b *MemoryBus) Intake() <-chan []meta.Task {
	return b.intake
}

// Send enqueues a pipeline-partitioned batch onto its lane, highest priority
// first.
func (b *MemoryBus) Send(ctx context.Context, tasks []meta.Task, pipeline meta.Pipeline) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(tasks) == 0 {
		return nil
	}
	if pipeline == "" {
		return errs.New("taskbus/send", errs.CodeInvalid, errs.WithMessage("pipeline required"))
	}
	batch := append([]meta.Task(nil), tasks...)
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Priority > batch[j].Priority
	})
	if b.ctx.Err() != nil {
		return errs.New("taskbus/send", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	lane := b.lane(pipeline)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case lane <- batch:
		return nil
	default:
		return errs.New("taskbus/send", errs.CodeUnavailable,
			errs.WithMessage("lane buffer full: "+string(pipeline)))
	}
}

// Consume exposes the executor-ingress channel for one lane.
func (b *MemoryBus) Consume(pipeline meta.Pipeline) <-chan []meta.Task {
	return b.lane(pipeline)
}

func (b *MemoryBus) lane(pipeline meta.Pipeline) chan []meta.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	lane, ok := b.lanes[pipeline]
	if !ok {
		lane = make(chan []meta.Task, b.cfg.BufferSize)
		b.lanes[pipeline] = lane
	}
	return lane
}

// Close shuts down the bus. Channels stay open so in-flight consumers drain
// naturally; publishers observe the closed bus context.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
	})
}

var (
	_ meta.Publisher = (*MemoryBus)(nil)
	_ meta.Router    = (*MemoryBus)(nil)
)
