// Package refresh periodically re-enqueues entries that still have retry
// budget left. It is the safety net that revives work lost to crashes or
// transient provider outages: anything sitting in SCHEDULED or RETRY gets a
// fresh non-forced task on every sweep.
package refresh

import (
	"context"
	"log"
	"math/rand/v2"
	"os"
	"time"

	"github.com/unionidx/unionidx/internal/meta"
	"github.com/unionidx/unionidx/internal/meta/entrystore"
)

// Config tunes one refresh job.
type Config struct {
	// EntityType tags log lines.
	EntityType string
	// Pipeline receives the generated tasks.
	Pipeline meta.Pipeline
	// Interval is the sweep cadence.
	Interval time.Duration
	// BatchSize caps entries fetched per sweep.
	BatchSize int
	// MaxRetries must match the executor's budget so the sweep only picks
	// entries the executor would still process.
	MaxRetries int
	Logger     *log.Logger
}

func (c Config) normalize() Config {
	if c.Pipeline == "" {
		c.Pipeline = meta.PipelineRefresh
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 512
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, "refresh ", log.LstdFlags|log.Lmicroseconds)
	}
	return c
}

// Job sweeps the entry store and publishes refresh tasks.
type Job[T any] struct {
	cfg       Config
	store     entrystore.Store[T]
	publisher meta.Publisher
}

// NewJob constructs a refresh job.
func NewJob[T any](cfg Config, store entrystore.Store[T], publisher meta.Publisher) *Job[T] {
	return &Job[T]{
		cfg:       cfg.normalize(),
		store:     store,
		publisher: publisher,
	}
}

// Run sweeps on the configured interval until ctx is done. The first sweep
// happens immediately so restarts recover pending work without waiting a full
// interval. Each wait is jittered by up to 10% so replicas sharing a store
// drift apart instead of sweeping in lockstep.
func (j *Job[T]) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			j.Sweep(ctx)
			timer.Reset(jittered(j.cfg.Interval))
		}
	}
}

func jittered(interval time.Duration) time.Duration {
	jitter := time.Duration(rand.Int64N(int64(interval)/10 + 1))
	return interval + jitter
}

// Sweep performs one pass: list retryable entries, publish a non-forced task
// per entry. Errors are logged and absorbed so one bad sweep never kills the
// loop.
func (j *Job[T]) Sweep(ctx context.Context) {
	entries, err := j.store.ListRetryable(ctx, j.cfg.MaxRetries, j.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			j.cfg.Logger.Printf("%s: list retryable failed: %v", j.cfg.EntityType, err)
		}
		return
	}
	if len(entries) == 0 {
		return
	}
	tasks := make([]meta.Task, 0, len(entries))
	for _, entry := range entries {
		tasks = append(tasks, meta.NewTask(entry.ID, j.cfg.Pipeline, false, meta.SourceInternal, 0))
	}
	if err := j.publisher.Publish(ctx, tasks); err != nil {
		if ctx.Err() == nil {
			j.cfg.Logger.Printf("%s: publish %d refresh tasks failed: %v", j.cfg.EntityType, len(tasks), err)
		}
		return
	}
	j.cfg.Logger.Printf("%s: re-enqueued %d entries", j.cfg.EntityType, len(tasks))
}
