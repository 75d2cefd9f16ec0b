// Package executor drains task lanes and advances entries through the
// download state machine. It is the only component that moves entries out of
// SCHEDULED, RETRY and FAILED, and it absorbs every downloader failure into a
// state transition; nothing escalates to the caller of Execute.
package executor

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/unionidx/unionidx/errs"
	"github.com/unionidx/unionidx/internal/meta"
	"github.com/unionidx/unionidx/internal/meta/entrystore"
)

// Config sizes and tunes one executor instance. Executors are created per
// pipeline/entity-type combination so a slow provider for one entity type
// cannot starve others.
type Config struct {
	Pipeline meta.Pipeline
	// Workers bounds the concurrent downloader invocations.
	Workers int
	// MaxRetries gates the RETRY -> FAILED transition.
	MaxRetries int
	// DebounceWindow collapses redundant non-forced tasks for a key that was
	// attempted very recently.
	DebounceWindow time.Duration
	// DownloadTimeout bounds a single downloader invocation.
	DownloadTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.Pipeline == "" {
		c.Pipeline = meta.PipelineDefault
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 30 * time.Second
	}
	return c
}

// Executor processes task batches for one entity type on one pipeline.
type Executor[T any] struct {
	cfg        Config
	store      entrystore.Store[T]
	downloader meta.Downloader[T]
	notifier   meta.Notifier[T]
	metrics    *meta.Metrics
	logger     *log.Logger

	now func() time.Time
}

// New constructs an executor. notifier may be nil when no fan-out is wired.
func New[T any](cfg Config, store entrystore.Store[T], downloader meta.Downloader[T], notifier meta.Notifier[T], metrics *meta.Metrics, logger *log.Logger) *Executor[T] {
	return &Executor[T]{
		cfg:        cfg.normalize(),
		store:      store,
		downloader: downloader,
		notifier:   notifier,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Execute processes the batch on the bounded worker pool. Task failures are
// absorbed into entry state; Execute itself only stops early when the context
// is cancelled.
func (e *Executor[T]) Execute(ctx context.Context, tasks []meta.Task) {
	if len(tasks) == 0 {
		return
	}
	e.metrics.RecordBatch(ctx, e.cfg.Pipeline, len(tasks))

	workers := e.cfg.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	queue := make(chan meta.Task)
	var wg conc.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Go(func() {
			for task := range queue {
				e.process(ctx, task)
			}
		})
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		queue <- task
	}
	close(queue)
	wg.Wait()
}

// Run drains the lane channel until the context is cancelled.
func (e *Executor[T]) Run(ctx context.Context, lane <-chan []meta.Task) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-lane:
			if !ok {
				return
			}
			e.Execute(ctx, batch)
		}
	}
}

func (e *Executor[T]) process(ctx context.Context, task meta.Task) {
	now := e.now().UTC()

	entry, found, err := e.store.Get(ctx, task.ID)
	if err != nil {
		if e.logger != nil {
			e.logger.Printf("load entry failed: id=%s err=%v", task.ID, err)
		}
		return
	}
	if !found {
		// Racing the scheduler: synthesize the default it would have written.
		entry = meta.NewScheduledEntry[T](task.ID, task.ScheduledAt)
	}

	attempted := entry.Downloads > 0 || entry.Fails > 0
	if !task.Force && attempted && entry.UpdatedWithin(e.cfg.DebounceWindow, now) {
		e.metrics.RecordDebounced(ctx, e.cfg.Pipeline)
		if e.logger != nil {
			e.logger.Printf("task debounced: id=%s pipeline=%s", task.ID, e.cfg.Pipeline)
		}
		return
	}

	data, err := e.download(ctx, task.ID)
	if err != nil {
		e.applyFailure(ctx, task, entry, err)
		return
	}
	e.applySuccess(ctx, task, entry, data)
}

func (e *Executor[T]) download(ctx context.Context, id string) (T, error) {
	dctx, cancel := context.WithTimeout(ctx, e.cfg.DownloadTimeout)
	defer cancel()

	started := e.now()
	data, err := e.downloader.Download(dctx, id)
	elapsed := e.now().Sub(started)
	if err != nil {
		e.metrics.RecordDownloadDuration(ctx, elapsed, meta.RequestFail)
		if errors.Is(err, context.DeadlineExceeded) {
			return data, errs.New(e.downloader.Type(), errs.CodeTimeout,
				errs.WithMessage("download timed out"),
				errs.WithCause(err))
		}
		return data, errs.AsDownload(e.downloader.Type(), err)
	}
	e.metrics.RecordDownloadDuration(ctx, elapsed, meta.RequestOK)
	return data, nil
}

func (e *Executor[T]) applySuccess(ctx context.Context, task meta.Task, entry meta.Entry[T], data T) {
	updated := entry.Succeed(data, e.now())
	stored, err := e.store.Save(ctx, updated)
	if err != nil {
		if e.logger != nil {
			e.logger.Printf("persist success failed: id=%s err=%v", task.ID, err)
		}
		return
	}
	e.metrics.RecordRequest(ctx, task.ID, e.cfg.Pipeline, task.Source, task.Force, meta.RequestOK)
	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, stored); err != nil && e.logger != nil {
			e.logger.Printf("notify failed: id=%s err=%v", task.ID, err)
		}
	}
}

func (e *Executor[T]) applyFailure(ctx context.Context, task meta.Task, entry meta.Entry[T], cause error) {
	updated := entry.Fail(failureMessage(cause), e.cfg.MaxRetries, e.now())
	if _, err := e.store.Save(ctx, updated); err != nil {
		if e.logger != nil {
			e.logger.Printf("persist failure failed: id=%s err=%v", task.ID, err)
		}
		return
	}
	e.metrics.RecordRequest(ctx, task.ID, e.cfg.Pipeline, task.Source, task.Force, meta.RequestFail)
	if e.logger != nil {
		e.logger.Printf("download failed: id=%s status=%s fails=%d err=%v",
			task.ID, updated.Status, updated.Fails, cause)
	}
}

func failureMessage(err error) string {
	var envelope *errs.E
	if errors.As(err, &envelope) && envelope.Message != "" {
		return envelope.Message
	}
	return err.Error()
}
