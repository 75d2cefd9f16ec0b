// Package scheduler is the pipeline's intake point: it guarantees an initial
// entry exists exactly once per key, then fans tasks out to their lanes.
package scheduler

import (
	"context"
	"fmt"
	"log"

	"github.com/unionidx/unionidx/errs"
	"github.com/unionidx/unionidx/internal/meta"
	"github.com/unionidx/unionidx/internal/meta/entrystore"
)

// Scheduler accepts task batches for one entity type.
type Scheduler[T any] struct {
	store   entrystore.Store[T]
	router  meta.Router
	metrics *meta.Metrics
	logger  *log.Logger
}

// New constructs a scheduler writing initial entries into store and handing
// tasks to router.
func New[T any](store entrystore.Store[T], router meta.Router, metrics *meta.Metrics, logger *log.Logger) *Scheduler[T] {
	return &Scheduler[T]{
		store:   store,
		router:  router,
		metrics: metrics,
		logger:  logger,
	}
}

// Schedule ensures every distinct id in the batch has an entry, then forwards
// every task to its lane. A creation race with another actor is the expected
// outcome of concurrent scheduling and never fails the batch. Redundant tasks
// for one id are all forwarded; collapsing them is the executor debounce's
// job.
func (s *Scheduler[T]) Schedule(ctx context.Context, tasks []meta.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return err
		}
	}

	if err := s.ensureEntries(ctx, tasks); err != nil {
		return err
	}

	grouped := make(map[meta.Pipeline][]meta.Task)
	for _, task := range tasks {
		pipeline := task.Pipeline
		if pipeline == "" {
			pipeline = meta.PipelineDefault
		}
		grouped[pipeline] = append(grouped[pipeline], task)
	}
	for pipeline, group := range grouped {
		if err := s.router.Send(ctx, group, pipeline); err != nil {
			return fmt.Errorf("scheduler: send %s lane: %w", pipeline, err)
		}
		forced, unforced := 0, 0
		for _, task := range group {
			if task.Force {
				forced++
			} else {
				unforced++
			}
		}
		if forced > 0 {
			s.metrics.RecordScheduled(ctx, pipeline, true, forced)
		}
		if unforced > 0 {
			s.metrics.RecordScheduled(ctx, pipeline, false, unforced)
		}
	}
	return nil
}

// ensureEntries batch-fetches existing entries and inserts a fresh SCHEDULED
// entry for every first-sighted id, taking scheduledAt from the earliest task
// for that id.
func (s *Scheduler[T]) ensureEntries(ctx context.Context, tasks []meta.Task) error {
	earliest := make(map[string]meta.Task, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		current, seen := earliest[task.ID]
		if !seen {
			ids = append(ids, task.ID)
			earliest[task.ID] = task
			continue
		}
		if task.ScheduledAt.Before(current.ScheduledAt) {
			earliest[task.ID] = task
		}
	}

	existing, err := s.store.GetAll(ctx, ids)
	if err != nil {
		return fmt.Errorf("scheduler: fetch existing entries: %w", err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, entry := range existing {
		known[entry.ID] = struct{}{}
	}

	for _, id := range ids {
		if _, ok := known[id]; ok {
			continue
		}
		task := earliest[id]
		entry := meta.NewScheduledEntry[T](id, task.ScheduledAt)
		if _, err := s.store.Insert(ctx, entry); err != nil {
			if errs.IsConflict(err) {
				if s.logger != nil {
					s.logger.Printf("entry already created concurrently: id=%s", id)
				}
				s.metrics.RecordEntryConflict(ctx)
				continue
			}
			return fmt.Errorf("scheduler: create entry %s: %w", id, err)
		}
		s.metrics.RecordEntryCreated(ctx)
	}
	return nil
}

// Run drains the intake channel until the context is cancelled. Batch
// failures are logged and absorbed so a transient store outage cannot kill
// the intake loop.
func (s *Scheduler[T]) Run(ctx context.Context, intake <-chan []meta.Task) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-intake:
			if !ok {
				return
			}
			if err := s.Schedule(ctx, batch); err != nil && s.logger != nil {
				s.logger.Printf("schedule batch failed: %v", err)
			}
		}
	}
}
