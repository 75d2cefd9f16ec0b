// Package service is the synchronous-style facade upstream callers use to
// read, force-refresh or fire-and-forget schedule a key without touching
// pipeline internals.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/unionidx/unionidx/errs"
	"github.com/unionidx/unionidx/internal/meta"
	"github.com/unionidx/unionidx/internal/meta/entrystore"
)

// PriorityHigh tags tasks scheduled on behalf of an interactive caller.
const PriorityHigh = 10

// Config tunes one service instance.
type Config struct {
	// MaxRetries gates the RETRY -> FAILED transition for inline downloads.
	MaxRetries int
	// DownloadTimeout bounds a single inline downloader invocation.
	DownloadTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 30 * time.Second
	}
	return c
}

// Service exposes the read-through / force-refresh / seed operations for one
// entity type. Downloader failures never escalate: callers observe them only
// as a nil payload. The error return carries infrastructure faults (store or
// transport unavailable), never fetch outcomes.
type Service[T any] struct {
	cfg        Config
	store      entrystore.Store[T]
	downloader meta.Downloader[T]
	notifier   meta.Notifier[T]
	publisher  meta.Publisher
	metrics    *meta.Metrics
	logger     *log.Logger

	now func() time.Time
}

// New constructs a service. notifier may be nil when no fan-out is wired.
func New[T any](cfg Config, store entrystore.Store[T], downloader meta.Downloader[T], notifier meta.Notifier[T], publisher meta.Publisher, metrics *meta.Metrics, logger *log.Logger) *Service[T] {
	return &Service[T]{
		cfg:        cfg.normalize(),
		store:      store,
		downloader: downloader,
		notifier:   notifier,
		publisher:  publisher,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Get returns the key's data. A SUCCESS entry is a cache hit returned as-is.
// Otherwise: with sync set, one inline download attempt runs right now,
// bypassing the queue; without it, a never-seen key is scheduled with high
// urgency and nil is returned, while a key whose entry already exists returns
// nil without re-scheduling — an attempt is already pending.
func (s *Service[T]) Get(ctx context.Context, key string, sync bool, pipeline meta.Pipeline) (*T, error) {
	entry, found, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("service: load entry: %w", err)
	}
	if found && entry.Status == meta.StatusSuccess {
		return entry.Data, nil
	}
	if sync {
		return s.Download(ctx, key, pipeline, false, meta.SourceExternal)
	}
	if found {
		return nil, nil
	}
	if err := s.scheduleAsync(ctx, key, pipeline); err != nil {
		return nil, fmt.Errorf("service: schedule %s: %w", key, err)
	}
	return nil, nil
}

// Download performs one inline downloader invocation for the key. On success
// the result is persisted, notified and returned. On failure the entry's
// failure counters advance when one exists; a never-seen key gets an async
// high-priority task as a safety net. Either way the caller gets nil, not an
// error — "no data now, retry later".
func (s *Service[T]) Download(ctx context.Context, key string, pipeline meta.Pipeline, force bool, source meta.Source) (*T, error) {
	entry, found, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("service: load entry: %w", err)
	}

	data, downloadErr := s.fetch(ctx, key)
	if downloadErr == nil {
		if !found {
			entry = meta.NewScheduledEntry[T](key, s.now())
		}
		stored, err := s.store.Save(ctx, entry.Succeed(data, s.now()))
		if err != nil {
			return nil, fmt.Errorf("service: persist download: %w", err)
		}
		s.metrics.RecordRequest(ctx, key, pipeline, source, force, meta.RequestOK)
		s.notify(ctx, stored)
		return stored.Data, nil
	}

	s.metrics.RecordRequest(ctx, key, pipeline, source, force, meta.RequestFail)
	if s.logger != nil {
		s.logger.Printf("inline download failed: id=%s err=%v", key, downloadErr)
	}
	if found {
		// An async attempt is presumably already in flight; just record the
		// failure on the entry.
		if _, err := s.store.Save(ctx, entry.Fail(failureMessage(downloadErr), s.cfg.MaxRetries, s.now())); err != nil {
			return nil, fmt.Errorf("service: persist failure: %w", err)
		}
		return nil, nil
	}
	if err := s.scheduleAsync(ctx, key, pipeline); err != nil {
		return nil, fmt.Errorf("service: schedule %s: %w", key, err)
	}
	return nil, nil
}

// SaveData force-overwrites the key with externally supplied authoritative
// data, treated as a successful download for counter and notification
// purposes.
func (s *Service[T]) SaveData(ctx context.Context, key string, data T) error {
	entry, found, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("service: load entry: %w", err)
	}
	if !found {
		entry = meta.NewScheduledEntry[T](key, s.now())
	}
	stored, err := s.store.Save(ctx, entry.Succeed(data, s.now()))
	if err != nil {
		return fmt.Errorf("service: persist seed: %w", err)
	}
	s.metrics.RecordRequest(ctx, key, meta.PipelineDefault, meta.SourceExternal, true, meta.RequestOK)
	s.notify(ctx, stored)
	return nil
}

func (s *Service[T]) fetch(ctx context.Context, key string) (T, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	defer cancel()

	started := s.now()
	data, err := s.downloader.Download(dctx, key)
	elapsed := s.now().Sub(started)
	if err != nil {
		s.metrics.RecordDownloadDuration(ctx, elapsed, meta.RequestFail)
		if errors.Is(err, context.DeadlineExceeded) {
			return data, errs.New(s.downloader.Type(), errs.CodeTimeout,
				errs.WithMessage("download timed out"),
				errs.WithCause(err))
		}
		return data, errs.AsDownload(s.downloader.Type(), err)
	}
	s.metrics.RecordDownloadDuration(ctx, elapsed, meta.RequestOK)
	return data, nil
}

func (s *Service[T]) scheduleAsync(ctx context.Context, key string, pipeline meta.Pipeline) error {
	task := meta.NewTask(key, pipeline, false, meta.SourceInternal, PriorityHigh)
	if err := s.publisher.Publish(ctx, []meta.Task{task}); err != nil {
		return err
	}
	return nil
}

func (s *Service[T]) notify(ctx context.Context, entry meta.Entry[T]) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, entry); err != nil && s.logger != nil {
		s.logger.Printf("notify failed: id=%s err=%v", entry.ID, err)
	}
}

func failureMessage(err error) string {
	var envelope *errs.E
	if errors.As(err, &envelope) && envelope.Message != "" {
		return envelope.Message
	}
	return err.Error()
}
