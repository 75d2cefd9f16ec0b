package refresh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/unionidx/unionidx/internal/meta"
	"github.com/unionidx/unionidx/internal/meta/entrystore"
)

type capturingPublisher struct {
	mu      sync.Mutex
	batches [][]meta.Task
}

func (p *capturingPublisher) Publish(_ context.Context, tasks []meta.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := make([]meta.Task, len(tasks))
	copy(batch, tasks)
	p.batches = append(p.batches, batch)
	return nil
}

func (p *capturingPublisher) all() []meta.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []meta.Task
	for _, batch := range p.batches {
		out = append(out, batch...)
	}
	return out
}

func TestSweepPublishesRetryableEntries(t *testing.T) {
	store := entrystore.NewMemoryStore[struct{}]()
	now := time.Now()

	scheduled := meta.NewScheduledEntry[struct{}]("a", now)
	if _, err := store.Save(context.Background(), scheduled); err != nil {
		t.Fatalf("save: %v", err)
	}
	retrying := meta.NewScheduledEntry[struct{}]("b", now).Fail("boom", 5, now)
	if _, err := store.Save(context.Background(), retrying); err != nil {
		t.Fatalf("save: %v", err)
	}
	done := meta.NewScheduledEntry[struct{}]("c", now).Succeed(struct{}{}, now)
	if _, err := store.Save(context.Background(), done); err != nil {
		t.Fatalf("save: %v", err)
	}

	publisher := &capturingPublisher{}
	job := NewJob(Config{EntityType: "item-meta", MaxRetries: 5}, store, publisher)
	job.Sweep(context.Background())

	tasks := publisher.all()
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	seen := map[string]meta.Task{}
	for _, task := range tasks {
		seen[task.ID] = task
	}
	for _, id := range []string{"a", "b"} {
		task, ok := seen[id]
		if !ok {
			t.Fatalf("missing task for %s", id)
		}
		if task.Force {
			t.Fatalf("task %s forced", id)
		}
		if task.Pipeline != meta.PipelineRefresh {
			t.Fatalf("task %s pipeline = %s", id, task.Pipeline)
		}
		if task.Source != meta.SourceInternal {
			t.Fatalf("task %s source = %s", id, task.Source)
		}
	}
	if _, ok := seen["c"]; ok {
		t.Fatal("succeeded entry re-enqueued")
	}
}

func TestSweepNoRetryablePublishesNothing(t *testing.T) {
	store := entrystore.NewMemoryStore[struct{}]()
	publisher := &capturingPublisher{}
	job := NewJob(Config{MaxRetries: 5}, store, publisher)
	job.Sweep(context.Background())
	if len(publisher.all()) != 0 {
		t.Fatalf("tasks = %d", len(publisher.all()))
	}
}

func TestRunSweepsUntilCanceled(t *testing.T) {
	store := entrystore.NewMemoryStore[struct{}]()
	now := time.Now()
	if _, err := store.Save(context.Background(), meta.NewScheduledEntry[struct{}]("a", now)); err != nil {
		t.Fatalf("save: %v", err)
	}

	publisher := &capturingPublisher{}
	job := NewJob(Config{Interval: 10 * time.Millisecond, MaxRetries: 5}, store, publisher)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		job.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(publisher.all()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("job never swept twice")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not stop on cancel")
	}
}
