package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/unionidx/unionidx/internal/meta"
	"github.com/unionidx/unionidx/internal/meta/entrystore"
)

type payload struct {
	Name string
}

type recordingRouter struct {
	mu    sync.Mutex
	sends map[meta.Pipeline][][]meta.Task
}

func newRecordingRouter() *recordingRouter {
	return &recordingRouter{sends: make(map[meta.Pipeline][][]meta.Task)}
}

func (r *recordingRouter) Send(_ context.Context, tasks []meta.Task, pipeline meta.Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends[pipeline] = append(r.sends[pipeline], tasks)
	return nil
}

func (r *recordingRouter) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, batches := range r.sends {
		for _, batch := range batches {
			n += len(batch)
		}
	}
	return n
}

func TestScheduleCreatesEntriesOnce(t *testing.T) {
	store := entrystore.NewMemoryStore[payload]()
	router := newRecordingRouter()
	sched := New[payload](store, router, nil, nil)
	ctx := context.Background()

	task := meta.NewTask("ethereum:0xabc:1", meta.PipelineDefault, false, meta.SourceExternal, 0)
	if err := sched.Schedule(ctx, []meta.Task{task}); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	entry, ok, _ := store.Get(ctx, "ethereum:0xabc:1")
	if !ok {
		t.Fatal("expected entry to exist after scheduling")
	}
	if entry.Status != meta.StatusScheduled {
		t.Errorf("expected SCHEDULED, got %s", entry.Status)
	}

	// Scheduling the same task again must neither error nor duplicate.
	if err := sched.Schedule(ctx, []meta.Task{task}); err != nil {
		t.Fatalf("second Schedule() error = %v", err)
	}
	entries, _ := store.GetAll(ctx, []string{"ethereum:0xabc:1"})
	if len(entries) != 1 {
		t.Errorf("expected exactly one entry, got %d", len(entries))
	}
}

func TestScheduleForwardsEveryTask(t *testing.T) {
	store := entrystore.NewMemoryStore[payload]()
	router := newRecordingRouter()
	sched := New[payload](store, router, nil, nil)

	tasks := []meta.Task{
		meta.NewTask("a", meta.PipelineSync, true, meta.SourceExternal, 5),
		meta.NewTask("a", meta.PipelineRefresh, false, meta.SourceInternal, 0),
		meta.NewTask("b", meta.PipelineRefresh, false, meta.SourceInternal, 0),
	}
	if err := sched.Schedule(context.Background(), tasks); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	if router.total() != 3 {
		t.Errorf("expected all 3 tasks forwarded, got %d", router.total())
	}
	if len(router.sends[meta.PipelineSync]) != 1 {
		t.Errorf("expected one sync batch, got %d", len(router.sends[meta.PipelineSync]))
	}
	if len(router.sends[meta.PipelineRefresh]) != 1 {
		t.Errorf("expected one refresh batch, got %d", len(router.sends[meta.PipelineRefresh]))
	}
}

func TestScheduleUsesEarliestTaskForInitialEntry(t *testing.T) {
	store := entrystore.NewMemoryStore[payload]()
	sched := New[payload](store, newRecordingRouter(), nil, nil)

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	tasks := []meta.Task{
		{ID: "x", Pipeline: meta.PipelineDefault, ScheduledAt: late, Source: meta.SourceInternal},
		{ID: "x", Pipeline: meta.PipelineDefault, ScheduledAt: early, Source: meta.SourceInternal},
	}
	if err := sched.Schedule(context.Background(), tasks); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	entry, ok, _ := store.Get(context.Background(), "x")
	if !ok {
		t.Fatal("expected entry")
	}
	if entry.ScheduledAt == nil || !entry.ScheduledAt.Equal(early) {
		t.Errorf("expected scheduledAt from earliest task, got %v", entry.ScheduledAt)
	}
}

// racingStore simulates another actor creating the entry between the
// scheduler's batch read and its insert.
type racingStore struct {
	*entrystore.MemoryStore[payload]
}

func (s *racingStore) GetAll(context.Context, []string) ([]meta.Entry[payload], error) {
	return nil, nil
}

func TestScheduleSurvivesCreationRace(t *testing.T) {
	store := &racingStore{MemoryStore: entrystore.NewMemoryStore[payload]()}
	router := newRecordingRouter()
	sched := New[payload](store, router, nil, nil)
	ctx := context.Background()

	pre := meta.NewScheduledEntry[payload]("raced", time.Now())
	if _, err := store.Insert(ctx, pre); err != nil {
		t.Fatalf("pre-insert error = %v", err)
	}

	task := meta.NewTask("raced", meta.PipelineDefault, false, meta.SourceExternal, 0)
	if err := sched.Schedule(ctx, []meta.Task{task}); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if router.total() != 1 {
		t.Errorf("expected raced task still forwarded, got %d", router.total())
	}
}

func TestScheduleRejectsInvalidTask(t *testing.T) {
	sched := New[payload](entrystore.NewMemoryStore[payload](), newRecordingRouter(), nil, nil)

	err := sched.Schedule(context.Background(), []meta.Task{{ID: ""}})
	if err == nil {
		t.Error("expected error for task without id")
	}
}

func TestRunDrainsIntake(t *testing.T) {
	store := entrystore.NewMemoryStore[payload]()
	router := newRecordingRouter()
	sched := New[payload](store, router, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	intake := make(chan []meta.Task, 1)
	done := make(chan struct{})
	go func() {
		sched.Run(ctx, intake)
		close(done)
	}()

	intake <- []meta.Task{meta.NewTask("via-intake", meta.PipelineDefault, false, meta.SourceExternal, 0)}

	deadline := time.After(2 * time.Second)
	for router.total() == 0 {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for intake batch to be scheduled")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
