package meta

import (
	"strings"
	"time"

	"github.com/unionidx/unionidx/errs"
)

// Pipeline names a task lane. Lanes partition and prioritize work so that
// interactive fetches are not starved by bulk refreshes.
type Pipeline string

const (
	// PipelineDefault is the lane tasks land on when the caller does not care.
	PipelineDefault Pipeline = "default"
	// PipelineSync is the high-urgency lane backing interactive requests.
	PipelineSync Pipeline = "sync"
	// PipelineRefresh is the background lane for periodic re-downloads.
	PipelineRefresh Pipeline = "refresh"
)

// Source records who asked for a task.
type Source string

const (
	// SourceInternal marks tasks produced by the pipeline itself (refresh, safety nets).
	SourceInternal Source = "INTERNAL"
	// SourceExternal marks tasks produced by outside callers (API, webhooks).
	SourceExternal Source = "EXTERNAL"
)

// Task is an instruction to (re)fetch a key. Tasks are ephemeral: created by a
// caller or the scheduler, consumed once by the executor, and never persisted
// beyond the transport's own durability.
type Task struct {
	ID          string
	Pipeline    Pipeline
	Force       bool
	ScheduledAt time.Time
	Source      Source
	Priority    int
}

// NewTask builds a task for the given key on the given lane, scheduled now.
func NewTask(id string, pipeline Pipeline, force bool, source Source, priority int) Task {
	if pipeline == "" {
		pipeline = PipelineDefault
	}
	if source == "" {
		source = SourceInternal
	}
	return Task{
		ID:          strings.TrimSpace(id),
		Pipeline:    pipeline,
		Force:       force,
		ScheduledAt: time.Now().UTC(),
		Source:      source,
		Priority:    priority,
	}
}

// Validate checks the task carries the fields the scheduler requires.
func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errs.New("meta/task", errs.CodeInvalid, errs.WithMessage("task id required"))
	}
	if t.Pipeline == "" {
		return errs.New("meta/task", errs.CodeInvalid, errs.WithMessage("task pipeline required"))
	}
	return nil
}
