package meta

import "context"

// Downloader is the per-entity-type fetch strategy and the only pipeline
// component that talks to the outside world for content. Implementations must
// be side-effect-free on failure and must not retry; retry policy belongs to
// the executor. Failures cross this boundary only as *errs.E envelopes —
// implementations wrap their own internal faults before returning.
type Downloader[T any] interface {
	// Type tags metrics and log lines for this entity type.
	Type() string
	Download(ctx context.Context, id string) (T, error)
}

// Notifier fans a successfully updated entry out to interested subscribers.
// Called at-least-once per successful transition; consumers must tolerate
// duplicate notifications for the same state.
type Notifier[T any] interface {
	Notify(ctx context.Context, entry Entry[T]) error
}

// Publisher hands tasks to whatever carries them to the scheduler's ingress.
type Publisher interface {
	Publish(ctx context.Context, tasks []Task) error
}

// Router hands a pipeline-partitioned batch to the executor's ingress.
type Router interface {
	Send(ctx context.Context, tasks []Task, pipeline Pipeline) error
}
