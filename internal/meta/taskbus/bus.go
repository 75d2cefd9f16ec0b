// Package taskbus carries download tasks between the scheduler and the
// executor. The transport boundary stays behind the meta.Publisher and
// meta.Router contracts so a message-bus-backed implementation can replace
// the in-memory one without touching the pipeline.
package taskbus

import "runtime"

// Config sizes the in-memory bus.
type Config struct {
	// BufferSize is the per-lane channel capacity, in task batches.
	BufferSize int
	// IntakeBuffer is the scheduler-ingress channel capacity, in task batches.
	IntakeBuffer int
}

func (c Config) normalize() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 4 * runtime.NumCPU()
	}
	if c.IntakeBuffer <= 0 {
		c.IntakeBuffer = c.BufferSize
	}
	return c
}
