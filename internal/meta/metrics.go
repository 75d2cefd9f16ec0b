package meta

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unionidx/unionidx/internal/telemetry"
)

// RequestStatus tags a download request outcome.
type RequestStatus string

const (
	// RequestOK marks a successful download request.
	RequestOK RequestStatus = "ok"
	// RequestFail marks a failed download request.
	RequestFail RequestStatus = "fail"
)

// Metrics instruments one entity type's pipeline. A nil *Metrics is a no-op
// so tests and tools can run uninstrumented. The collector is injected by
// the caller; pipeline components never reach for ambient global state.
type Metrics struct {
	environment string
	entityType  string

	tasksScheduled   metric.Int64Counter
	requests         metric.Int64Counter
	entriesCreated   metric.Int64Counter
	entryConflicts   metric.Int64Counter
	debounceSkips    metric.Int64Counter
	downloadDuration metric.Float64Histogram
	batchSize        metric.Int64Histogram
}

// NewMetrics builds pipeline instruments on the provided meter, tagged with
// the entity type they observe.
func NewMetrics(meter metric.Meter, entityType string) *Metrics {
	m := &Metrics{
		environment:      telemetry.Environment(),
		entityType:       strings.TrimSpace(entityType),
		tasksScheduled:   nil,
		requests:         nil,
		entriesCreated:   nil,
		entryConflicts:   nil,
		debounceSkips:    nil,
		downloadDuration: nil,
		batchSize:        nil,
	}

	m.tasksScheduled, _ = meter.Int64Counter("unionidx_meta_download_task_scheduled",
		metric.WithDescription("Download tasks handed to the transport"),
		metric.WithUnit("{task}"))

	m.requests, _ = meter.Int64Counter("unionidx_meta_download_request",
		metric.WithDescription("Download request outcomes"),
		metric.WithUnit("{request}"))

	m.entriesCreated, _ = meter.Int64Counter("unionidx_meta_entry_created",
		metric.WithDescription("Initial download entries created"),
		metric.WithUnit("{entry}"))

	m.entryConflicts, _ = meter.Int64Counter("unionidx_meta_entry_conflict",
		metric.WithDescription("Benign initial-entry creation races"),
		metric.WithUnit("{conflict}"))

	m.debounceSkips, _ = meter.Int64Counter("unionidx_meta_task_debounced",
		metric.WithDescription("Tasks skipped as redundant by the executor debounce"),
		metric.WithUnit("{task}"))

	m.downloadDuration, _ = meter.Float64Histogram("meta.download.duration",
		metric.WithDescription("Metadata download duration"),
		metric.WithUnit("ms"))

	m.batchSize, _ = meter.Int64Histogram("meta.executor.batch.size",
		metric.WithDescription("Executor task batch size"),
		metric.WithUnit("1"))

	return m
}

func (m *Metrics) base() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("environment", m.environment),
		attribute.String("type", m.entityType),
	}
}

// RecordScheduled counts tasks handed to the transport for one lane.
func (m *Metrics) RecordScheduled(ctx context.Context, pipeline Pipeline, force bool, count int) {
	if m == nil || m.tasksScheduled == nil {
		return
	}
	attrs := append(m.base(),
		attribute.String("pipeline", string(pipeline)),
		attribute.Bool("force", force),
	)
	m.tasksScheduled.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordRequest counts one download outcome.
func (m *Metrics) RecordRequest(ctx context.Context, id string, pipeline Pipeline, source Source, force bool, status RequestStatus) {
	if m == nil || m.requests == nil {
		return
	}
	attrs := append(m.base(),
		attribute.String("blockchain", BlockchainOf(id)),
		attribute.String("pipeline", string(pipeline)),
		attribute.String("source", string(source)),
		attribute.Bool("force", force),
		attribute.String("status", string(status)),
	)
	m.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEntryCreated counts an initial entry creation.
func (m *Metrics) RecordEntryCreated(ctx context.Context) {
	if m == nil || m.entriesCreated == nil {
		return
	}
	m.entriesCreated.Add(ctx, 1, metric.WithAttributes(m.base()...))
}

// RecordEntryConflict counts a benign creation race.
func (m *Metrics) RecordEntryConflict(ctx context.Context) {
	if m == nil || m.entryConflicts == nil {
		return
	}
	m.entryConflicts.Add(ctx, 1, metric.WithAttributes(m.base()...))
}

// RecordDebounced counts a task skipped by the debounce window.
func (m *Metrics) RecordDebounced(ctx context.Context, pipeline Pipeline) {
	if m == nil || m.debounceSkips == nil {
		return
	}
	attrs := append(m.base(), attribute.String("pipeline", string(pipeline)))
	m.debounceSkips.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDownloadDuration observes one downloader invocation.
func (m *Metrics) RecordDownloadDuration(ctx context.Context, elapsed time.Duration, status RequestStatus) {
	if m == nil || m.downloadDuration == nil {
		return
	}
	attrs := append(m.base(), attribute.String("status", string(status)))
	m.downloadDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordBatch observes one executor batch.
func (m *Metrics) RecordBatch(ctx context.Context, pipeline Pipeline, size int) {
	if m == nil || m.batchSize == nil {
		return
	}
	attrs := append(m.base(), attribute.String("pipeline", string(pipeline)))
	m.batchSize.Record(ctx, int64(size), metric.WithAttributes(attrs...))
}

// BlockchainOf extracts the blockchain prefix from a unified key, or
// "unknown" when the key carries none.
func BlockchainOf(id string) string {
	if idx := strings.IndexByte(id, ':'); idx > 0 {
		return strings.ToLower(id[:idx])
	}
	return "unknown"
}
