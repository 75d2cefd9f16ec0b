package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/unionidx/unionidx/internal/meta"
)

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: DEV
storage:
  kind: postgres
  database:
    dsn: postgresql://localhost:5432/unionidx_test
    maxConns: 8
taskbus:
  bufferSize: 128
  intakeBuffer: 64
pipelines:
  default:
    workers: 4
    maxRetries: 3
  sync:
    workers: auto
  refresh:
    workers: default
downloaders:
  item-meta:
    provider: opensea
    baseUrl: https://api.opensea.example
    pathTemplate: /v0.1/items/%s/meta
    requestsPerSecond: 10
    burst: 5
notifier:
  durable: true
  replayBatchSize: 64
telemetry:
  otlpEndpoint: http://localhost:4318
  serviceName: test-service
  otlpInsecure: true
  enableMetrics: false
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("environment = %s", cfg.Environment)
	}
	if cfg.Storage.Kind != StoragePostgres {
		t.Fatalf("storage kind = %s", cfg.Storage.Kind)
	}
	if cfg.Storage.Database.DSN != "postgresql://localhost:5432/unionidx_test" {
		t.Fatalf("dsn = %s", cfg.Storage.Database.DSN)
	}
	if cfg.Taskbus.BufferSize != 128 || cfg.Taskbus.IntakeBuffer != 64 {
		t.Fatalf("taskbus = %+v", cfg.Taskbus)
	}
	if got := cfg.Pipeline(meta.PipelineDefault); got.WorkerCount() != 4 || got.MaxRetries != 3 {
		t.Fatalf("default lane = %+v", got)
	}
	if got := cfg.Pipeline(meta.PipelineSync); got.WorkerCount() <= 0 {
		t.Fatalf("sync lane workers = %d", got.WorkerCount())
	}
	if got := cfg.Pipeline(meta.PipelineRefresh); got.WorkerCount() != 4 {
		t.Fatalf("refresh lane workers = %d", got.WorkerCount())
	}
	downloader, ok := cfg.Downloaders["item-meta"]
	if !ok {
		t.Fatal("item-meta downloader missing")
	}
	if downloader.Provider != "opensea" || downloader.Burst != 5 {
		t.Fatalf("downloader = %+v", downloader)
	}
	if cfg.Notifier.ReplayBatchSize != 64 {
		t.Fatalf("replay batch = %d", cfg.Notifier.ReplayBatchSize)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
environment: dev
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Kind != StorageMemory {
		t.Fatalf("storage kind = %s", cfg.Storage.Kind)
	}
	for _, lane := range []meta.Pipeline{meta.PipelineDefault, meta.PipelineSync, meta.PipelineRefresh} {
		pipeline, ok := cfg.Pipelines[string(lane)]
		if !ok {
			t.Fatalf("lane %s missing", lane)
		}
		if pipeline.MaxRetries != 5 {
			t.Fatalf("lane %s maxRetries = %d", lane, pipeline.MaxRetries)
		}
	}
	if cfg.Telemetry.ServiceName != "unionidx" {
		t.Fatalf("service name = %s", cfg.Telemetry.ServiceName)
	}
	if cfg.Storage.Redis.Namespace != "unionidx" {
		t.Fatalf("redis namespace = %s", cfg.Storage.Redis.Namespace)
	}
}

func TestLoadRejectsUnknownEnvironment(t *testing.T) {
	path := writeConfig(t, `
environment: production
`)
	if _, err := Load(context.Background(), path); err == nil {
		t.Fatal("expected error for unknown environment")
	}
}

func TestLoadRejectsBadDownloader(t *testing.T) {
	path := writeConfig(t, `
environment: dev
downloaders:
  item-meta:
    provider: opensea
    baseUrl: https://api.opensea.example
    pathTemplate: /v0.1/items/meta
`)
	_, err := Load(context.Background(), path)
	if err == nil {
		t.Fatal("expected error for template without key slot")
	}
	if !strings.Contains(err.Error(), "pathTemplate") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadRejectsDurableWithoutPostgres(t *testing.T) {
	path := writeConfig(t, `
environment: dev
storage:
  kind: memory
notifier:
  durable: true
`)
	if _, err := Load(context.Background(), path); err == nil {
		t.Fatal("expected error for durable notifier on memory storage")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
