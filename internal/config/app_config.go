// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unionidx/unionidx/internal/meta"
)

// TaskbusConfig sets in-memory task bus sizing characteristics.
type TaskbusConfig struct {
	BufferSize   int `yaml:"bufferSize"`
	IntakeBuffer int `yaml:"intakeBuffer"`
}

type workerKind int

const (
	workerUnset workerKind = iota
	workerExplicit
	workerAuto
	workerDefault
)

// WorkerSetting encapsulates a worker-count knob allowing both numeric and
// symbolic values.
type WorkerSetting struct {
	kind  workerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values.
func (s *WorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = WorkerSetting{kind: workerUnset, value: 0}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		s.kind = workerUnset
		s.value = 0
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		s.kind = workerAuto
		s.value = 0
		return nil
	case "default":
		s.kind = workerDefault
		s.value = 0
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("workers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("workers: numeric value must be > 0")
	}
	s.kind = workerExplicit
	s.value = val
	return nil
}

func (s WorkerSetting) resolve() int {
	switch s.kind {
	case workerExplicit:
		return s.value
	case workerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	case workerDefault, workerUnset:
		return 4
	default:
		return 4
	}
}

// PipelineConfig tunes one executor lane.
type PipelineConfig struct {
	Workers         WorkerSetting `yaml:"workers"`
	MaxRetries      int           `yaml:"maxRetries"`
	DebounceWindow  time.Duration `yaml:"debounceWindow"`
	DownloadTimeout time.Duration `yaml:"downloadTimeout"`
}

// WorkerCount returns the resolved worker count for use by runtime components.
func (c PipelineConfig) WorkerCount() int {
	return c.Workers.resolve()
}

// DownloaderConfig configures one entity type's provider client.
type DownloaderConfig struct {
	Provider          string        `yaml:"provider"`
	BaseURL           string        `yaml:"baseUrl"`
	PathTemplate      string        `yaml:"pathTemplate"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
}

// NotifierConfig tunes entry event delivery.
type NotifierConfig struct {
	SubscriberBuffer int           `yaml:"subscriberBuffer"`
	Durable          bool          `yaml:"durable"`
	ReplayInterval   time.Duration `yaml:"replayInterval"`
	ReplayBatchSize  int           `yaml:"replayBatchSize"`
}

// RefreshConfig tunes the periodic re-download sweep.
type RefreshConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batchSize"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/unionidx"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// RedisConfig controls Redis connectivity for the redis-backed entry store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

func (c *RedisConfig) applyDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	c.Namespace = strings.TrimSpace(c.Namespace)
	if c.Namespace == "" {
		c.Namespace = "unionidx"
	}
}

// StorageConfig selects and tunes the entry store backend.
type StorageConfig struct {
	Kind     StorageKind    `yaml:"kind"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
}

// AppConfig is the unified indexer configuration sourced from YAML.
type AppConfig struct {
	Environment Environment                 `yaml:"environment"`
	Storage     StorageConfig               `yaml:"storage"`
	Taskbus     TaskbusConfig               `yaml:"taskbus"`
	Pipelines   map[string]PipelineConfig   `yaml:"pipelines"`
	Downloaders map[string]DownloaderConfig `yaml:"downloaders"`
	Notifier    NotifierConfig              `yaml:"notifier"`
	Refresh     RefreshConfig               `yaml:"refresh"`
	Telemetry   TelemetryConfig             `yaml:"telemetry"`
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// Default returns the configuration used when no config file is supplied.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	cfg.normalise()
	return cfg
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Storage.Kind = StorageKind(strings.ToLower(strings.TrimSpace(string(c.Storage.Kind))))
	if c.Storage.Kind == "" {
		c.Storage.Kind = StorageMemory
	}
	c.Storage.Database.applyDefaults()
	c.Storage.Redis.applyDefaults()

	if c.Taskbus.BufferSize <= 0 {
		c.Taskbus.BufferSize = 1024
	}
	if c.Taskbus.IntakeBuffer <= 0 {
		c.Taskbus.IntakeBuffer = 256
	}

	if c.Pipelines == nil {
		c.Pipelines = make(map[string]PipelineConfig)
	}
	for _, lane := range []meta.Pipeline{meta.PipelineDefault, meta.PipelineSync, meta.PipelineRefresh} {
		pipeline, ok := c.Pipelines[string(lane)]
		if !ok {
			pipeline = PipelineConfig{}
		}
		if pipeline.MaxRetries <= 0 {
			pipeline.MaxRetries = 5
		}
		if pipeline.DebounceWindow <= 0 {
			pipeline.DebounceWindow = 30 * time.Second
		}
		if pipeline.DownloadTimeout <= 0 {
			pipeline.DownloadTimeout = 30 * time.Second
		}
		c.Pipelines[string(lane)] = pipeline
	}

	for name, downloader := range c.Downloaders {
		downloader.Provider = strings.TrimSpace(downloader.Provider)
		downloader.BaseURL = strings.TrimSpace(downloader.BaseURL)
		downloader.PathTemplate = strings.TrimSpace(downloader.PathTemplate)
		if downloader.Timeout <= 0 {
			downloader.Timeout = 30 * time.Second
		}
		if downloader.Burst <= 0 {
			downloader.Burst = 1
		}
		c.Downloaders[name] = downloader
	}

	if c.Notifier.SubscriberBuffer <= 0 {
		c.Notifier.SubscriberBuffer = 256
	}
	if c.Notifier.ReplayInterval <= 0 {
		c.Notifier.ReplayInterval = 5 * time.Second
	}
	if c.Notifier.ReplayBatchSize <= 0 {
		c.Notifier.ReplayBatchSize = 128
	}

	if c.Refresh.Interval <= 0 {
		c.Refresh.Interval = 5 * time.Minute
	}
	if c.Refresh.BatchSize <= 0 {
		c.Refresh.BatchSize = 512
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "unionidx"
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Storage.Kind {
	case StorageMemory, StorageRedis:
	case StoragePostgres:
		if err := c.Storage.Database.validate(); err != nil {
			return fmt.Errorf("storage database: %w", err)
		}
	default:
		return fmt.Errorf("storage kind must be one of memory, postgres, redis")
	}

	if c.Taskbus.BufferSize <= 0 {
		return fmt.Errorf("taskbus bufferSize must be >0")
	}
	if c.Taskbus.IntakeBuffer <= 0 {
		return fmt.Errorf("taskbus intakeBuffer must be >0")
	}

	for name, pipeline := range c.Pipelines {
		if pipeline.WorkerCount() <= 0 {
			return fmt.Errorf("pipeline %s workers must be >0", name)
		}
		if pipeline.MaxRetries <= 0 {
			return fmt.Errorf("pipeline %s maxRetries must be >0", name)
		}
	}

	for name, downloader := range c.Downloaders {
		if downloader.Provider == "" {
			return fmt.Errorf("downloader %s provider required", name)
		}
		if downloader.BaseURL == "" {
			return fmt.Errorf("downloader %s baseUrl required", name)
		}
		if !strings.Contains(downloader.PathTemplate, "%s") {
			return fmt.Errorf("downloader %s pathTemplate must reference the key", name)
		}
		if downloader.RequestsPerSecond < 0 {
			return fmt.Errorf("downloader %s requestsPerSecond must be >= 0", name)
		}
	}

	if c.Notifier.Durable && c.Storage.Kind != StoragePostgres {
		return fmt.Errorf("notifier durable mode requires postgres storage")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	return nil
}

// Pipeline returns the effective lane configuration, falling back to the
// default lane for unknown names.
func (c AppConfig) Pipeline(lane meta.Pipeline) PipelineConfig {
	if pipeline, ok := c.Pipelines[string(lane)]; ok {
		return pipeline
	}
	return c.Pipelines[string(meta.PipelineDefault)]
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
