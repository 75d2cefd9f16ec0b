// Command indexer launches the metadata download pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/unionidx/unionidx/internal/config"
	"github.com/unionidx/unionidx/internal/downloader"
	"github.com/unionidx/unionidx/internal/meta"
	"github.com/unionidx/unionidx/internal/meta/entrystore"
	pgstore "github.com/unionidx/unionidx/internal/meta/entrystore/postgres"
	redisstore "github.com/unionidx/unionidx/internal/meta/entrystore/redis"
	"github.com/unionidx/unionidx/internal/meta/executor"
	"github.com/unionidx/unionidx/internal/meta/scheduler"
	"github.com/unionidx/unionidx/internal/meta/taskbus"
	"github.com/unionidx/unionidx/internal/migrations"
	"github.com/unionidx/unionidx/internal/notifier"
	notifierpg "github.com/unionidx/unionidx/internal/notifier/postgres"
	"github.com/unionidx/unionidx/internal/refresh"
	"github.com/unionidx/unionidx/internal/schema"
	"github.com/unionidx/unionidx/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	indexerLoggerPrefix      = "indexer "
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	databaseConnectTimeout   = 30 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newIndexerLogger()

	appCfg, err := loadConfig(ctx, cfgPath, logger)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, storage=%s, downloaders=%d",
		appCfg.Environment, appCfg.Storage.Kind, len(appCfg.Downloaders))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	meter := telemetryProvider.Meter("unionidx")

	var (
		pool *pgxpool.Pool
		rdb  *redis.Client
	)
	switch appCfg.Storage.Kind {
	case config.StoragePostgres:
		pool, err = connectPostgres(ctx, appCfg.Storage.Database, logger)
		if err != nil {
			logger.Fatalf("connect postgres: %v", err)
		}
		if appCfg.Storage.Database.RunMigrations {
			if err := migrations.ApplyEmbedded(ctx, appCfg.Storage.Database.DSN, logger); err != nil {
				logger.Fatalf("apply migrations: %v", err)
			}
		}
	case config.StorageRedis:
		rdb = redis.NewClient(&redis.Options{
			Addr:     appCfg.Storage.Redis.Addr,
			Password: appCfg.Storage.Redis.Password,
			DB:       appCfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatalf("connect redis: %v", err)
		}
	case config.StorageMemory:
		logger.Print("memory storage selected; entries will not survive restarts")
	}

	eventBus := buildEventBus(appCfg, pool)

	var lifecycle conc.WaitGroup
	runtime := &entityRuntime{
		cfg:      appCfg,
		logger:   logger,
		meter:    meter,
		eventBus: eventBus,
		pool:     pool,
		rdb:      rdb,
	}

	names := make([]string, 0, len(appCfg.Downloaders))
	for name := range appCfg.Downloaders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := startEntityPipeline(ctx, &lifecycle, runtime, name); err != nil {
			logger.Fatalf("start %s pipeline: %v", name, err)
		}
		logger.Printf("pipeline started: %s", name)
	}
	if len(names) == 0 {
		logger.Print("no downloaders configured; nothing to do")
	}

	logger.Print("indexer started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		taskBuses:  runtime.taskBuses,
		eventBus:   eventBus,
		pool:       pool,
		rdb:        rdb,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newIndexerLogger() *log.Logger {
	return log.New(os.Stdout, indexerLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func loadConfig(ctx context.Context, flagValue string, logger *log.Logger) (config.AppConfig, error) {
	path := flagValue
	if path == "" {
		path = filepath.Clean(defaultConfigPath)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			logger.Printf("configuration file not found, using defaults")
			return config.Default(), nil
		}
	}
	return config.Load(ctx, path)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func connectPostgres(ctx context.Context, cfg config.DatabaseConfig, logger *log.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, databaseConnectTimeout)
	defer cancel()

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = 5 * time.Second
	for {
		pingErr := pool.Ping(connectCtx)
		if pingErr == nil {
			return pool, nil
		}
		logger.Printf("database not ready: %v", pingErr)
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = 5 * time.Second
		}
		select {
		case <-connectCtx.Done():
			pool.Close()
			return nil, fmt.Errorf("database unreachable: %w", pingErr)
		case <-time.After(sleep):
		}
	}
}

func buildEventBus(cfg config.AppConfig, pool *pgxpool.Pool) notifier.Bus {
	memory := notifier.NewMemoryBus(notifier.MemoryBusConfig{
		SubscriberBuffer: cfg.Notifier.SubscriberBuffer,
	})
	if !cfg.Notifier.Durable || pool == nil {
		return memory
	}
	return notifier.NewDurableBus(memory, notifierpg.NewOutboxStore(pool),
		notifier.WithReplayInterval(cfg.Notifier.ReplayInterval),
		notifier.WithReplayBatchSize(cfg.Notifier.ReplayBatchSize))
}

// entityRuntime carries the process-wide dependencies each entity pipeline
// hangs off.
type entityRuntime struct {
	cfg      config.AppConfig
	logger   *log.Logger
	meter    metric.Meter
	eventBus notifier.Bus
	pool     *pgxpool.Pool
	rdb      *redis.Client

	taskBuses []*taskbus.MemoryBus
}

func startEntityPipeline(ctx context.Context, lifecycle *conc.WaitGroup, runtime *entityRuntime, name string) error {
	switch name {
	case "item-meta":
		return startEntity[schema.ItemMeta](ctx, lifecycle, runtime, name, "item_meta_entries")
	case "collection-meta":
		return startEntity[schema.CollectionMeta](ctx, lifecycle, runtime, name, "collection_meta_entries")
	case "ownership":
		return startEntity[schema.OwnershipSnapshot](ctx, lifecycle, runtime, name, "ownership_entries")
	case "order":
		return startEntity[schema.OrderSnapshot](ctx, lifecycle, runtime, name, "order_entries")
	default:
		return fmt.Errorf("unknown entity type %q", name)
	}
}

func startEntity[T any](ctx context.Context, lifecycle *conc.WaitGroup, runtime *entityRuntime, name, table string) error {
	store, err := buildStore[T](runtime, table)
	if err != nil {
		return err
	}

	downloaderCfg := runtime.cfg.Downloaders[name]
	client, err := downloader.NewClient[T](name, downloader.ClientConfig{
		Provider:          downloaderCfg.Provider,
		BaseURL:           downloaderCfg.BaseURL,
		PathTemplate:      downloaderCfg.PathTemplate,
		Timeout:           downloaderCfg.Timeout,
		RequestsPerSecond: downloaderCfg.RequestsPerSecond,
		Burst:             downloaderCfg.Burst,
	})
	if err != nil {
		return err
	}

	notify, err := notifier.NewBusNotifier[T](name, runtime.eventBus)
	if err != nil {
		return err
	}

	bus := taskbus.NewMemoryBus(taskbus.Config{
		BufferSize:   runtime.cfg.Taskbus.BufferSize,
		IntakeBuffer: runtime.cfg.Taskbus.IntakeBuffer,
	})
	runtime.taskBuses = append(runtime.taskBuses, bus)

	entityLogger := log.New(os.Stdout, indexerLoggerPrefix+name+" ", log.LstdFlags|log.Lmicroseconds)
	metrics := meta.NewMetrics(runtime.meter, name)

	sched := scheduler.New(store, bus, metrics, entityLogger)
	lifecycle.Go(func() {
		sched.Run(ctx, bus.Intake())
	})

	for _, lane := range []meta.Pipeline{meta.PipelineDefault, meta.PipelineSync, meta.PipelineRefresh} {
		laneCfg := runtime.cfg.Pipeline(lane)
		exec := executor.New(executor.Config{
			Pipeline:        lane,
			Workers:         laneCfg.WorkerCount(),
			MaxRetries:      laneCfg.MaxRetries,
			DebounceWindow:  laneCfg.DebounceWindow,
			DownloadTimeout: laneCfg.DownloadTimeout,
		}, store, client, notify, metrics, entityLogger)
		laneCh := bus.Consume(lane)
		lifecycle.Go(func() {
			exec.Run(ctx, laneCh)
		})
	}

	if runtime.cfg.Refresh.Enabled {
		job := refresh.NewJob(refresh.Config{
			EntityType: name,
			Interval:   runtime.cfg.Refresh.Interval,
			BatchSize:  runtime.cfg.Refresh.BatchSize,
			MaxRetries: runtime.cfg.Pipeline(meta.PipelineRefresh).MaxRetries,
			Logger:     entityLogger,
		}, store, bus)
		lifecycle.Go(func() {
			job.Run(ctx)
		})
	}

	return nil
}

func buildStore[T any](runtime *entityRuntime, table string) (entrystore.Store[T], error) {
	switch runtime.cfg.Storage.Kind {
	case config.StoragePostgres:
		return pgstore.NewStore[T](runtime.pool, table)
	case config.StorageRedis:
		namespace := fmt.Sprintf("%s:%s", runtime.cfg.Storage.Redis.Namespace, table)
		return redisstore.NewStore[T](runtime.rdb, namespace)
	default:
		return entrystore.NewMemoryStore[T](), nil
	}
}

type gracefulShutdownConfig struct {
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	taskBuses  []*taskbus.MemoryBus
	eventBus   notifier.Bus
	pool       *pgxpool.Pool
	rdb        *redis.Client
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	for _, bus := range cfg.taskBuses {
		bus.Close()
	}

	if cfg.eventBus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.eventBus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.pool != nil {
		cfg.pool.Close()
	}
	if cfg.rdb != nil {
		if err := cfg.rdb.Close(); err != nil {
			logger.Printf("shutdown: close redis: %v", err)
		}
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
