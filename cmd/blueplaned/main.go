// Command blueplaned runs the local telemetry pipeline daemon.
//
// The daemon drains producer events from Redis streams into an embedded
// SQLite trace store, announces inserts on a change-data-capture stream,
// reconstructs conversations and folds metrics in background workers, and
// optionally polls Cursor workspace databases for activity Cursor never
// emits as hook events. Everything binds loopback; no telemetry leaves the
// machine.
//
// # Configuration
//
// Settings load from an optional YAML file (-config) with BLUEPLANE_*
// environment variables taking precedence. See the config package for the
// full list.
//
// # Example
//
//	blueplaned -config ~/.blueplane/config.yaml
//	BLUEPLANE_REDIS_ADDR=127.0.0.1:6380 blueplaned -debug
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"blueplane.dev/telemetry/cdc"
	"blueplane.dev/telemetry/config"
	"blueplane.dev/telemetry/control"
	"blueplane.dev/telemetry/conversation"
	"blueplane.dev/telemetry/cursormon"
	"blueplane.dev/telemetry/ingest"
	"blueplane.dev/telemetry/metrics"
	"blueplane.dev/telemetry/streams"
	"blueplane.dev/telemetry/telemetry"
	"blueplane.dev/telemetry/trace"
	"blueplane.dev/telemetry/workers"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file (optional)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configF); err != nil {
		log.Fatalf(ctx, err, "pipeline exited")
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()

	streamClient, err := streams.New(streams.Options{
		Redis: rdb,
		MaxLen: map[string]int64{
			streams.EventsStream: cfg.Streams.EventsMaxLen,
			streams.DLQStream:    cfg.Streams.DLQMaxLen,
		},
	})
	if err != nil {
		return fmt.Errorf("create stream client: %w", err)
	}

	traceStore, err := trace.Open(trace.Options{Path: cfg.Database.Path})
	if err != nil {
		return fmt.Errorf("open trace store: %w", err)
	}
	defer func() {
		if err := traceStore.Close(); err != nil {
			log.Errorf(ctx, err, "close trace store")
		}
	}()

	metricStore, err := metrics.Open(cfg.Database.MetricsPath)
	if err != nil {
		return fmt.Errorf("open metrics store: %w", err)
	}
	defer func() {
		if err := metricStore.Close(); err != nil {
			log.Errorf(ctx, err, "close metrics store")
		}
	}()

	cdcClient, err := cdc.NewClient(cdc.Options{Redis: rdb})
	if err != nil {
		return fmt.Errorf("create cdc client: %w", err)
	}
	bus, err := cdc.NewBus(cdcClient, 0)
	if err != nil {
		return fmt.Errorf("create cdc bus: %w", err)
	}

	recorder := telemetry.NewClueMetrics()
	ingester, err := ingest.New(ingest.Options{
		Streams:           streamClient,
		Trace:             traceStore,
		Publisher:         bus,
		Consumer:          cfg.Ingest.Consumer,
		BatchSize:         cfg.Ingest.BatchSize,
		CriticalBatchSize: cfg.Ingest.CriticalBatchSize,
		CriticalBacklog:   cfg.Ingest.CriticalBacklog,
		FlushInterval:     cfg.Ingest.FlushInterval,
		ReadBlock:         cfg.Ingest.ReadBlock,
		SkewTolerance:     cfg.Ingest.SkewTolerance,
		Telemetry:         recorder,
	})
	if err != nil {
		return fmt.Errorf("create ingester: %w", err)
	}

	reconstructor, err := conversation.New(conversation.Options{Trace: traceStore})
	if err != nil {
		return fmt.Errorf("create reconstructor: %w", err)
	}
	metricsHandler, err := workers.NewMetricsHandler(metricStore)
	if err != nil {
		return fmt.Errorf("create metrics handler: %w", err)
	}
	pool, err := workers.New(workers.Options{
		Source:  workers.BusSource{Bus: bus},
		Trace:   traceStore,
		Streams: streamClient,
		Handlers: map[string]workers.Handler{
			workers.TypeConversation: reconstructor,
			workers.TypeMetrics:      metricsHandler,
		},
		Concurrency: cfg.Workers.Concurrency,
		MaxRetries:  cfg.Workers.MaxRetries,
		Telemetry:   recorder,
	})
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}

	var monitor control.Runner
	if cfg.Cursor.Enabled {
		m, err := cursormon.New(cursormon.Options{
			Streams:        streamClient,
			Root:           cfg.Cursor.Root,
			CheckpointPath: cfg.Cursor.CheckpointPath,
			PollInterval:   cfg.Cursor.PollInterval,
		})
		if err != nil {
			return fmt.Errorf("create cursor monitor: %w", err)
		}
		monitor = m
	}

	pipeline, err := control.New(cfg, control.Components{
		Streams:   streamClient,
		Trace:     traceStore,
		Metrics:   metricStore,
		Bus:       bus,
		Ingester:  ingester,
		Pool:      pool,
		Monitor:   monitor,
		Telemetry: recorder,
	})
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	log.Print(ctx, log.KV{K: "redis", V: cfg.Redis.Addr}, log.KV{K: "db", V: cfg.Database.Path}, log.KV{K: "health", V: cfg.Health.Addr})
	return pipeline.Run(ctx)
}
