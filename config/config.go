// Package config loads pipeline configuration. Precedence is defaults, then
// an optional YAML file, then BLUEPLANE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the full pipeline configuration.
	Config struct {
		Redis     Redis     `yaml:"redis"`
		Database  Database  `yaml:"database"`
		Streams   Streams   `yaml:"streams"`
		Ingest    Ingest    `yaml:"ingest"`
		Workers   Workers   `yaml:"workers"`
		Cursor    Cursor    `yaml:"cursor"`
		Health    Health    `yaml:"health"`
		Retention Retention `yaml:"retention"`
		// DrainTimeout bounds graceful shutdown.
		DrainTimeout time.Duration `yaml:"drain_timeout"`
	}

	// Redis locates the local broker.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// Database locates the embedded stores.
	Database struct {
		// Path is the trace database file.
		Path string `yaml:"path"`
		// MetricsPath is the time-series database file.
		MetricsPath string `yaml:"metrics_path"`
	}

	// Streams bounds the durable streams.
	Streams struct {
		EventsMaxLen int64 `yaml:"events_max_len"`
		DLQMaxLen    int64 `yaml:"dlq_max_len"`
	}

	// Ingest tunes the fast path.
	Ingest struct {
		Consumer          string        `yaml:"consumer"`
		BatchSize         int           `yaml:"batch_size"`
		CriticalBatchSize int           `yaml:"critical_batch_size"`
		FlushInterval     time.Duration `yaml:"flush_interval"`
		ReadBlock         time.Duration `yaml:"read_block"`
		SkewTolerance     time.Duration `yaml:"skew_tolerance"`
		// WarnBacklog and CriticalBacklog are the backpressure thresholds.
		WarnBacklog     int64 `yaml:"warn_backlog"`
		CriticalBacklog int64 `yaml:"critical_backlog"`
	}

	// Workers tunes the slow path.
	Workers struct {
		Concurrency int           `yaml:"concurrency"`
		MaxRetries  int           `yaml:"max_retries"`
		StaleIdle   time.Duration `yaml:"stale_idle"`
	}

	// Cursor configures the state-database monitor.
	Cursor struct {
		Enabled        bool          `yaml:"enabled"`
		Root           string        `yaml:"root"`
		CheckpointPath string        `yaml:"checkpoint_path"`
		PollInterval   time.Duration `yaml:"poll_interval"`
	}

	// Health configures the loopback control endpoint.
	Health struct {
		Addr string `yaml:"addr"`
	}

	// Retention schedules the maintenance loops.
	Retention struct {
		Traces         time.Duration `yaml:"traces"`
		DLQ            time.Duration `yaml:"dlq"`
		SessionIdle    time.Duration `yaml:"session_idle"`
		VacuumInterval time.Duration `yaml:"vacuum_interval"`
		SweepInterval  time.Duration `yaml:"sweep_interval"`
	}
)

// Default returns the configuration used when nothing is overridden. All
// listeners bind loopback; nothing leaves the machine.
func Default() Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".blueplane")
	return Config{
		Redis: Redis{Addr: "127.0.0.1:6379"},
		Database: Database{
			Path:        filepath.Join(dataDir, "telemetry.db"),
			MetricsPath: filepath.Join(dataDir, "metrics.db"),
		},
		Streams: Streams{EventsMaxLen: 10_000, DLQMaxLen: 10_000},
		Ingest: Ingest{
			Consumer:          "ingest-1",
			BatchSize:         100,
			CriticalBatchSize: 250,
			FlushInterval:     100 * time.Millisecond,
			ReadBlock:         time.Second,
			SkewTolerance:     5 * time.Minute,
			WarnBacklog:       10_000,
			CriticalBacklog:   50_000,
		},
		Workers: Workers{Concurrency: 2, MaxRetries: 3, StaleIdle: 5 * time.Minute},
		Cursor: Cursor{
			Enabled:        true,
			Root:           filepath.Join(home, ".config", "Cursor", "User", "workspaceStorage"),
			CheckpointPath: filepath.Join(dataDir, "cursor-checkpoint.json"),
			PollInterval:   30 * time.Second,
		},
		Health: Health{Addr: "127.0.0.1:9180"},
		Retention: Retention{
			Traces:         90 * 24 * time.Hour,
			DLQ:            7 * 24 * time.Hour,
			SessionIdle:    24 * time.Hour,
			VacuumInterval: 24 * time.Hour,
			SweepInterval:  10 * time.Minute,
		},
		DrainTimeout: 10 * time.Second,
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path (empty path skips the file) and environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Redis.Addr = envOr("BLUEPLANE_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envOr("BLUEPLANE_REDIS_PASSWORD", c.Redis.Password)
	c.Database.Path = envOr("BLUEPLANE_DB_PATH", c.Database.Path)
	c.Database.MetricsPath = envOr("BLUEPLANE_METRICS_DB_PATH", c.Database.MetricsPath)
	c.Ingest.Consumer = envOr("BLUEPLANE_INGEST_CONSUMER", c.Ingest.Consumer)
	c.Ingest.BatchSize = envIntOr("BLUEPLANE_INGEST_BATCH_SIZE", c.Ingest.BatchSize)
	c.Ingest.FlushInterval = envDurationOr("BLUEPLANE_INGEST_FLUSH_INTERVAL", c.Ingest.FlushInterval)
	c.Workers.Concurrency = envIntOr("BLUEPLANE_WORKER_CONCURRENCY", c.Workers.Concurrency)
	c.Workers.MaxRetries = envIntOr("BLUEPLANE_WORKER_MAX_RETRIES", c.Workers.MaxRetries)
	c.Cursor.Root = envOr("BLUEPLANE_CURSOR_ROOT", c.Cursor.Root)
	c.Cursor.PollInterval = envDurationOr("BLUEPLANE_CURSOR_POLL_INTERVAL", c.Cursor.PollInterval)
	c.Health.Addr = envOr("BLUEPLANE_HEALTH_ADDR", c.Health.Addr)
	if v := os.Getenv("BLUEPLANE_CURSOR_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Cursor.Enabled = b
		}
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.MetricsPath == "" {
		return fmt.Errorf("database.metrics_path is required")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be positive")
	}
	if c.Ingest.CriticalBatchSize < c.Ingest.BatchSize {
		return fmt.Errorf("ingest.critical_batch_size must be at least ingest.batch_size")
	}
	if c.Ingest.WarnBacklog > c.Ingest.CriticalBacklog {
		return fmt.Errorf("ingest.warn_backlog must not exceed ingest.critical_backlog")
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be positive")
	}
	if c.Cursor.Enabled && c.Cursor.Root == "" {
		return fmt.Errorf("cursor.root is required when the monitor is enabled")
	}
	return nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
