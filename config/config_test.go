package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	require.Equal(t, "127.0.0.1:9180", cfg.Health.Addr)
	require.Equal(t, 100, cfg.Ingest.BatchSize)
	require.Equal(t, 250, cfg.Ingest.CriticalBatchSize)
	require.Equal(t, 2, cfg.Workers.Concurrency)
	require.Equal(t, 90*24*time.Hour, cfg.Retention.Traces)
}

func TestLoadAppliesFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  addr: 127.0.0.1:6400
ingest:
  batch_size: 50
  critical_batch_size: 200
workers:
  concurrency: 4
`), 0o644))

	t.Setenv("BLUEPLANE_INGEST_BATCH_SIZE", "75")
	t.Setenv("BLUEPLANE_CURSOR_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:6400", cfg.Redis.Addr)
	// Env wins over the file.
	require.Equal(t, 75, cfg.Ingest.BatchSize)
	require.Equal(t, 4, cfg.Workers.Concurrency)
	require.False(t, cfg.Cursor.Enabled)
	// Untouched settings keep their defaults.
	require.Equal(t, 100*time.Millisecond, cfg.Ingest.FlushInterval)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ingest:
  batch_size: 500
  critical_batch_size: 100
`), 0o644))

	_, err := Load(path)
	require.ErrorContains(t, err, "critical_batch_size")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
