// Package trace implements the embedded relational store for raw traces,
// conversations and their satellite tables. The store owns a single SQLite
// file opened in WAL mode so slow-path readers proceed while the fast path
// writes. All mutation funnels through one write connection, which keeps
// sequence assignment strictly monotonic within each platform partition.
package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"blueplane.dev/telemetry/event"
)

type (
	// Options configures the trace store.
	Options struct {
		// Path is the database file location. Required.
		Path string
		// InsertRetries bounds batch-insert attempts. Defaults to 3.
		InsertRetries int
		// InsertBackoff lists the sleep before each retry. Defaults to
		// 50ms/200ms/1s.
		InsertBackoff []time.Duration
	}

	// Store provides access to the telemetry database. Safe for concurrent
	// use: writes serialize on the single-connection write handle, reads go
	// through a separate read-only pool.
	Store struct {
		writer  *sql.DB
		reader  *sql.DB
		path    string
		retries int
		backoff []time.Duration
	}
)

// ErrSchemaVersion reports a schema generation mismatch at startup.
var ErrSchemaVersion = errors.New("schema version mismatch")

var defaultBackoff = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, time.Second}

// Open opens (creating if necessary) the telemetry database with the WAL
// concurrency configuration: write-ahead journal, normal synchronous, 64 MiB
// page cache and up to 256 MiB of mmap.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	pragmas := "?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=cache_size(-65536)" +
		"&_pragma=mmap_size(268435456)" +
		"&_pragma=foreign_keys(ON)"

	writer, err := sql.Open("sqlite", "file:"+opts.Path+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Sequence assignment requires a single mutating connection.
	writer.SetMaxOpenConns(1)
	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// The reader never mutates journal mode; the writer established WAL.
	readPragmas := "?mode=ro" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=cache_size(-65536)" +
		"&_pragma=mmap_size(268435456)" +
		"&_pragma=query_only(ON)"
	reader, err := sql.Open("sqlite", "file:"+opts.Path+readPragmas)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open read handle: %w", err)
	}

	retries := opts.InsertRetries
	if retries <= 0 {
		retries = 3
	}
	backoff := opts.InsertBackoff
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}
	return &Store{
		writer:  writer,
		reader:  reader,
		path:    opts.Path,
		retries: retries,
		backoff: backoff,
	}, nil
}

// Migrate applies the schema and records the version. Repeated calls are
// no-ops. A database at a newer version than this build understands is
// rejected rather than downgraded.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.writer.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	var current sql.NullInt64
	err := s.writer.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch {
	case !current.Valid:
		if _, err := s.writer.ExecContext(ctx,
			`INSERT INTO schema_version (version) VALUES (?)`, RequiredSchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case current.Int64 > RequiredSchemaVersion:
		return fmt.Errorf("%w: database at v%d, pipeline requires v%d", ErrSchemaVersion, current.Int64, RequiredSchemaVersion)
	}
	return nil
}

// VerifySchemaVersion checks that the applied schema matches what this build
// requires. The control plane calls this before starting consumers.
func (s *Store) VerifySchemaVersion(ctx context.Context) error {
	var current sql.NullInt64
	if err := s.reader.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if !current.Valid || current.Int64 != RequiredSchemaVersion {
		return fmt.Errorf("%w: have v%d, require v%d", ErrSchemaVersion, current.Int64, RequiredSchemaVersion)
	}
	return nil
}

// Ping verifies the store accepts writes. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.writer.ExecContext(ctx,
		`INSERT INTO pipeline_kv (key, value, updated_at) VALUES ('ping', '1', ?)
		 ON CONFLICT(key) DO UPDATE SET updated_at = excluded.updated_at`,
		time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("store not writable: %w", err)
	}
	return nil
}

// Close releases both database handles.
func (s *Store) Close() error {
	rerr := s.reader.Close()
	werr := s.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// tableFor maps a platform to its raw-trace partition.
func tableFor(platform event.Platform) (string, error) {
	switch platform {
	case event.PlatformCursor:
		return "cursor_raw_traces", nil
	case event.PlatformClaudeCode:
		return "claude_raw_traces", nil
	default:
		return "", fmt.Errorf("unknown platform %q", platform)
	}
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
