// Package metrics implements the local time-series store that backs real-time
// dashboards. Series are keyed by (category, name); categories carry the
// retention policy and the rollup sweeper downsamples aged data. The backend
// is a relational table with a (series, timestamp) primary key whose conflict
// policy implements the keep-last duplicate rule.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type (
	// Category groups series and determines retention.
	Category string

	// Aggregation selects how Range buckets samples.
	Aggregation string

	// Point is one sample.
	Point struct {
		TS    time.Time
		Value float64
	}

	// Store is the time-series interface consumed by the metrics workers and
	// the stats endpoint.
	Store interface {
		// CreateSeries registers a series. Existing series keep their labels.
		CreateSeries(ctx context.Context, category Category, name string, labels map[string]string) error
		// Add records a sample, creating the series on first write. A sample
		// at an existing timestamp replaces the previous value (keep last).
		Add(ctx context.Context, category Category, name string, ts time.Time, value float64) error
		// Range returns samples in [from, to]. A non-zero bucket groups them
		// with the given aggregation.
		Range(ctx context.Context, category Category, name string, from, to time.Time, agg Aggregation, bucket time.Duration) ([]Point, error)
		// Latest returns the newest sample per series matching the glob
		// pattern over "category:name" keys.
		Latest(ctx context.Context, pattern string) (map[string]Point, error)
		// Sweep applies downsampling rollups and retention expiry. The
		// control plane runs it periodically.
		Sweep(ctx context.Context) error
		// Close releases the database handle.
		Close() error
	}

	store struct {
		db  *sql.DB
		now func() time.Time
	}
)

// Categories and their retentions.
const (
	CategoryRealtime Category = "realtime"
	CategorySession  Category = "session"
	CategoryTools    Category = "tools"
)

// Aggregations accepted by Range.
const (
	AggAvg   Aggregation = "avg"
	AggSum   Aggregation = "sum"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggCount Aggregation = "count"
)

// Retention returns how long raw samples in the category are kept.
func (c Category) Retention() time.Duration {
	switch c {
	case CategoryRealtime:
		return time.Hour
	case CategoryTools:
		return 24 * time.Hour
	case CategorySession:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

const metricsDDL = `
CREATE TABLE IF NOT EXISTS series (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	name     TEXT NOT NULL,
	labels   TEXT NOT NULL DEFAULT '{}',
	UNIQUE (category, name)
);
CREATE TABLE IF NOT EXISTS samples (
	series_id INTEGER NOT NULL REFERENCES series(id),
	ts        INTEGER NOT NULL,
	value     REAL NOT NULL,
	PRIMARY KEY (series_id, ts) ON CONFLICT REPLACE
);
CREATE TABLE IF NOT EXISTS rollups (
	series_id     INTEGER NOT NULL REFERENCES series(id),
	resolution_ms INTEGER NOT NULL,
	ts            INTEGER NOT NULL,
	value         REAL NOT NULL,
	sample_count  INTEGER NOT NULL,
	PRIMARY KEY (series_id, resolution_ms, ts) ON CONFLICT REPLACE
);
`

// Open opens (creating if necessary) the metrics database.
func Open(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("metrics database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open metrics database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(metricsDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply metrics schema: %w", err)
	}
	return &store{db: db, now: time.Now}, nil
}

func (s *store) CreateSeries(ctx context.Context, category Category, name string, labels map[string]string) error {
	if name == "" {
		return errors.New("series name is required")
	}
	raw, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO series (category, name, labels) VALUES (?, ?, ?)`,
		string(category), name, string(raw))
	if err != nil {
		return fmt.Errorf("create series %s:%s: %w", category, name, err)
	}
	return nil
}

func (s *store) seriesID(ctx context.Context, category Category, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM series WHERE category = ? AND name = ?`, string(category), name).Scan(&id)
	if err == sql.ErrNoRows {
		if err := s.CreateSeries(ctx, category, name, nil); err != nil {
			return 0, err
		}
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM series WHERE category = ? AND name = ?`, string(category), name).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("series id %s:%s: %w", category, name, err)
	}
	return id, nil
}

func (s *store) Add(ctx context.Context, category Category, name string, ts time.Time, value float64) error {
	id, err := s.seriesID(ctx, category, name)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO samples (series_id, ts, value) VALUES (?, ?, ?)`,
		id, ts.UnixMilli(), value)
	if err != nil {
		return fmt.Errorf("add sample %s:%s: %w", category, name, err)
	}
	return nil
}

func (s *store) Range(ctx context.Context, category Category, name string, from, to time.Time, agg Aggregation, bucket time.Duration) ([]Point, error) {
	id, err := s.seriesID(ctx, category, name)
	if err != nil {
		return nil, err
	}
	if bucket <= 0 {
		rows, err := s.db.QueryContext(ctx,
			`SELECT ts, value FROM samples WHERE series_id = ? AND ts >= ? AND ts <= ? ORDER BY ts`,
			id, from.UnixMilli(), to.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("range %s:%s: %w", category, name, err)
		}
		return scanPoints(rows)
	}
	fn, err := aggSQL(agg)
	if err != nil {
		return nil, err
	}
	bucketMS := bucket.Milliseconds()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT (ts / ?) * ?, %s FROM samples
		WHERE series_id = ? AND ts >= ? AND ts <= ?
		GROUP BY ts / ? ORDER BY 1`, fn),
		bucketMS, bucketMS, id, from.UnixMilli(), to.UnixMilli(), bucketMS)
	if err != nil {
		return nil, fmt.Errorf("range %s:%s: %w", category, name, err)
	}
	return scanPoints(rows)
}

func (s *store) Latest(ctx context.Context, pattern string) (map[string]Point, error) {
	like := strings.ReplaceAll(pattern, "*", "%")
	rows, err := s.db.QueryContext(ctx, `
		SELECT sr.category || ':' || sr.name, sm.ts, sm.value
		FROM series sr
		JOIN samples sm ON sm.series_id = sr.id
		WHERE sr.category || ':' || sr.name LIKE ?
		AND sm.ts = (SELECT MAX(ts) FROM samples WHERE series_id = sr.id)`, like)
	if err != nil {
		return nil, fmt.Errorf("latest %q: %w", pattern, err)
	}
	defer rows.Close()
	out := make(map[string]Point)
	for rows.Next() {
		var (
			key string
			ts  int64
			v   float64
		)
		if err := rows.Scan(&key, &ts, &v); err != nil {
			return nil, err
		}
		out[key] = Point{TS: time.UnixMilli(ts).UTC(), Value: v}
	}
	return out, rows.Err()
}

func (s *store) Close() error {
	return s.db.Close()
}

func aggSQL(agg Aggregation) (string, error) {
	switch agg {
	case AggAvg, "":
		return "AVG(value)", nil
	case AggSum:
		return "SUM(value)", nil
	case AggMin:
		return "MIN(value)", nil
	case AggMax:
		return "MAX(value)", nil
	case AggCount:
		return "COUNT(value)", nil
	default:
		return "", fmt.Errorf("unknown aggregation %q", agg)
	}
}

func scanPoints(rows *sql.Rows) ([]Point, error) {
	defer rows.Close()
	var out []Point
	for rows.Next() {
		var (
			ts int64
			v  float64
		)
		if err := rows.Scan(&ts, &v); err != nil {
			return nil, err
		}
		out = append(out, Point{TS: time.UnixMilli(ts).UTC(), Value: v})
	}
	return out, rows.Err()
}
