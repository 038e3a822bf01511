package metrics

import (
	"context"
	"fmt"
	"time"
)

// rollupRule downsamples raw samples into fixed buckets and bounds how long
// the rolled-up points live.
type rollupRule struct {
	resolution time.Duration
	retention  time.Duration
}

// Downsampling ladder: minute buckets for the last hour, five-minute buckets
// for the last day, hourly buckets for the last week.
var rollupRules = []rollupRule{
	{resolution: time.Minute, retention: time.Hour},
	{resolution: 5 * time.Minute, retention: 24 * time.Hour},
	{resolution: time.Hour, retention: 7 * 24 * time.Hour},
}

// Sweep materializes rollups for every series, then deletes raw samples past
// their category retention and rollups past their rule retention. Only
// completed buckets are rolled up so a re-run never shrinks an aggregate.
func (s *store) Sweep(ctx context.Context) error {
	now := s.now().UTC()
	for _, rule := range rollupRules {
		resMS := rule.resolution.Milliseconds()
		// Bucket boundary below which no new raw samples will arrive.
		closed := now.Truncate(rule.resolution).UnixMilli()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO rollups (series_id, resolution_ms, ts, value, sample_count)
			SELECT series_id, ?, (ts / ?) * ?, AVG(value), COUNT(*)
			FROM samples
			WHERE ts < ?
			GROUP BY series_id, ts / ?`,
			resMS, resMS, resMS, closed, resMS)
		if err != nil {
			return fmt.Errorf("roll up %s buckets: %w", rule.resolution, err)
		}
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM rollups WHERE resolution_ms = ? AND ts < ?`,
			resMS, now.Add(-rule.retention).UnixMilli())
		if err != nil {
			return fmt.Errorf("expire %s rollups: %w", rule.resolution, err)
		}
	}
	for _, cat := range []Category{CategoryRealtime, CategorySession, CategoryTools} {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM samples WHERE ts < ?
			AND series_id IN (SELECT id FROM series WHERE category = ?)`,
			now.Add(-cat.Retention()).UnixMilli(), string(cat))
		if err != nil {
			return fmt.Errorf("expire %s samples: %w", cat, err)
		}
	}
	return nil
}

// RangeRollup reads downsampled points at the given resolution. Dashboards
// use it for windows older than the raw retention.
func (s *store) RangeRollup(ctx context.Context, category Category, name string, resolution time.Duration, from, to time.Time) ([]Point, error) {
	id, err := s.seriesID(ctx, category, name)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, value FROM rollups
		WHERE series_id = ? AND resolution_ms = ? AND ts >= ? AND ts <= ?
		ORDER BY ts`,
		id, resolution.Milliseconds(), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("range rollup %s:%s: %w", category, name, err)
	}
	return scanPoints(rows)
}
