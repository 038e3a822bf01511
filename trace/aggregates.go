package trace

import (
	"context"
	"fmt"
	"time"

	"blueplane.dev/telemetry/event"
)

type (
	// ToolUsage aggregates tool activity over a window.
	ToolUsage struct {
		ToolName      string
		Invocations   int64
		AvgDurationMS float64
	}

	// HourlyThroughput counts traces per (event_date, event_hour) bucket.
	HourlyThroughput struct {
		Date   string
		Hour   int
		Events int64
	}
)

// ToolUsageSince aggregates claude tool_use traces newer than since. The
// metrics worker feeds these into the tools series.
func (s *Store) ToolUsageSince(ctx context.Context, since time.Time) ([]ToolUsage, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT tool_name, COUNT(*), COALESCE(AVG(duration_ms), 0)
		FROM claude_raw_traces
		WHERE event_type = 'tool_use' AND tool_name IS NOT NULL AND timestamp >= ?
		GROUP BY tool_name`, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("tool usage: %w", err)
	}
	defer rows.Close()
	var out []ToolUsage
	for rows.Next() {
		var u ToolUsage
		if err := rows.Scan(&u.ToolName, &u.Invocations, &u.AvgDurationMS); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// HourlyThroughputSince counts ingested traces per generated date/hour bucket
// for a platform partition. Exercises the generated columns.
func (s *Store) HourlyThroughputSince(ctx context.Context, platform event.Platform, since time.Time) ([]HourlyThroughput, error) {
	table, err := tableFor(platform)
	if err != nil {
		return nil, err
	}
	rows, err := s.reader.QueryContext(ctx, fmt.Sprintf(`
		SELECT event_date, event_hour, COUNT(*) FROM %s
		WHERE timestamp >= ? GROUP BY event_date, event_hour ORDER BY event_date, event_hour`, table),
		fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("hourly throughput: %w", err)
	}
	defer rows.Close()
	var out []HourlyThroughput
	for rows.Next() {
		var h HourlyThroughput
		if err := rows.Scan(&h.Date, &h.Hour, &h.Events); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// TokensUsedSince sums tokens recorded on a platform partition since the
// given instant.
func (s *Store) TokensUsedSince(ctx context.Context, platform event.Platform, since time.Time) (int64, error) {
	table, err := tableFor(platform)
	if err != nil {
		return 0, err
	}
	var total int64
	err = s.reader.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(SUM(tokens_used), 0) FROM %s WHERE timestamp >= ?`, table),
		fmtTime(since)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("tokens used: %w", err)
	}
	return total, nil
}
