package trace

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"blueplane.dev/telemetry/event"
)

type (
	// Row is one raw trace. EventData holds the compressed full event JSON;
	// decompression is left to the caller so list reads stay cheap.
	Row struct {
		Sequence          int64
		IngestedAt        time.Time
		EventID           string
		ExternalSessionID string
		EventType         event.Type
		Timestamp         time.Time
		WorkspaceHash     string

		// Cursor correlation keys.
		GenerationUUID string
		ComposerID     string
		BubbleID       string

		// Claude correlation keys.
		ToolName string
		Model    string

		// Denormalized metrics, nullable.
		DurationMS   *int64
		TokensUsed   *int64
		LinesAdded   *int64
		LinesRemoved *int64

		EventData []byte
	}

	// Inserted identifies a row the batch actually created, in store order.
	Inserted struct {
		Sequence int64
		EventID  string
	}

	// BatchResult reports the outcome of a batch insert.
	BatchResult struct {
		// Inserted lists newly created rows with their assigned sequences.
		Inserted []Inserted
		// Duplicates counts rows skipped because their event_id was already
		// ingested.
		Duplicates int
	}
)

// cursorCols and claudeCols are the insert column lists for each partition.
const (
	commonCols = "ingested_at, event_id, external_session_id, event_type, timestamp, workspace_hash, duration_ms, tokens_used, lines_added, lines_removed, event_data"
	cursorCols = commonCols + ", generation_uuid, composer_id, bubble_id"
	claudeCols = commonCols + ", tool_name, model"
)

// BatchInsert writes all rows in a single multi-row INSERT OR IGNORE inside
// one transaction, retrying transient failures with the configured backoff.
// Duplicate event_ids are silently skipped; the result reports how many.
func (s *Store) BatchInsert(ctx context.Context, platform event.Platform, rows []Row) (BatchResult, error) {
	if len(rows) == 0 {
		return BatchResult{}, nil
	}
	table, err := tableFor(platform)
	if err != nil {
		return BatchResult{}, err
	}

	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		if attempt > 0 {
			wait := s.backoff[min(attempt-1, len(s.backoff)-1)]
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return BatchResult{}, ctx.Err()
			}
		}
		res, err := s.insertBatch(ctx, table, platform, rows)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return BatchResult{}, fmt.Errorf("batch insert into %s after %d attempts: %w", table, s.retries, lastErr)
}

func (s *Store) insertBatch(ctx context.Context, table string, platform event.Platform, rows []Row) (BatchResult, error) {
	cols := claudeCols
	perRow := 13
	if platform == event.PlatformCursor {
		cols = cursorCols
		perRow = 14
	}
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", perRow), ",") + ")"
	values := make([]string, len(rows))
	args := make([]any, 0, len(rows)*perRow)
	for i, r := range rows {
		values[i] = placeholder
		args = append(args,
			fmtTime(r.IngestedAt), r.EventID, nullStr(r.ExternalSessionID), string(r.EventType),
			fmtTime(r.Timestamp), nullStr(r.WorkspaceHash),
			r.DurationMS, r.TokensUsed, r.LinesAdded, r.LinesRemoved, r.EventData)
		if platform == event.PlatformCursor {
			args = append(args, nullStr(r.GenerationUUID), nullStr(r.ComposerID), nullStr(r.BubbleID))
		} else {
			args = append(args, nullStr(r.ToolName), nullStr(r.Model))
		}
	}
	query := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES %s RETURNING sequence, event_id",
		table, cols, strings.Join(values, ","))

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return BatchResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return BatchResult{}, fmt.Errorf("insert: %w", err)
	}
	var out BatchResult
	for res.Next() {
		var ins Inserted
		if err := res.Scan(&ins.Sequence, &ins.EventID); err != nil {
			res.Close()
			return BatchResult{}, fmt.Errorf("scan returning: %w", err)
		}
		out.Inserted = append(out.Inserted, ins)
	}
	if err := res.Err(); err != nil {
		res.Close()
		return BatchResult{}, fmt.Errorf("returning rows: %w", err)
	}
	res.Close()
	if err := tx.Commit(); err != nil {
		return BatchResult{}, fmt.Errorf("commit: %w", err)
	}
	out.Duplicates = len(rows) - len(out.Inserted)
	return out, nil
}

const rowCols = "sequence, ingested_at, event_id, external_session_id, event_type, timestamp, workspace_hash, duration_ms, tokens_used, lines_added, lines_removed, event_data"

// ReadBySequence loads a single raw trace by its sequence number.
func (s *Store) ReadBySequence(ctx context.Context, platform event.Platform, sequence int64) (*Row, error) {
	table, err := tableFor(platform)
	if err != nil {
		return nil, err
	}
	extra := "tool_name, model"
	if platform == event.PlatformCursor {
		extra = "generation_uuid, composer_id, bubble_id"
	}
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE sequence = ?", rowCols, extra, table)
	row, err := scanRow(s.reader.QueryRowContext(ctx, query, sequence), platform)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trace %d not found in %s", sequence, table)
	}
	return row, err
}

// ReadSessionTraces returns traces for an external session within [from, to],
// ordered by sequence.
func (s *Store) ReadSessionTraces(ctx context.Context, platform event.Platform, sessionID string, from, to time.Time) ([]*Row, error) {
	table, err := tableFor(platform)
	if err != nil {
		return nil, err
	}
	extra := "tool_name, model"
	if platform == event.PlatformCursor {
		extra = "generation_uuid, composer_id, bubble_id"
	}
	query := fmt.Sprintf(
		"SELECT %s, %s FROM %s WHERE external_session_id = ? AND timestamp >= ? AND timestamp <= ? ORDER BY sequence",
		rowCols, extra, table)
	rows, err := s.reader.QueryContext(ctx, query, sessionID, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, fmt.Errorf("read session traces: %w", err)
	}
	defer rows.Close()
	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows, platform)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MaxSequence returns the highest assigned sequence for the platform, zero
// when the partition is empty.
func (s *Store) MaxSequence(ctx context.Context, platform event.Platform) (int64, error) {
	table, err := tableFor(platform)
	if err != nil {
		return 0, err
	}
	var max sql.NullInt64
	if err := s.reader.QueryRowContext(ctx, "SELECT MAX(sequence) FROM "+table).Scan(&max); err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return max.Int64, nil
}

// SequencesAfter returns (sequence, event_id, event_type) for rows newer than
// after, oldest first, capped at limit. Used by the CDC backfill gap scan.
func (s *Store) SequencesAfter(ctx context.Context, platform event.Platform, after int64, limit int) ([]Inserted, []event.Type, error) {
	table, err := tableFor(platform)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.reader.QueryContext(ctx,
		fmt.Sprintf("SELECT sequence, event_id, event_type FROM %s WHERE sequence > ? ORDER BY sequence LIMIT ?", table),
		after, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("sequences after %d: %w", after, err)
	}
	defer rows.Close()
	var (
		ins   []Inserted
		types []event.Type
	)
	for rows.Next() {
		var (
			i Inserted
			t string
		)
		if err := rows.Scan(&i.Sequence, &i.EventID, &t); err != nil {
			return nil, nil, err
		}
		ins = append(ins, i)
		types = append(types, event.Type(t))
	}
	return ins, types, rows.Err()
}

// Vacuum deletes raw traces older than retention from both partitions and
// reclaims file space. Intended to run daily.
func (s *Store) Vacuum(ctx context.Context, retention time.Duration) error {
	cutoff := fmtTime(time.Now().Add(-retention))
	for _, table := range []string{"cursor_raw_traces", "claude_raw_traces"} {
		if _, err := s.writer.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE timestamp < ?", table), cutoff); err != nil {
			return fmt.Errorf("retention delete on %s: %w", table, err)
		}
	}
	if _, err := s.writer.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// UpsertWorkspace records a workspace sighting, creating the row on first
// reference and refreshing last_seen_at on subsequent ones.
func (s *Store) UpsertWorkspace(ctx context.Context, hash, path, name string, seenAt time.Time) error {
	if hash == "" {
		return nil
	}
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO workspaces (workspace_hash, workspace_path, workspace_name, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workspace_hash) DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			workspace_path = COALESCE(NULLIF(excluded.workspace_path, ''), workspace_path),
			workspace_name = COALESCE(NULLIF(excluded.workspace_name, ''), workspace_name)`,
		hash, path, name, fmtTime(seenAt), fmtTime(seenAt))
	if err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(sc rowScanner, platform event.Platform) (*Row, error) {
	var (
		r                      Row
		ingested, ts           string
		sessionID, wsHash      sql.NullString
		extra1, extra2, extra3 sql.NullString
		eventType              string
	)
	dest := []any{
		&r.Sequence, &ingested, &r.EventID, &sessionID, &eventType, &ts, &wsHash,
		&r.DurationMS, &r.TokensUsed, &r.LinesAdded, &r.LinesRemoved, &r.EventData,
	}
	if platform == event.PlatformCursor {
		dest = append(dest, &extra1, &extra2, &extra3)
	} else {
		dest = append(dest, &extra1, &extra2)
	}
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	r.IngestedAt = parseTime(ingested)
	r.Timestamp = parseTime(ts)
	r.ExternalSessionID = sessionID.String
	r.WorkspaceHash = wsHash.String
	r.EventType = event.Type(eventType)
	if platform == event.PlatformCursor {
		r.GenerationUUID, r.ComposerID, r.BubbleID = extra1.String, extra2.String, extra3.String
	} else {
		r.ToolName, r.Model = extra1.String, extra2.String
	}
	return &r, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
