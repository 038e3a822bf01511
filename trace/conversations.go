package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"blueplane.dev/telemetry/event"
)

type (
	// CursorSession is an editor-window lifetime for the Cursor platform.
	CursorSession struct {
		ID                string
		ExternalSessionID string
		WorkspaceHash     string
		WorkspacePath     string
		StartedAt         time.Time
		EndedAt           *time.Time
	}

	// Conversation is a chat thread with its aggregates.
	Conversation struct {
		ID                  string
		SessionID           *string
		ExternalID          string
		Platform            event.Platform
		WorkspaceHash       string
		StartedAt           time.Time
		EndedAt             *time.Time
		InteractionCount    int
		AcceptanceRate      *float64
		TotalTokens         int64
		TotalChanges        int64
		ToolSequence        []string
		AcceptanceDecisions []bool
	}

	// Turn is one conversation turn. Content is never stored, only its hash.
	Turn struct {
		ID             string
		ConversationID string
		TurnNumber     int
		EventID        string
		Timestamp      time.Time
		TurnType       string
		ContentHash    string
		TokensUsed     *int64
		LatencyMS      *int64
		ToolsCalled    []string
		OutOfOrder     bool
	}

	// TurnParams describes a turn to append.
	TurnParams struct {
		ConversationID string
		EventID        string
		Timestamp      time.Time
		TurnType       string
		ContentHash    string
		TokensUsed     *int64
		LatencyMS      *int64
		ToolsCalled    []string
	}

	// CodeChangeParams describes a code change to record.
	CodeChangeParams struct {
		ConversationID string
		TurnID         string
		EventID        string
		ChangeID       string
		Timestamp      time.Time
		FileExtension  string
		Operation      string
		LinesAdded     int64
		LinesRemoved   int64
	}
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// EnsureCursorSession creates the session on first sight of the external ID
// and returns the internal session ID either way.
func (s *Store) EnsureCursorSession(ctx context.Context, externalID, workspaceHash, workspacePath string, startedAt time.Time) (string, bool, error) {
	if externalID == "" {
		return "", false, errors.New("external session id is required")
	}
	id := uuid.New().String()
	res, err := s.writer.ExecContext(ctx, `
		INSERT OR IGNORE INTO cursor_sessions (id, external_session_id, workspace_hash, workspace_path, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, externalID, nullStr(workspaceHash), nullStr(workspacePath), fmtTime(startedAt))
	if err != nil {
		return "", false, fmt.Errorf("ensure cursor session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return id, true, nil
	}
	var existing string
	err = s.writer.QueryRowContext(ctx,
		`SELECT id FROM cursor_sessions WHERE external_session_id = ?`, externalID).Scan(&existing)
	if err != nil {
		return "", false, fmt.Errorf("lookup cursor session: %w", err)
	}
	return existing, false, nil
}

// EndCursorSession sets ended_at for the session. Missing sessions are not an
// error: an end event may arrive for a session whose start was never seen.
func (s *Store) EndCursorSession(ctx context.Context, externalID string, endedAt time.Time) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE cursor_sessions SET ended_at = ? WHERE external_session_id = ? AND ended_at IS NULL`,
		fmtTime(endedAt), externalID)
	if err != nil {
		return fmt.Errorf("end cursor session: %w", err)
	}
	return nil
}

// SweepIdleSessions ends active cursor sessions with no trace activity inside
// the idle window. The session's ended_at becomes its last observed trace
// timestamp (or started_at when no trace exists).
func (s *Store) SweepIdleSessions(ctx context.Context, idle time.Duration) (int64, error) {
	cutoff := fmtTime(time.Now().Add(-idle))
	res, err := s.writer.ExecContext(ctx, `
		UPDATE cursor_sessions SET ended_at = COALESCE(
			(SELECT MAX(t.timestamp) FROM cursor_raw_traces t
			 WHERE t.external_session_id = cursor_sessions.external_session_id),
			started_at)
		WHERE ended_at IS NULL
		AND COALESCE(
			(SELECT MAX(t.timestamp) FROM cursor_raw_traces t
			 WHERE t.external_session_id = cursor_sessions.external_session_id),
			started_at) < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep idle sessions: %w", err)
	}
	return res.RowsAffected()
}

// EnsureConversation creates the conversation for (externalID, platform) if
// absent and returns its internal ID. sessionID must be non-empty for cursor
// conversations and empty for claude_code ones; the constraint mirrors the
// platform partitioning rules.
func (s *Store) EnsureConversation(ctx context.Context, externalID string, platform event.Platform, sessionID, workspaceHash string, startedAt time.Time) (string, bool, error) {
	if externalID == "" {
		return "", false, errors.New("conversation external id is required")
	}
	if platform == event.PlatformCursor && sessionID == "" {
		return "", false, errors.New("cursor conversation requires a session id")
	}
	if platform == event.PlatformClaudeCode && sessionID != "" {
		return "", false, errors.New("claude conversation must not reference a session")
	}
	id := uuid.New().String()
	res, err := s.writer.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, session_id, external_id, platform, workspace_hash, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, nullStr(sessionID), externalID, string(platform), nullStr(workspaceHash), fmtTime(startedAt))
	if err != nil {
		return "", false, fmt.Errorf("ensure conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return id, true, nil
	}
	var existing string
	err = s.writer.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE external_id = ? AND platform = ?`,
		externalID, string(platform)).Scan(&existing)
	if err != nil {
		return "", false, fmt.Errorf("lookup conversation: %w", err)
	}
	return existing, false, nil
}

// AppendTurn appends a turn with the next contiguous turn number and updates
// the conversation aggregates in the same transaction. The operation is
// idempotent on the event ID: re-delivery returns inserted=false and changes
// nothing. outOfOrder marks turns whose producer timestamp predates an
// already-appended turn; numbers are never rewritten.
func (s *Store) AppendTurn(ctx context.Context, p TurnParams) (turnNumber int, inserted bool, err error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT turn_number FROM conversation_turns WHERE event_id = ?`, p.EventID).Scan(&exists)
	if err == nil {
		return exists, false, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("turn dedup check: %w", err)
	}

	var maxNumber sql.NullInt64
	var maxTS sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(turn_number), MAX(timestamp) FROM conversation_turns WHERE conversation_id = ?`,
		p.ConversationID).Scan(&maxNumber, &maxTS)
	if err != nil {
		return 0, false, fmt.Errorf("next turn number: %w", err)
	}
	turnNumber = int(maxNumber.Int64) + 1
	outOfOrder := maxTS.Valid && p.Timestamp.Before(parseTime(maxTS.String))

	tools, err := json.Marshal(emptyIfNil(p.ToolsCalled))
	if err != nil {
		return 0, false, fmt.Errorf("marshal tools_called: %w", err)
	}
	metadata := "{}"
	if outOfOrder {
		metadata = `{"out_of_order":true}`
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_turns
			(id, conversation_id, turn_number, event_id, timestamp, turn_type, content_hash, tokens_used, latency_ms, tools_called, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), p.ConversationID, turnNumber, p.EventID, fmtTime(p.Timestamp),
		p.TurnType, nullStr(p.ContentHash), p.TokensUsed, p.LatencyMS, string(tools), metadata)
	if err != nil {
		return 0, false, fmt.Errorf("insert turn: %w", err)
	}

	tokens := int64(0)
	if p.TokensUsed != nil {
		tokens = *p.TokensUsed
	}
	if len(p.ToolsCalled) > 0 {
		if err := appendJSONList(ctx, tx, p.ConversationID, "tool_sequence", p.ToolsCalled); err != nil {
			return 0, false, err
		}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET interaction_count = interaction_count + 1, total_tokens = total_tokens + ?
		WHERE id = ?`, tokens, p.ConversationID)
	if err != nil {
		return 0, false, fmt.Errorf("update aggregates: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return turnNumber, true, nil
}

// InsertCodeChange records a code change with accepted left undecided.
// Idempotent on event ID.
func (s *Store) InsertCodeChange(ctx context.Context, p CodeChangeParams) (bool, error) {
	res, err := s.writer.ExecContext(ctx, `
		INSERT OR IGNORE INTO code_changes
			(id, conversation_id, turn_id, event_id, change_id, timestamp, file_extension, operation, lines_added, lines_removed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), p.ConversationID, nullStr(p.TurnID), p.EventID, nullStr(p.ChangeID),
		fmtTime(p.Timestamp), nullStr(p.FileExtension), p.Operation, p.LinesAdded, p.LinesRemoved)
	if err != nil {
		return false, fmt.Errorf("insert code change: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	_, err = s.writer.ExecContext(ctx,
		`UPDATE conversations SET total_changes = total_changes + 1 WHERE id = ?`, p.ConversationID)
	if err != nil {
		return false, fmt.Errorf("update total_changes: %w", err)
	}
	return true, nil
}

// EndConversation sets ended_at for the conversation identified by its
// producer-facing identity. Missing conversations are not an error: an end
// event may arrive for a thread whose start was never seen.
func (s *Store) EndConversation(ctx context.Context, externalID string, platform event.Platform, endedAt time.Time) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE conversations SET ended_at = ? WHERE external_id = ? AND platform = ? AND ended_at IS NULL`,
		fmtTime(endedAt), externalID, string(platform))
	if err != nil {
		return fmt.Errorf("end conversation: %w", err)
	}
	return nil
}

// ResolveAcceptance applies an acceptance decision to the code change with
// the given change ID, records the decision on the conversation and
// recomputes its acceptance rate. Idempotency is the caller's concern (the
// reconstructor gates on the decision event's ID).
func (s *Store) ResolveAcceptance(ctx context.Context, conversationID, changeID string, accepted bool, delayMS *int64) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE code_changes SET accepted = ?, acceptance_delay_ms = ?, revision_count = revision_count + 1
		WHERE change_id = ? AND conversation_id = ?`,
		boolInt(accepted), delayMS, changeID, conversationID)
	if err != nil {
		return fmt.Errorf("resolve acceptance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("code change %q: %w", changeID, ErrNotFound)
	}
	if err := appendJSONList(ctx, tx, conversationID, "acceptance_decisions", []bool{accepted}); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET acceptance_rate = (
			SELECT AVG(accepted) FROM code_changes
			WHERE conversation_id = ? AND accepted IS NOT NULL)
		WHERE id = ?`, conversationID, conversationID)
	if err != nil {
		return fmt.Errorf("recompute acceptance rate: %w", err)
	}
	return tx.Commit()
}

// GetConversation loads a conversation by its producer-facing identity.
func (s *Store) GetConversation(ctx context.Context, externalID string, platform event.Platform) (*Conversation, error) {
	var (
		c                    Conversation
		sessionID, wsHash    sql.NullString
		started              string
		ended                sql.NullString
		rate                 sql.NullFloat64
		toolSeq, acceptances string
	)
	err := s.reader.QueryRowContext(ctx, `
		SELECT id, session_id, external_id, platform, workspace_hash, started_at, ended_at,
			interaction_count, acceptance_rate, total_tokens, total_changes, tool_sequence, acceptance_decisions
		FROM conversations WHERE external_id = ? AND platform = ?`,
		externalID, string(platform)).Scan(
		&c.ID, &sessionID, &c.ExternalID, (*string)(&c.Platform), &wsHash, &started, &ended,
		&c.InteractionCount, &rate, &c.TotalTokens, &c.TotalChanges, &toolSeq, &acceptances)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %q: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if sessionID.Valid {
		c.SessionID = &sessionID.String
	}
	c.WorkspaceHash = wsHash.String
	c.StartedAt = parseTime(started)
	if ended.Valid {
		t := parseTime(ended.String)
		c.EndedAt = &t
	}
	if rate.Valid {
		c.AcceptanceRate = &rate.Float64
	}
	_ = json.Unmarshal([]byte(toolSeq), &c.ToolSequence)
	_ = json.Unmarshal([]byte(acceptances), &c.AcceptanceDecisions)
	return &c, nil
}

// GetCursorSession loads a cursor session by external ID.
func (s *Store) GetCursorSession(ctx context.Context, externalID string) (*CursorSession, error) {
	var (
		cs            CursorSession
		wsHash, wsPth sql.NullString
		started       string
		ended         sql.NullString
	)
	err := s.reader.QueryRowContext(ctx, `
		SELECT id, external_session_id, workspace_hash, workspace_path, started_at, ended_at
		FROM cursor_sessions WHERE external_session_id = ?`, externalID).Scan(
		&cs.ID, &cs.ExternalSessionID, &wsHash, &wsPth, &started, &ended)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cursor session %q: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor session: %w", err)
	}
	cs.WorkspaceHash = wsHash.String
	cs.WorkspacePath = wsPth.String
	cs.StartedAt = parseTime(started)
	if ended.Valid {
		t := parseTime(ended.String)
		cs.EndedAt = &t
	}
	return &cs, nil
}

// ListTurns returns a conversation's turns ordered by turn number.
func (s *Store) ListTurns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, conversation_id, turn_number, event_id, timestamp, turn_type, content_hash,
			tokens_used, latency_ms, tools_called, metadata
		FROM conversation_turns WHERE conversation_id = ? ORDER BY turn_number`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()
	var out []Turn
	for rows.Next() {
		var (
			t           Turn
			ts          string
			hash        sql.NullString
			tools, meta string
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.TurnNumber, &t.EventID, &ts, &t.TurnType,
			&hash, &t.TokensUsed, &t.LatencyMS, &tools, &meta); err != nil {
			return nil, err
		}
		t.Timestamp = parseTime(ts)
		t.ContentHash = hash.String
		_ = json.Unmarshal([]byte(tools), &t.ToolsCalled)
		var md struct {
			OutOfOrder bool `json:"out_of_order"`
		}
		_ = json.Unmarshal([]byte(meta), &md)
		t.OutOfOrder = md.OutOfOrder
		out = append(out, t)
	}
	return out, rows.Err()
}

// appendJSONList appends values to a JSON array column on conversations.
// Runs inside the caller's transaction on the single write connection, so the
// read-modify-write cannot race.
func appendJSONList[T any](ctx context.Context, tx *sql.Tx, conversationID, column string, values []T) error {
	var raw string
	query := fmt.Sprintf(`SELECT %s FROM conversations WHERE id = ?`, column)
	if err := tx.QueryRowContext(ctx, query, conversationID).Scan(&raw); err != nil {
		return fmt.Errorf("read %s: %w", column, err)
	}
	var list []any
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		list = nil
	}
	for _, v := range values {
		list = append(list, v)
	}
	updated, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", column, err)
	}
	update := fmt.Sprintf(`UPDATE conversations SET %s = ? WHERE id = ?`, column)
	if _, err := tx.ExecContext(ctx, update, string(updated), conversationID); err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	return nil
}

func emptyIfNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
