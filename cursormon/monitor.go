// Package cursormon watches Cursor's workspace state databases and forwards
// AI activity into the events stream. Cursor has no hook system; its record
// of generations and prompts lives in a per-workspace key/value SQLite file
// that the editor owns and rewrites. The monitor therefore polls read-only,
// derives deterministic event IDs from the stored elements (so overlapping
// polls dedup downstream) and checkpoints progress per workspace. Everything
// it emits is a database_trace envelope carrying the raw record detail.
package cursormon

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"goa.design/clue/log"
	_ "modernc.org/sqlite"

	"blueplane.dev/telemetry/event"
	"blueplane.dev/telemetry/streams"
)

type (
	// Options configures the monitor.
	Options struct {
		// Streams is the durable stream client events are appended to. Required.
		Streams streams.Client
		// Root is Cursor's workspaceStorage directory; each child directory
		// holds one workspace's state.vscdb. Required.
		Root string
		// CheckpointPath is the JSON progress file. Required.
		CheckpointPath string
		// PollInterval spaces out scans. Defaults to 30s.
		PollInterval time.Duration
	}

	// Monitor polls Cursor state databases. Run is single-goroutine.
	Monitor struct {
		streams        streams.Client
		root           string
		checkpointPath string
		interval       time.Duration
	}

	// generation mirrors the elements Cursor stores under aiService.generations.
	generation struct {
		UnixMS         int64  `json:"unixMs"`
		GenerationUUID string `json:"generationUUID"`
		Type           string `json:"type"`
		TextDesc       string `json:"textDescription"`
		ComposerID     string `json:"composerId"`
	}

	// prompt mirrors the elements Cursor stores under aiService.prompts.
	prompt struct {
		Text        string `json:"text"`
		CommandType int    `json:"commandType"`
	}
)

// Keys read from Cursor's ItemTable.
const (
	generationsKey = "aiService.generations"
	promptsKey     = "aiService.prompts"
)

// stateDBName is the per-workspace database file name.
const stateDBName = "state.vscdb"

// New validates opts and constructs a monitor.
func New(opts Options) (*Monitor, error) {
	if opts.Streams == nil {
		return nil, errors.New("stream client is required")
	}
	if opts.Root == "" {
		return nil, errors.New("workspace storage root is required")
	}
	if opts.CheckpointPath == "" {
		return nil, errors.New("checkpoint path is required")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		streams:        opts.Streams,
		root:           opts.Root,
		checkpointPath: opts.CheckpointPath,
		interval:       interval,
	}, nil
}

// Run polls until ctx is canceled. Poll errors are logged, not fatal: the
// editor may be mid-write or a database may be briefly locked.
func (m *Monitor) Run(ctx context.Context) error {
	log.Infof(ctx, "cursormon: polling %s every %s", m.root, m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if n, err := m.PollOnce(ctx); err != nil {
			log.Errorf(ctx, err, "cursormon: poll failed")
		} else if n > 0 {
			log.Debugf(ctx, "cursormon: forwarded %d events", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce scans every workspace database once and returns the number of
// events forwarded.
func (m *Monitor) PollOnce(ctx context.Context) (int, error) {
	cp, err := loadCheckpoint(m.checkpointPath)
	if err != nil {
		return 0, err
	}
	dirs, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("scan workspace storage: %w", err)
	}
	var total int
	var advanced bool
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		dbPath := filepath.Join(m.root, dir.Name(), stateDBName)
		if _, err := os.Stat(dbPath); err != nil {
			continue
		}
		n, changed, err := m.pollWorkspace(ctx, cp, dir.Name(), dbPath)
		if err != nil {
			log.Errorf(ctx, err, "cursormon: workspace %s", dir.Name())
			continue
		}
		total += n
		advanced = advanced || changed
	}
	// Saved whenever any mark moved, including polls where every new element
	// was malformed: losing that progress would re-dead-letter them forever.
	if advanced {
		if err := cp.save(m.checkpointPath); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (m *Monitor) pollWorkspace(ctx context.Context, cp *checkpoint, dirName, dbPath string) (int, bool, error) {
	wsHash := workspaceHash(dirName)
	before := cp.Workspaces[wsHash]
	mark := before

	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro&_pragma=busy_timeout(1000)&_pragma=query_only(ON)")
	if err != nil {
		return 0, false, fmt.Errorf("open state db: %w", err)
	}
	defer db.Close()

	var forwarded int
	rawGens, err := itemValue(ctx, db, generationsKey)
	if err != nil {
		return 0, false, err
	}
	if rawGens != "" {
		n, newMark, err := m.forwardGenerations(ctx, wsHash, rawGens, mark)
		if err != nil {
			return forwarded, false, err
		}
		forwarded += n
		mark = newMark
	}

	rawPrompts, err := itemValue(ctx, db, promptsKey)
	if err != nil {
		return forwarded, false, err
	}
	if rawPrompts != "" {
		n, newMark, err := m.forwardPrompts(ctx, wsHash, rawPrompts, mark)
		if err != nil {
			return forwarded, false, err
		}
		forwarded += n
		mark = newMark
	}

	cp.Workspaces[wsHash] = mark
	return forwarded, mark != before, nil
}

// forwardGenerations emits database_trace events for generations newer than
// the checkpoint. Elements that cannot be modeled are parked per element,
// once (GenerationCount remembers how far the list has been examined); one
// bad entry never blocks the rest of the list.
func (m *Monitor) forwardGenerations(ctx context.Context, wsHash, raw string, mark workspaceMark) (int, workspaceMark, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elements); err != nil {
		return 0, mark, fmt.Errorf("parse %s: %w", generationsKey, err)
	}
	var forwarded int
	for i, el := range elements {
		var g generation
		if err := json.Unmarshal(el, &g); err != nil || g.GenerationUUID == "" || g.UnixMS == 0 {
			if i >= mark.GenerationCount {
				m.deadLetterElement(ctx, wsHash, generationsKey, i, el, err)
			}
			continue
		}
		if g.UnixMS <= mark.LastGenerationMS {
			continue
		}
		e := &event.Event{
			ID:        "cursor-gen-" + g.GenerationUUID,
			Platform:  event.PlatformCursor,
			Type:      event.TypeDatabaseTrace,
			Timestamp: time.UnixMilli(g.UnixMS).UTC(),
			Payload: map[string]any{
				"record_type":     "generation",
				"generation_uuid": g.GenerationUUID,
				"generation_type": g.Type,
				"composer_id":     g.ComposerID,
				"text":            g.TextDesc,
			},
			Metadata: map[string]any{"workspace_hash": wsHash},
		}
		if err := m.append(ctx, e); err != nil {
			return forwarded, mark, err
		}
		forwarded++
		if g.UnixMS > mark.LastGenerationMS {
			mark.LastGenerationMS = g.UnixMS
		}
	}
	if len(elements) > mark.GenerationCount {
		mark.GenerationCount = len(elements)
	}
	return forwarded, mark, nil
}

// forwardPrompts emits database_trace events for list entries past the
// checkpointed count. Prompts carry no timestamp, so list position is the
// progress marker and the poll time stands in for occurrence time.
func (m *Monitor) forwardPrompts(ctx context.Context, wsHash, raw string, mark workspaceMark) (int, workspaceMark, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elements); err != nil {
		return 0, mark, fmt.Errorf("parse %s: %w", promptsKey, err)
	}
	var forwarded int
	for i := mark.PromptCount; i < len(elements); i++ {
		var p prompt
		if err := json.Unmarshal(elements[i], &p); err != nil || p.Text == "" {
			m.deadLetterElement(ctx, wsHash, promptsKey, i, elements[i], err)
			continue
		}
		e := &event.Event{
			ID:        "cursor-prompt-" + elementDigest(wsHash, i, p.Text),
			Platform:  event.PlatformCursor,
			Type:      event.TypeDatabaseTrace,
			Timestamp: time.Now().UTC(),
			Payload: map[string]any{
				"record_type":  "prompt",
				"prompt":       p.Text,
				"command_type": p.CommandType,
			},
			Metadata: map[string]any{"workspace_hash": wsHash},
		}
		if err := m.append(ctx, e); err != nil {
			return forwarded, mark, err
		}
		forwarded++
	}
	mark.PromptCount = len(elements)
	return forwarded, mark, nil
}

func (m *Monitor) append(ctx context.Context, e *event.Event) error {
	fields, err := event.Encode(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.ID, err)
	}
	if _, err := m.streams.Append(ctx, streams.EventsStream, fields); err != nil {
		return err
	}
	return nil
}

func (m *Monitor) deadLetterElement(ctx context.Context, wsHash, key string, index int, raw json.RawMessage, cause error) {
	msg := "element missing required fields"
	if cause != nil {
		msg = cause.Error()
	}
	snippet := string(raw)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	entry := streams.DeadLetterEntry{
		Reason:          event.ReasonCursorElementMalformed,
		ErrorMessage:    msg,
		AttemptedAt:     time.Now().UTC(),
		CanRetry:        false,
		SuggestedAction: "inspect the workspace state database",
		Fields: map[string]string{
			"workspace_hash": wsHash,
			"item_key":       key,
			"element_index":  strconv.Itoa(index),
			"element":        snippet,
		},
	}
	if _, err := m.streams.DeadLetter(ctx, entry); err != nil {
		log.Errorf(ctx, err, "cursormon: dead-letter append failed")
	}
}

func itemValue(ctx context.Context, db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM ItemTable WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return value, nil
}

// workspaceHash derives the stable workspace identity from the storage
// directory name, matching what the Cursor extension reports.
func workspaceHash(dirName string) string {
	sum := sha256.Sum256([]byte(dirName))
	return hex.EncodeToString(sum[:8])
}

func elementDigest(wsHash string, index int, text string) string {
	sum := sha256.Sum256([]byte(wsHash + ":" + strconv.Itoa(index) + ":" + text))
	return hex.EncodeToString(sum[:12])
}
