package trace

// RequiredSchemaVersion is the schema generation this build of the pipeline
// requires. Startup fails when the database reports a different version and
// no migration brings it up to date.
const RequiredSchemaVersion = 1

// schemaDDL creates every table the pipeline owns. Raw-trace tables are
// platform-partitioned; sequence assignment relies on AUTOINCREMENT so values
// are strictly monotonic and never reused, and the unique event_id index
// backs the INSERT OR IGNORE idempotency discipline.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version     INTEGER NOT NULL,
	applied_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS cursor_raw_traces (
	sequence            INTEGER PRIMARY KEY AUTOINCREMENT,
	ingested_at         TEXT NOT NULL,
	event_id            TEXT NOT NULL UNIQUE,
	external_session_id TEXT,
	event_type          TEXT NOT NULL,
	timestamp           TEXT NOT NULL,
	workspace_hash      TEXT,
	generation_uuid     TEXT,
	composer_id         TEXT,
	bubble_id           TEXT,
	duration_ms         INTEGER,
	tokens_used         INTEGER,
	lines_added         INTEGER,
	lines_removed       INTEGER,
	event_data          BLOB NOT NULL,
	event_date          TEXT GENERATED ALWAYS AS (date(timestamp)) STORED,
	event_hour          INTEGER GENERATED ALWAYS AS (CAST(strftime('%H', timestamp) AS INTEGER)) STORED
);
CREATE INDEX IF NOT EXISTS idx_cursor_traces_session ON cursor_raw_traces(external_session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_cursor_traces_date ON cursor_raw_traces(event_date, event_hour);

CREATE TABLE IF NOT EXISTS claude_raw_traces (
	sequence            INTEGER PRIMARY KEY AUTOINCREMENT,
	ingested_at         TEXT NOT NULL,
	event_id            TEXT NOT NULL UNIQUE,
	external_session_id TEXT,
	event_type          TEXT NOT NULL,
	timestamp           TEXT NOT NULL,
	workspace_hash      TEXT,
	tool_name           TEXT,
	model               TEXT,
	duration_ms         INTEGER,
	tokens_used         INTEGER,
	lines_added         INTEGER,
	lines_removed       INTEGER,
	event_data          BLOB NOT NULL,
	event_date          TEXT GENERATED ALWAYS AS (date(timestamp)) STORED,
	event_hour          INTEGER GENERATED ALWAYS AS (CAST(strftime('%H', timestamp) AS INTEGER)) STORED
);
CREATE INDEX IF NOT EXISTS idx_claude_traces_session ON claude_raw_traces(external_session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_claude_traces_date ON claude_raw_traces(event_date, event_hour);

CREATE TABLE IF NOT EXISTS workspaces (
	workspace_hash TEXT PRIMARY KEY,
	workspace_path TEXT,
	workspace_name TEXT,
	first_seen_at  TEXT NOT NULL,
	last_seen_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cursor_sessions (
	id                  TEXT PRIMARY KEY,
	external_session_id TEXT NOT NULL UNIQUE,
	workspace_hash      TEXT,
	workspace_path      TEXT,
	started_at          TEXT NOT NULL,
	ended_at            TEXT,
	metadata            TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS conversations (
	id                   TEXT PRIMARY KEY,
	session_id           TEXT REFERENCES cursor_sessions(id),
	external_id          TEXT NOT NULL,
	platform             TEXT NOT NULL,
	workspace_hash       TEXT,
	started_at           TEXT NOT NULL,
	ended_at             TEXT,
	interaction_count    INTEGER NOT NULL DEFAULT 0,
	acceptance_rate      REAL,
	total_tokens         INTEGER NOT NULL DEFAULT 0,
	total_changes        INTEGER NOT NULL DEFAULT 0,
	tool_sequence        TEXT NOT NULL DEFAULT '[]',
	acceptance_decisions TEXT NOT NULL DEFAULT '[]',
	metadata             TEXT NOT NULL DEFAULT '{}',
	context              TEXT NOT NULL DEFAULT '{}',
	UNIQUE (external_id, platform)
);
CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);

CREATE TABLE IF NOT EXISTS conversation_turns (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	turn_number     INTEGER NOT NULL,
	event_id        TEXT NOT NULL UNIQUE,
	timestamp       TEXT NOT NULL,
	turn_type       TEXT NOT NULL,
	content_hash    TEXT,
	tokens_used     INTEGER,
	latency_ms      INTEGER,
	tools_called    TEXT NOT NULL DEFAULT '[]',
	metadata        TEXT NOT NULL DEFAULT '{}',
	UNIQUE (conversation_id, turn_number)
);

CREATE TABLE IF NOT EXISTS code_changes (
	id                  TEXT PRIMARY KEY,
	conversation_id     TEXT NOT NULL REFERENCES conversations(id),
	turn_id             TEXT REFERENCES conversation_turns(id),
	event_id            TEXT NOT NULL UNIQUE,
	change_id           TEXT,
	timestamp           TEXT NOT NULL,
	file_extension      TEXT,
	operation           TEXT NOT NULL,
	lines_added         INTEGER NOT NULL DEFAULT 0,
	lines_removed       INTEGER NOT NULL DEFAULT 0,
	accepted            INTEGER,
	acceptance_delay_ms INTEGER,
	revision_count      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_code_changes_conversation ON code_changes(conversation_id);
CREATE INDEX IF NOT EXISTS idx_code_changes_change ON code_changes(change_id);

CREATE TABLE IF NOT EXISTS pipeline_kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`
