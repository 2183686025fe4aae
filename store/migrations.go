package store

import (
	"database/sql"
	"fmt"
)

// migration is a single schema step with a version number and SQL to execute.
type migration struct {
	version     int
	description string
	sql         string
}

// migrations in version order. Append-only: never edit an applied version.
var migrations = []migration{
	{1, "core tables, indexes, FTS and sync triggers", schemaV1},
	{2, "vector index table", schemaV2},
	{3, "unique per-session event sequence", schemaV3},
}

// Migrate applies all pending migrations. Each migration runs inside its own
// transaction; a failure rolls back with no partial schema state. Running the
// migrator is idempotent.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_version (
		   version     INTEGER PRIMARY KEY,
		   applied_at  TEXT NOT NULL,
		   description TEXT
		 )`,
	); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version, or 0.
func SchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return version, nil
}

// LatestSchemaVersion returns the newest migration version defined in code.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("migration v%d (%s): %w", m.version, m.description, err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_version (version, applied_at, description) VALUES (?, datetime('now'), ?)",
		m.version, m.description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.version, err)
	}
	return tx.Commit()
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS workspaces (
  id               TEXT PRIMARY KEY,
  path             TEXT NOT NULL UNIQUE,
  name             TEXT,
  created_at       TEXT NOT NULL,
  last_activity_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
  id                    TEXT PRIMARY KEY,
  workspace_id          TEXT NOT NULL REFERENCES workspaces(id),
  head_event_id         TEXT,
  root_event_id         TEXT,
  model                 TEXT NOT NULL,
  working_directory     TEXT NOT NULL,
  title                 TEXT,
  event_count           INTEGER NOT NULL DEFAULT 0,
  turn_count            INTEGER NOT NULL DEFAULT 0,
  message_count         INTEGER NOT NULL DEFAULT 0,
  input_tokens          INTEGER NOT NULL DEFAULT 0,
  output_tokens         INTEGER NOT NULL DEFAULT 0,
  cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
  cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
  total_cost            REAL NOT NULL DEFAULT 0,
  is_archived           INTEGER NOT NULL DEFAULT 0,
  created_at            TEXT NOT NULL,
  last_activity_at      TEXT NOT NULL,
  ended_at              TEXT,
  parent_session_id     TEXT,
  spawn_type            TEXT,
  spawn_task            TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id);
CREATE INDEX IF NOT EXISTS idx_sessions_activity  ON sessions(last_activity_at);
CREATE INDEX IF NOT EXISTS idx_sessions_parent    ON sessions(parent_session_id);

CREATE TABLE IF NOT EXISTS events (
  id                    TEXT PRIMARY KEY,
  session_id            TEXT NOT NULL REFERENCES sessions(id),
  parent_id             TEXT,
  sequence              INTEGER NOT NULL,
  depth                 INTEGER NOT NULL,
  type                  TEXT NOT NULL,
  timestamp             TEXT NOT NULL,
  payload               TEXT NOT NULL,
  content_blob_id       TEXT,
  workspace_id          TEXT NOT NULL,
  role                  TEXT,
  tool_name             TEXT,
  tool_call_id          TEXT,
  turn                  INTEGER,
  input_tokens          INTEGER,
  output_tokens         INTEGER,
  cache_read_tokens     INTEGER,
  cache_creation_tokens INTEGER,
  checksum              TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_session_seq    ON events(session_id, sequence);
CREATE INDEX IF NOT EXISTS idx_events_parent         ON events(parent_id);
CREATE INDEX IF NOT EXISTS idx_events_workspace_type ON events(workspace_id, type);
CREATE INDEX IF NOT EXISTS idx_events_type           ON events(type);

CREATE TABLE IF NOT EXISTS blobs (
  id            TEXT PRIMARY KEY,
  hash          TEXT NOT NULL UNIQUE,
  content       BLOB NOT NULL,
  mime_type     TEXT NOT NULL,
  size_original INTEGER NOT NULL,
  ref_count     INTEGER NOT NULL DEFAULT 1,
  created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS branches (
  id               TEXT PRIMARY KEY,
  session_id       TEXT NOT NULL REFERENCES sessions(id),
  name             TEXT NOT NULL,
  description      TEXT,
  root_event_id    TEXT NOT NULL,
  head_event_id    TEXT NOT NULL,
  is_default       INTEGER NOT NULL DEFAULT 0,
  created_at       TEXT NOT NULL,
  last_activity_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_branches_session ON branches(session_id);

CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
  id UNINDEXED, session_id UNINDEXED, type UNINDEXED, content, tool_name
);

CREATE TRIGGER IF NOT EXISTS events_fts_insert AFTER INSERT ON events BEGIN
  INSERT INTO events_fts (id, session_id, type, content, tool_name)
  VALUES (new.id, new.session_id, new.type,
          coalesce(json_extract(new.payload, '$.content'), ''),
          coalesce(new.tool_name, ''));
END;

CREATE TRIGGER IF NOT EXISTS events_fts_delete AFTER DELETE ON events BEGIN
  DELETE FROM events_fts WHERE id = old.id;
END;
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS memory_vectors (
  event_id     TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL,
  embedding    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_vectors_workspace ON memory_vectors(workspace_id);
`

const schemaV3 = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_session_sequence_unique
  ON events(session_id, sequence);
`
