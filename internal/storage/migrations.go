package storage

import (
	"database/sql"
	"fmt"
)

// Migration is one versioned step of the partition schema. The registry
// is applied in order at tenant onboarding and re-applied additively by
// SyncSchema; steps must therefore stay idempotent (IF NOT EXISTS
// guards) and append-only: published versions are never edited.
type Migration struct {
	Version    int
	Name       string
	Statements []string
	// FTS5 statements are skipped when the driver lacks the FTS5
	// extension; the migration version is still recorded so the
	// registry stays linear.
	FTS5 bool
}

var registry = []Migration{
	{
		Version: 1,
		Name:    "base entities",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS categories (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				created_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				email TEXT NOT NULL UNIQUE,
				role TEXT NOT NULL,
				mode_override TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS user_categories (
				user_id TEXT NOT NULL,
				category_id TEXT NOT NULL,
				PRIMARY KEY (user_id, category_id),
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
				FOREIGN KEY (category_id) REFERENCES categories(id)
			)`,
			`CREATE TABLE IF NOT EXISTS documents (
				id TEXT PRIMARY KEY,
				category_id TEXT NOT NULL,
				file_name TEXT NOT NULL,
				locator TEXT NOT NULL,
				content_hash TEXT NOT NULL DEFAULT '',
				size INTEGER NOT NULL DEFAULT 0,
				mime TEXT NOT NULL DEFAULT '',
				state TEXT NOT NULL,
				current_version INTEGER NOT NULL DEFAULT 0,
				diagnostic TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				FOREIGN KEY (category_id) REFERENCES categories(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_category ON documents(category_id)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_state ON documents(state)`,
			`CREATE TABLE IF NOT EXISTS chunks (
				id TEXT PRIMARY KEY,
				document_id TEXT NOT NULL,
				category_id TEXT NOT NULL,
				version INTEGER NOT NULL,
				ordinal INTEGER NOT NULL,
				text TEXT NOT NULL,
				text_hash TEXT NOT NULL,
				embedding TEXT NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL,
				UNIQUE (document_id, version, ordinal),
				FOREIGN KEY (document_id) REFERENCES documents(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, version)`,
			`CREATE INDEX IF NOT EXISTS idx_chunks_category ON chunks(category_id)`,
		},
	},
	{
		Version: 2,
		Name:    "lexical search",
		FTS5:    true,
		Statements: []string{
			`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
				text,
				chunk_id UNINDEXED,
				document_id UNINDEXED,
				category_id UNINDEXED,
				version UNINDEXED,
				tokenize = 'porter unicode61'
			)`,
			`INSERT INTO chunks_fts (text, chunk_id, document_id, category_id, version)
			 SELECT text, id, document_id, category_id, version FROM chunks`,
		},
	},
	{
		Version: 3,
		Name:    "chat and audit records",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS interactions (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				question TEXT NOT NULL,
				answer TEXT NOT NULL,
				citations TEXT NOT NULL DEFAULT '[]',
				latency_ms INTEGER NOT NULL DEFAULT 0,
				tokens_in INTEGER NOT NULL DEFAULT 0,
				tokens_out INTEGER NOT NULL DEFAULT 0,
				confidence REAL NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(user_id)`,
			`CREATE TABLE IF NOT EXISTS events (
				id TEXT PRIMARY KEY,
				actor_id TEXT NOT NULL DEFAULT '',
				kind TEXT NOT NULL,
				detail TEXT NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, created_at)`,
		},
	},
	{
		Version: 4,
		Name:    "partition settings",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
		},
	},
}

// SchemaVersion is the latest registry version.
func SchemaVersion() int {
	return registry[len(registry)-1].Version
}

// SyncSchema applies every migration past the partition's recorded
// version. Safe to call on every open: a fully migrated partition is a
// no-op.
func SyncSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read schema versions: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan schema version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to read schema versions: %w", err)
	}
	rows.Close()

	fts5 := hasFTS5(db)
	for _, m := range registry {
		if applied[m.Version] {
			continue
		}
		// An FTS5 migration under a build without the extension stays
		// unrecorded, so a later build with -tags sqlite_fts5 applies
		// it (and its backfill) on the next open.
		if m.FTS5 && !fts5 {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}
		for _, stmt := range m.Statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, strftime('%s','now'))`,
			m.Version, m.Name,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
