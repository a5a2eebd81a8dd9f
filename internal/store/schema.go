package store

import (
	"database/sql"
	"fmt"
)

// schemaVersion is bumped whenever migrations are added.
const schemaVersion = 1

func configurePragmas(db *sql.DB, readOnly bool) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=30000",
	}
	if readOnly {
		pragmas = append(pragmas, "PRAGMA query_only=ON")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}
	return nil
}

// migrate creates the schema idempotently and records the applied version
// in schema_migrations. Running it twice is a no-op.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	var applied bool
	if err := db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)`, schemaVersion,
	).Scan(&applied); err != nil {
		return fmt.Errorf("store: check schema_migrations: %w", err)
	}
	if applied {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin migration: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range migrationStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("store: migration statement failed: %w", err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, unixepoch('now','subsec')*1000)`,
		schemaVersion,
	); err != nil {
		return fmt.Errorf("store: record migration: %w", err)
	}

	return tx.Commit()
}

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS segment (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		bundle_id   TEXT NOT NULL,
		start_date  INTEGER NOT NULL,
		end_date    INTEGER,
		window_name TEXT NOT NULL DEFAULT '',
		browser_url TEXT NOT NULL DEFAULT '',
		type        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_segment_start ON segment(start_date)`,
	`CREATE INDEX IF NOT EXISTS idx_segment_bundle ON segment(bundle_id)`,

	`CREATE TABLE IF NOT EXISTS video (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		path        TEXT NOT NULL,
		width       INTEGER NOT NULL,
		height      INTEGER NOT NULL,
		frame_rate  REAL NOT NULL DEFAULT 0,
		file_size   INTEGER NOT NULL,
		start_time  INTEGER NOT NULL,
		end_time    INTEGER NOT NULL,
		frame_count INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS frame (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at        INTEGER NOT NULL,
		segment_id        INTEGER NOT NULL REFERENCES segment(id) ON DELETE CASCADE,
		video_id          INTEGER REFERENCES video(id) ON DELETE CASCADE,
		video_frame_index INTEGER NOT NULL DEFAULT 0,
		encoding_status   TEXT NOT NULL DEFAULT 'pending',
		processing_status TEXT NOT NULL DEFAULT 'pending',
		retry_count       INTEGER NOT NULL DEFAULT 0,
		last_error        TEXT NOT NULL DEFAULT '',
		last_text_hash    INTEGER NOT NULL DEFAULT 0,
		app_bundle_id     TEXT NOT NULL DEFAULT '',
		app_name          TEXT NOT NULL DEFAULT '',
		window_title      TEXT NOT NULL DEFAULT '',
		url               TEXT NOT NULL DEFAULT '',
		display_index     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_frame_created_at ON frame(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_frame_processing_status ON frame(processing_status)`,
	`CREATE INDEX IF NOT EXISTS idx_frame_video ON frame(video_id)`,
	`CREATE INDEX IF NOT EXISTS idx_frame_bundle ON frame(app_bundle_id)`,

	`CREATE TABLE IF NOT EXISTS node (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		frame_id    INTEGER NOT NULL REFERENCES frame(id) ON DELETE CASCADE,
		node_order  INTEGER NOT NULL,
		text_offset INTEGER NOT NULL,
		text_length INTEGER NOT NULL,
		left_x      REAL NOT NULL,
		top_y       REAL NOT NULL,
		width       REAL NOT NULL,
		height      REAL NOT NULL,
		window_index INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_node_frame ON node(frame_id)`,

	`CREATE TABLE IF NOT EXISTS document (
		frame_id    INTEGER PRIMARY KEY REFERENCES frame(id) ON DELETE CASCADE,
		created_at  INTEGER NOT NULL,
		content     TEXT NOT NULL,
		chrome_text TEXT NOT NULL DEFAULT '',
		app_name    TEXT NOT NULL DEFAULT '',
		window_name TEXT NOT NULL DEFAULT '',
		url         TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS doc_segment (
		docid      INTEGER PRIMARY KEY,
		frame_id   INTEGER NOT NULL REFERENCES frame(id) ON DELETE CASCADE,
		segment_id INTEGER NOT NULL REFERENCES segment(id) ON DELETE CASCADE
	)`,

	// External-content FTS5 table: c0 (primary text), c1 (auxiliary
	// chrome text), c2 (title), read back through the search_ranking_source
	// view that maps document's columns onto those names. Triggers below
	// keep it in sync; application code never writes to it directly.
	`CREATE VIEW IF NOT EXISTS search_ranking_source AS
		SELECT frame_id, content AS c0, chrome_text AS c1, window_name AS c2 FROM document`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS search_ranking USING fts5(
		c0, c1, c2,
		content='search_ranking_source',
		content_rowid='frame_id',
		tokenize='unicode61'
	)`,

	`CREATE TRIGGER IF NOT EXISTS document_ai AFTER INSERT ON document BEGIN
		INSERT INTO search_ranking(rowid, c0, c1, c2)
		VALUES (new.frame_id, new.content, new.chrome_text, new.window_name);
		INSERT INTO doc_segment(docid, frame_id, segment_id)
		SELECT new.frame_id, new.frame_id, frame.segment_id FROM frame WHERE frame.id = new.frame_id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS document_ad AFTER DELETE ON document BEGIN
		INSERT INTO search_ranking(search_ranking, rowid, c0, c1, c2)
		VALUES ('delete', old.frame_id, old.content, old.chrome_text, old.window_name);
		DELETE FROM doc_segment WHERE frame_id = old.frame_id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS document_au AFTER UPDATE ON document BEGIN
		INSERT INTO search_ranking(search_ranking, rowid, c0, c1, c2)
		VALUES ('delete', old.frame_id, old.content, old.chrome_text, old.window_name);
		INSERT INTO search_ranking(rowid, c0, c1, c2)
		VALUES (new.frame_id, new.content, new.chrome_text, new.window_name);
	END`,
}
