// Package storage persists the discovery pipeline's state in SQLite and
// coordinates cross-process exclusivity through Redis. All cross-worker
// coordination happens via atomic conditional updates on rows; no store
// holds locks across calls.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the SQLite handle and exposes the table-scoped stores.
type Store struct {
	db *sql.DB

	Patches   *PatchStore
	Pages     *PageStore
	Citations *CitationStore
	Content   *ContentStore
	Feed      *FeedQueue
	Memories  *MemoryStore
	Runs      *RunStore
}

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(dbPath string, stuckTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite doesn't support concurrent writes
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if stuckTimeout <= 0 {
		stuckTimeout = 10 * time.Minute
	}
	s.Patches = &PatchStore{db: db}
	s.Pages = &PageStore{db: db}
	s.Citations = &CitationStore{db: db, pages: s.Pages, stuckTimeout: stuckTimeout}
	s.Content = &ContentStore{db: db}
	s.Feed = &FeedQueue{db: db, stuckTimeout: stuckTimeout}
	s.Memories = &MemoryStore{db: db}
	s.Runs = &RunStore{db: db}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS patch (
		id      TEXT PRIMARY KEY,
		handle  TEXT UNIQUE NOT NULL,
		title   TEXT NOT NULL,
		aliases TEXT NOT NULL DEFAULT '[]',
		tags    TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS monitored_wikipedia_page (
		id                  TEXT PRIMARY KEY,
		patch_id            TEXT NOT NULL REFERENCES patch(id),
		wikipedia_title     TEXT NOT NULL,
		wikipedia_url       TEXT NOT NULL,
		citations_extracted INTEGER NOT NULL DEFAULT 0,
		last_extracted_at   TEXT,
		citation_count      INTEGER NOT NULL DEFAULT 0,
		UNIQUE (patch_id, wikipedia_title)
	);

	CREATE TABLE IF NOT EXISTS wikipedia_citation (
		id                     TEXT PRIMARY KEY,
		monitoring_id          TEXT NOT NULL REFERENCES monitored_wikipedia_page(id),
		citation_url           TEXT NOT NULL,
		citation_canonical_url TEXT NOT NULL,
		citation_title         TEXT NOT NULL DEFAULT '',
		citation_context       TEXT NOT NULL DEFAULT '',
		section                TEXT NOT NULL DEFAULT 'unknown',
		source_number          INTEGER NOT NULL DEFAULT 0,
		verification_status    TEXT NOT NULL DEFAULT 'pending',
		scan_status            TEXT NOT NULL DEFAULT 'not_scanned',
		relevance_decision     TEXT NOT NULL DEFAULT '',
		ai_priority_score      INTEGER,
		content_text           TEXT NOT NULL DEFAULT '',
		extraction_method      TEXT NOT NULL DEFAULT '',
		last_scanned_at        TEXT,
		attempts               INTEGER NOT NULL DEFAULT 0,
		error_code             TEXT NOT NULL DEFAULT '',
		error_message          TEXT NOT NULL DEFAULT '',
		saved_content_id       TEXT NOT NULL DEFAULT '',
		created_at             TEXT NOT NULL,
		updated_at             TEXT NOT NULL,
		UNIQUE (monitoring_id, citation_canonical_url)
	);

	CREATE INDEX IF NOT EXISTS idx_citation_eligibility
		ON wikipedia_citation(monitoring_id, scan_status, relevance_decision);

	CREATE TABLE IF NOT EXISTS discovered_content (
		id              TEXT PRIMARY KEY,
		patch_id        TEXT NOT NULL REFERENCES patch(id),
		source_url      TEXT NOT NULL,
		canonical_url   TEXT NOT NULL,
		domain          TEXT NOT NULL DEFAULT '',
		title           TEXT NOT NULL DEFAULT '',
		summary         TEXT NOT NULL DEFAULT '',
		text_content    TEXT NOT NULL DEFAULT '',
		category        TEXT NOT NULL DEFAULT 'article',
		content_hash    TEXT NOT NULL,
		relevance_score REAL NOT NULL DEFAULT 0,
		quality_score   REAL NOT NULL DEFAULT 0,
		metadata        TEXT NOT NULL DEFAULT '{}',
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		UNIQUE (patch_id, canonical_url)
	);

	CREATE TABLE IF NOT EXISTS agent_memory_feed_queue (
		id                    TEXT PRIMARY KEY,
		patch_id              TEXT NOT NULL REFERENCES patch(id),
		discovered_content_id TEXT NOT NULL,
		content_hash          TEXT NOT NULL,
		status                TEXT NOT NULL DEFAULT 'PENDING',
		priority              INTEGER NOT NULL DEFAULT 0,
		enqueued_at           TEXT NOT NULL,
		picked_at             TEXT,
		attempts              INTEGER NOT NULL DEFAULT 0,
		last_error            TEXT NOT NULL DEFAULT '',
		UNIQUE (patch_id, discovered_content_id, content_hash)
	);

	CREATE TABLE IF NOT EXISTS agent_memory (
		id                    TEXT PRIMARY KEY,
		agent_id              TEXT NOT NULL,
		patch_id              TEXT NOT NULL,
		discovered_content_id TEXT NOT NULL DEFAULT '',
		content_hash          TEXT NOT NULL,
		source_type           TEXT NOT NULL DEFAULT 'discovery',
		source_url            TEXT NOT NULL DEFAULT '',
		source_title          TEXT NOT NULL DEFAULT '',
		content               TEXT NOT NULL,
		tags                  TEXT NOT NULL DEFAULT '[]',
		created_at            TEXT NOT NULL,
		UNIQUE (patch_id, discovered_content_id, content_hash)
	);

	CREATE TABLE IF NOT EXISTS discovery_run (
		id          TEXT PRIMARY KEY,
		patch_id    TEXT NOT NULL REFERENCES patch(id),
		status      TEXT NOT NULL DEFAULT 'running',
		started_at  TEXT NOT NULL,
		finished_at TEXT,
		processed   INTEGER NOT NULL DEFAULT 0,
		saved       INTEGER NOT NULL DEFAULT 0,
		denied      INTEGER NOT NULL DEFAULT 0,
		failed      INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_run_patch ON discovery_run(patch_id, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool { return i != 0 }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
