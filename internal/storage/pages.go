package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/patchscout/patchscout/internal/models"
)

// PageStore manages the monitored Wikipedia pages of each patch. Rows are
// seeded by the monitoring bootstrap; the pipeline only flips the
// extraction bookkeeping fields.
type PageStore struct {
	db *sql.DB
}

// Create inserts a monitored page. Used by seeding and tests.
func (s *PageStore) Create(ctx context.Context, p *models.MonitoredWikipediaPage) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitored_wikipedia_page
			(id, patch_id, wikipedia_title, wikipedia_url, citations_extracted, last_extracted_at, citation_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.PatchID, p.WikipediaTitle, p.WikipediaURL,
		boolToInt(p.CitationsExtracted), timePtrString(p.LastExtractedAt), p.CitationCount,
	)
	if err != nil {
		return fmt.Errorf("insert monitored page: %w", err)
	}
	return nil
}

// Get fetches a page by ID. Returns nil, nil if not found.
func (s *PageStore) Get(ctx context.Context, id string) (*models.MonitoredWikipediaPage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, patch_id, wikipedia_title, wikipedia_url, citations_extracted, last_extracted_at, citation_count
		FROM monitored_wikipedia_page WHERE id = ?`, id)
	return scanPage(row)
}

// ForPatch returns every monitored page of a patch.
func (s *PageStore) ForPatch(ctx context.Context, patchID string) ([]*models.MonitoredWikipediaPage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patch_id, wikipedia_title, wikipedia_url, citations_extracted, last_extracted_at, citation_count
		FROM monitored_wikipedia_page WHERE patch_id = ? ORDER BY wikipedia_title`, patchID)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()

	var pages []*models.MonitoredWikipediaPage
	for rows.Next() {
		p, err := scanPageRows(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// MarkExtracted records a completed extraction pass over a page.
func (s *PageStore) MarkExtracted(ctx context.Context, id string, citationCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE monitored_wikipedia_page
		SET citations_extracted = 1, last_extracted_at = ?, citation_count = ?
		WHERE id = ?`,
		formatTime(time.Now()), citationCount, id,
	)
	if err != nil {
		return fmt.Errorf("mark extracted: %w", err)
	}
	return nil
}

// ClearExtractedByTitle flags every monitored copy of a Wikipedia article as
// needing re-extraction. Called by the page watcher when an edit lands.
// Returns the number of pages refreshed.
func (s *PageStore) ClearExtractedByTitle(ctx context.Context, wikipediaTitle string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE monitored_wikipedia_page
		SET citations_extracted = 0
		WHERE wikipedia_title = ? AND citations_extracted = 1`,
		wikipediaTitle,
	)
	if err != nil {
		return 0, fmt.Errorf("clear extracted: %w", err)
	}
	return res.RowsAffected()
}

// Pending returns the pages of a patch not yet extracted (or re-flagged by
// the watcher).
func (s *PageStore) Pending(ctx context.Context, patchID string) ([]*models.MonitoredWikipediaPage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patch_id, wikipedia_title, wikipedia_url, citations_extracted, last_extracted_at, citation_count
		FROM monitored_wikipedia_page WHERE patch_id = ? AND citations_extracted = 0`, patchID)
	if err != nil {
		return nil, fmt.Errorf("query pending pages: %w", err)
	}
	defer rows.Close()

	var pages []*models.MonitoredWikipediaPage
	for rows.Next() {
		p, err := scanPageRows(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPageFrom(sc rowScanner) (*models.MonitoredWikipediaPage, error) {
	var p models.MonitoredWikipediaPage
	var extracted int
	var lastExtracted sql.NullString
	err := sc.Scan(&p.ID, &p.PatchID, &p.WikipediaTitle, &p.WikipediaURL,
		&extracted, &lastExtracted, &p.CitationCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan monitored page: %w", err)
	}
	p.CitationsExtracted = intToBool(extracted)
	p.LastExtractedAt = nullableTime(lastExtracted)
	return &p, nil
}

func scanPage(row *sql.Row) (*models.MonitoredWikipediaPage, error) {
	return scanPageFrom(row)
}

func scanPageRows(rows *sql.Rows) (*models.MonitoredWikipediaPage, error) {
	return scanPageFrom(rows)
}

func timePtrString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
