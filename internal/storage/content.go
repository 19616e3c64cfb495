package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/patchscout/patchscout/internal/canonical"
	"github.com/patchscout/patchscout/internal/metrics"
	"github.com/patchscout/patchscout/internal/models"
)

const contentColumns = `id, patch_id, source_url, canonical_url, domain, title,
	summary, text_content, category, content_hash, relevance_score,
	quality_score, metadata, created_at, updated_at`

// ContentStore persists DiscoveredContent deduplicated by
// (patch_id, canonical_url). The unique constraint makes concurrent upserts
// of the same URL converge on one row.
type ContentStore struct {
	db *sql.DB
}

// Upsert inserts rec or, when the canonical URL already exists for the
// patch, refreshes its title, summary, text, hash, scores and metadata while
// keeping the original id and canonical URL. Returns the row id.
func (s *ContentStore) Upsert(ctx context.Context, rec *models.DiscoveredContent) (string, error) {
	if rec.CanonicalURL == "" {
		res := canonical.Canonicalize(rec.SourceURL)
		rec.CanonicalURL = res.URL
		rec.Domain = res.Host
	}
	if rec.Summary == "" {
		rec.Summary = models.Summarize(rec.TextContent)
	}
	rec.ContentHash = models.ComputeContentHash(rec.Title, rec.Summary, rec.TextContent)
	if rec.Category == "" {
		rec.Category = models.CategoryArticle
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}

	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM discovered_content WHERE patch_id = ? AND canonical_url = ?`,
		rec.PatchID, rec.CanonicalURL).Scan(&existingID)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("lookup content: %w", err)
	}

	now := formatTime(time.Now())
	metadata, _ := json.Marshal(rec.Metadata)
	if rec.Metadata == nil {
		metadata = []byte("{}")
	}

	newID := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO discovered_content
			(id, patch_id, source_url, canonical_url, domain, title, summary,
			 text_content, category, content_hash, relevance_score, quality_score,
			 metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (patch_id, canonical_url) DO UPDATE SET
			title = excluded.title,
			summary = excluded.summary,
			text_content = excluded.text_content,
			content_hash = excluded.content_hash,
			relevance_score = excluded.relevance_score,
			quality_score = excluded.quality_score,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		newID, rec.PatchID, rec.SourceURL, rec.CanonicalURL, rec.Domain,
		rec.Title, rec.Summary, rec.TextContent, string(rec.Category),
		rec.ContentHash, rec.RelevanceScore, rec.QualityScore,
		string(metadata), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("upsert content: %w", err)
	}

	if existingID != "" {
		metrics.ContentUpsertsTotal.WithLabelValues("update").Inc()
		rec.ID = existingID
		return existingID, nil
	}
	// Another writer may have won the insert race; read back the row id
	// the constraint settled on.
	var id string
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM discovered_content WHERE patch_id = ? AND canonical_url = ?`,
		rec.PatchID, rec.CanonicalURL).Scan(&id); err != nil {
		return "", fmt.Errorf("read back content id: %w", err)
	}
	metrics.ContentUpsertsTotal.WithLabelValues("insert").Inc()
	rec.ID = id
	return id, nil
}

// Get fetches a content row by ID. Returns nil, nil if not found.
func (s *ContentStore) Get(ctx context.Context, id string) (*models.DiscoveredContent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contentColumns+` FROM discovered_content WHERE id = ?`, id)
	return scanContentFrom(row)
}

// ListByPatch returns a patch's discovered content, newest first.
func (s *ContentStore) ListByPatch(ctx context.Context, patchID string, limit int) ([]*models.DiscoveredContent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contentColumns+` FROM discovered_content
		WHERE patch_id = ? ORDER BY created_at DESC LIMIT ?`, patchID, limit)
	if err != nil {
		return nil, fmt.Errorf("query content: %w", err)
	}
	defer rows.Close()

	var out []*models.DiscoveredContent
	for rows.Next() {
		c, err := scanContentFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanContentFrom(sc rowScanner) (*models.DiscoveredContent, error) {
	var c models.DiscoveredContent
	var metadata, createdAt, updatedAt string
	err := sc.Scan(&c.ID, &c.PatchID, &c.SourceURL, &c.CanonicalURL, &c.Domain,
		&c.Title, &c.Summary, &c.TextContent, &c.Category, &c.ContentHash,
		&c.RelevanceScore, &c.QualityScore, &metadata, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan content: %w", err)
	}
	json.Unmarshal([]byte(metadata), &c.Metadata)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}
