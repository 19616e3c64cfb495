package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/patchscout/patchscout/internal/models"
)

// PatchStore reads the topic scopes the pipeline runs against. Patches are
// owned by the patch management service; the pipeline only seeds them in
// tests and otherwise treats the table as read-only.
type PatchStore struct {
	db *sql.DB
}

// Create inserts a patch. Used by seeding and tests.
func (s *PatchStore) Create(ctx context.Context, p *models.Patch) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	aliases, _ := json.Marshal(p.Aliases)
	tags, _ := json.Marshal(p.Tags)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patch (id, handle, title, aliases, tags)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Handle, p.Title, string(aliases), string(tags),
	)
	if err != nil {
		return fmt.Errorf("insert patch: %w", err)
	}
	return nil
}

// Get fetches a patch by ID. Returns nil, nil if not found.
func (s *PatchStore) Get(ctx context.Context, id string) (*models.Patch, error) {
	return s.scan(s.db.QueryRowContext(ctx,
		`SELECT id, handle, title, aliases, tags FROM patch WHERE id = ?`, id))
}

// GetByHandle fetches a patch by its user-visible handle. Returns nil, nil
// if not found.
func (s *PatchStore) GetByHandle(ctx context.Context, handle string) (*models.Patch, error) {
	return s.scan(s.db.QueryRowContext(ctx,
		`SELECT id, handle, title, aliases, tags FROM patch WHERE handle = ?`, handle))
}

func (s *PatchStore) scan(row *sql.Row) (*models.Patch, error) {
	var p models.Patch
	var aliases, tags string
	err := row.Scan(&p.ID, &p.Handle, &p.Title, &aliases, &tags)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan patch: %w", err)
	}
	json.Unmarshal([]byte(aliases), &p.Aliases)
	json.Unmarshal([]byte(tags), &p.Tags)
	return &p, nil
}
