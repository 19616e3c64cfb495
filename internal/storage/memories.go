package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/patchscout/patchscout/internal/metrics"
	"github.com/patchscout/patchscout/internal/models"
)

// MemoryStore persists agent memories. The unique constraint on
// (patch_id, discovered_content_id, content_hash) is what guarantees
// at-most-once creation; Exists is only an optimization for callers.
type MemoryStore struct {
	db *sql.DB
}

// Create inserts a memory. Returns false, nil when the same
// (patch, content, hash) memory already exists.
func (s *MemoryStore) Create(ctx context.Context, m *models.AgentMemory) (bool, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	tags, _ := json.Marshal(m.Tags)
	if m.Tags == nil {
		tags = []byte("[]")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_memory
			(id, agent_id, patch_id, discovered_content_id, content_hash,
			 source_type, source_url, source_title, content, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AgentID, m.PatchID, m.DiscoveredContentID, m.ContentHash,
		string(m.SourceType), m.SourceURL, m.SourceTitle, m.Content,
		string(tags), formatTime(m.CreatedAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return false, nil
		}
		return false, fmt.Errorf("insert memory: %w", err)
	}
	metrics.MemoriesCreatedTotal.WithLabelValues().Inc()
	return true, nil
}

// Exists reports whether a memory with this identity is already stored.
func (s *MemoryStore) Exists(ctx context.Context, patchID, contentID, contentHash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_memory
		WHERE patch_id = ? AND discovered_content_id = ? AND content_hash = ?`,
		patchID, contentID, contentHash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check memory: %w", err)
	}
	return n > 0, nil
}

// CountForPatch returns how many memories a patch has accumulated.
func (s *MemoryStore) CountForPatch(ctx context.Context, patchID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_memory WHERE patch_id = ?`, patchID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}
