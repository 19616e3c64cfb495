package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/patchscout/patchscout/internal/models"
)

const runColumns = `id, patch_id, status, started_at, finished_at,
	processed, saved, denied, failed, last_error`

// RunStore persists discovery runs and their final counters.
type RunStore struct {
	db *sql.DB
}

// Create inserts a new run in status running.
func (s *RunStore) Create(ctx context.Context, patchID string) (*models.DiscoveryRun, error) {
	return s.CreateWithID(ctx, uuid.New().String(), patchID)
}

// CreateWithID inserts a run whose id was fixed up front. The coordinator
// uses the id as the run-lock token, so it must exist before the row does.
func (s *RunStore) CreateWithID(ctx context.Context, id, patchID string) (*models.DiscoveryRun, error) {
	run := &models.DiscoveryRun{
		ID:        id,
		PatchID:   patchID,
		Status:    models.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discovery_run (id, patch_id, status, started_at)
		VALUES (?, ?, ?, ?)`,
		run.ID, run.PatchID, string(run.Status), formatTime(run.StartedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// Finish closes a run with its final status and counters.
func (s *RunStore) Finish(ctx context.Context, id string, status models.RunStatus, snap models.RunMetricsSnapshot, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE discovery_run
		SET status = ?, finished_at = ?, processed = ?, saved = ?, denied = ?,
		    failed = ?, last_error = ?
		WHERE id = ?`,
		string(status), formatTime(time.Now()), snap.Processed, snap.Saved,
		snap.Denied, snap.Failed, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Get fetches a run by ID. Returns nil, nil if not found.
func (s *RunStore) Get(ctx context.Context, id string) (*models.DiscoveryRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM discovery_run WHERE id = ?`, id)
	return scanRunFrom(row)
}

// ListByPatch returns a patch's run history, newest first.
func (s *RunStore) ListByPatch(ctx context.Context, patchID string, limit int) ([]*models.DiscoveryRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM discovery_run
		WHERE patch_id = ? ORDER BY started_at DESC LIMIT ?`, patchID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*models.DiscoveryRun
	for rows.Next() {
		r, err := scanRunFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRunFrom(sc rowScanner) (*models.DiscoveryRun, error) {
	var r models.DiscoveryRun
	var startedAt string
	var finishedAt sql.NullString
	err := sc.Scan(&r.ID, &r.PatchID, &r.Status, &startedAt, &finishedAt,
		&r.Processed, &r.Saved, &r.Denied, &r.Failed, &r.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.StartedAt = parseTime(startedAt)
	r.FinishedAt = nullableTime(finishedAt)
	return &r, nil
}
