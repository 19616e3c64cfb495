package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/patchscout/patchscout/internal/metrics"
	"github.com/patchscout/patchscout/internal/models"
)

const feedColumns = `id, patch_id, discovered_content_id, content_hash,
	status, priority, enqueued_at, picked_at, attempts, last_error`

// FeedMaxAttempts is the default cap on delivery attempts per queue item.
const FeedMaxAttempts = 5

// FeedQueue is the durable hand-off between the citation processor and the
// agent-feed workers. Items are claimed with a conditional UPDATE, same as
// citations, and kept after completion as provenance.
type FeedQueue struct {
	db           *sql.DB
	stuckTimeout time.Duration
}

// Enqueue upserts a work item keyed by (patch, content, hash). A DONE,
// PENDING or PROCESSING row is left alone; a FAILED row that still has
// attempts left is reopened as PENDING.
func (q *FeedQueue) Enqueue(ctx context.Context, patchID, contentID, contentHash string, priority int) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO agent_memory_feed_queue
			(id, patch_id, discovered_content_id, content_hash, status, priority, enqueued_at)
		VALUES (?, ?, ?, ?, 'PENDING', ?, ?)
		ON CONFLICT (patch_id, discovered_content_id, content_hash) DO UPDATE SET
			status = 'PENDING', last_error = ''
		WHERE agent_memory_feed_queue.status = 'FAILED'
		  AND agent_memory_feed_queue.attempts < ?`,
		uuid.New().String(), patchID, contentID, contentHash, priority,
		formatTime(time.Now()), FeedMaxAttempts,
	)
	if err != nil {
		return fmt.Errorf("enqueue feed item: %w", err)
	}
	return nil
}

// ClaimNext atomically claims one PENDING item (or a PROCESSING item stuck
// past the stuck timeout), ordered by priority then age, incrementing its
// attempt count. Returns nil, nil when the queue is empty.
func (q *FeedQueue) ClaimNext(ctx context.Context) (*models.FeedQueueItem, error) {
	staleCutoff := formatTime(time.Now().Add(-q.stuckTimeout))

	for tries := 0; tries < 5; tries++ {
		var id string
		err := q.db.QueryRowContext(ctx, `
			SELECT id FROM agent_memory_feed_queue
			WHERE status = 'PENDING'
			   OR (status = 'PROCESSING' AND picked_at <= ?)
			ORDER BY priority DESC, enqueued_at ASC
			LIMIT 1`,
			staleCutoff,
		).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select feed item: %w", err)
		}

		res, err := q.db.ExecContext(ctx, `
			UPDATE agent_memory_feed_queue
			SET status = 'PROCESSING', picked_at = ?, attempts = attempts + 1
			WHERE id = ?
			  AND (status = 'PENDING' OR (status = 'PROCESSING' AND picked_at <= ?))`,
			formatTime(time.Now()), id, staleCutoff,
		)
		if err != nil {
			return nil, fmt.Errorf("claim feed item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return q.Get(ctx, id)
		}
	}
	return nil, nil
}

// MarkDone finishes an item. The row stays as provenance.
func (q *FeedQueue) MarkDone(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE agent_memory_feed_queue SET status = 'DONE', last_error = '' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark feed item done: %w", err)
	}
	return nil
}

// MarkFailed records a permanent failure.
func (q *FeedQueue) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE agent_memory_feed_queue SET status = 'FAILED', last_error = ? WHERE id = ?`,
		reason, id)
	if err != nil {
		return fmt.Errorf("mark feed item failed: %w", err)
	}
	return nil
}

// Requeue returns an item to PENDING after a transient failure, keeping its
// attempt count.
func (q *FeedQueue) Requeue(ctx context.Context, id, reason string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE agent_memory_feed_queue SET status = 'PENDING', last_error = ? WHERE id = ?`,
		reason, id)
	if err != nil {
		return fmt.Errorf("requeue feed item: %w", err)
	}
	return nil
}

// Get fetches an item by ID. Returns nil, nil if not found.
func (q *FeedQueue) Get(ctx context.Context, id string) (*models.FeedQueueItem, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM agent_memory_feed_queue WHERE id = ?`, id)
	return scanFeedItemFrom(row)
}

// ListByPatch returns a patch's queue items regardless of status, newest
// first. Inspection only; claiming goes through ClaimNext.
func (q *FeedQueue) ListByPatch(ctx context.Context, patchID string, limit int) ([]*models.FeedQueueItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+feedColumns+` FROM agent_memory_feed_queue
		WHERE patch_id = ? ORDER BY enqueued_at DESC LIMIT ?`, patchID, limit)
	if err != nil {
		return nil, fmt.Errorf("query feed items: %w", err)
	}
	defer rows.Close()

	var out []*models.FeedQueueItem
	for rows.Next() {
		item, err := scanFeedItemFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// UpdateDepthGauges refreshes the queue depth gauge per status.
func (q *FeedQueue) UpdateDepthGauges(ctx context.Context) error {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM agent_memory_feed_queue GROUP BY status`)
	if err != nil {
		return fmt.Errorf("count feed queue: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{
		string(models.FeedPending):    0,
		string(models.FeedProcessing): 0,
		string(models.FeedDone):       0,
		string(models.FeedFailed):     0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return fmt.Errorf("scan queue depth: %w", err)
		}
		counts[status] = n
	}
	for status, n := range counts {
		metrics.FeedQueueDepth.WithLabelValues(status).Set(float64(n))
	}
	return rows.Err()
}

func scanFeedItemFrom(sc rowScanner) (*models.FeedQueueItem, error) {
	var item models.FeedQueueItem
	var enqueuedAt string
	var pickedAt sql.NullString
	err := sc.Scan(&item.ID, &item.PatchID, &item.DiscoveredContentID,
		&item.ContentHash, &item.Status, &item.Priority, &enqueuedAt,
		&pickedAt, &item.Attempts, &item.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan feed item: %w", err)
	}
	item.EnqueuedAt = parseTime(enqueuedAt)
	item.PickedAt = nullableTime(pickedAt)
	return &item, nil
}
