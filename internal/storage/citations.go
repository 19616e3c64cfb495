package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/patchscout/patchscout/internal/citations"
	"github.com/patchscout/patchscout/internal/metrics"
	"github.com/patchscout/patchscout/internal/models"
)

// ErrAlreadyDecided is returned by state transitions that hit a citation
// whose relevance decision is already terminal.
var ErrAlreadyDecided = errors.New("citation already has a terminal decision")

// ErrResetSaved is returned by Reset for saved citations; saved rows are
// coupled to a DiscoveredContent record and must not be reopened.
var ErrResetSaved = errors.New("cannot reset a saved citation")

const citationColumns = `id, monitoring_id, citation_url, citation_canonical_url,
	citation_title, citation_context, section, source_number,
	verification_status, scan_status, relevance_decision, ai_priority_score,
	content_text, extraction_method, last_scanned_at, attempts,
	error_code, error_message, saved_content_id, created_at, updated_at`

// CitationStore manages the citation table and its state machine. Every
// transition is a single conditional UPDATE guarded on the current state,
// so concurrent workers can never double-apply one.
type CitationStore struct {
	db           *sql.DB
	pages        *PageStore
	stuckTimeout time.Duration
}

// ExtractAndStore parses pageHTML into citations and upserts them under the
// monitored page. Existing rows keep their state; only new canonical URLs
// are inserted. Returns how many citations the page contained and how many
// were newly stored, and flips the page's extraction bookkeeping.
func (s *CitationStore) ExtractAndStore(ctx context.Context, monitoringID, pageHTML, pageURL string) (found, stored int, err error) {
	parsed := citations.Parse(pageHTML, pageURL)
	found = len(parsed)

	now := formatTime(time.Now())
	for _, p := range parsed {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO wikipedia_citation
				(id, monitoring_id, citation_url, citation_canonical_url,
				 citation_title, citation_context, section, source_number,
				 verification_status, scan_status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', 'not_scanned', ?, ?)
			ON CONFLICT (monitoring_id, citation_canonical_url) DO NOTHING`,
			uuid.New().String(), monitoringID, p.URL, p.CanonicalURL,
			p.Title, p.Context, string(p.Section), p.SourceNumber, now, now,
		)
		if err != nil {
			return found, stored, fmt.Errorf("upsert citation: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			stored++
			metrics.CitationsStoredTotal.WithLabelValues().Inc()
		}
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wikipedia_citation WHERE monitoring_id = ?`,
		monitoringID).Scan(&total); err != nil {
		return found, stored, fmt.Errorf("count citations: %w", err)
	}
	if err := s.pages.MarkExtracted(ctx, monitoringID, total); err != nil {
		return found, stored, err
	}
	return found, stored, nil
}

// GetNextEligible claims the next processable citation of a patch, flipping
// it to scanning in the same conditional UPDATE so concurrent callers never
// receive the same row. Rows stuck in scanning longer than the stuck
// timeout are reclaimable. Returns nil, nil when nothing is eligible.
func (s *CitationStore) GetNextEligible(ctx context.Context, patchID string) (*models.Citation, error) {
	staleCutoff := formatTime(time.Now().Add(-s.stuckTimeout))

	// A lost race just means another worker claimed the candidate; pick
	// the next one. Bounded so a pathological schedule cannot spin.
	for tries := 0; tries < 5; tries++ {
		var id string
		err := s.db.QueryRowContext(ctx, `
			SELECT c.id
			FROM wikipedia_citation c
			JOIN monitored_wikipedia_page p ON p.id = c.monitoring_id
			WHERE p.patch_id = ?
			  AND c.verification_status IN ('pending', 'verified')
			  AND c.relevance_decision = ''
			  AND (c.scan_status = 'not_scanned'
			       OR (c.scan_status = 'scanning' AND c.last_scanned_at <= ?))
			ORDER BY c.ai_priority_score IS NULL, c.ai_priority_score DESC, c.created_at ASC
			LIMIT 1`,
			patchID, staleCutoff,
		).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select eligible citation: %w", err)
		}

		now := formatTime(time.Now())
		res, err := s.db.ExecContext(ctx, `
			UPDATE wikipedia_citation
			SET scan_status = 'scanning', last_scanned_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = ?
			  AND relevance_decision = ''
			  AND (scan_status = 'not_scanned'
			       OR (scan_status = 'scanning' AND last_scanned_at <= ?))`,
			now, now, id, staleCutoff,
		)
		if err != nil {
			return nil, fmt.Errorf("claim citation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return s.Get(ctx, id)
		}
	}
	return nil, nil
}

// MarkVerified records a successful reachability check.
func (s *CitationStore) MarkVerified(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE wikipedia_citation
		SET verification_status = 'verified', updated_at = ?
		WHERE id = ? AND relevance_decision = ''`, id)
}

// MarkVerificationFailed denies a citation whose URL could not be reached.
func (s *CitationStore) MarkVerificationFailed(ctx context.Context, id, errorCode, errorMessage string) error {
	return s.transition(ctx, `
		UPDATE wikipedia_citation
		SET verification_status = 'failed', scan_status = 'scanned_denied',
		    relevance_decision = 'denied', error_code = ?, error_message = ?,
		    updated_at = ?
		WHERE id = ? AND relevance_decision = ''`, id, errorCode, errorMessage)
}

// RecordContent stores the extracted text and the tier that produced it.
func (s *CitationStore) RecordContent(ctx context.Context, id, text string, method models.ExtractionMethod) error {
	return s.transition(ctx, `
		UPDATE wikipedia_citation
		SET content_text = ?, extraction_method = ?, updated_at = ?
		WHERE id = ? AND relevance_decision = ''`, id, text, string(method))
}

// RecordScore stores the relevance score and marks the citation scanned.
func (s *CitationStore) RecordScore(ctx context.Context, id string, score int) error {
	return s.transition(ctx, `
		UPDATE wikipedia_citation
		SET ai_priority_score = ?, scan_status = 'scanned', updated_at = ?
		WHERE id = ? AND relevance_decision = ''`, id, score)
}

// MarkSaved records the terminal saved decision with its content row.
func (s *CitationStore) MarkSaved(ctx context.Context, id, contentID string) error {
	return s.transition(ctx, `
		UPDATE wikipedia_citation
		SET relevance_decision = 'saved', saved_content_id = ?,
		    scan_status = 'scanned', updated_at = ?
		WHERE id = ? AND relevance_decision = ''`, id, contentID)
}

// MarkDenied records the terminal denied decision.
func (s *CitationStore) MarkDenied(ctx context.Context, id, errorCode, errorMessage string) error {
	return s.transition(ctx, `
		UPDATE wikipedia_citation
		SET relevance_decision = 'denied', scan_status = 'scanned_denied',
		    error_code = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND relevance_decision = ''`, id, errorCode, errorMessage)
}

// Requeue returns a citation to not_scanned after an unexpected failure so
// another attempt can pick it up. Attempts are counted at claim time.
func (s *CitationStore) Requeue(ctx context.Context, id, errorMessage string) error {
	return s.transition(ctx, `
		UPDATE wikipedia_citation
		SET scan_status = 'not_scanned', error_message = ?, updated_at = ?
		WHERE id = ? AND relevance_decision = ''`, id, errorMessage)
}

// Reset reopens a denied or unprocessed citation for the operator backfill
// path: decision, score, extracted text and errors are cleared. Saved rows
// are refused; their content record already left the pipeline.
func (s *CitationStore) Reset(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wikipedia_citation
		SET verification_status = 'pending', scan_status = 'not_scanned',
		    relevance_decision = '', ai_priority_score = NULL,
		    content_text = '', extraction_method = '',
		    error_code = '', error_message = '', attempts = 0, updated_at = ?
		WHERE id = ? AND relevance_decision != 'saved'`,
		formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("reset citation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return sql.ErrNoRows
		}
		return ErrResetSaved
	}
	return nil
}

// Get fetches a citation by ID. Returns nil, nil if not found.
func (s *CitationStore) Get(ctx context.Context, id string) (*models.Citation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+citationColumns+` FROM wikipedia_citation WHERE id = ?`, id)
	return scanCitationFrom(row)
}

// ListByPatch returns a patch's citations, optionally filtered by scan
// status, newest first.
func (s *CitationStore) ListByPatch(ctx context.Context, patchID string, scanStatus models.ScanStatus, limit int) ([]*models.Citation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT ` + citationColumns + `
		FROM wikipedia_citation c
		JOIN monitored_wikipedia_page p ON p.id = c.monitoring_id
		WHERE p.patch_id = ?`
	args := []any{patchID}
	if scanStatus != "" {
		query += ` AND c.scan_status = ?`
		args = append(args, string(scanStatus))
	}
	query += ` ORDER BY c.created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query citations: %w", err)
	}
	defer rows.Close()

	var out []*models.Citation
	for rows.Next() {
		c, err := scanCitationFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// transition runs a guarded state UPDATE; query takes extra args, then the
// updated_at timestamp and the row id are appended in that order by the
// caller's placeholder layout.
func (s *CitationStore) transition(ctx context.Context, query, id string, extra ...any) error {
	args := append(extra, formatTime(time.Now()), id)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("citation transition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyDecided
	}
	return nil
}

func scanCitationFrom(sc rowScanner) (*models.Citation, error) {
	var c models.Citation
	var score sql.NullInt64
	var lastScanned sql.NullString
	var createdAt, updatedAt string
	err := sc.Scan(&c.ID, &c.MonitoringID, &c.CitationURL, &c.CitationCanonicalURL,
		&c.CitationTitle, &c.CitationContext, &c.Section, &c.SourceNumber,
		&c.VerificationStatus, &c.ScanStatus, &c.RelevanceDecision, &score,
		&c.ContentText, &c.ExtractionMethod, &lastScanned, &c.Attempts,
		&c.ErrorCode, &c.ErrorMessage, &c.SavedContentID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan citation: %w", err)
	}
	if score.Valid {
		v := int(score.Int64)
		c.AIPriorityScore = &v
	}
	c.LastScannedAt = nullableTime(lastScanned)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}
