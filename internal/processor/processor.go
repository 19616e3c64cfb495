// Package processor drives claimed citations through the
// verify, fetch, extract, score, decide pipeline with bounded parallelism.
// Collaborators are injected behind narrow interfaces; the worker loop is
// the only place that swallows unexpected failures.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchscout/patchscout/internal/config"
	"github.com/patchscout/patchscout/internal/extract"
	"github.com/patchscout/patchscout/internal/fetcher"
	"github.com/patchscout/patchscout/internal/metrics"
	"github.com/patchscout/patchscout/internal/models"
	"github.com/patchscout/patchscout/internal/scorer"
	"github.com/patchscout/patchscout/internal/storage"
)

// CitationStore is the citation state machine surface the processor drives.
type CitationStore interface {
	GetNextEligible(ctx context.Context, patchID string) (*models.Citation, error)
	MarkVerified(ctx context.Context, id string) error
	MarkVerificationFailed(ctx context.Context, id, errorCode, errorMessage string) error
	RecordContent(ctx context.Context, id, text string, method models.ExtractionMethod) error
	RecordScore(ctx context.Context, id string, score int) error
	MarkSaved(ctx context.Context, id, contentID string) error
	MarkDenied(ctx context.Context, id, errorCode, errorMessage string) error
	Requeue(ctx context.Context, id, errorMessage string) error
}

// ContentStore persists approved content.
type ContentStore interface {
	Upsert(ctx context.Context, rec *models.DiscoveredContent) (string, error)
}

// FeedEnqueuer hands approved content to the agent-feed queue.
type FeedEnqueuer interface {
	Enqueue(ctx context.Context, patchID, contentID, contentHash string, priority int) error
}

// Fetcher retrieves citation URLs.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Response, error)
	Verify(ctx context.Context, url string) error
}

// Extractor pulls readable text out of a fetched body.
type Extractor func(body []byte, contentType, url string, minBytes int) ExtractResult

// ExtractResult mirrors the extraction outcome the processor consumes.
type ExtractResult struct {
	Title  string
	Text   string
	Method models.ExtractionMethod
}

// RelevanceScorer rates extracted text against the patch topic.
type RelevanceScorer interface {
	Score(ctx context.Context, patch *models.Patch, title, url, text string) (scorer.Result, error)
	ShouldSave(scorer.Result) bool
}

// Dispatcher fires hero-enrichment requests. Must never block.
type Dispatcher interface {
	Dispatch(contentID string)
}

// Processor owns a patch's worker pool for one run.
type Processor struct {
	cfg       config.Processor
	minBytes  int
	citations CitationStore
	content   ContentStore
	feed      FeedEnqueuer
	fetch     Fetcher
	extract   Extractor
	scorer    RelevanceScorer
	dispatch  Dispatcher
	logger    zerolog.Logger
}

// New wires a processor. extract may be nil to use the default extractor
// chain; dispatch may be nil when enrichment is disabled.
func New(cfg config.Processor, minBytes int, cit CitationStore, content ContentStore,
	feed FeedEnqueuer, f Fetcher, extract Extractor, sc RelevanceScorer,
	dispatch Dispatcher, logger zerolog.Logger) *Processor {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.EmptyRetries <= 0 {
		cfg.EmptyRetries = 3
	}
	if extract == nil {
		extract = DefaultExtractor
	}
	return &Processor{
		cfg:       cfg,
		minBytes:  minBytes,
		citations: cit,
		content:   content,
		feed:      feed,
		fetch:     f,
		extract:   extract,
		scorer:    sc,
		dispatch:  dispatch,
		logger:    logger.With().Str("component", "processor").Logger(),
	}
}

// DefaultExtractor runs the tiered HTML/PDF extraction chain.
func DefaultExtractor(body []byte, contentType, url string, minBytes int) ExtractResult {
	r := extract.Extract(body, contentType, url, minBytes)
	return ExtractResult{Title: r.Title, Text: r.Text, Method: r.Method}
}

// emptyPollDelay spaces out polls once the queue looks drained.
const emptyPollDelay = 250 * time.Millisecond

// Run processes the patch's citations with the configured parallelism until
// every worker sees the queue empty EmptyRetries times in a row or ctx is
// cancelled. The returned error is non-nil only for storage failures, which
// abort the whole run.
func (p *Processor) Run(ctx context.Context, patch *models.Patch, rm *models.RunMetrics) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		storeErr error
	)
	fail := func(err error) {
		once.Do(func() {
			storeErr = err
			cancel()
		})
	}

	for i := 0; i < p.cfg.Parallelism; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.workerLoop(ctx, worker, patch, rm, fail)
		}(i)
	}
	wg.Wait()
	return storeErr
}

func (p *Processor) workerLoop(ctx context.Context, worker int, patch *models.Patch,
	rm *models.RunMetrics, fail func(error)) {
	logger := p.logger.With().Int("worker", worker).Str("patch", patch.Handle).Logger()

	empties := 0
	for {
		if ctx.Err() != nil {
			return
		}
		outcome, err := p.processOne(ctx, patch, rm, logger)
		if err != nil {
			// Storage failure: the run cannot make progress safely.
			logger.Error().Err(err).Msg("Storage failure, aborting run")
			fail(err)
			return
		}
		if outcome == outcomeEmpty {
			empties++
			if empties >= p.cfg.EmptyRetries {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(emptyPollDelay):
			}
			continue
		}
		empties = 0
	}
}

type outcome string

const (
	outcomeEmpty    outcome = "empty"
	outcomeSaved    outcome = "saved"
	outcomeDenied   outcome = "denied"
	outcomeFailed   outcome = "failed"
	outcomeRequeued outcome = "requeued"
)

// processOne claims and fully handles one citation. Only storage errors
// escape; everything else resolves to a citation state transition.
func (p *Processor) processOne(ctx context.Context, patch *models.Patch,
	rm *models.RunMetrics, logger zerolog.Logger) (result outcome, storeErr error) {
	c, err := p.citations.GetNextEligible(ctx, patch.ID)
	if err != nil {
		return outcomeEmpty, err
	}
	if c == nil {
		return outcomeEmpty, nil
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("citation", c.ID).
				Msg("Recovered panic while processing citation")
			result = p.failCitation(ctx, c, fmt.Sprintf("panic: %v", r))
		}
		metrics.ProcessingDuration.WithLabelValues().Observe(time.Since(start).Seconds())
		metrics.CitationsProcessedTotal.WithLabelValues(string(result)).Inc()
		p.count(rm, result)
	}()

	result = p.handle(ctx, patch, c, logger)
	return result, nil
}

func (p *Processor) handle(ctx context.Context, patch *models.Patch, c *models.Citation,
	logger zerolog.Logger) outcome {
	logger = logger.With().Str("citation", c.ID).Str("url", c.CitationCanonicalURL).Logger()

	// Step 1: reachability check for fresh citations.
	if c.VerificationStatus == models.VerificationPending {
		if err := p.fetch.Verify(ctx, c.CitationURL); err != nil {
			code := "fetch_failed"
			if fe, ok := fetcher.AsError(err); ok {
				code = string(fe.Kind)
			}
			logger.Info().Err(err).Msg("Citation URL unreachable")
			if err := p.citations.MarkVerificationFailed(ctx, c.ID, code, err.Error()); err != nil {
				return p.transitionFailed(ctx, c, err)
			}
			return outcomeDenied
		}
		if err := p.citations.MarkVerified(ctx, c.ID); err != nil {
			return p.transitionFailed(ctx, c, err)
		}
	}

	// Step 2: fetch the document.
	resp, err := p.fetch.Fetch(ctx, c.CitationURL)
	if err != nil {
		code, msg := "fetch_failed", err.Error()
		if fe, ok := fetcher.AsError(err); ok {
			code = denyCode(fe)
		}
		logger.Info().Err(err).Str("code", code).Msg("Fetch failed")
		if err := p.citations.MarkDenied(ctx, c.ID, code, msg); err != nil {
			return p.transitionFailed(ctx, c, err)
		}
		return outcomeDenied
	}

	// Step 3: extract readable text.
	e := p.extract(resp.Body, resp.ContentType, resp.FinalURL, p.minBytes)
	if e.Method == models.MethodInsufficient {
		if err := p.citations.MarkDenied(ctx, c.ID, "insufficient_content", ""); err != nil {
			return p.transitionFailed(ctx, c, err)
		}
		return outcomeDenied
	}
	if err := p.citations.RecordContent(ctx, c.ID, e.Text, e.Method); err != nil {
		return p.transitionFailed(ctx, c, err)
	}

	// Step 4: score against the patch topic. One re-ask on malformed
	// output, then deny.
	title := e.Title
	if title == "" {
		title = c.CitationTitle
	}
	verdict, err := p.scorer.Score(ctx, patch, title, resp.FinalURL, e.Text)
	if errors.Is(err, scorer.ErrMalformed) {
		verdict, err = p.scorer.Score(ctx, patch, title, resp.FinalURL, e.Text)
	}
	if err != nil {
		if errors.Is(err, scorer.ErrMalformed) {
			if err := p.citations.MarkDenied(ctx, c.ID, "scorer_failed", err.Error()); err != nil {
				return p.transitionFailed(ctx, c, err)
			}
			return outcomeDenied
		}
		logger.Warn().Err(err).Msg("Scorer unavailable")
		return p.failCitation(ctx, c, err.Error())
	}
	if err := p.citations.RecordScore(ctx, c.ID, verdict.Score); err != nil {
		return p.transitionFailed(ctx, c, err)
	}

	// Step 5: decide.
	if !p.scorer.ShouldSave(verdict) {
		if err := p.citations.MarkDenied(ctx, c.ID, "low_score", verdict.Reason); err != nil {
			return p.transitionFailed(ctx, c, err)
		}
		return outcomeDenied
	}

	rec := &models.DiscoveredContent{
		PatchID:        patch.ID,
		SourceURL:      resp.FinalURL,
		Title:          title,
		TextContent:    e.Text,
		Category:       models.CategoryWikipediaCitation,
		RelevanceScore: float64(verdict.Score) / 100,
		Metadata: map[string]string{
			"extractionMethod": string(e.Method),
			"scorerReason":     verdict.Reason,
			"source":           "wikipedia-citation",
			"citationId":       c.ID,
		},
	}
	contentID, err := p.content.Upsert(ctx, rec)
	if err != nil {
		return p.transitionFailed(ctx, c, err)
	}
	// Enqueue before the terminal transition: a saved citation is never
	// revisited, while a requeued one retries both steps. The queue upsert
	// is idempotent on (patch, content, hash).
	if err := p.feed.Enqueue(ctx, patch.ID, contentID, rec.ContentHash, 0); err != nil {
		logger.Error().Err(err).Msg("Feed enqueue failed")
		return p.transitionFailed(ctx, c, err)
	}
	if err := p.citations.MarkSaved(ctx, c.ID, contentID); err != nil {
		return p.transitionFailed(ctx, c, err)
	}
	if p.dispatch != nil {
		p.dispatch.Dispatch(contentID)
	}
	logger.Info().Int("score", verdict.Score).Str("content", contentID).Msg("Citation saved")
	return outcomeSaved
}

// failCitation applies the catch-all policy: requeue while attempts remain,
// otherwise deny with PROCESSING_EXCEPTION.
func (p *Processor) failCitation(ctx context.Context, c *models.Citation, msg string) outcome {
	if c.Attempts >= p.cfg.MaxAttempts {
		if err := p.citations.MarkDenied(ctx, c.ID, "PROCESSING_EXCEPTION", msg); err != nil {
			p.logger.Error().Err(err).Str("citation", c.ID).Msg("Failed to deny citation")
		}
		return outcomeDenied
	}
	if err := p.citations.Requeue(ctx, c.ID, msg); err != nil {
		p.logger.Error().Err(err).Str("citation", c.ID).Msg("Failed to requeue citation")
	}
	return outcomeRequeued
}

// transitionFailed handles a failed state transition: a terminal-guard
// violation means another actor decided the row and the worker moves on,
// anything else goes through the catch-all policy.
func (p *Processor) transitionFailed(ctx context.Context, c *models.Citation, err error) outcome {
	if errors.Is(err, storage.ErrAlreadyDecided) {
		return outcomeFailed
	}
	return p.failCitation(ctx, c, err.Error())
}

func (p *Processor) count(rm *models.RunMetrics, o outcome) {
	if rm == nil || o == outcomeEmpty {
		return
	}
	rm.Processed.Add(1)
	switch o {
	case outcomeSaved:
		rm.Saved.Add(1)
	case outcomeDenied:
		rm.Denied.Add(1)
	case outcomeFailed, outcomeRequeued:
		rm.Failed.Add(1)
	}
}

// denyCode maps a fetch error kind to the citation error code.
func denyCode(fe *fetcher.Error) string {
	switch fe.Kind {
	case fetcher.KindHTTPClient:
		return "http_4xx"
	case fetcher.KindHTTPServer:
		return "http_5xx"
	case fetcher.KindTooLarge:
		return "too_large"
	case fetcher.KindRobots:
		return "blocked_by_robots"
	default:
		return "fetch_failed"
	}
}
