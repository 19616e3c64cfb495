// Package run coordinates discovery runs: one bounded execution of the
// pipeline per patch, guarded by a distributed lock so a patch never has two
// active runs across processes.
package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/patchscout/patchscout/internal/config"
	"github.com/patchscout/patchscout/internal/fetcher"
	"github.com/patchscout/patchscout/internal/metrics"
	"github.com/patchscout/patchscout/internal/models"
)

// ErrPatchNotFound is returned when the handle resolves to nothing.
var ErrPatchNotFound = errors.New("patch not found")

// PatchResolver looks up the patch a run is requested for.
type PatchResolver interface {
	GetByHandle(ctx context.Context, handle string) (*models.Patch, error)
}

// PageSource lists the monitored pages still needing citation extraction.
type PageSource interface {
	Pending(ctx context.Context, patchID string) ([]*models.MonitoredWikipediaPage, error)
}

// CitationExtractor persists the citations parsed out of a page.
type CitationExtractor interface {
	ExtractAndStore(ctx context.Context, monitoringID, pageHTML, pageURL string) (found, stored int, err error)
}

// PageFetcher retrieves monitored page HTML.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Response, error)
}

// ProcessorRunner drives the citation pipeline for one patch.
type ProcessorRunner interface {
	Run(ctx context.Context, patch *models.Patch, rm *models.RunMetrics) error
}

// FeedRunner drains the agent-feed queue alongside the processor.
type FeedRunner interface {
	Run(ctx context.Context)
	Drain(ctx context.Context) error
}

// RunStore persists run records.
type RunStore interface {
	CreateWithID(ctx context.Context, id, patchID string) (*models.DiscoveryRun, error)
	Finish(ctx context.Context, id string, status models.RunStatus, snap models.RunMetricsSnapshot, lastError string) error
	Get(ctx context.Context, id string) (*models.DiscoveryRun, error)
}

// Lock is the per-patch single-active-run guard.
type Lock interface {
	Acquire(ctx context.Context, patchID, runID string) (ok bool, holder string, err error)
	Refresh(ctx context.Context, patchID, runID string) error
	Release(ctx context.Context, patchID, runID string) error
}

// Broadcaster receives live metric snapshots for streaming to clients.
// Implementations must not block.
type Broadcaster interface {
	BroadcastRunMetrics(runID string, snap models.RunMetricsSnapshot)
}

// Coordinator starts and tracks discovery runs.
type Coordinator struct {
	cfg       config.Run
	patches   PatchResolver
	pages     PageSource
	citations CitationExtractor
	runs      RunStore
	lock      Lock
	fetch     PageFetcher
	processor ProcessorRunner
	feed      FeedRunner
	broadcast Broadcaster
	logger    zerolog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeRun // run id -> live state
}

type activeRun struct {
	patchID string
	rm      *models.RunMetrics
	cancel  context.CancelFunc
}

// NewCoordinator wires a coordinator. broadcast may be nil.
func NewCoordinator(cfg config.Run, patches PatchResolver, pages PageSource,
	citations CitationExtractor, runs RunStore, lock Lock, fetch PageFetcher,
	processor ProcessorRunner, feed FeedRunner, broadcast Broadcaster,
	logger zerolog.Logger) *Coordinator {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 30 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.MetricsPeriod <= 0 {
		cfg.MetricsPeriod = 5 * time.Second
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		patches:    patches,
		pages:      pages,
		citations:  citations,
		runs:       runs,
		lock:       lock,
		fetch:      fetch,
		processor:  processor,
		feed:       feed,
		broadcast:  broadcast,
		logger:     logger.With().Str("component", "run").Logger(),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		active:     make(map[string]*activeRun),
	}
}

// StartRun begins a discovery run for the patch, or reports the one already
// active. started is false when an existing run's record is returned. The
// run itself executes in the background; ctx only covers the start sequence.
func (c *Coordinator) StartRun(ctx context.Context, patchHandle string) (run *models.DiscoveryRun, started bool, err error) {
	patch, err := c.patches.GetByHandle(ctx, patchHandle)
	if err != nil {
		return nil, false, fmt.Errorf("resolve patch: %w", err)
	}
	if patch == nil {
		return nil, false, ErrPatchNotFound
	}

	runID := uuid.New().String()
	for tries := 0; tries < 3; tries++ {
		ok, holder, err := c.lock.Acquire(ctx, patch.ID, runID)
		if err != nil {
			return nil, false, err
		}
		if ok {
			run, err := c.runs.CreateWithID(ctx, runID, patch.ID)
			if err != nil {
				// The row is the run; without it the lock is released
				// and the start fails.
				if rerr := c.lock.Release(context.WithoutCancel(ctx), patch.ID, runID); rerr != nil {
					c.logger.Error().Err(rerr).Str("patch", patch.Handle).Msg("Failed to release orphaned run lock")
				}
				return nil, false, fmt.Errorf("create run: %w", err)
			}
			c.launch(patch, run)
			return run, true, nil
		}
		if holder == "" {
			// Holder expired between SetNX and Get; try again.
			continue
		}
		existing, err := c.runs.Get(ctx, holder)
		if err != nil {
			return nil, false, fmt.Errorf("load active run: %w", err)
		}
		if existing != nil {
			return c.withLiveMetrics(existing), false, nil
		}
		// Lock holder has no row; treat it as stale and retry.
	}
	return nil, false, fmt.Errorf("could not acquire run lock for patch %s", patchHandle)
}

// GetRun returns a run record, overlaying live counters while it is active.
// Returns nil, nil when the run does not exist.
func (c *Coordinator) GetRun(ctx context.Context, id string) (*models.DiscoveryRun, error) {
	run, err := c.runs.Get(ctx, id)
	if err != nil || run == nil {
		return nil, err
	}
	return c.withLiveMetrics(run), nil
}

// Cancel requests cooperative cancellation of an active run. Reports whether
// the run was active.
func (c *Coordinator) Cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ar, ok := c.active[id]
	if ok {
		ar.cancel()
	}
	return ok
}

// Close cancels every active run and waits for them to finish their current
// citations and persist their final state.
func (c *Coordinator) Close() {
	c.rootCancel()
	c.wg.Wait()
}

func (c *Coordinator) launch(patch *models.Patch, run *models.DiscoveryRun) {
	runCtx, cancel := context.WithTimeout(c.rootCtx, c.cfg.Deadline)

	c.mu.Lock()
	c.active[run.ID] = &activeRun{patchID: patch.ID, rm: models.NewRunMetrics(), cancel: cancel}
	c.mu.Unlock()

	metrics.RunsStartedTotal.WithLabelValues().Inc()
	metrics.ActiveRuns.WithLabelValues().Inc()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.execute(runCtx, patch, run)
	}()
}

// execute owns a run from first page to final row. Every exit path persists
// a terminal status and releases the lock.
func (c *Coordinator) execute(ctx context.Context, patch *models.Patch, run *models.DiscoveryRun) {
	logger := c.logger.With().Str("run", run.ID).Str("patch", patch.Handle).Logger()
	logger.Info().Msg("Discovery run started")

	c.mu.Lock()
	rm := c.active[run.ID].rm
	c.mu.Unlock()

	stopKeepers := c.startKeepers(ctx, patch.ID, run.ID, rm)

	var feedWG sync.WaitGroup
	feedCtx, feedCancel := context.WithCancel(ctx)
	feedWG.Add(1)
	go func() {
		defer feedWG.Done()
		c.feed.Run(feedCtx)
	}()

	runErr := c.extractPages(ctx, patch, logger)
	if runErr == nil {
		runErr = c.processor.Run(ctx, patch, rm)
	}

	// Flush the tail of the feed queue, then stop the pollers. Shutdown
	// gets its own bounded context in case the run deadline already fired.
	drainCtx, drainCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	if err := c.feed.Drain(drainCtx); err != nil && runErr == nil {
		logger.Warn().Err(err).Msg("Feed queue drain incomplete")
	}
	drainCancel()
	feedCancel()
	feedWG.Wait()
	stopKeepers()

	status := models.RunCompleted
	lastError := ""
	if runErr != nil {
		status = models.RunFailed
		lastError = runErr.Error()
	}

	snap := rm.Snapshot()
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finishCancel()
	if err := c.runs.Finish(finishCtx, run.ID, status, snap, lastError); err != nil {
		logger.Error().Err(err).Msg("Failed to persist run result")
	}
	if err := c.lock.Release(finishCtx, patch.ID, run.ID); err != nil {
		logger.Error().Err(err).Msg("Failed to release run lock")
	}

	c.mu.Lock()
	delete(c.active, run.ID)
	c.mu.Unlock()

	metrics.ActiveRuns.WithLabelValues().Dec()
	metrics.RunsCompletedTotal.WithLabelValues(string(status)).Inc()
	if c.broadcast != nil {
		c.broadcast.BroadcastRunMetrics(run.ID, snap)
	}
	logger.Info().Str("status", string(status)).
		Int64("processed", snap.Processed).Int64("saved", snap.Saved).
		Int64("denied", snap.Denied).Int64("failed", snap.Failed).
		Msg("Discovery run finished")
}

// extractPages refreshes the citation set from every pending monitored page.
// Fetch failures skip the page; storage failures abort the run.
func (c *Coordinator) extractPages(ctx context.Context, patch *models.Patch, logger zerolog.Logger) error {
	pages, err := c.pages.Pending(ctx, patch.ID)
	if err != nil {
		return fmt.Errorf("list pending pages: %w", err)
	}
	for _, page := range pages {
		if ctx.Err() != nil {
			return nil
		}
		resp, err := c.fetch.Fetch(ctx, page.WikipediaURL)
		if err != nil {
			logger.Warn().Err(err).Str("page", page.WikipediaTitle).Msg("Failed to fetch monitored page")
			continue
		}
		found, stored, err := c.citations.ExtractAndStore(ctx, page.ID, string(resp.Body), resp.FinalURL)
		if err != nil {
			return fmt.Errorf("extract citations from %s: %w", page.WikipediaTitle, err)
		}
		logger.Info().Str("page", page.WikipediaTitle).
			Int("found", found).Int("stored", stored).Msg("Extracted citations")
	}
	return nil
}

// startKeepers runs the lock heartbeat and the metrics snapshot loop.
// The returned stop function blocks until both exit.
func (c *Coordinator) startKeepers(ctx context.Context, patchID, runID string, rm *models.RunMetrics) func() {
	keeperCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := c.cfg.LockTTL / 3
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-keeperCtx.Done():
				return
			case <-ticker.C:
				if err := c.lock.Refresh(keeperCtx, patchID, runID); err != nil {
					c.logger.Warn().Err(err).Str("run", runID).Msg("Run lock refresh failed")
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.cfg.MetricsPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-keeperCtx.Done():
				return
			case <-ticker.C:
				if c.broadcast != nil {
					c.broadcast.BroadcastRunMetrics(runID, rm.Snapshot())
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

// withLiveMetrics overlays in-flight counters onto an active run's record.
func (c *Coordinator) withLiveMetrics(run *models.DiscoveryRun) *models.DiscoveryRun {
	c.mu.Lock()
	ar, ok := c.active[run.ID]
	c.mu.Unlock()
	if !ok {
		return run
	}
	snap := ar.rm.Snapshot()
	live := *run
	live.Processed = snap.Processed
	live.Saved = snap.Saved
	live.Denied = snap.Denied
	live.Failed = snap.Failed
	return &live
}
