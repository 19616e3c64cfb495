package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchscout/patchscout/internal/config"
	"github.com/patchscout/patchscout/internal/metrics"
	"github.com/patchscout/patchscout/internal/models"
)

// Queue is the durable work queue surface the worker drains.
type Queue interface {
	ClaimNext(ctx context.Context) (*models.FeedQueueItem, error)
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	Requeue(ctx context.Context, id, reason string) error
	UpdateDepthGauges(ctx context.Context) error
}

// ContentGetter loads the content a queue item points at.
type ContentGetter interface {
	Get(ctx context.Context, id string) (*models.DiscoveredContent, error)
}

// MemoryStore persists the memory rows; its unique constraint carries the
// at-most-once guarantee.
type MemoryStore interface {
	Create(ctx context.Context, m *models.AgentMemory) (bool, error)
	Exists(ctx context.Context, patchID, contentID, contentHash string) (bool, error)
}

// PatchGetter resolves patch tags and the agent identity.
type PatchGetter interface {
	Get(ctx context.Context, id string) (*models.Patch, error)
}

// Worker drains the agent-feed queue with bounded parallelism.
type Worker struct {
	cfg      config.Feed
	queue    Queue
	content  ContentGetter
	memories MemoryStore
	patches  PatchGetter
	agent    AgentClient
	logger   zerolog.Logger
}

// NewWorker wires a feed worker pool. agent may be nil; memories are then
// only persisted locally.
func NewWorker(cfg config.Feed, queue Queue, content ContentGetter, memories MemoryStore,
	patches PatchGetter, agent AgentClient, logger zerolog.Logger) *Worker {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		cfg:      cfg,
		queue:    queue,
		content:  content,
		memories: memories,
		patches:  patches,
		agent:    agent,
		logger:   logger.With().Str("component", "feed").Logger(),
	}
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Parallelism; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			w.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

// Drain processes items until the queue is empty or ctx is cancelled. Used
// by tests and by run teardown to flush the tail of a run.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item, err := w.queue.ClaimNext(ctx)
		if err != nil {
			return err
		}
		if item == nil {
			return nil
		}
		w.processItem(ctx, item)
	}
}

func (w *Worker) loop(ctx context.Context, worker int) {
	logger := w.logger.With().Int("worker", worker).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := w.queue.ClaimNext(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to claim feed item")
		}
		if item == nil || err != nil {
			if err := w.queue.UpdateDepthGauges(ctx); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("Failed to refresh queue gauges")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		w.processItem(ctx, item)
	}
}

// processItem delivers one claimed queue item. Every path ends in a queue
// state transition; errors never escape the worker.
func (w *Worker) processItem(ctx context.Context, item *models.FeedQueueItem) {
	logger := w.logger.With().Str("item", item.ID).Str("content", item.DiscoveredContentID).Logger()

	content, err := w.content.Get(ctx, item.DiscoveredContentID)
	if err != nil {
		w.retryOrFail(ctx, item, fmt.Sprintf("load content: %v", err))
		return
	}
	if content == nil {
		logger.Warn().Msg("Queue item points at missing content")
		w.finish(ctx, item, "failed", func() error {
			return w.queue.MarkFailed(ctx, item.ID, "CONTENT_MISSING")
		})
		return
	}

	// Idempotency check; the unique constraint below is what actually
	// guarantees at-most-once.
	exists, err := w.memories.Exists(ctx, item.PatchID, item.DiscoveredContentID, item.ContentHash)
	if err != nil {
		w.retryOrFail(ctx, item, fmt.Sprintf("memory lookup: %v", err))
		return
	}
	if exists {
		w.finish(ctx, item, "duplicate", func() error { return w.queue.MarkDone(ctx, item.ID) })
		return
	}

	patch, err := w.patches.Get(ctx, item.PatchID)
	if err != nil || patch == nil {
		w.retryOrFail(ctx, item, "patch not found")
		return
	}

	payload := PackPayload(content)
	tags := append([]string{string(content.Category)}, patch.Tags...)

	if w.agent != nil {
		req := MemoryRequest{
			AgentID:   patch.Handle,
			PatchID:   patch.ID,
			SourceURL: content.SourceURL,
			Title:     content.Title,
			Content:   payload,
			Tags:      tags,
		}
		if err := w.agent.CreateMemory(ctx, req); err != nil {
			var ae *AgentError
			if errors.As(err, &ae) && ae.Transient() {
				w.retryOrFail(ctx, item, err.Error())
			} else {
				logger.Error().Err(err).Msg("Agent rejected memory")
				w.finish(ctx, item, "failed", func() error {
					return w.queue.MarkFailed(ctx, item.ID, err.Error())
				})
			}
			return
		}
	}

	created, err := w.memories.Create(ctx, &models.AgentMemory{
		AgentID:             patch.Handle,
		PatchID:             patch.ID,
		DiscoveredContentID: item.DiscoveredContentID,
		ContentHash:         item.ContentHash,
		SourceType:          models.SourceDiscovery,
		SourceURL:           content.SourceURL,
		SourceTitle:         content.Title,
		Content:             payload,
		Tags:                tags,
	})
	if err != nil {
		w.retryOrFail(ctx, item, fmt.Sprintf("create memory: %v", err))
		return
	}
	if !created {
		logger.Debug().Msg("Memory already existed, constraint absorbed the race")
	}
	w.finish(ctx, item, "done", func() error { return w.queue.MarkDone(ctx, item.ID) })
}

// retryOrFail requeues a transiently-failed item while attempts remain.
func (w *Worker) retryOrFail(ctx context.Context, item *models.FeedQueueItem, reason string) {
	if item.Attempts < w.cfg.MaxAttempts {
		w.finish(ctx, item, "requeued", func() error {
			return w.queue.Requeue(ctx, item.ID, reason)
		})
		return
	}
	w.finish(ctx, item, "failed", func() error {
		return w.queue.MarkFailed(ctx, item.ID, reason)
	})
}

func (w *Worker) finish(ctx context.Context, item *models.FeedQueueItem, outcome string, fn func() error) {
	if err := fn(); err != nil {
		w.logger.Error().Err(err).Str("item", item.ID).Msg("Queue transition failed")
		return
	}
	metrics.FeedItemsProcessedTotal.WithLabelValues(outcome).Inc()
}

// PackPayload renders a content record as the memory text: title, summary,
// the leading facts of the body, and provenance.
func PackPayload(c *models.DiscoveredContent) string {
	var b strings.Builder
	if c.Title != "" {
		b.WriteString(c.Title)
		b.WriteString("\n\n")
	}
	if c.Summary != "" {
		b.WriteString(c.Summary)
		b.WriteString("\n\n")
	}
	if facts := leadingFacts(c.TextContent, c.Summary, 3); facts != "" {
		b.WriteString(facts)
		b.WriteString("\n\n")
	}
	b.WriteString("Source: ")
	b.WriteString(c.SourceURL)
	if c.Domain != "" {
		b.WriteString(" (")
		b.WriteString(c.Domain)
		b.WriteString(")")
	}
	return b.String()
}

// leadingFacts pulls up to n sentences that follow the summary prefix, so
// the payload adds information instead of repeating it.
func leadingFacts(text, summary string, n int) string {
	rest := strings.TrimPrefix(text, strings.TrimSuffix(summary, "."))
	rest = strings.TrimSpace(strings.TrimLeft(rest, ". "))
	if rest == "" {
		return ""
	}
	var facts []string
	for _, sentence := range strings.SplitAfter(rest, ". ") {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		facts = append(facts, sentence)
		if len(facts) == n {
			break
		}
	}
	return strings.Join(facts, " ")
}
