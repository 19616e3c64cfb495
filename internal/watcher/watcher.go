// Package watcher follows the Wikipedia EventStreams recentchange feed and
// flags monitored pages for re-extraction when an edit lands on them. It
// never parses page content itself; the next discovery run does.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	backoff "gopkg.in/cenkalti/backoff.v1"

	"github.com/patchscout/patchscout/internal/config"
	"github.com/patchscout/patchscout/internal/metrics"
)

const (
	userAgent         = "patchscout-watcher/1.0 (+https://github.com/patchscout/patchscout)"
	connectionTimeout = 30 * time.Second
)

// PageRefresher marks monitored copies of an article as needing
// re-extraction.
type PageRefresher interface {
	ClearExtractedByTitle(ctx context.Context, wikipediaTitle string) (int64, error)
}

// recentChange is the slice of the EventStreams payload the watcher reads.
type recentChange struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	Wiki       string `json:"wiki"`
	ServerName string `json:"server_name"`
	Namespace  int    `json:"namespace"`
	Bot        bool   `json:"bot"`
	User       string `json:"user"`
}

// Watcher consumes the recentchange stream for one wiki.
type Watcher struct {
	cfg       config.Watcher
	pages     PageRefresher
	sseClient *sse.Client
	limiter   *rate.Limiter
	reconnect *backoff.ExponentialBackOff
	logger    zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	isRunning bool
}

// New creates a watcher over the configured EventStreams endpoint.
func New(cfg config.Watcher, pages PageRefresher, logger zerolog.Logger) *Watcher {
	client := sse.NewClient(cfg.StreamURL)
	client.Connection.Transport = &http.Transport{
		ResponseHeaderTimeout: connectionTimeout,
	}
	client.Headers = map[string]string{
		"Accept":     "text/event-stream",
		"User-Agent": userAgent,
	}

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = cfg.ReconnectDelay
	reconnect.MaxInterval = cfg.MaxReconnectDelay
	reconnect.MaxElapsedTime = 0 // reconnect forever

	return &Watcher{
		cfg:       cfg,
		pages:     pages,
		sseClient: client,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.BurstLimit),
		reconnect: reconnect,
		logger:    logger.With().Str("component", "watcher").Logger(),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the stream loop.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isRunning {
		return fmt.Errorf("watcher is already running")
	}
	w.isRunning = true

	w.logger.Info().Str("stream", w.cfg.StreamURL).Msg("Starting page watcher")
	w.wg.Add(1)
	go w.eventLoop()
	return nil
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	close(w.stopChan)
	if transport, ok := w.sseClient.Connection.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	w.wg.Wait()
	w.logger.Info().Msg("Page watcher stopped")
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		w.isRunning = false
		w.mu.Unlock()
	}()

	for {
		select {
		case <-w.stopChan:
			return
		default:
			if err := w.processStream(); err != nil {
				metrics.WatcherReconnectsTotal.WithLabelValues().Inc()
				delay := w.reconnect.NextBackOff()
				w.logger.Error().Err(err).Dur("delay", delay).
					Msg("Stream failed, reconnecting")
				select {
				case <-w.stopChan:
					return
				case <-time.After(delay):
				}
			} else {
				w.reconnect.Reset()
			}
		}
	}
}

func (w *Watcher) processStream() error {
	eventChan := make(chan *sse.Event)
	go func() {
		if err := w.sseClient.SubscribeChanWithContext(context.Background(), "message", eventChan); err != nil {
			w.logger.Error().Err(err).Msg("Failed to subscribe to stream")
		}
	}()

	for {
		select {
		case <-w.stopChan:
			return nil
		case event, ok := <-eventChan:
			if !ok {
				return fmt.Errorf("event channel closed")
			}
			if err := w.handleEvent(context.Background(), event.Data); err != nil {
				w.logger.Error().Err(err).Msg("Failed to handle change event")
			}
		}
	}
}

// handleEvent parses one recentchange payload and refreshes any monitored
// pages it touches. Malformed or irrelevant events are skipped quietly; the
// stream carries every wiki's traffic and almost nothing is ours.
func (w *Watcher) handleEvent(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var change recentChange
	if err := json.Unmarshal(data, &change); err != nil {
		w.logger.Debug().Err(err).Msg("Skipping unparseable change event")
		return nil
	}
	if !w.relevant(&change) {
		return nil
	}

	refreshed, err := w.pages.ClearExtractedByTitle(ctx, change.Title)
	if err != nil {
		return fmt.Errorf("refresh pages for %q: %w", change.Title, err)
	}
	if refreshed > 0 {
		metrics.PagesRefreshedTotal.WithLabelValues().Add(float64(refreshed))
		w.logger.Info().Str("title", change.Title).Str("user", change.User).
			Int64("pages", refreshed).Msg("Monitored page edited, flagged for re-extraction")
	}
	return nil
}

// relevant keeps English-Wikipedia article edits. Bot edits count: a bot
// changing references is still a change worth re-extracting.
func (w *Watcher) relevant(change *recentChange) bool {
	if change.Wiki != "enwiki" {
		return false
	}
	if change.Namespace != 0 {
		return false
	}
	return change.Type == "edit" || change.Type == "new"
}
