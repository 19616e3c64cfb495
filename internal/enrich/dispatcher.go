// Package enrich hands saved content off to the downstream hero-enrichment
// pipeline over Kafka. Dispatch never blocks the citation processor: requests
// flow through a bounded buffer and a saturated buffer drops the request.
package enrich

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"github.com/patchscout/patchscout/internal/config"
	"github.com/patchscout/patchscout/internal/metrics"
)

// Request is the message published for each saved content record. The
// enrichment service loads the record itself; the message only carries
// identity and provenance.
type Request struct {
	ContentID    string `json:"contentId"`
	PatchID      string `json:"patchId,omitempty"`
	DispatchedAt string `json:"dispatchedAt"`
}

// messageWriter is the kafka.Writer surface the dispatcher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Dispatcher batches enrichment requests into Kafka. Produce-side losses are
// tolerated: enrichment is best-effort and a dropped request only means the
// content keeps its original summary.
type Dispatcher struct {
	writer       messageWriter
	buffer       chan Request
	stopChan     chan struct{}
	doneChan     chan struct{}
	logger       zerolog.Logger
	batchSize    int
	flushPeriod  time.Duration
	droppedCount int64
	mu           sync.Mutex
	closeOnce    sync.Once
}

// NewDispatcher creates a dispatcher writing to the enrichment topic.
func NewDispatcher(cfg config.Kafka, logger zerolog.Logger) *Dispatcher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.EnrichmentTopic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 100 * time.Millisecond,
		Compression:  compress.Snappy,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return newDispatcher(writer, logger)
}

func newDispatcher(writer messageWriter, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		writer:      writer,
		buffer:      make(chan Request, 1000),
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		logger:      logger.With().Str("component", "enrich").Logger(),
		batchSize:   100,
		flushPeriod: 100 * time.Millisecond,
	}
}

// Start launches the background batching loop.
func (d *Dispatcher) Start() {
	go d.batchingLoop()
	d.logger.Info().Msg("Enrichment dispatcher started")
}

// Dispatch queues one enrichment request. Never blocks; when the buffer is
// full the request is dropped, counted and periodically logged.
func (d *Dispatcher) Dispatch(contentID string) {
	d.DispatchFor(contentID, "")
}

// DispatchFor queues a request carrying the owning patch for partitioning.
func (d *Dispatcher) DispatchFor(contentID, patchID string) {
	req := Request{
		ContentID:    contentID,
		PatchID:      patchID,
		DispatchedAt: time.Now().UTC().Format(time.RFC3339),
	}
	select {
	case d.buffer <- req:
		metrics.EnrichmentDispatchesTotal.WithLabelValues().Inc()
	default:
		metrics.EnrichmentDroppedTotal.WithLabelValues("buffer_full").Inc()
		d.mu.Lock()
		d.droppedCount++
		dropped := d.droppedCount
		d.mu.Unlock()
		if dropped%100 == 1 {
			d.logger.Warn().
				Int64("total_dropped", dropped).
				Msg("Enrichment buffer full, dropping requests")
		}
	}
}

func (d *Dispatcher) batchingLoop() {
	defer close(d.doneChan)

	ticker := time.NewTicker(d.flushPeriod)
	defer ticker.Stop()

	batch := make([]Request, 0, d.batchSize)
	for {
		select {
		case req := <-d.buffer:
			batch = append(batch, req)
			if len(batch) >= d.batchSize {
				d.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				d.flush(batch)
				batch = batch[:0]
			}
		case <-d.stopChan:
			// Drain what is already buffered before shutting down.
			for {
				select {
				case req := <-d.buffer:
					batch = append(batch, req)
				default:
					if len(batch) > 0 {
						d.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (d *Dispatcher) flush(batch []Request) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, req := range batch {
		value, err := json.Marshal(req)
		if err != nil {
			d.logger.Error().Err(err).Str("content", req.ContentID).Msg("Failed to marshal enrichment request")
			continue
		}
		key := req.PatchID
		if key == "" {
			key = req.ContentID
		}
		msgs = append(msgs, kafka.Message{Key: []byte(key), Value: value})
	}
	if len(msgs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.writer.WriteMessages(ctx, msgs...); err != nil {
		metrics.EnrichmentDroppedTotal.WithLabelValues("write_failed").Inc()
		d.logger.Error().Err(err).Int("batch_size", len(msgs)).Msg("Failed to write enrichment batch")
		return
	}
	d.logger.Debug().Int("batch_size", len(msgs)).Msg("Flushed enrichment batch")
}

// Close stops the batching loop, flushes the buffer and closes the writer.
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.stopChan)
		select {
		case <-d.doneChan:
		case <-time.After(5 * time.Second):
			d.logger.Warn().Msg("Timed out waiting for enrichment flush")
		}
		err = d.writer.Close()

		d.mu.Lock()
		dropped := d.droppedCount
		d.mu.Unlock()
		if dropped > 0 {
			d.logger.Warn().Int64("total_dropped", dropped).Msg("Enrichment dispatcher closed with drops")
		}
	})
	return err
}
