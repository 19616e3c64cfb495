package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Counters
	CitationsExtractedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citations_extracted_total",
			Help: "Citations parsed out of monitored Wikipedia pages",
		},
		[]string{"section"},
	)

	CitationsStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citations_stored_total",
			Help: "New citation rows stored (post-dedup)",
		},
		[]string{},
	)

	CitationsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citations_processed_total",
			Help: "Citations driven through the processor",
		},
		[]string{"outcome"}, // saved | denied | failed | requeued
	)

	FetchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_attempts_total",
			Help: "Outbound HTTP fetch attempts",
		},
		[]string{},
	)

	FetchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_errors_total",
			Help: "Fetch failures by error kind",
		},
		[]string{"kind"},
	)

	ExtractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extractions_total",
			Help: "Content extractions by method",
		},
		[]string{"method"},
	)

	ScorerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scorer_calls_total",
			Help: "LLM scorer calls by result",
		},
		[]string{"result"}, // ok | malformed | error
	)

	ContentUpsertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "content_upserts_total",
			Help: "DiscoveredContent upserts",
		},
		[]string{"op"}, // insert | update
	)

	FeedItemsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_items_processed_total",
			Help: "Feed queue items processed by outcome",
		},
		[]string{"outcome"}, // done | retried | failed | skipped
	)

	MemoriesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memories_created_total",
			Help: "Agent memories created",
		},
		[]string{},
	)

	EnrichmentDispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_dispatches_total",
			Help: "Hero-enrichment requests handed to Kafka",
		},
		[]string{},
	)

	EnrichmentDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_dropped_total",
			Help: "Enrichment requests dropped due to full buffer",
		},
		[]string{"reason"},
	)

	RunsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runs_started_total",
			Help: "Discovery runs started",
		},
		[]string{},
	)

	RunsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runs_completed_total",
			Help: "Discovery runs finished by status",
		},
		[]string{"status"},
	)

	PagesRefreshedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pages_refreshed_total",
			Help: "Monitored pages marked dirty by the watcher",
		},
		[]string{},
	)

	WatcherReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watcher_reconnects_total",
			Help: "EventStreams reconnection attempts",
		},
		[]string{},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "API requests",
		},
		[]string{"endpoint", "method"},
	)

	WebSocketMessagesBroadcast = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_messages_broadcast_total",
			Help: "Total messages broadcast to WebSocket clients",
		},
		[]string{"type"},
	)

	WebSocketMessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_messages_dropped_total",
			Help: "Messages dropped due to full buffers",
		},
		[]string{},
	)

	// Gauges
	ActiveRuns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "active_runs",
			Help: "Discovery runs currently executing",
		},
		[]string{},
	)

	FeedQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_queue_depth",
			Help: "Feed queue items by status",
		},
		[]string{"status"},
	)

	WebSocketConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Currently active WebSocket connections",
		},
		[]string{},
	)

	// Histograms
	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fetch_duration_seconds",
			Help:    "Outbound fetch duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{},
	)

	ScorerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scorer_duration_seconds",
			Help:    "LLM scorer call duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{},
	)

	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "processing_duration_seconds",
			Help:    "End-to-end time per citation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
)

// InitMetrics registers all metrics with Prometheus. Call once at startup.
func InitMetrics() {
	prometheus.MustRegister(
		CitationsExtractedTotal,
		CitationsStoredTotal,
		CitationsProcessedTotal,
		FetchAttemptsTotal,
		FetchErrorsTotal,
		ExtractionsTotal,
		ScorerCallsTotal,
		ContentUpsertsTotal,
		FeedItemsProcessedTotal,
		MemoriesCreatedTotal,
		EnrichmentDispatchesTotal,
		EnrichmentDroppedTotal,
		RunsStartedTotal,
		RunsCompletedTotal,
		PagesRefreshedTotal,
		WatcherReconnectsTotal,
		APIRequestsTotal,
		WebSocketMessagesBroadcast,
		WebSocketMessagesDropped,
		ActiveRuns,
		FeedQueueDepth,
		WebSocketConnectionsActive,
		FetchDuration,
		ScorerDuration,
		ProcessingDuration,
		APIRequestDuration,
	)
}
