package models

import "time"

// FeedStatus is the lifecycle state of a feed-queue item.
type FeedStatus string

const (
	FeedPending    FeedStatus = "PENDING"
	FeedProcessing FeedStatus = "PROCESSING"
	FeedDone       FeedStatus = "DONE"
	FeedFailed     FeedStatus = "FAILED"
)

// FeedQueueItem is a unit of work for agent ingestion.
// (patch_id, discovered_content_id, content_hash) is unique. Rows are kept
// after completion as provenance.
type FeedQueueItem struct {
	ID                  string     `json:"id"`
	PatchID             string     `json:"patch_id"`
	DiscoveredContentID string     `json:"discovered_content_id"`
	ContentHash         string     `json:"content_hash"`
	Status              FeedStatus `json:"status"`
	Priority            int        `json:"priority"`
	EnqueuedAt          time.Time  `json:"enqueued_at"`
	PickedAt            *time.Time `json:"picked_at,omitempty"`
	Attempts            int        `json:"attempts"`
	LastError           string     `json:"last_error,omitempty"`
}

// MemorySourceType tags where an agent memory originated.
type MemorySourceType string

const (
	SourceDiscovery MemorySourceType = "discovery"
	SourceManual    MemorySourceType = "manual"
	SourceCitation  MemorySourceType = "citation"
)

// AgentMemory is the durable record ingested by a per-patch agent.
// (patch_id, discovered_content_id, content_hash) is unique; the
// constraint is what guarantees at-most-once creation under queue retries.
type AgentMemory struct {
	ID                  string           `json:"id"`
	AgentID             string           `json:"agent_id"`
	PatchID             string           `json:"patch_id"`
	DiscoveredContentID string           `json:"discovered_content_id,omitempty"`
	ContentHash         string           `json:"content_hash"`
	SourceType          MemorySourceType `json:"source_type"`
	SourceURL           string           `json:"source_url,omitempty"`
	SourceTitle         string           `json:"source_title,omitempty"`
	Content             string           `json:"content"`
	Tags                []string         `json:"tags,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
}
