// Package feed converts approved content into agent memories. The worker
// pool drains the durable queue; the agent service is an external HTTP
// collaborator whose idempotency matches the local memory constraint.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchscout/patchscout/internal/config"
)

// MemoryRequest is the payload sent to the agent service.
type MemoryRequest struct {
	AgentID   string   `json:"agentId"`
	PatchID   string   `json:"patchId"`
	SourceURL string   `json:"sourceUrl,omitempty"`
	Title     string   `json:"title,omitempty"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags,omitempty"`
}

// AgentError classifies an agent service failure; 5xx, 429 and transport
// errors are worth another delivery attempt.
type AgentError struct {
	Status int
	Err    error
}

func (e *AgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent service: %v", e.Err)
	}
	return fmt.Sprintf("agent service returned %d", e.Status)
}

func (e *AgentError) Unwrap() error { return e.Err }

// Transient reports whether the delivery should be retried.
func (e *AgentError) Transient() bool {
	if e.Err != nil {
		return true
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// AgentClient calls the external agent service. Implementations must be
// idempotent per (patchId, content identity); the HTTP client relies on the
// service honoring that.
type AgentClient interface {
	CreateMemory(ctx context.Context, req MemoryRequest) error
}

// HTTPAgentClient is the production AgentClient.
type HTTPAgentClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

// NewHTTPAgentClient builds a client from feed config. Returns nil when no
// agent endpoint is configured; the worker then only persists memories
// locally.
func NewHTTPAgentClient(cfg config.Feed, logger zerolog.Logger) *HTTPAgentClient {
	if cfg.AgentBaseURL == "" {
		return nil
	}
	return &HTTPAgentClient{
		baseURL: cfg.AgentBaseURL,
		apiKey:  cfg.AgentAPIKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With().Str("component", "agent_client").Logger(),
	}
}

// CreateMemory posts one memory to the agent service.
func (c *HTTPAgentClient) CreateMemory(ctx context.Context, reqBody MemoryRequest) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal memory request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/memories", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &AgentError{Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return &AgentError{Status: resp.StatusCode}
	}
	return nil
}
