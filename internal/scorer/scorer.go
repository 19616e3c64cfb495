// Package scorer wraps the external LLM relevance service. The service is an
// OpenAI-compatible chat endpoint; the adapter owns prompt construction,
// input truncation, response validation and the 429 retry policy, so the
// processor only sees a score or a typed error.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/patchscout/patchscout/internal/config"
	"github.com/patchscout/patchscout/internal/metrics"
	"github.com/patchscout/patchscout/internal/models"
	"github.com/patchscout/patchscout/internal/resilience"
)

// ErrMalformed means the service answered but not with the required JSON
// shape. The processor retries the call once before denying the citation.
var ErrMalformed = errors.New("scorer returned malformed response")

// Result is the validated verdict of the relevance service.
type Result struct {
	Score      int    `json:"score"`
	IsRelevant bool   `json:"isRelevant"`
	Reason     string `json:"reason"`
}

// Scorer calls the relevance service for one patch topic at a time.
type Scorer struct {
	cfg    config.Scorer
	http   *http.Client
	logger zerolog.Logger
}

// New builds a scorer from config. The endpoint must speak the OpenAI chat
// completions protocol; SCORER_ENDPOINT and SCORER_KEY override the file
// values.
func New(cfg config.Scorer, logger zerolog.Logger) *Scorer {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxInput == 0 {
		cfg.MaxInput = 12 * 1024
	}
	return &Scorer{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "scorer").Logger(),
	}
}

// Threshold returns the configured save cutoff.
func (s *Scorer) Threshold() int {
	return s.cfg.Threshold
}

// ShouldSave applies the decision rule to a result.
func (s *Scorer) ShouldSave(r Result) bool {
	return r.Score >= s.cfg.Threshold && r.IsRelevant
}

const systemPrompt = `You score whether a web page is relevant to a topic.
Respond with strict JSON only, no prose:
{"score": <0-100>, "isRelevant": <true|false>, "reason": "<one sentence>"}`

// Score asks the service to rate text against the patch topic. The text is
// truncated before the call; 429 responses are retried with backoff, any
// schema violation surfaces as ErrMalformed.
func (s *Scorer) Score(ctx context.Context, patch *models.Patch, title, url, text string) (Result, error) {
	if len(text) > s.cfg.MaxInput {
		// Back the cut up to a rune boundary so the last character is
		// never mangled.
		cut := s.cfg.MaxInput
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}

	prompt := fmt.Sprintf("Topic: %s\n\nPage title: %s\nURL: %s\n\nPage text:\n%s",
		patch.TopicLine(), title, url, text)

	var result Result
	start := time.Now()
	err := resilience.RetryWithBackoff(ctx, resilience.TransientSchedule("scorer", &s.logger),
		func(ctx context.Context) error {
			raw, err := s.complete(ctx, prompt)
			if err != nil {
				return err
			}
			parsed, err := parseResult(raw)
			if err != nil {
				// Malformed output is not a transport failure; the
				// processor owns the single re-ask.
				return resilience.NewNonRetryableError(err)
			}
			result = parsed
			return nil
		})
	metrics.ScorerDuration.WithLabelValues().Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			metrics.ScorerCallsTotal.WithLabelValues("malformed").Inc()
			return Result{}, ErrMalformed
		}
		metrics.ScorerCallsTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}
	metrics.ScorerCallsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// complete performs one chat completion round trip.
func (s *Scorer) complete(ctx context.Context, userPrompt string) (string, error) {
	url := strings.TrimRight(s.cfg.Endpoint, "/") + "/v1/chat/completions"

	body := map[string]interface{}{
		"model": s.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature": 0.0,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", resilience.NewNonRetryableError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("scorer request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", resilience.NewRetryableError(
			fmt.Errorf("scorer returned %d: %s", resp.StatusCode, truncateBody(respBody)))
	default:
		return "", resilience.NewNonRetryableError(
			fmt.Errorf("scorer returned %d: %s", resp.StatusCode, truncateBody(respBody)))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return "", fmt.Errorf("%w: unmarshal completion: %v", ErrMalformed, err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformed)
	}
	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}

// parseResult validates the model's JSON verdict. The legacy field name
// aiPriorityScore is accepted as an alias for score.
func parseResult(raw string) (Result, error) {
	raw = stripCodeFence(raw)

	var wire struct {
		Score           *int   `json:"score"`
		AIPriorityScore *int   `json:"aiPriorityScore"`
		IsRelevant      *bool  `json:"isRelevant"`
		Reason          string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	score := wire.Score
	if score == nil {
		score = wire.AIPriorityScore
	}
	if score == nil || wire.IsRelevant == nil {
		return Result{}, fmt.Errorf("%w: missing score or isRelevant", ErrMalformed)
	}
	if *score < 0 || *score > 100 {
		return Result{}, fmt.Errorf("%w: score %d out of range", ErrMalformed, *score)
	}
	return Result{Score: *score, IsRelevant: *wire.IsRelevant, Reason: wire.Reason}, nil
}

// stripCodeFence unwraps ```json fences some models insist on.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
