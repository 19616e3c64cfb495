package processor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchscout/patchscout/internal/config"
	"github.com/patchscout/patchscout/internal/fetcher"
	"github.com/patchscout/patchscout/internal/models"
	"github.com/patchscout/patchscout/internal/scorer"
	"github.com/patchscout/patchscout/internal/storage"
)

// fakeFetcher serves canned documents keyed by URL.
type fakeFetcher struct {
	verifyErr error
	fetchErr  error
	body      string
	fetches   atomic.Int32
}

func (f *fakeFetcher) Verify(ctx context.Context, url string) error {
	return f.verifyErr
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*fetcher.Response, error) {
	f.fetches.Add(1)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &fetcher.Response{
		Status:      200,
		FinalURL:    url,
		ContentType: "text/html",
		Body:        []byte(f.body),
	}, nil
}

// fakeScorer returns a fixed verdict, optionally failing the first N calls.
type fakeScorer struct {
	result       scorer.Result
	errs         []error
	calls        atomic.Int32
	panicOnScore bool
	threshold    int
}

func (s *fakeScorer) Score(ctx context.Context, patch *models.Patch, title, url, text string) (scorer.Result, error) {
	if s.panicOnScore {
		panic("scorer exploded")
	}
	n := int(s.calls.Add(1))
	if n <= len(s.errs) && s.errs[n-1] != nil {
		return scorer.Result{}, s.errs[n-1]
	}
	return s.result, nil
}

func (s *fakeScorer) ShouldSave(r scorer.Result) bool {
	threshold := s.threshold
	if threshold == 0 {
		threshold = 60
	}
	return r.Score >= threshold && r.IsRelevant
}

// flakyFeed fails the first N enqueues, then delegates to the real queue.
type flakyFeed struct {
	inner    FeedEnqueuer
	failures int32
	calls    atomic.Int32
}

func (f *flakyFeed) Enqueue(ctx context.Context, patchID, contentID, contentHash string, priority int) error {
	if f.calls.Add(1) <= f.failures {
		return fmt.Errorf("database is locked")
	}
	return f.inner.Enqueue(ctx, patchID, contentID, contentHash, priority)
}

type fakeDispatcher struct {
	dispatched atomic.Int32
}

func (d *fakeDispatcher) Dispatch(contentID string) { d.dispatched.Add(1) }

// fixedExtractor bypasses HTML parsing so tests control the text exactly.
func fixedExtractor(title, text string, method models.ExtractionMethod) Extractor {
	return func(body []byte, contentType, url string, minBytes int) ExtractResult {
		return ExtractResult{Title: title, Text: text, Method: method}
	}
}

type testEnv struct {
	store  *storage.Store
	patch  *models.Patch
	pageID string
}

func setup(t *testing.T, nCitations int) *testEnv {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), 10*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	patch := &models.Patch{Handle: "quantum-computing", Title: "Quantum Computing"}
	require.NoError(t, s.Patches.Create(ctx, patch))
	page := &models.MonitoredWikipediaPage{
		PatchID:        patch.ID,
		WikipediaTitle: "Quantum computing",
		WikipediaURL:   "https://en.wikipedia.org/wiki/Quantum_computing",
	}
	require.NoError(t, s.Pages.Create(ctx, page))

	html := `<html><body><h2 id="References">References</h2><ol class="references">`
	for i := 1; i <= nCitations; i++ {
		html += fmt.Sprintf(`<li><a href="https://ref%d.example.com/paper">Ref %d</a></li>`, i, i)
	}
	html += `</ol></body></html>`
	_, stored, err := s.Citations.ExtractAndStore(ctx, page.ID, html, page.WikipediaURL)
	require.NoError(t, err)
	require.Equal(t, nCitations, stored)

	return &testEnv{store: s, patch: patch, pageID: page.ID}
}

func newProcessor(env *testEnv, f Fetcher, ex Extractor, sc RelevanceScorer, d Dispatcher) *Processor {
	cfg := config.Processor{Parallelism: 2, MaxAttempts: 3, EmptyRetries: 1}
	return New(cfg, 100, env.store.Citations, env.store.Content, env.store.Feed,
		f, ex, sc, d, zerolog.Nop())
}

func TestRun_SavesRelevantCitation(t *testing.T) {
	env := setup(t, 1)
	ctx := context.Background()

	f := &fakeFetcher{body: "unused"}
	sc := &fakeScorer{result: scorer.Result{Score: 72, IsRelevant: true, Reason: "on topic"}}
	d := &fakeDispatcher{}
	p := newProcessor(env, f, fixedExtractor("Qubit Basics", "A long explanation of qubits.", models.MethodReadability), sc, d)

	rm := models.NewRunMetrics()
	require.NoError(t, p.Run(ctx, env.patch, rm))

	cits, err := env.store.Citations.ListByPatch(ctx, env.patch.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, cits, 1)
	c := cits[0]
	assert.Equal(t, models.DecisionSaved, c.RelevanceDecision)
	assert.NotEmpty(t, c.SavedContentID)
	require.NotNil(t, c.AIPriorityScore)
	assert.Equal(t, 72, *c.AIPriorityScore)
	assert.NoError(t, c.Validate())

	content, err := env.store.Content.Get(ctx, c.SavedContentID)
	require.NoError(t, err)
	require.NotNil(t, content)
	assert.Equal(t, "Qubit Basics", content.Title)
	assert.Equal(t, models.CategoryWikipediaCitation, content.Category)
	assert.InDelta(t, 0.72, content.RelevanceScore, 1e-9)
	assert.Equal(t, "wikipedia-citation", content.Metadata["source"])

	item, err := env.store.Feed.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, item, "one feed item enqueued")
	assert.Equal(t, content.ID, item.DiscoveredContentID)

	assert.Equal(t, int32(1), d.dispatched.Load())
	snap := rm.Snapshot()
	assert.EqualValues(t, 1, snap.Processed)
	assert.EqualValues(t, 1, snap.Saved)
}

func TestRun_DeniesLowScore(t *testing.T) {
	env := setup(t, 1)
	ctx := context.Background()

	f := &fakeFetcher{}
	sc := &fakeScorer{result: scorer.Result{Score: 41, IsRelevant: false, Reason: "off topic"}}
	d := &fakeDispatcher{}
	p := newProcessor(env, f, fixedExtractor("t", "text", models.MethodFallback), sc, d)

	rm := models.NewRunMetrics()
	require.NoError(t, p.Run(ctx, env.patch, rm))

	cits, err := env.store.Citations.ListByPatch(ctx, env.patch.ID, "", 0)
	require.NoError(t, err)
	c := cits[0]
	assert.Equal(t, models.DecisionDenied, c.RelevanceDecision)
	assert.Equal(t, "low_score", c.ErrorCode)
	assert.Empty(t, c.SavedContentID)

	content, err := env.store.Content.ListByPatch(ctx, env.patch.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, content, "no content row for a denied citation")

	item, err := env.store.Feed.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, item, "no feed item for a denied citation")
	assert.Equal(t, int32(0), d.dispatched.Load())
}

func TestRun_VerificationFailureDenies(t *testing.T) {
	env := setup(t, 1)
	ctx := context.Background()

	f := &fakeFetcher{verifyErr: &fetcher.Error{Kind: fetcher.KindDNS, URL: "https://ref1.example.com/paper"}}
	p := newProcessor(env, f, fixedExtractor("t", "text", models.MethodFallback),
		&fakeScorer{}, nil)

	require.NoError(t, p.Run(ctx, env.patch, models.NewRunMetrics()))

	cits, err := env.store.Citations.ListByPatch(ctx, env.patch.ID, "", 0)
	require.NoError(t, err)
	c := cits[0]
	assert.Equal(t, models.VerificationFailed, c.VerificationStatus)
	assert.Equal(t, models.DecisionDenied, c.RelevanceDecision)
	assert.Equal(t, string(fetcher.KindDNS), c.ErrorCode)
	assert.Equal(t, int32(0), f.fetches.Load(), "no full fetch after failed verification")
}

func TestRun_FetchClientErrorDenies(t *testing.T) {
	env := setup(t, 1)
	ctx := context.Background()

	f := &fakeFetcher{fetchErr: &fetcher.Error{Kind: fetcher.KindHTTPClient, Status: 404}}
	p := newProcessor(env, f, fixedExtractor("t", "text", models.MethodFallback),
		&fakeScorer{}, nil)

	require.NoError(t, p.Run(ctx, env.patch, models.NewRunMetrics()))

	cits, err := env.store.Citations.ListByPatch(ctx, env.patch.ID, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "http_4xx", cits[0].ErrorCode)
	assert.Equal(t, models.DecisionDenied, cits[0].RelevanceDecision)
}

func TestRun_InsufficientContentDenies(t *testing.T) {
	env := setup(t, 1)
	ctx := context.Background()

	p := newProcessor(env, &fakeFetcher{}, fixedExtractor("", "", models.MethodInsufficient),
		&fakeScorer{}, nil)

	require.NoError(t, p.Run(ctx, env.patch, models.NewRunMetrics()))

	cits, err := env.store.Citations.ListByPatch(ctx, env.patch.ID, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "insufficient_content", cits[0].ErrorCode)
}

func TestRun_MalformedScorerRetriedOnce(t *testing.T) {
	env := setup(t, 1)
	ctx := context.Background()

	sc := &fakeScorer{
		errs:   []error{scorer.ErrMalformed},
		result: scorer.Result{Score: 90, IsRelevant: true},
	}
	p := newProcessor(env, &fakeFetcher{}, fixedExtractor("t", "text", models.MethodFallback), sc, nil)

	require.NoError(t, p.Run(ctx, env.patch, models.NewRunMetrics()))

	cits, err := env.store.Citations.ListByPatch(ctx, env.patch.ID, "", 0)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionSaved, cits[0].RelevanceDecision)
	assert.Equal(t, int32(2), sc.calls.Load(), "malformed answer triggers one re-ask")
}

func TestRun_PersistentlyMalformedScorerDenies(t *testing.T) {
	env := setup(t, 1)
	ctx := context.Background()

	sc := &fakeScorer{errs: []error{scorer.ErrMalformed, scorer.ErrMalformed}}
	p := newProcessor(env, &fakeFetcher{}, fixedExtractor("t", "text", models.MethodFallback), sc, nil)

	require.NoError(t, p.Run(ctx, env.patch, models.NewRunMetrics()))

	cits, err := env.store.Citations.ListByPatch(ctx, env.patch.ID, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "scorer_failed", cits[0].ErrorCode)
	assert.Equal(t, models.DecisionDenied, cits[0].RelevanceDecision)
}

func TestRun_EnqueueFailureRequeuesThenConverges(t *testing.T) {
	env := setup(t, 1)
	ctx := context.Background()

	feed := &flakyFeed{inner: env.store.Feed, failures: 1}
	sc := &fakeScorer{result: scorer.Result{Score: 80, IsRelevant: true}}
	cfg := config.Processor{Parallelism: 1, MaxAttempts: 3, EmptyRetries: 1}
	p := New(cfg, 100, env.store.Citations, env.store.Content, feed,
		&fakeFetcher{}, fixedExtractor("t", "text", models.MethodFallback), sc, nil, zerolog.Nop())

	require.NoError(t, p.Run(ctx, env.patch, models.NewRunMetrics()))

	cits, err := env.store.Citations.ListByPatch(ctx, env.patch.ID, "", 0)
	require.NoError(t, err)
	c := cits[0]
	assert.Equal(t, models.DecisionSaved, c.RelevanceDecision, "second pass lands the save")
	assert.Equal(t, 2, c.Attempts, "failed enqueue requeues the citation")
	assert.NotEmpty(t, c.SavedContentID)

	item, err := env.store.Feed.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, item, "the retried enqueue reaches the queue")
	assert.Equal(t, c.SavedContentID, item.DiscoveredContentID)
	assert.Equal(t, int32(2), feed.calls.Load())
}

func TestRun_PanicRequeuesUntilAttemptsExhausted(t *testing.T) {
	env := setup(t, 1)
	ctx := context.Background()

	sc := &fakeScorer{panicOnScore: true}
	p := newProcessor(env, &fakeFetcher{}, fixedExtractor("t", "text", models.MethodFallback), sc, nil)

	// Each pass claims the citation (attempts+1), panics and requeues it,
	// until MaxAttempts is reached and the citation is denied.
	require.NoError(t, p.Run(ctx, env.patch, models.NewRunMetrics()))

	cits, err := env.store.Citations.ListByPatch(ctx, env.patch.ID, "", 0)
	require.NoError(t, err)
	c := cits[0]
	assert.Equal(t, models.DecisionDenied, c.RelevanceDecision)
	assert.Equal(t, "PROCESSING_EXCEPTION", c.ErrorCode)
	assert.Equal(t, 3, c.Attempts)
}
