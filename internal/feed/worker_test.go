package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchscout/patchscout/internal/config"
	"github.com/patchscout/patchscout/internal/models"
	"github.com/patchscout/patchscout/internal/storage"
)

type feedEnv struct {
	store     *storage.Store
	patch     *models.Patch
	contentID string
	hash      string
}

func setup(t *testing.T) *feedEnv {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), 10*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	patch := &models.Patch{
		Handle: "quantum-computing",
		Title:  "Quantum Computing",
		Tags:   []string{"physics"},
	}
	require.NoError(t, s.Patches.Create(ctx, patch))

	rec := &models.DiscoveredContent{
		PatchID:     patch.ID,
		SourceURL:   "https://example.com/qubits",
		Title:       "Qubit Basics",
		TextContent: "Qubits are two-level systems. They superpose. They entangle. They decohere.",
		Category:    models.CategoryWikipediaCitation,
	}
	contentID, err := s.Content.Upsert(ctx, rec)
	require.NoError(t, err)

	return &feedEnv{store: s, patch: patch, contentID: contentID, hash: rec.ContentHash}
}

func (e *feedEnv) enqueue(t *testing.T) {
	t.Helper()
	require.NoError(t, e.store.Feed.Enqueue(context.Background(),
		e.patch.ID, e.contentID, e.hash, 0))
}

func newWorker(e *feedEnv, agent AgentClient, maxAttempts int) *Worker {
	cfg := config.Feed{Parallelism: 1, MaxAttempts: maxAttempts, PollInterval: 10 * time.Millisecond}
	return NewWorker(cfg, e.store.Feed, e.store.Content, e.store.Memories,
		e.store.Patches, agent, zerolog.Nop())
}

func TestDrain_CreatesMemoryAndMarksDone(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	env.enqueue(t)

	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, r.ContentLength)
		r.Body.Read(b)
		body.Store(string(b))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	w := newWorker(env, &HTTPAgentClient{baseURL: srv.URL, http: srv.Client(), logger: zerolog.Nop()}, 5)
	require.NoError(t, w.Drain(ctx))

	exists, err := env.store.Memories.Exists(ctx, env.patch.ID, env.contentID, env.hash)
	require.NoError(t, err)
	assert.True(t, exists)

	n, err := env.store.Memories.CountForPatch(ctx, env.patch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sent, _ := body.Load().(string)
	assert.Contains(t, sent, "quantum-computing", "agent id is the patch handle")
	assert.Contains(t, sent, "Qubit Basics")

	// Queue is drained and the row survives as provenance.
	item, err := env.store.Feed.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestDrain_TransientAgentFailureThenSuccess(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	env.enqueue(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	w := newWorker(env, &HTTPAgentClient{baseURL: srv.URL, http: srv.Client(), logger: zerolog.Nop()}, 5)
	require.NoError(t, w.Drain(ctx))

	assert.Equal(t, int32(2), calls.Load())

	n, err := env.store.Memories.CountForPatch(ctx, env.patch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "exactly one memory despite the retry")

	// The item finished DONE on its second attempt.
	items := claimAllForInspection(t, env)
	require.Len(t, items, 1)
	assert.Equal(t, models.FeedDone, items[0].Status)
	assert.Equal(t, 2, items[0].Attempts)
}

func TestDrain_MissingContentFails(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	require.NoError(t, env.store.Feed.Enqueue(ctx, env.patch.ID, "no-such-content", "h", 0))

	w := newWorker(env, nil, 5)
	require.NoError(t, w.Drain(ctx))

	items := claimAllForInspection(t, env)
	require.Len(t, items, 1)
	assert.Equal(t, models.FeedFailed, items[0].Status)
	assert.Equal(t, "CONTENT_MISSING", items[0].LastError)
}

func TestDrain_SkipsExistingMemory(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	created, err := env.store.Memories.Create(ctx, &models.AgentMemory{
		AgentID:             env.patch.Handle,
		PatchID:             env.patch.ID,
		DiscoveredContentID: env.contentID,
		ContentHash:         env.hash,
		SourceType:          models.SourceDiscovery,
		Content:             "already here",
	})
	require.NoError(t, err)
	require.True(t, created)

	env.enqueue(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	w := newWorker(env, &HTTPAgentClient{baseURL: srv.URL, http: srv.Client(), logger: zerolog.Nop()}, 5)
	require.NoError(t, w.Drain(ctx))

	assert.Equal(t, int32(0), calls.Load(), "no agent call for an existing memory")
	n, err := env.store.Memories.CountForPatch(ctx, env.patch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDrain_PermanentAgentErrorFails(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	env.enqueue(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	w := newWorker(env, &HTTPAgentClient{baseURL: srv.URL, http: srv.Client(), logger: zerolog.Nop()}, 5)
	require.NoError(t, w.Drain(ctx))

	items := claimAllForInspection(t, env)
	require.Len(t, items, 1)
	assert.Equal(t, models.FeedFailed, items[0].Status)

	n, err := env.store.Memories.CountForPatch(ctx, env.patch.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDrain_ExhaustsAttemptsOnPersistentOutage(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	env.enqueue(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	maxAttempts := 3
	w := newWorker(env, &HTTPAgentClient{baseURL: srv.URL, http: srv.Client(), logger: zerolog.Nop()}, maxAttempts)
	require.NoError(t, w.Drain(ctx))

	assert.Equal(t, int32(maxAttempts), calls.Load())
	items := claimAllForInspection(t, env)
	require.Len(t, items, 1)
	assert.Equal(t, models.FeedFailed, items[0].Status)
	assert.Equal(t, maxAttempts, items[0].Attempts)
}

func TestPackPayload(t *testing.T) {
	payload := PackPayload(&models.DiscoveredContent{
		Title:     "Qubit Basics",
		Summary:   "Qubits are two-level systems.",
		SourceURL: "https://example.com/qubits",
		Domain:    "example.com",
		TextContent: "Qubits are two-level systems. They superpose. " +
			"They entangle. They decohere quickly in noisy environments.",
	})
	assert.Contains(t, payload, "Qubit Basics")
	assert.Contains(t, payload, "Qubits are two-level systems.")
	assert.Contains(t, payload, "They superpose.")
	assert.Contains(t, payload, "Source: https://example.com/qubits (example.com)")
}

// claimAllForInspection reads terminal rows directly; DONE and FAILED items
// are never claimable, so expose them via a raw query helper on the store.
func claimAllForInspection(t *testing.T, env *feedEnv) []*models.FeedQueueItem {
	t.Helper()
	items, err := env.store.Feed.ListByPatch(context.Background(), env.patch.ID, 10)
	require.NoError(t, err)
	return items
}
