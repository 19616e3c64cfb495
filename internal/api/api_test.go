package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchscout/patchscout/internal/config"
	"github.com/patchscout/patchscout/internal/models"
	"github.com/patchscout/patchscout/internal/run"
	"github.com/patchscout/patchscout/internal/storage"
)

// fakeCoordinator is a canned RunCoordinator for handler tests.
type fakeCoordinator struct {
	runs   map[string]*models.DiscoveryRun
	active *models.DiscoveryRun
	err    error
}

func (f *fakeCoordinator) StartRun(_ context.Context, handle string) (*models.DiscoveryRun, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if handle != "quantum-computing" {
		return nil, false, run.ErrPatchNotFound
	}
	if f.active != nil {
		return f.active, false, nil
	}
	r := &models.DiscoveryRun{ID: "run-1", PatchID: "patch-1",
		Status: models.RunRunning, StartedAt: time.Now().UTC()}
	f.active = r
	if f.runs == nil {
		f.runs = map[string]*models.DiscoveryRun{}
	}
	f.runs[r.ID] = r
	return r, true, nil
}

func (f *fakeCoordinator) GetRun(_ context.Context, id string) (*models.DiscoveryRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.runs[id], nil
}

type apiEnv struct {
	store *storage.Store
	coord *fakeCoordinator
	api   *Server
	srv   *httptest.Server
	patch *models.Patch
}

func testServer(t *testing.T) *apiEnv {
	t.Helper()
	ctx := context.Background()

	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), 10*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	patch := &models.Patch{Handle: "quantum-computing", Title: "Quantum Computing"}
	require.NoError(t, s.Patches.Create(ctx, patch))

	coord := &fakeCoordinator{}
	cfg := &config.Config{} // no kafka brokers: health reports it disabled
	apiServer := NewServer(s, coord, redisClient, cfg, nil, zerolog.Nop())
	t.Cleanup(func() { apiServer.Shutdown(context.Background()) })

	srv := httptest.NewServer(apiServer.Handler())
	t.Cleanup(srv.Close)

	return &apiEnv{store: s, coord: coord, api: apiServer, srv: srv, patch: patch}
}

func (e *apiEnv) postJSON(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (e *apiEnv) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestStartRun(t *testing.T) {
	env := testServer(t)

	resp, body := env.postJSON(t, "/api/runs", `{"patch_handle":"quantum-computing"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, true, body["started"])

	// Second request lands on the active run.
	resp, body = env.postJSON(t, "/api/runs", `{"patch_handle":"quantum-computing"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, false, body["started"])
}

func TestStartRun_Errors(t *testing.T) {
	env := testServer(t)

	resp, _ := env.postJSON(t, "/api/runs", `{"patch_handle":"no-such-patch"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.postJSON(t, "/api/runs", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.coord.err = errors.New("redis down")
	resp, _ = env.postJSON(t, "/api/runs", `{"patch_handle":"quantum-computing"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestGetRun(t *testing.T) {
	env := testServer(t)
	env.postJSON(t, "/api/runs", `{"patch_handle":"quantum-computing"}`)

	resp, body := env.get(t, "/api/runs/run-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["status"])

	resp, _ = env.get(t, "/api/runs/no-such-run")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

const citationsPage = `<html><body><ol class="references">
<li id="cite_note-1">Doe 2020. <a class="external" href="https://example.com/a">A</a></li>
<li id="cite_note-2">Roe 2021. <a class="external" href="https://example.com/b">B</a></li>
</ol></body></html>`

func seedCitations(t *testing.T, env *apiEnv) {
	t.Helper()
	ctx := context.Background()
	page := &models.MonitoredWikipediaPage{
		PatchID:        env.patch.ID,
		WikipediaTitle: "Quantum computing",
		WikipediaURL:   "https://en.wikipedia.org/wiki/Quantum_computing",
	}
	require.NoError(t, env.store.Pages.Create(ctx, page))
	_, _, err := env.store.Citations.ExtractAndStore(ctx, page.ID, citationsPage, page.WikipediaURL)
	require.NoError(t, err)
}

func TestListCitations(t *testing.T) {
	env := testServer(t)
	seedCitations(t, env)

	resp, body := env.get(t, "/api/patches/quantum-computing/citations")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])

	resp, body = env.get(t, "/api/patches/quantum-computing/citations?status=not_scanned&limit=1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, _ = env.get(t, "/api/patches/quantum-computing/citations?status=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.get(t, "/api/patches/no-such-patch/citations")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListContent(t *testing.T) {
	env := testServer(t)
	ctx := context.Background()

	_, err := env.store.Content.Upsert(ctx, &models.DiscoveredContent{
		PatchID:     env.patch.ID,
		SourceURL:   "https://example.com/qubits",
		Title:       "Qubit Basics",
		TextContent: "Qubits are two-level systems.",
		Category:    models.CategoryWikipediaCitation,
	})
	require.NoError(t, err)

	resp, body := env.get(t, "/api/patches/quantum-computing/content")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
}

func TestListRuns(t *testing.T) {
	env := testServer(t)
	ctx := context.Background()

	r, err := env.store.Runs.Create(ctx, env.patch.ID)
	require.NoError(t, err)
	require.NoError(t, env.store.Runs.Finish(ctx, r.ID, models.RunCompleted,
		models.RunMetricsSnapshot{Processed: 5, Saved: 2}, ""))

	resp, body := env.get(t, "/api/patches/quantum-computing/runs")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
}

func TestHealthEndpoints(t *testing.T) {
	env := testServer(t)

	resp, body := env.get(t, "/health/live")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alive", body["status"])

	resp, body = env.get(t, "/health/ready")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])

	resp, body = env.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	components := body["components"].(map[string]any)
	assert.Equal(t, "healthy", components["sqlite"].(map[string]any)["status"])
	assert.Equal(t, "healthy", components["redis"].(map[string]any)["status"])
	assert.Equal(t, "disabled", components["kafka"].(map[string]any)["status"])
}

func TestRequestIDHeader(t *testing.T) {
	env := testServer(t)
	resp, _ := env.get(t, "/health/live")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestWebSocketRunMetrics(t *testing.T) {
	env := testServer(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/runs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.api.Hub().ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	env.api.Hub().BroadcastRunMetrics("run-1", models.RunMetricsSnapshot{
		Processed: 10, Saved: 4, Denied: 5, Failed: 1, Rate: 2.5,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "run_metrics", msg.Type)

	event := msg.Data.(map[string]any)
	assert.Equal(t, "run-1", event["run_id"])
	assert.Equal(t, float64(10), event["metrics"].(map[string]any)["processed"])
}
