package watcher

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchscout/patchscout/internal/config"
	"github.com/patchscout/patchscout/internal/models"
	"github.com/patchscout/patchscout/internal/storage"
)

func newTestWatcher(t *testing.T) (*Watcher, *storage.Store) {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), 10*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Watcher{
		StreamURL:         "https://stream.invalid/recentchange",
		RateLimit:         1000,
		BurstLimit:        1000,
		ReconnectDelay:    time.Millisecond,
		MaxReconnectDelay: 10 * time.Millisecond,
	}
	return New(cfg, s.Pages, zerolog.Nop()), s
}

func seedExtractedPage(t *testing.T, s *storage.Store, title string) *models.MonitoredWikipediaPage {
	t.Helper()
	ctx := context.Background()

	patch := &models.Patch{Handle: "quantum-computing", Title: "Quantum Computing"}
	require.NoError(t, s.Patches.Create(ctx, patch))

	now := time.Now().UTC()
	page := &models.MonitoredWikipediaPage{
		PatchID:            patch.ID,
		WikipediaTitle:     title,
		WikipediaURL:       "https://en.wikipedia.org/wiki/" + title,
		CitationsExtracted: true,
		LastExtractedAt:    &now,
		CitationCount:      12,
	}
	require.NoError(t, s.Pages.Create(ctx, page))
	return page
}

func changeJSON(t *testing.T, c recentChange) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"type": c.Type, "title": c.Title, "wiki": c.Wiki,
		"server_name": c.ServerName, "namespace": c.Namespace,
		"bot": c.Bot, "user": c.User,
	})
	require.NoError(t, err)
	return data
}

func TestHandleEvent_FlagsEditedMonitoredPage(t *testing.T) {
	w, s := newTestWatcher(t)
	ctx := context.Background()
	page := seedExtractedPage(t, s, "Quantum computing")

	event := changeJSON(t, recentChange{
		Type: "edit", Title: "Quantum computing", Wiki: "enwiki",
		ServerName: "en.wikipedia.org", User: "Example",
	})
	require.NoError(t, w.handleEvent(ctx, event))

	got, err := s.Pages.Get(ctx, page.ID)
	require.NoError(t, err)
	assert.False(t, got.CitationsExtracted, "page flagged for re-extraction")
	assert.Equal(t, 12, got.CitationCount, "counts untouched until the next run")
}

func TestHandleEvent_BotEditsStillCount(t *testing.T) {
	w, s := newTestWatcher(t)
	ctx := context.Background()
	page := seedExtractedPage(t, s, "Quantum computing")

	event := changeJSON(t, recentChange{
		Type: "edit", Title: "Quantum computing", Wiki: "enwiki", Bot: true,
	})
	require.NoError(t, w.handleEvent(ctx, event))

	got, err := s.Pages.Get(ctx, page.ID)
	require.NoError(t, err)
	assert.False(t, got.CitationsExtracted)
}

func TestHandleEvent_IgnoresIrrelevantChanges(t *testing.T) {
	w, s := newTestWatcher(t)
	ctx := context.Background()
	page := seedExtractedPage(t, s, "Quantum computing")

	cases := map[string]recentChange{
		"other wiki":        {Type: "edit", Title: "Quantum computing", Wiki: "dewiki"},
		"talk namespace":    {Type: "edit", Title: "Talk:Quantum computing", Wiki: "enwiki", Namespace: 1},
		"log entry":         {Type: "log", Title: "Quantum computing", Wiki: "enwiki"},
		"unmonitored title": {Type: "edit", Title: "Classical computing", Wiki: "enwiki"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, w.handleEvent(ctx, changeJSON(t, c)))
			got, err := s.Pages.Get(ctx, page.ID)
			require.NoError(t, err)
			assert.True(t, got.CitationsExtracted, "page must stay extracted")
		})
	}
}

func TestHandleEvent_SkipsMalformedPayloads(t *testing.T) {
	w, _ := newTestWatcher(t)
	assert.NoError(t, w.handleEvent(context.Background(), []byte("not json")))
	assert.NoError(t, w.handleEvent(context.Background(), nil))
}
