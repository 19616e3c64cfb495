package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patchscout/patchscout/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return newTestStoreWithTimeout(t, 10*time.Minute)
}

func newTestStoreWithTimeout(t *testing.T, stuckTimeout time.Duration) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "patchscout.db"), stuckTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedPatchAndPage(t *testing.T, s *Store) (patchID, pageID string) {
	t.Helper()
	ctx := context.Background()

	patch := &models.Patch{Handle: "quantum-computing", Title: "Quantum Computing"}
	require.NoError(t, s.Patches.Create(ctx, patch))

	page := &models.MonitoredWikipediaPage{
		PatchID:        patch.ID,
		WikipediaTitle: "Quantum computing",
		WikipediaURL:   "https://en.wikipedia.org/wiki/Quantum_computing",
	}
	require.NoError(t, s.Pages.Create(ctx, page))
	return patch.ID, page.ID
}

// referencesHTML builds a page whose References section holds n external
// links.
func referencesHTML(n int) string {
	html := `<html><body><h2 id="References">References</h2><ol class="references">`
	for i := 1; i <= n; i++ {
		html += fmt.Sprintf(`<li><a href="https://ref%d.example.com/paper">Ref %d</a></li>`, i, i)
	}
	return html + `</ol></body></html>`
}

// seedCitations stores n citations under a fresh patch and page.
func seedCitations(t *testing.T, s *Store, n int) (patchID, pageID string) {
	t.Helper()
	patchID, pageID = seedPatchAndPage(t, s)
	_, stored, err := s.Citations.ExtractAndStore(context.Background(), pageID,
		referencesHTML(n), "https://en.wikipedia.org/wiki/Quantum_computing")
	require.NoError(t, err)
	require.Equal(t, n, stored)
	return patchID, pageID
}
