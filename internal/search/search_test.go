package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haseab/retrace-sub005/internal/model"
	"github.com/haseab/retrace-sub005/internal/store"
)

func newIndexedStore(t *testing.T, cfg store.DatabaseConfig) (*store.Store, int64) {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "retrace.db")
	}
	s, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	segID, err := s.OpenSession(ctx, model.AppSession{BundleID: "com.example.Editor", StartDate: 1000})
	require.NoError(t, err)

	frameID, err := s.InsertFrame(ctx, model.Frame{
		CreatedAt: 2000,
		SegmentID: segID,
		Metadata:  model.FrameMetadata{AppBundleID: "com.example.Editor", AppName: "Editor", WindowTitle: "notes.md"},
	})
	require.NoError(t, err)

	err = s.CompleteFrame(ctx, frameID, model.IndexedDocument{
		FrameID:   frameID,
		CreatedAt: 2000,
		Content:   "quarterly roadmap planning notes",
		AppName:   "Editor",
	}, nil, 42)
	require.NoError(t, err)

	return s, frameID
}

func TestPrepareFTSQuery(t *testing.T) {
	assert.Equal(t, `"roadmap"*`, prepareFTSQuery("roadmap"))
	assert.Equal(t, `"roadmap"* "planning"*`, prepareFTSQuery("roadmap planning"))
	assert.Equal(t, `"roadmap"* AND "planning"*`, prepareFTSQuery("roadmap AND planning"))
	assert.Equal(t, "", prepareFTSQuery("   "))
	assert.Equal(t, `"noquotes"*`, prepareFTSQuery(`no"quo:tes*`))
}

func TestSearchRelevantFindsIndexedFrame(t *testing.T) {
	s, frameID := newIndexedStore(t, store.DatabaseConfig{})
	eng := New(s.DB(), s.Config(), model.SourcePrimary)

	results, err := eng.Search(context.Background(), Query{Text: "roadmap", Mode: ModeRelevant, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results.Results, 1)
	assert.Equal(t, frameID, results.Results[0].FrameID)
	assert.NotContains(t, results.Results[0].Snippet, "<mark>")
}

func TestSearchAllOrdersByRecency(t *testing.T) {
	s, _ := newIndexedStore(t, store.DatabaseConfig{})
	eng := New(s.DB(), s.Config(), model.SourcePrimary)

	results, err := eng.Search(context.Background(), Query{Text: "roadmap", Mode: ModeAll, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results.Results, 1)
	assert.Equal(t, int64(2000), results.Results[0].Timestamp)
}

func TestSearchRelevantAppFilterMatchesIncludedApp(t *testing.T) {
	s, frameID := newIndexedStore(t, store.DatabaseConfig{})
	eng := New(s.DB(), s.Config(), model.SourcePrimary)

	results, err := eng.Search(context.Background(), Query{
		Text: "roadmap", Mode: ModeRelevant, Limit: 10,
		Filters: Filters{IncludeApps: []string{"com.example.Editor"}},
	})
	require.NoError(t, err)
	require.Len(t, results.Results, 1, "relevant-mode app filter must see the frame's bundle ID, not silently drop every result")
	assert.Equal(t, frameID, results.Results[0].FrameID)
}

func TestSearchRelevantAppFilterExcludesOtherApp(t *testing.T) {
	s, _ := newIndexedStore(t, store.DatabaseConfig{})
	eng := New(s.DB(), s.Config(), model.SourcePrimary)

	results, err := eng.Search(context.Background(), Query{
		Text: "roadmap", Mode: ModeRelevant, Limit: 10,
		Filters: Filters{ExcludeApps: []string{"com.example.Editor"}},
	})
	require.NoError(t, err)
	assert.Empty(t, results.Results, "relevant-mode exclude filter must actually exclude the matching bundle ID")
}

func TestSearchRespectsSecondaryCutoff(t *testing.T) {
	s, _ := newIndexedStore(t, store.DatabaseConfig{Cutoff: 1500, ISO8601: true})
	eng := New(s.DB(), s.Config(), model.SourceSecondary)

	results, err := eng.Search(context.Background(), Query{Text: "roadmap", Mode: ModeRelevant, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, results.Results, "a frame created at/after the cutoff must not surface from this source")
}

func TestSearchNoMatchReturnsEmpty(t *testing.T) {
	s, _ := newIndexedStore(t, store.DatabaseConfig{})
	eng := New(s.DB(), s.Config(), model.SourcePrimary)

	results, err := eng.Search(context.Background(), Query{Text: "nonexistentterm", Mode: ModeRelevant, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, results.Results)
}
