package federation

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haseab/retrace-sub005/internal/apperr"
	"github.com/haseab/retrace-sub005/internal/model"
)

type fakeFrameSource struct {
	frames []model.Frame
	err    error
}

func (f *fakeFrameSource) FramesInRange(ctx context.Context, start, end int64, limit int, ascending bool) ([]model.Frame, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Frame
	for _, fr := range f.frames {
		if fr.CreatedAt >= start && fr.CreatedAt <= end {
			out = append(out, fr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ascending {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func TestQueryRangePrimaryOnly(t *testing.T) {
	primary := Source{Name: "primary", Frames: &fakeFrameSource{frames: []model.Frame{
		{ID: 1, CreatedAt: 100}, {ID: 2, CreatedAt: 200},
	}}}
	layer := New(primary, nil)

	results, err := layer.QueryRange(context.Background(), 0, 300, 10, true)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].ID)
}

func TestQueryRangeMergesSecondaryBeforeCutoffWithPrimaryAfter(t *testing.T) {
	primary := Source{Name: "primary", Frames: &fakeFrameSource{frames: []model.Frame{
		{ID: 10, CreatedAt: 600},
	}}}
	secondary := Source{Name: "archive", Cutoff: 500, Frames: &fakeFrameSource{frames: []model.Frame{
		{ID: 1, CreatedAt: 100}, {ID: 2, CreatedAt: 400},
	}}}
	layer := New(primary, []Source{secondary})

	results, err := layer.QueryRange(context.Background(), 0, 1000, 10, true)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, int64(1), results[0].ID)
	assert.Equal(t, int64(2), results[1].ID)
	assert.Equal(t, int64(10), results[2].ID)
}

func TestQueryRangeContinuesWhenSecondaryFails(t *testing.T) {
	primary := Source{Name: "primary", Frames: &fakeFrameSource{frames: []model.Frame{
		{ID: 10, CreatedAt: 600},
	}}}
	secondary := Source{Name: "archive", Cutoff: 500, Frames: &fakeFrameSource{err: errors.New("unavailable")}}
	layer := New(primary, []Source{secondary})

	results, err := layer.QueryRange(context.Background(), 0, 1000, 10, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(10), results[0].ID)
}

func TestQueryRangeDescendingOrder(t *testing.T) {
	primary := Source{Name: "primary", Frames: &fakeFrameSource{frames: []model.Frame{
		{ID: 1, CreatedAt: 100}, {ID: 2, CreatedAt: 200},
	}}}
	layer := New(primary, nil)

	results, err := layer.QueryRange(context.Background(), 0, 300, 10, false)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(2), results[0].ID)
}

func TestGetMostRecentReturnsNewestNotOldest(t *testing.T) {
	// Each source holds more frames than the requested n: naively asking
	// FramesInRange for ascending-ordered rows and truncating to limit would
	// return the *earliest* n frames instead of the most recent n.
	primary := Source{Name: "primary", Frames: &fakeFrameSource{frames: []model.Frame{
		{ID: 1, CreatedAt: 100}, {ID: 2, CreatedAt: 200}, {ID: 3, CreatedAt: 900},
	}}}
	secondary := Source{Name: "archive", Cutoff: 500, Frames: &fakeFrameSource{frames: []model.Frame{
		{ID: 10, CreatedAt: 50}, {ID: 11, CreatedAt: 60}, {ID: 12, CreatedAt: 490},
	}}}
	layer := New(primary, []Source{secondary})

	results, err := layer.GetMostRecent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(3), results[0].ID)
	assert.Equal(t, int64(12), results[1].ID)
}

func TestFrameSourceForRoutesBySourceTag(t *testing.T) {
	primary := Source{Name: "primary", Frames: &fakeFrameSource{}}
	secondary := Source{Name: "archive", Frames: &fakeFrameSource{}}
	layer := New(primary, []Source{secondary})

	assert.Same(t, secondary.Frames, layer.FrameSourceFor(model.SourceSecondary))
	assert.Same(t, primary.Frames, layer.FrameSourceFor(model.SourcePrimary))
}

type fakeSessionSource struct {
	sessions []model.AppSession
	err      error
	calls    int
}

func (f *fakeSessionSource) SessionsInRange(ctx context.Context, start, end int64) ([]model.AppSession, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []model.AppSession
	for _, s := range f.sessions {
		if s.StartDate >= start && s.StartDate <= end {
			out = append(out, s)
		}
	}
	return out, nil
}

func TestSessionsInRangeCachesUntilInvalidated(t *testing.T) {
	sessions := &fakeSessionSource{sessions: []model.AppSession{{ID: 1, StartDate: 50}}}
	primary := Source{Name: "primary", Frames: &fakeFrameSource{}, Sessions: sessions}
	layer := New(primary, nil)

	got, err := layer.SessionsInRange(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	_, err = layer.SessionsInRange(context.Background(), 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, sessions.calls, "second call within TTL must hit the cache")

	layer.InvalidateSessionCache()
	_, err = layer.SessionsInRange(context.Background(), 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, sessions.calls)
}

func TestSessionsInRangeMergesAndSkipsFailingSecondary(t *testing.T) {
	primary := Source{Name: "primary", Frames: &fakeFrameSource{},
		Sessions: &fakeSessionSource{sessions: []model.AppSession{{ID: 10, StartDate: 800}}}}
	archive := Source{Name: "archive", Cutoff: 500, Frames: &fakeFrameSource{},
		Sessions: &fakeSessionSource{sessions: []model.AppSession{{ID: 1, StartDate: 100}}}}
	broken := Source{Name: "broken", Cutoff: 500, Frames: &fakeFrameSource{},
		Sessions: &fakeSessionSource{err: errors.New("unavailable")}}
	layer := New(primary, []Source{archive, broken})

	got, err := layer.SessionsInRange(context.Background(), 0, 1000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID, "merged list is sorted by startDate")
	assert.Equal(t, int64(10), got[1].ID)
}

type fakeImageResolver struct {
	data []byte
}

func (f *fakeImageResolver) FrameImage(ctx context.Context, frame model.Frame) ([]byte, error) {
	return f.data, nil
}

func TestFrameImageRoutesBySourceTag(t *testing.T) {
	primary := Source{Name: "primary", Frames: &fakeFrameSource{}, Images: &fakeImageResolver{data: []byte("p")}}
	secondary := Source{Name: "archive", Frames: &fakeFrameSource{}, Images: &fakeImageResolver{data: []byte("s")}}
	layer := New(primary, []Source{secondary})

	got, err := layer.FrameImage(context.Background(), model.Frame{Source: model.SourcePrimary})
	require.NoError(t, err)
	assert.Equal(t, []byte("p"), got)

	got, err = layer.FrameImage(context.Background(), model.Frame{Source: model.SourceSecondary})
	require.NoError(t, err)
	assert.Equal(t, []byte("s"), got)
}

func TestFrameImageWithoutResolverIsNotConnected(t *testing.T) {
	layer := New(Source{Name: "primary", Frames: &fakeFrameSource{}}, nil)

	_, err := layer.FrameImage(context.Background(), model.Frame{Source: model.SourcePrimary})
	require.ErrorIs(t, err, apperr.ErrNotConnected)
}
