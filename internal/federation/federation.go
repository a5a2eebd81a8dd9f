// Package federation merges query results across one primary and
// zero-or-more secondary store handles separated by per-source cutoff
// timestamps, with a TTL'd session cache and search fan-out. Secondary
// reads are best-effort: a source that fails to answer is logged and
// skipped, and the primary remains authoritative.
package federation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haseab/retrace-sub005/internal/apperr"
	"github.com/haseab/retrace-sub005/internal/logging"
	"github.com/haseab/retrace-sub005/internal/model"
	"github.com/haseab/retrace-sub005/internal/search"
)

// FrameSource is the subset of *store.Store needed for ranged frame queries.
type FrameSource interface {
	FramesInRange(ctx context.Context, start, end int64, limit int, ascending bool) ([]model.Frame, error)
}

// SessionSource is the subset of *store.Store needed for the merged
// AppSession list behind the segment cache.
type SessionSource interface {
	SessionsInRange(ctx context.Context, start, end int64) ([]model.AppSession, error)
}

// ImageResolver resolves a frame's pixel bytes out of its corpus's video
// files (internal/pixels.Resolver over that corpus's chunks root).
type ImageResolver interface {
	FrameImage(ctx context.Context, frame model.Frame) ([]byte, error)
}

// Source bundles one corpus's frame access and search engine, tagged with
// its cutoff (0 for the primary).
type Source struct {
	Name     string
	Frames   FrameSource
	Sessions SessionSource
	Images   ImageResolver
	Search   *search.Engine
	Cutoff   int64 // 0 means no cutoff (primary)
}

// Layer merges results across exactly one primary Source and zero or more
// secondary Sources.
type Layer struct {
	primary     Source
	secondaries []Source

	cacheMu sync.Mutex
	cache   map[cacheKey]cacheEntry

	log interface {
		Warn(msg string, args ...any)
	}
}

type cacheKey struct {
	start, end int64
}

type cacheEntry struct {
	sessions  []model.AppSession
	expiresAt time.Time
}

const segmentCacheTTL = 5 * time.Minute

// New constructs a Layer over a primary and any number of secondaries.
func New(primary Source, secondaries []Source) *Layer {
	return &Layer{
		primary:     primary,
		secondaries: secondaries,
		cache:       make(map[cacheKey]cacheEntry),
		log:         logging.New("federation"),
	}
}

// QueryRange merges sources over [s, e]: each secondary with cutoff c
// where s < c answers [s, min(e,c)]; with s' = max(s, maxCutoff), the
// primary answers [s', e] if s' < e; results concatenate, sort by timestamp
// in the requested direction, and truncate to limit.
func (l *Layer) QueryRange(ctx context.Context, s, e int64, limit int, ascending bool) ([]model.Frame, error) {
	if e < s || limit <= 0 {
		return nil, nil
	}

	var all []model.Frame
	maxCutoff := int64(0)

	for _, sec := range l.secondaries {
		if sec.Cutoff == 0 || s >= sec.Cutoff {
			continue
		}
		secEnd := e
		if sec.Cutoff < secEnd {
			secEnd = sec.Cutoff
		}
		frames, err := sec.Frames.FramesInRange(ctx, s, secEnd, limit, ascending)
		if err != nil {
			// NotConnected: the federated layer logs and continues; the
			// primary remains authoritative.
			l.log.Warn("secondary source unavailable, continuing", "source", sec.Name, "err", err)
			continue
		}
		all = append(all, frames...)
		if sec.Cutoff > maxCutoff {
			maxCutoff = sec.Cutoff
		}
	}

	sPrime := s
	if maxCutoff > sPrime {
		sPrime = maxCutoff
	}
	if sPrime < e {
		frames, err := l.primary.Frames.FramesInRange(ctx, sPrime, e, limit, ascending)
		if err != nil {
			return nil, apperr.Wrap(apperr.QueryFailed, "federation", "QueryRange", err)
		}
		all = append(all, frames...)
	}

	sort.Slice(all, func(i, j int) bool {
		if ascending {
			return all[i].CreatedAt < all[j].CreatedAt
		}
		return all[i].CreatedAt > all[j].CreatedAt
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// GetMostRecent returns the n most recent frames across all sources,
// primary and secondary, newest first.
func (l *Layer) GetMostRecent(ctx context.Context, n int) ([]model.Frame, error) {
	return l.QueryRange(ctx, 0, maxEpochMs, n, false)
}

const maxEpochMs = int64(1) << 62

// Search fans a query out to every available source and re-sorts the
// combined results by the selected mode's ordering.
func (l *Layer) Search(ctx context.Context, q search.Query) (search.Results, error) {
	start := time.Now()
	var combined []search.Result
	var total int

	engines := make([]*search.Engine, 0, 1+len(l.secondaries))
	if l.primary.Search != nil {
		engines = append(engines, l.primary.Search)
	}
	for _, sec := range l.secondaries {
		if sec.Search != nil {
			engines = append(engines, sec.Search)
		}
	}

	for _, eng := range engines {
		res, err := eng.Search(ctx, q)
		if err != nil {
			l.log.Warn("source search failed, continuing", "err", err)
			continue
		}
		combined = append(combined, res.Results...)
		total += res.TotalCount
	}

	if q.Mode == search.ModeAll {
		sort.Slice(combined, func(i, j int) bool { return combined[i].Timestamp > combined[j].Timestamp })
	} else {
		sort.Slice(combined, func(i, j int) bool { return combined[i].Relevance > combined[j].Relevance })
	}

	if q.Offset < len(combined) {
		end := q.Offset + q.Limit
		if end > len(combined) {
			end = len(combined)
		}
		combined = combined[q.Offset:end]
	} else {
		combined = nil
	}

	return search.Results{
		Results:      combined,
		TotalCount:   total,
		SearchTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// SessionsInRange returns the merged AppSession list for [s, e], memoized
// for segmentCacheTTL. Secondaries contribute only their pre-cutoff slice;
// a failing secondary is logged and skipped, same as QueryRange.
func (l *Layer) SessionsInRange(ctx context.Context, s, e int64) ([]model.AppSession, error) {
	key := cacheKey{start: s, end: e}

	l.cacheMu.Lock()
	if entry, ok := l.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		l.cacheMu.Unlock()
		return entry.sessions, nil
	}
	l.cacheMu.Unlock()

	var merged []model.AppSession
	for _, sec := range l.secondaries {
		if sec.Sessions == nil || (sec.Cutoff != 0 && s >= sec.Cutoff) {
			continue
		}
		secEnd := e
		if sec.Cutoff != 0 && sec.Cutoff < secEnd {
			secEnd = sec.Cutoff
		}
		sessions, err := sec.Sessions.SessionsInRange(ctx, s, secEnd)
		if err != nil {
			l.log.Warn("secondary session query failed, continuing", "source", sec.Name, "err", err)
			continue
		}
		merged = append(merged, sessions...)
	}
	if l.primary.Sessions != nil {
		sessions, err := l.primary.Sessions.SessionsInRange(ctx, s, e)
		if err != nil {
			return nil, apperr.Wrap(apperr.QueryFailed, "federation", "SessionsInRange", err)
		}
		merged = append(merged, sessions...)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].StartDate < merged[j].StartDate })

	l.cacheMu.Lock()
	l.cache[key] = cacheEntry{sessions: merged, expiresAt: time.Now().Add(segmentCacheTTL)}
	l.cacheMu.Unlock()
	return merged, nil
}

// InvalidateSessionCache drops every cached range, called on any write that
// touches sessions.
func (l *Layer) InvalidateSessionCache() {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	l.cache = make(map[cacheKey]cacheEntry)
}

// FrameSourceFor routes ranged frame access by source tag.
func (l *Layer) FrameSourceFor(source model.Source) FrameSource {
	if source == model.SourceSecondary && len(l.secondaries) > 0 {
		return l.secondaries[0].Frames
	}
	return l.primary.Frames
}

// FrameImage routes frame-image retrieval by the frame's source tag,
// resolving pixels out of that corpus's own chunks directory.
func (l *Layer) FrameImage(ctx context.Context, frame model.Frame) ([]byte, error) {
	resolver := l.primary.Images
	if frame.Source == model.SourceSecondary {
		resolver = nil
		for _, sec := range l.secondaries {
			if sec.Images != nil {
				resolver = sec.Images
				break
			}
		}
	}
	if resolver == nil {
		return nil, apperr.New(apperr.NotConnected, "federation", "FrameImage",
			fmt.Errorf("no image resolver for source %q", frame.Source))
	}
	return resolver.FrameImage(ctx, frame)
}
