// Package search plans queries over the FTS index and frame/segment
// metadata, with two ranking modes (relevant, all), time/app filters,
// snippets, and pagination.
package search

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/haseab/retrace-sub005/internal/apperr"
	"github.com/haseab/retrace-sub005/internal/model"
)

// Mode selects the ranking strategy.
type Mode string

const (
	ModeRelevant Mode = "relevant"
	ModeAll      Mode = "all"
)

// Filters narrows a search by time range and app set.
type Filters struct {
	StartDate   int64
	EndDate     int64
	IncludeApps []string
	ExcludeApps []string
}

// Query is a SearchQuery.
type Query struct {
	Text    string
	Filters Filters
	Mode    Mode
	Limit   int
	Offset  int
}

// Result is one ranked hit.
type Result struct {
	FrameID     int64
	Timestamp   int64
	Snippet     string
	MatchedText string
	Relevance   float64
	AppName     string
	WindowName  string
	URL         string
	SegmentID   int64
	VideoID     int64
	Source      model.Source
}

// Results is SearchResults.
type Results struct {
	Results      []Result
	TotalCount   int
	SearchTimeMs int64
}

const relevanceWindow = 50
const allModeWindow = 10000

// prepareFTSQuery splits q by whitespace, strips FTS5-reserved glyphs
// ('"', "*", ":"), requotes each term and appends '*' for prefix matching,
// joining terms with implicit AND. A term that is itself a boolean
// operator (AND/OR/NOT, any case) is passed through unquoted and
// uppercased so callers can opt into explicit boolean queries.
func prepareFTSQuery(q string) string {
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		switch strings.ToUpper(f) {
		case "AND", "OR", "NOT":
			terms = append(terms, strings.ToUpper(f))
			continue
		}
		cleaned := stripReserved(f)
		if cleaned == "" {
			continue
		}
		terms = append(terms, `"`+cleaned+`"*`)
	}
	return strings.Join(terms, " ")
}

func stripReserved(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '"', '*', ':':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DB is the subset of *sql.DB/*store.Store the engine queries against.
// search is read-only and composes directly over the database handle so it
// can run against either the primary or a secondary corpus via the same
// DatabaseConfig-driven timestamp handling.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// DateCodec is the subset of store.DatabaseConfig the engine needs to bind
// and parse timestamps against whichever corpus db belongs to.
type DateCodec interface {
	BindDate(epochMs int64) any
	ParseDate(v any) (int64, error)
	HasCutoff() bool
	CutoffEpochMs() int64
}

// Engine runs SearchQuery against one corpus.
type Engine struct {
	db     DB
	codec  DateCodec
	source model.Source
	now    func() time.Time
}

// New constructs an Engine over one corpus handle.
func New(db DB, codec DateCodec, source model.Source) *Engine {
	return &Engine{db: db, codec: codec, source: source, now: time.Now}
}

// Search runs q against this engine's corpus.
func (e *Engine) Search(ctx context.Context, q Query) (Results, error) {
	start := e.now()
	if q.Limit <= 0 {
		return Results{}, nil
	}

	var results []Result
	var err error
	switch q.Mode {
	case ModeAll:
		results, err = e.searchAll(ctx, q)
	default:
		results, err = e.searchRelevant(ctx, q)
	}
	if err != nil {
		return Results{}, err
	}

	return Results{
		Results:      results,
		TotalCount:   len(results),
		SearchTimeMs: e.now().Sub(start).Milliseconds(),
	}, nil
}

// searchRelevant implements "relevant" mode: phase 1 pure FTS
// ordered by bm25, capped at relevanceWindow; phase 2 joins matched rowids
// against frame/segment to apply filters and paginate.
func (e *Engine) searchRelevant(ctx context.Context, q Query) ([]Result, error) {
	ftsQuery := prepareFTSQuery(q.Text)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT f.id, f.created_at, f.segment_id, COALESCE(f.video_id, 0),
			f.app_name, f.window_title, f.url, f.app_bundle_id,
			snippet(search_ranking, 0, '<mark>', '</mark>', '...', 32) AS snip,
			d.content,
			bm25(search_ranking) AS rank
		FROM search_ranking
		JOIN frame f ON f.id = search_ranking.rowid
		JOIN document d ON d.frame_id = f.id
		WHERE search_ranking MATCH ?
		ORDER BY bm25(search_ranking)
		LIMIT ?
	`, ftsQuery, relevanceWindow)
	if err != nil {
		return nil, apperr.Wrap(apperr.QueryFailed, "search", "searchRelevant", err)
	}
	defer rows.Close()

	var candidates []candidateRow
	for rows.Next() {
		var c candidateRow
		var createdAt any
		if err := rows.Scan(&c.frameID, &createdAt, &c.segmentID, &c.videoID,
			&c.appName, &c.windowName, &c.url, &c.bundleID, &c.snippet, &c.content, &c.rank); err != nil {
			return nil, apperr.Wrap(apperr.ParseFailed, "search", "searchRelevant", err)
		}
		ts, err := e.codec.ParseDate(createdAt)
		if err != nil {
			continue
		}
		c.createdAt = ts
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.QueryFailed, "search", "searchRelevant", err)
	}

	filtered := candidates[:0]
	for _, c := range candidates {
		if !passesFilters(c, q.Filters, e.codec) {
			continue
		}
		filtered = append(filtered, c)
	}

	// Rank normalized to |rank|/(1+|rank|) so smaller bm25 maps to a larger
	// score, descending.
	results := make([]Result, 0, len(filtered))
	for _, c := range filtered {
		results = append(results, c.toResult(e.source, normalizeRank(c.rank)))
	}
	sortByRelevanceDesc(results)
	return paginate(results, q.Offset, q.Limit), nil
}

// searchAll implements "all" mode: take the allModeWindow most recent
// frames, join that subset to FTS, then apply the time/app filters and
// return most-recent-first. The window itself is not narrowed by the
// filters, so matches older than the newest allModeWindow frames are not
// returned.
func (e *Engine) searchAll(ctx context.Context, q Query) ([]Result, error) {
	ftsQuery := prepareFTSQuery(q.Text)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := e.db.QueryContext(ctx, `
		WITH recent AS (
			SELECT id, created_at, segment_id, COALESCE(video_id, 0) AS video_id,
				app_name, window_title, url, app_bundle_id
			FROM frame
			ORDER BY created_at DESC
			LIMIT ?
		)
		SELECT r.id, r.created_at, r.segment_id, r.video_id, r.app_name, r.window_title, r.url, r.app_bundle_id,
			snippet(search_ranking, 0, '<mark>', '</mark>', '...', 32),
			d.content
		FROM recent r
		JOIN search_ranking ON search_ranking.rowid = r.id
		JOIN document d ON d.frame_id = r.id
		WHERE search_ranking MATCH ?
		ORDER BY r.created_at DESC
	`, allModeWindow, ftsQuery)
	if err != nil {
		return nil, apperr.Wrap(apperr.QueryFailed, "search", "searchAll", err)
	}
	defer rows.Close()

	var candidates []candidateRow
	for rows.Next() {
		var c candidateRow
		var createdAt any
		if err := rows.Scan(&c.frameID, &createdAt, &c.segmentID, &c.videoID,
			&c.appName, &c.windowName, &c.url, &c.bundleID, &c.snippet, &c.content); err != nil {
			return nil, apperr.Wrap(apperr.ParseFailed, "search", "searchAll", err)
		}
		ts, err := e.codec.ParseDate(createdAt)
		if err != nil {
			continue
		}
		c.createdAt = ts
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.QueryFailed, "search", "searchAll", err)
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if !passesFilters(c, q.Filters, e.codec) {
			continue
		}
		results = append(results, c.toResult(e.source, 1.0))
	}
	return paginate(results, q.Offset, q.Limit), nil
}

type candidateRow struct {
	frameID    int64
	createdAt  int64
	segmentID  int64
	videoID    int64
	appName    string
	windowName string
	url        string
	bundleID   string
	snippet    string
	content    string
	rank       float64
}

func (c candidateRow) toResult(source model.Source, relevance float64) Result {
	return Result{
		FrameID:     c.frameID,
		Timestamp:   c.createdAt,
		Snippet:     stripMarks(c.snippet),
		MatchedText: c.content,
		Relevance:   relevance,
		AppName:     c.appName,
		WindowName:  c.windowName,
		URL:         c.url,
		SegmentID:   c.segmentID,
		VideoID:     c.videoID,
		Source:      source,
	}
}

func passesFilters(c candidateRow, f Filters, codec DateCodec) bool {
	if f.StartDate != 0 || f.EndDate != 0 {
		if f.EndDate < f.StartDate {
			return false
		}
		if c.createdAt < f.StartDate || (f.EndDate != 0 && c.createdAt > f.EndDate) {
			return false
		}
	}
	if codec.HasCutoff() && c.createdAt >= codec.CutoffEpochMs() {
		return false
	}
	if len(f.IncludeApps) > 0 && !contains(f.IncludeApps, c.bundleID) {
		return false
	}
	if len(f.ExcludeApps) > 0 && contains(f.ExcludeApps, c.bundleID) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// normalizeRank maps bm25 (more negative is better in SQLite's FTS5) to a
// larger-is-better score in (0,1).
func normalizeRank(rank float64) float64 {
	abs := rank
	if abs < 0 {
		abs = -abs
	}
	return abs / (1 + abs)
}

// stripMarks removes the <mark>...</mark> wrapper SQLite's snippet()
// inserts, returning plain text.
func stripMarks(s string) string {
	s = strings.ReplaceAll(s, "<mark>", "")
	s = strings.ReplaceAll(s, "</mark>", "")
	return s
}

func sortByRelevanceDesc(results []Result) {
	for i := 1; i < len(results); i++ {
		j := i
		for j > 0 && results[j-1].Relevance < results[j].Relevance {
			results[j-1], results[j] = results[j], results[j-1]
			j--
		}
	}
}

func paginate(results []Result, offset, limit int) []Result {
	if offset >= len(results) {
		return nil
	}
	end := offset + limit
	if end > len(results) {
		end = len(results)
	}
	return results[offset:end]
}
