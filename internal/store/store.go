// Package store wraps an embedded relational + FTS engine
// (github.com/mattn/go-sqlite3) behind transactional operations over
// frames, video segments, app sessions, OCR nodes, and indexed documents.
// Multi-row writes run in a transaction and roll back on any failure.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/haseab/retrace-sub005/internal/apperr"
	"github.com/haseab/retrace-sub005/internal/logging"
	"github.com/haseab/retrace-sub005/internal/model"
)

// Store is a RelationalStore handle over one corpus (primary or secondary).
// Writers are serialized through writeMu; readers proceed concurrently
// using SQLite's WAL-mode snapshot isolation.
type Store struct {
	db      *sql.DB
	cfg     DatabaseConfig
	writeMu sync.Mutex
	log     *slog.Logger
}

// Open opens (creating if absent) the sqlite3 file at cfg.Path, applies
// pragmas, and migrates the schema. Secondary corpora are opened read-only
// at the Store level: Insert/Update/Delete methods reject immediately
// without issuing SQL.
func Open(cfg DatabaseConfig) (*Store, error) {
	dsn := cfg.Path
	if cfg.Password != "" {
		// SQLCipher-compatible encrypted open: the key pragma must be the
		// first statement executed against the connection.
		dsn = fmt.Sprintf("%s?_pragma_key=%s&_pragma_cipher_compatibility=4", cfg.Path, cfg.Password)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotInitialized, "store", "Open", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.NotConnected, "store", "Open", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := configurePragmas(db, cfg.ReadOnly); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.NotInitialized, "store", "Open", err)
	}
	if !cfg.ReadOnly {
		if err := migrate(db); err != nil {
			db.Close()
			return nil, apperr.Wrap(apperr.NotInitialized, "store", "Migrate", err)
		}
	}

	return &Store{db: db, cfg: cfg, log: logging.New("store")}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Config returns the DatabaseConfig this store was opened with.
func (s *Store) Config() DatabaseConfig {
	return s.cfg
}

func (s *Store) requireWritable(op string) error {
	if s.cfg.ReadOnly {
		return apperr.New(apperr.PermissionDenied, "store", op, fmt.Errorf("store is read-only"))
	}
	return nil
}

// --- Segments (AppSession) ---------------------------------------------

// OpenSession inserts a new open-ended AppSession and returns its ID.
func (s *Store) OpenSession(ctx context.Context, sess model.AppSession) (int64, error) {
	if err := s.requireWritable("OpenSession"); err != nil {
		return 0, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO segment (bundle_id, start_date, end_date, window_name, browser_url, type)
		VALUES (?, ?, NULL, ?, ?, ?)
	`, sess.BundleID, s.cfg.BindDate(sess.StartDate), sess.WindowName, sess.BrowserURL, sess.Type)
	if err != nil {
		return 0, apperr.Wrap(apperr.QueryFailed, "store", "OpenSession", err)
	}
	return res.LastInsertId()
}

// CloseSession sets endDate on an open AppSession.
func (s *Store) CloseSession(ctx context.Context, id int64, endDate int64) error {
	if err := s.requireWritable("CloseSession"); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE segment SET end_date = ? WHERE id = ?`, s.cfg.BindDate(endDate), id)
	if err != nil {
		return apperr.Wrap(apperr.QueryFailed, "store", "CloseSession", err)
	}
	return nil
}

// --- Videos (VideoSegment) ----------------------------------------------

// InsertVideoSegment persists a finalized segment descriptor and returns its ID.
func (s *Store) InsertVideoSegment(ctx context.Context, v model.VideoSegment) (int64, error) {
	if err := s.requireWritable("InsertVideoSegment"); err != nil {
		return 0, err
	}
	if v.EndTime < v.StartTime {
		return 0, apperr.New(apperr.ParseFailed, "store", "InsertVideoSegment",
			fmt.Errorf("endTime %d < startTime %d", v.EndTime, v.StartTime))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO video (path, width, height, frame_rate, file_size, start_time, end_time, frame_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, v.RelativePath, v.Width, v.Height, 0.0, v.FileSizeBytes,
		s.cfg.BindDate(v.StartTime), s.cfg.BindDate(v.EndTime), v.FrameCount)
	if err != nil {
		return 0, apperr.Wrap(apperr.QueryFailed, "store", "InsertVideoSegment", err)
	}
	return res.LastInsertId()
}

// GetVideoSegment reads one video row by ID, for resolving a frame's
// backing video file (OCR pixel extraction, image retrieval APIs).
func (s *Store) GetVideoSegment(ctx context.Context, id int64) (model.VideoSegment, error) {
	var v model.VideoSegment
	var startTime, endTime any
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, width, height, file_size, start_time, end_time, frame_count
		FROM video WHERE id = ?
	`, id)
	if err := row.Scan(&v.ID, &v.RelativePath, &v.Width, &v.Height, &v.FileSizeBytes, &startTime, &endTime, &v.FrameCount); err != nil {
		if err == sql.ErrNoRows {
			return model.VideoSegment{}, apperr.New(apperr.VideoFileNotFound, "store", "GetVideoSegment", err)
		}
		return model.VideoSegment{}, apperr.Wrap(apperr.QueryFailed, "store", "GetVideoSegment", err)
	}
	st, err := s.cfg.ParseDate(startTime)
	if err != nil {
		return model.VideoSegment{}, apperr.Wrap(apperr.ParseFailed, "store", "GetVideoSegment", err)
	}
	et, err := s.cfg.ParseDate(endTime)
	if err != nil {
		return model.VideoSegment{}, apperr.Wrap(apperr.ParseFailed, "store", "GetVideoSegment", err)
	}
	v.StartTime, v.EndTime = st, et
	v.Source = model.SourcePrimary
	if s.cfg.HasCutoff() {
		v.Source = model.SourceSecondary
	}
	return v, nil
}

// --- Frames ---------------------------------------------------------------

// InsertFrame inserts a new frame row with processingStatus=pending.
func (s *Store) InsertFrame(ctx context.Context, f model.Frame) (int64, error) {
	if err := s.requireWritable("InsertFrame"); err != nil {
		return 0, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var videoID any
	if f.VideoID != 0 {
		videoID = f.VideoID
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO frame (
			created_at, segment_id, video_id, video_frame_index,
			encoding_status, processing_status,
			app_bundle_id, app_name, window_title, url, display_index
		) VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?)
	`, s.cfg.BindDate(f.CreatedAt), f.SegmentID, videoID, f.VideoFrameIndex,
		string(f.EncodingStatus),
		f.Metadata.AppBundleID, f.Metadata.AppName, f.Metadata.WindowTitle, f.Metadata.URL, f.Metadata.DisplayIndex)
	if err != nil {
		return 0, apperr.Wrap(apperr.QueryFailed, "store", "InsertFrame", err)
	}
	return res.LastInsertId()
}

// SetFrameVideo attaches videoID/videoFrameIndex once the owning segment
// finalizes.
func (s *Store) SetFrameVideo(ctx context.Context, frameID, videoID int64, videoFrameIndex int) error {
	if err := s.requireWritable("SetFrameVideo"); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE frame SET video_id = ?, video_frame_index = ?, encoding_status = 'success' WHERE id = ?`,
		videoID, videoFrameIndex, frameID)
	if err != nil {
		return apperr.Wrap(apperr.QueryFailed, "store", "SetFrameVideo", err)
	}
	return nil
}

// GetFrame reads one frame row by ID.
func (s *Store) GetFrame(ctx context.Context, id int64) (model.Frame, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, segment_id, COALESCE(video_id, 0), video_frame_index,
			encoding_status, processing_status, retry_count, last_error, last_text_hash,
			app_bundle_id, app_name, window_title, url, display_index
		FROM frame WHERE id = ?
	`, id)
	return s.scanFrame(row)
}

func (s *Store) scanFrame(row *sql.Row) (model.Frame, error) {
	var f model.Frame
	var createdAt any
	var encStatus, procStatus string
	if err := row.Scan(&f.ID, &createdAt, &f.SegmentID, &f.VideoID, &f.VideoFrameIndex,
		&encStatus, &procStatus, &f.RetryCount, &f.LastError, &f.LastTextHash,
		&f.Metadata.AppBundleID, &f.Metadata.AppName, &f.Metadata.WindowTitle, &f.Metadata.URL, &f.Metadata.DisplayIndex,
	); err != nil {
		if err == sql.ErrNoRows {
			return model.Frame{}, apperr.New(apperr.FrameNotFound, "store", "GetFrame", err)
		}
		return model.Frame{}, apperr.Wrap(apperr.QueryFailed, "store", "GetFrame", err)
	}
	ts, err := s.cfg.ParseDate(createdAt)
	if err != nil {
		return model.Frame{}, apperr.Wrap(apperr.ParseFailed, "store", "GetFrame", err)
	}
	f.CreatedAt = ts
	f.EncodingStatus = model.EncodingStatus(encStatus)
	f.ProcessingStatus = model.ProcessingStatus(procStatus)
	f.Source = model.SourcePrimary
	if s.cfg.HasCutoff() {
		f.Source = model.SourceSecondary
	}
	return f, nil
}

// DeleteFrame deletes a frame; cascades remove its node/document/FTS rows.
func (s *Store) DeleteFrame(ctx context.Context, id int64) error {
	if err := s.requireWritable("DeleteFrame"); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM frame WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.QueryFailed, "store", "DeleteFrame", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.FrameNotFound, "store", "DeleteFrame", fmt.Errorf("frame %d not found", id))
	}
	return nil
}

// DeleteFrameByTimestamp deletes every frame whose createdAt exactly equals
// ts. Decided open question: this is an explicit, separately named
// operation on the primary store, never an inferred lookup-by-timestamp
// alias for DeleteFrame(id).
func (s *Store) DeleteFrameByTimestamp(ctx context.Context, ts int64) (int, error) {
	if err := s.requireWritable("DeleteFrameByTimestamp"); err != nil {
		return 0, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM frame WHERE created_at = ?`, s.cfg.BindDate(ts))
	if err != nil {
		return 0, apperr.Wrap(apperr.QueryFailed, "store", "DeleteFrameByTimestamp", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, apperr.New(apperr.FrameNotFound, "store", "DeleteFrameByTimestamp", fmt.Errorf("no frame at %d", ts))
	}
	return int(n), nil
}

// DeleteFramesOlderThan deletes frames with createdAt < cutoff, for
// retention. Returns the number of rows deleted.
func (s *Store) DeleteFramesOlderThan(ctx context.Context, cutoff int64) (int, error) {
	if err := s.requireWritable("DeleteFramesOlderThan"); err != nil {
		return 0, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM frame WHERE created_at < ?`, s.cfg.BindDate(cutoff))
	if err != nil {
		return 0, apperr.Wrap(apperr.QueryFailed, "store", "DeleteFramesOlderThan", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// FramesInRange returns frames with createdAt in [start, end], honoring the
// store's own cutoff (secondary corpora never return rows >= cutoff).
// ascending selects which end of the range the LIMIT keeps: true keeps the
// earliest `limit` frames, false keeps the most recent `limit` frames. A
// caller wanting the n most recent frames across a wide range (e.g.
// federation.GetMostRecent) must pass false — ordering ASC and truncating to
// limit would instead return the *earliest* frames in the range.
func (s *Store) FramesInRange(ctx context.Context, start, end int64, limit int, ascending bool) ([]model.Frame, error) {
	if end < start || limit <= 0 {
		return nil, nil
	}
	effectiveEnd := end
	if s.cfg.HasCutoff() && s.cfg.Cutoff <= effectiveEnd {
		effectiveEnd = s.cfg.Cutoff - 1
	}
	if effectiveEnd < start {
		return nil, nil
	}

	order := "ASC"
	if !ascending {
		order = "DESC"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, segment_id, COALESCE(video_id, 0), video_frame_index,
			encoding_status, processing_status, retry_count, last_error, last_text_hash,
			app_bundle_id, app_name, window_title, url, display_index
		FROM frame
		WHERE created_at >= ? AND created_at <= ?
		ORDER BY created_at `+order+`
		LIMIT ?
	`, s.cfg.BindDate(start), s.cfg.BindDate(effectiveEnd), limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.QueryFailed, "store", "FramesInRange", err)
	}
	defer rows.Close()

	var out []model.Frame
	for rows.Next() {
		f, err := s.scanFrameRows(rows)
		if err != nil {
			s.log.Warn("skipping unparsable frame row", "err", err)
			continue
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) scanFrameRows(rows *sql.Rows) (model.Frame, error) {
	var f model.Frame
	var createdAt any
	var encStatus, procStatus string
	if err := rows.Scan(&f.ID, &createdAt, &f.SegmentID, &f.VideoID, &f.VideoFrameIndex,
		&encStatus, &procStatus, &f.RetryCount, &f.LastError, &f.LastTextHash,
		&f.Metadata.AppBundleID, &f.Metadata.AppName, &f.Metadata.WindowTitle, &f.Metadata.URL, &f.Metadata.DisplayIndex,
	); err != nil {
		return model.Frame{}, err
	}
	ts, err := s.cfg.ParseDate(createdAt)
	if err != nil {
		return model.Frame{}, err
	}
	f.CreatedAt = ts
	f.EncodingStatus = model.EncodingStatus(encStatus)
	f.ProcessingStatus = model.ProcessingStatus(procStatus)
	f.Source = model.SourcePrimary
	if s.cfg.HasCutoff() {
		f.Source = model.SourceSecondary
	}
	return f, nil
}

// Stats holds maintenance/observability counters for the store.
type Stats struct {
	FrameCount   int64
	SegmentCount int64
	VideoCount   int64
	PendingCount int64
	FailedCount  int64
}

// GetStats reports row counts used by diagnostics and the admin surface.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	queries := []struct {
		sql string
		dst *int64
	}{
		{`SELECT COUNT(1) FROM frame`, &st.FrameCount},
		{`SELECT COUNT(1) FROM segment`, &st.SegmentCount},
		{`SELECT COUNT(1) FROM video`, &st.VideoCount},
		{`SELECT COUNT(1) FROM frame WHERE processing_status = 'pending'`, &st.PendingCount},
		{`SELECT COUNT(1) FROM frame WHERE processing_status = 'failed'`, &st.FailedCount},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dst); err != nil {
			return st, apperr.Wrap(apperr.QueryFailed, "store", "GetStats", err)
		}
	}
	return st, nil
}

// Vacuum reclaims space after a large delete.
func (s *Store) Vacuum(ctx context.Context) error {
	if err := s.requireWritable("Vacuum"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	if err != nil {
		return apperr.Wrap(apperr.QueryFailed, "store", "Vacuum", err)
	}
	return nil
}

// WALCheckpoint forces a WAL checkpoint, used on clean shutdown.
func (s *Store) WALCheckpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	if err != nil {
		return apperr.Wrap(apperr.QueryFailed, "store", "WALCheckpoint", err)
	}
	return nil
}

// DB exposes the underlying *sql.DB for packages that need to compose
// queries this package doesn't expose directly (internal/search,
// internal/federation), keeping the transactional primitives here as the
// single place writes are serialized.
func (s *Store) DB() *sql.DB {
	return s.db
}
