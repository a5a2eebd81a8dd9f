package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/haseab/retrace-sub005/internal/apperr"
	"github.com/haseab/retrace-sub005/internal/model"
)

// GetSession reads one AppSession row by ID.
func (s *Store) GetSession(ctx context.Context, id int64) (model.AppSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bundle_id, start_date, end_date, window_name, browser_url, type
		FROM segment WHERE id = ?
	`, id)
	sess, err := s.scanSession(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.AppSession{}, apperr.New(apperr.FrameNotFound, "store", "GetSession", err)
		}
		return model.AppSession{}, apperr.Wrap(apperr.QueryFailed, "store", "GetSession", err)
	}
	return sess, nil
}

// SessionsInRange returns AppSessions overlapping [start, end] ordered by
// startDate, honoring the store's cutoff. Open-ended sessions (endDate NULL)
// overlap any range whose end is past their start.
func (s *Store) SessionsInRange(ctx context.Context, start, end int64) ([]model.AppSession, error) {
	if end < start {
		return nil, nil
	}
	effectiveEnd := end
	if s.cfg.HasCutoff() && s.cfg.Cutoff < effectiveEnd {
		effectiveEnd = s.cfg.Cutoff
	}
	if effectiveEnd < start {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bundle_id, start_date, end_date, window_name, browser_url, type
		FROM segment
		WHERE start_date <= ? AND (end_date IS NULL OR end_date >= ?)
		ORDER BY start_date ASC
	`, s.cfg.BindDate(effectiveEnd), s.cfg.BindDate(start))
	if err != nil {
		return nil, apperr.Wrap(apperr.QueryFailed, "store", "SessionsInRange", err)
	}
	defer rows.Close()

	var out []model.AppSession
	for rows.Next() {
		sess, err := s.scanSession(rows.Scan)
		if err != nil {
			s.log.Warn("skipping unparsable session row", "err", err)
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) scanSession(scan func(dest ...any) error) (model.AppSession, error) {
	var sess model.AppSession
	var startDate any
	var endDate any
	if err := scan(&sess.ID, &sess.BundleID, &startDate, &endDate,
		&sess.WindowName, &sess.BrowserURL, &sess.Type); err != nil {
		return model.AppSession{}, err
	}
	st, err := s.cfg.ParseDate(startDate)
	if err != nil {
		return model.AppSession{}, err
	}
	sess.StartDate = st
	if endDate != nil {
		et, err := s.cfg.ParseDate(endDate)
		if err != nil {
			return model.AppSession{}, err
		}
		sess.EndDate = &et
	}
	sess.Source = model.SourcePrimary
	if s.cfg.HasCutoff() {
		sess.Source = model.SourceSecondary
	}
	return sess, nil
}

// GetDocument reads the indexed document belonging to a frame.
func (s *Store) GetDocument(ctx context.Context, frameID int64) (model.IndexedDocument, error) {
	var d model.IndexedDocument
	var createdAt any
	row := s.db.QueryRowContext(ctx, `
		SELECT frame_id, created_at, content, chrome_text, app_name, window_name, url
		FROM document WHERE frame_id = ?
	`, frameID)
	if err := row.Scan(&d.FrameID, &createdAt, &d.Content, &d.ChromeText, &d.AppName, &d.WindowName, &d.URL); err != nil {
		if err == sql.ErrNoRows {
			return model.IndexedDocument{}, apperr.New(apperr.FrameNotFound, "store", "GetDocument", err)
		}
		return model.IndexedDocument{}, apperr.Wrap(apperr.QueryFailed, "store", "GetDocument", err)
	}
	ts, err := s.cfg.ParseDate(createdAt)
	if err != nil {
		return model.IndexedDocument{}, apperr.Wrap(apperr.ParseFailed, "store", "GetDocument", err)
	}
	d.CreatedAt = ts
	return d, nil
}

// DeleteVideoSegment deletes a video row; the frame foreign key cascades so
// every frame referencing it (and their nodes/documents/FTS rows) goes too.
func (s *Store) DeleteVideoSegment(ctx context.Context, id int64) error {
	if err := s.requireWritable("DeleteVideoSegment"); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM video WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.QueryFailed, "store", "DeleteVideoSegment", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.VideoFileNotFound, "store", "DeleteVideoSegment", fmt.Errorf("video %d not found", id))
	}
	return nil
}

// FramesForApps is the app-filtered variant of FramesInRange: includeApps
// narrows to those bundle IDs, excludeApps removes matches. Either may be
// empty.
func (s *Store) FramesForApps(ctx context.Context, start, end int64, includeApps, excludeApps []string, limit int, ascending bool) ([]model.Frame, error) {
	if end < start || limit <= 0 {
		return nil, nil
	}
	effectiveEnd := end
	if s.cfg.HasCutoff() && s.cfg.Cutoff < effectiveEnd {
		effectiveEnd = s.cfg.Cutoff
	}
	if effectiveEnd < start {
		return nil, nil
	}

	query := `
		SELECT id, created_at, segment_id, COALESCE(video_id, 0), video_frame_index,
			encoding_status, processing_status, retry_count, last_error, last_text_hash,
			app_bundle_id, app_name, window_title, url, display_index
		FROM frame
		WHERE created_at >= ? AND created_at <= ?`
	args := []any{s.cfg.BindDate(start), s.cfg.BindDate(effectiveEnd)}

	if len(includeApps) > 0 {
		query += ` AND app_bundle_id IN (` + placeholders(len(includeApps)) + `)`
		for _, app := range includeApps {
			args = append(args, app)
		}
	}
	if len(excludeApps) > 0 {
		query += ` AND app_bundle_id NOT IN (` + placeholders(len(excludeApps)) + `)`
		for _, app := range excludeApps {
			args = append(args, app)
		}
	}

	order := "ASC"
	if !ascending {
		order = "DESC"
	}
	query += ` ORDER BY created_at ` + order + ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.QueryFailed, "store", "FramesForApps", err)
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

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

// Analyze refreshes the query planner's statistics after bulk changes,
// alongside Vacuum and WALCheckpoint in the maintenance surface.
func (s *Store) Analyze(ctx context.Context) error {
	if err := s.requireWritable("Analyze"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `ANALYZE`)
	if err != nil {
		return apperr.Wrap(apperr.QueryFailed, "store", "Analyze", err)
	}
	return nil
}
