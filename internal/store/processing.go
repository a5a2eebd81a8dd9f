package store

import (
	"context"
	"database/sql"

	"github.com/haseab/retrace-sub005/internal/apperr"
	"github.com/haseab/retrace-sub005/internal/model"
)

// ClaimNextPending atomically transitions one pending frame to processing
// in a single transaction, so two concurrent workers can never claim the
// same frame. Returns (0, false, nil) when the queue is empty.
func (s *Store) ClaimNextPending(ctx context.Context) (int64, bool, error) {
	if err := s.requireWritable("ClaimNextPending"); err != nil {
		return 0, false, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, apperr.Wrap(apperr.QueryFailed, "store", "ClaimNextPending", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM frame WHERE processing_status = 'pending' ORDER BY created_at ASC, id ASC LIMIT 1
	`).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperr.Wrap(apperr.QueryFailed, "store", "ClaimNextPending", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE frame SET processing_status = 'processing' WHERE id = ? AND processing_status = 'pending'`, id,
	); err != nil {
		return 0, false, apperr.Wrap(apperr.QueryFailed, "store", "ClaimNextPending", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, apperr.Wrap(apperr.QueryFailed, "store", "ClaimNextPending", err)
	}
	return id, true, nil
}

// ResetStuckProcessing resets every frame stuck in processing back to
// pending. Called once on startup for crash recovery; afterwards no frame
// remains in processing.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int, error) {
	if err := s.requireWritable("ResetStuckProcessing"); err != nil {
		return 0, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE frame SET processing_status = 'pending' WHERE processing_status = 'processing'`)
	if err != nil {
		return 0, apperr.Wrap(apperr.QueryFailed, "store", "ResetStuckProcessing", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CompleteFrame inserts the document and its OCR nodes, then transitions
// the frame to completed, all within one transaction.
// Node rows for a prior attempt are deleted before inserting the new set so
// a retry never leaves duplicates (idempotent-retry property,).
func (s *Store) CompleteFrame(ctx context.Context, frameID int64, doc model.IndexedDocument, nodes []model.OCRNode, textHash uint64) error {
	if err := s.requireWritable("CompleteFrame"); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.QueryFailed, "store", "CompleteFrame", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM node WHERE frame_id = ?`, frameID); err != nil {
		return apperr.Wrap(apperr.QueryFailed, "store", "CompleteFrame", err)
	}
	for _, n := range nodes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO node (frame_id, node_order, text_offset, text_length, left_x, top_y, width, height, window_index)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, frameID, n.NodeOrder, n.TextOffset, n.TextLength, n.Bounds.X, n.Bounds.Y, n.Bounds.W, n.Bounds.H, 0); err != nil {
			return apperr.Wrap(apperr.QueryFailed, "store", "CompleteFrame", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document (frame_id, created_at, content, chrome_text, app_name, window_name, url)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(frame_id) DO UPDATE SET
			content = excluded.content,
			chrome_text = excluded.chrome_text,
			app_name = excluded.app_name,
			window_name = excluded.window_name,
			url = excluded.url
	`, frameID, s.cfg.BindDate(doc.CreatedAt), doc.Content, doc.ChromeText, doc.AppName, doc.WindowName, doc.URL); err != nil {
		return apperr.Wrap(apperr.QueryFailed, "store", "CompleteFrame", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE frame SET processing_status = 'completed', last_text_hash = ? WHERE id = ?`, textHash, frameID,
	); err != nil {
		return apperr.Wrap(apperr.QueryFailed, "store", "CompleteFrame", err)
	}

	return tx.Commit()
}

// NodesForFrame returns the OCR nodes belonging to a frame ordered by
// nodeOrder, as inserted by CompleteFrame.
func (s *Store) NodesForFrame(ctx context.Context, frameID int64) ([]model.OCRNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, frame_id, node_order, text_offset, text_length, left_x, top_y, width, height
		FROM node WHERE frame_id = ? ORDER BY node_order ASC
	`, frameID)
	if err != nil {
		return nil, apperr.Wrap(apperr.QueryFailed, "store", "NodesForFrame", err)
	}
	defer rows.Close()

	var out []model.OCRNode
	for rows.Next() {
		var n model.OCRNode
		if err := rows.Scan(&n.ID, &n.FrameID, &n.NodeOrder, &n.TextOffset, &n.TextLength,
			&n.Bounds.X, &n.Bounds.Y, &n.Bounds.W, &n.Bounds.H); err != nil {
			return nil, apperr.Wrap(apperr.ParseFailed, "store", "NodesForFrame", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// RetryOrFail increments the retry counter; if it stays under maxRetries the
// frame returns to pending, otherwise it is marked failed with the error
// persisted.
func (s *Store) RetryOrFail(ctx context.Context, frameID int64, cause error, maxRetries int) error {
	if err := s.requireWritable("RetryOrFail"); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var retryCount int
	if err := s.db.QueryRowContext(ctx, `SELECT retry_count FROM frame WHERE id = ?`, frameID).Scan(&retryCount); err != nil {
		return apperr.Wrap(apperr.QueryFailed, "store", "RetryOrFail", err)
	}
	retryCount++

	status := "pending"
	if retryCount >= maxRetries {
		status = "failed"
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE frame SET processing_status = ?, retry_count = ?, last_error = ? WHERE id = ?`,
		status, retryCount, msg, frameID)
	if err != nil {
		return apperr.Wrap(apperr.QueryFailed, "store", "RetryOrFail", err)
	}
	return nil
}

// DeleteOrphanVideos removes video rows no frame references, returning their
// relative paths so the caller can unlink the backing files.
func (s *Store) DeleteOrphanVideos(ctx context.Context) ([]string, error) {
	if err := s.requireWritable("DeleteOrphanVideos"); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.path FROM video v
		LEFT JOIN frame f ON f.video_id = v.id
		WHERE f.id IS NULL
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.QueryFailed, "store", "DeleteOrphanVideos", err)
	}
	var ids []int64
	var paths []string
	for rows.Next() {
		var id int64
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			rows.Close()
			return nil, apperr.Wrap(apperr.ParseFailed, "store", "DeleteOrphanVideos", err)
		}
		ids = append(ids, id)
		paths = append(paths, path)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.QueryFailed, "store", "DeleteOrphanVideos", err)
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM video WHERE id = ?`, id); err != nil {
			return nil, apperr.Wrap(apperr.QueryFailed, "store", "DeleteOrphanVideos", err)
		}
	}
	return paths, nil
}

// DeleteOrphanNodes is a defensive sweep for node rows whose frame no
// longer exists.
func (s *Store) DeleteOrphanNodes(ctx context.Context) (int, error) {
	if err := s.requireWritable("DeleteOrphanNodes"); err != nil {
		return 0, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM node WHERE frame_id NOT IN (SELECT id FROM frame)
	`)
	if err != nil {
		return 0, apperr.Wrap(apperr.QueryFailed, "store", "DeleteOrphanNodes", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteSessionsEndedBefore deletes AppSessions whose endDate < cutoff.
func (s *Store) DeleteSessionsEndedBefore(ctx context.Context, cutoff int64) (int, error) {
	if err := s.requireWritable("DeleteSessionsEndedBefore"); err != nil {
		return 0, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM segment WHERE end_date IS NOT NULL AND end_date < ?`, s.cfg.BindDate(cutoff))
	if err != nil {
		return 0, apperr.Wrap(apperr.QueryFailed, "store", "DeleteSessionsEndedBefore", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
