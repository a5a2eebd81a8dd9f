// Package migrate bulk-copies a foreign (secondary) corpus's rows into the
// primary store, streaming Progress as it goes. It reads through the same
// narrow store interfaces the rest of the system uses, so the timestamp
// encodings stay hidden behind each store's DatabaseConfig.
package migrate

import (
	"context"

	"github.com/cespare/xxhash/v2"

	"github.com/haseab/retrace-sub005/internal/apperr"
	"github.com/haseab/retrace-sub005/internal/logging"
	"github.com/haseab/retrace-sub005/internal/model"
)

// Source is the read side of an import: satisfied by *store.Store opened
// over the foreign corpus.
type Source interface {
	SessionsInRange(ctx context.Context, start, end int64) ([]model.AppSession, error)
	FramesInRange(ctx context.Context, start, end int64, limit int, ascending bool) ([]model.Frame, error)
	GetVideoSegment(ctx context.Context, id int64) (model.VideoSegment, error)
	GetDocument(ctx context.Context, frameID int64) (model.IndexedDocument, error)
	NodesForFrame(ctx context.Context, frameID int64) ([]model.OCRNode, error)
}

// Dest is the write side: satisfied by the primary *store.Store.
type Dest interface {
	OpenSession(ctx context.Context, sess model.AppSession) (int64, error)
	CloseSession(ctx context.Context, id int64, endDate int64) error
	InsertVideoSegment(ctx context.Context, v model.VideoSegment) (int64, error)
	InsertFrame(ctx context.Context, f model.Frame) (int64, error)
	SetFrameVideo(ctx context.Context, frameID, videoID int64, videoFrameIndex int) error
	CompleteFrame(ctx context.Context, frameID int64, doc model.IndexedDocument, nodes []model.OCRNode, textHash uint64) error
}

// Progress is one streamed MigrationProgress update.
type Progress struct {
	SessionsImported int
	VideosImported   int
	FramesImported   int
	FramesSkipped    int
	CurrentTimestamp int64
	Done             bool
}

// Importer copies one foreign corpus into the primary store.
type Importer struct {
	src Source
	dst Dest
	// BatchSize bounds each FramesInRange page; defaults to 500.
	BatchSize int
	log       interface {
		Warn(msg string, args ...any)
		Info(msg string, args ...any)
	}
}

// New constructs an Importer from src into dst.
func New(src Source, dst Dest) *Importer {
	return &Importer{src: src, dst: dst, BatchSize: 500, log: logging.New("migrate")}
}

const maxEpochMs = int64(1) << 62

// Import walks the foreign corpus oldest-first and copies sessions, videos,
// frames, and their documents/nodes into the destination, reporting on
// progress after every batch. Per-frame failures are logged, counted as
// skipped, and do not halt the import; ctx cancellation stops between
// batches.
func (im *Importer) Import(ctx context.Context, progress chan<- Progress) error {
	batchSize := im.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	var p Progress

	// Sessions first: frames reference them.
	sessions, err := im.src.SessionsInRange(ctx, 0, maxEpochMs)
	if err != nil {
		return apperr.Wrap(apperr.QueryFailed, "migrate", "Import", err)
	}
	sessionIDs := make(map[int64]int64, len(sessions))
	for _, sess := range sessions {
		newID, err := im.dst.OpenSession(ctx, sess)
		if err != nil {
			return apperr.Wrap(apperr.QueryFailed, "migrate", "Import", err)
		}
		if sess.EndDate != nil {
			if err := im.dst.CloseSession(ctx, newID, *sess.EndDate); err != nil {
				return apperr.Wrap(apperr.QueryFailed, "migrate", "Import", err)
			}
		}
		sessionIDs[sess.ID] = newID
		p.SessionsImported++
	}
	im.report(ctx, progress, p)

	videoIDs := make(map[int64]int64)
	importedAtCursor := make(map[int64]bool)
	cursor := int64(0)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch, err := im.src.FramesInRange(ctx, cursor, maxEpochMs, batchSize, true)
		if err != nil {
			return apperr.Wrap(apperr.QueryFailed, "migrate", "Import", err)
		}

		advanced := false
		for _, frame := range batch {
			// FramesInRange pages by timestamp with an inclusive start, so a
			// frame at the cursor timestamp may reappear on the next page.
			if frame.CreatedAt == cursor && importedAtCursor[frame.ID] {
				continue
			}
			if frame.CreatedAt > cursor {
				cursor = frame.CreatedAt
				importedAtCursor = make(map[int64]bool)
			}
			importedAtCursor[frame.ID] = true
			advanced = true

			if err := im.importFrame(ctx, frame, sessionIDs, videoIDs, &p); err != nil {
				p.FramesSkipped++
				im.log.Warn("skipping frame, continuing", "frame", frame.ID, "err", err)
			}
			p.CurrentTimestamp = frame.CreatedAt
		}

		im.report(ctx, progress, p)
		if !advanced || len(batch) < batchSize {
			break
		}
	}

	p.Done = true
	im.report(ctx, progress, p)
	im.log.Info("import finished",
		"sessions", p.SessionsImported, "videos", p.VideosImported,
		"frames", p.FramesImported, "skipped", p.FramesSkipped)
	return nil
}

func (im *Importer) importFrame(ctx context.Context, frame model.Frame, sessionIDs, videoIDs map[int64]int64, p *Progress) error {
	newVideoID := int64(0)
	if frame.VideoID != 0 {
		mapped, ok := videoIDs[frame.VideoID]
		if !ok {
			video, err := im.src.GetVideoSegment(ctx, frame.VideoID)
			if err != nil {
				return err
			}
			mapped, err = im.dst.InsertVideoSegment(ctx, video)
			if err != nil {
				return err
			}
			videoIDs[frame.VideoID] = mapped
			p.VideosImported++
		}
		newVideoID = mapped
	}

	copied := frame
	copied.ID = 0
	copied.VideoID = 0
	copied.Source = model.SourcePrimary
	if mapped, ok := sessionIDs[frame.SegmentID]; ok {
		copied.SegmentID = mapped
	}

	newFrameID, err := im.dst.InsertFrame(ctx, copied)
	if err != nil {
		return err
	}
	if newVideoID != 0 {
		if err := im.dst.SetFrameVideo(ctx, newFrameID, newVideoID, frame.VideoFrameIndex); err != nil {
			return err
		}
	}

	// Frames the foreign corpus already OCR'd keep their document and nodes;
	// everything else stays pending and the Processing Queue picks it up.
	if frame.ProcessingStatus == model.ProcessingCompleted {
		doc, err := im.src.GetDocument(ctx, frame.ID)
		if err != nil {
			return err
		}
		nodes, err := im.src.NodesForFrame(ctx, frame.ID)
		if err != nil {
			return err
		}
		doc.FrameID = newFrameID
		for i := range nodes {
			nodes[i].ID = 0
			nodes[i].FrameID = newFrameID
		}
		if err := im.dst.CompleteFrame(ctx, newFrameID, doc, nodes, xxhash.Sum64String(doc.Content)); err != nil {
			return err
		}
	}

	p.FramesImported++
	return nil
}

// report sends a progress snapshot without ever blocking the import on a
// slow consumer past ctx cancellation.
func (im *Importer) report(ctx context.Context, progress chan<- Progress, p Progress) {
	if progress == nil {
		return
	}
	select {
	case progress <- p:
	case <-ctx.Done():
	}
}
