// Package ingest implements the ingest coordinator: the single logical
// task that owns the live capture subscription and drives
// Capture -> {SegmentWriter, RelationalStore} -> ProcessingQueue enqueue,
// continuing past any single frame's failure.
package ingest

import (
	"context"
	"sync/atomic"

	"github.com/haseab/retrace-sub005/internal/apperr"
	"github.com/haseab/retrace-sub005/internal/logging"
	"github.com/haseab/retrace-sub005/internal/model"
	"github.com/haseab/retrace-sub005/internal/segment"
)

// CapturedFrame is the external CaptureSource.CapturedFrame contract.
type CapturedFrame struct {
	Timestamp    int64
	ImageData    []byte
	Width        int
	Height       int
	BytesPerRow  int
	AppBundleID  string
	AppName      string
	WindowTitle  string
	URL          string
	DisplayIndex int
}

// Store is the subset of *store.Store the coordinator needs.
type Store interface {
	OpenSession(ctx context.Context, sess model.AppSession) (int64, error)
	CloseSession(ctx context.Context, id int64, endDate int64) error
	InsertVideoSegment(ctx context.Context, v model.VideoSegment) (int64, error)
	InsertFrame(ctx context.Context, f model.Frame) (int64, error)
	SetFrameVideo(ctx context.Context, frameID, videoID int64, videoFrameIndex int) error
	WALCheckpoint(ctx context.Context) error
}

// Enqueuer is the subset of *queue.Queue the coordinator needs for
// backpressure accounting.
type Enqueuer interface {
	TryEnqueue(currentDepth int64) error
}

// SegmentOpener constructs a new segment.Writer rooted at a storage root,
// narrowed so tests can substitute a fake writer.
type SegmentOpener func(ctx context.Context, root string, startTime int64) (SegmentWriter, error)

// SegmentWriter is the subset of *segment.Writer the coordinator drives.
type SegmentWriter interface {
	AppendFrame(ctx context.Context, f segment.CapturedFrame) (int, error)
	FrameCount() int
	Finalize(ctx context.Context) (model.VideoSegment, error)
}

// Stats counts per-run outcomes.
type Stats struct {
	FramesIngested atomic.Int64
	FramesErrored  atomic.Int64
}

// Coordinator drives the per-frame ingest sequence: segment roll, append,
// session bookkeeping, frame insert, enqueue.
type Coordinator struct {
	store            Store
	queue            Enqueuer
	openSegment      SegmentOpener
	storageRoot      string
	segmentFramesCap int
	currentDepth     func() int64

	writer        SegmentWriter
	pendingFrames []pendingFrame

	sessionID  int64
	sessionKey sessionKey

	onSessionChange func()

	log *loggerFacade

	Stats Stats
}

type sessionKey struct {
	bundleID string
	window   string
}

type loggerFacade struct {
	warn func(msg string, args ...any)
}

// Config constructs a Coordinator.
type Config struct {
	Store            Store
	Queue            Enqueuer
	OpenSegment      SegmentOpener
	StorageRoot      string
	SegmentFramesCap int
	CurrentDepth     func() int64
	// OnSessionChange fires after any write that opens or closes an
	// AppSession, so the federation layer's segment cache can invalidate.
	OnSessionChange func()
}

// New constructs a Coordinator.
func New(cfg Config) *Coordinator {
	cap := cfg.SegmentFramesCap
	if cap <= 0 {
		cap = 150
	}
	l := logging.New("ingest")
	return &Coordinator{
		store:            cfg.Store,
		queue:            cfg.Queue,
		openSegment:      cfg.OpenSegment,
		storageRoot:      cfg.StorageRoot,
		segmentFramesCap: cap,
		currentDepth:     cfg.CurrentDepth,
		onSessionChange:  cfg.OnSessionChange,
		log:              &loggerFacade{warn: l.Warn},
	}
}

// IngestFrame runs the six-step algorithm for one incoming
// frame. Per-step errors are logged, counted, and swallowed — the pipeline
// must not halt on a single-frame failure (step 6).
func (c *Coordinator) IngestFrame(ctx context.Context, f CapturedFrame) {
	if err := c.ingestFrame(ctx, f); err != nil {
		c.Stats.FramesErrored.Add(1)
		c.log.warn("frame ingest failed, continuing", "err", err, "timestamp", f.Timestamp)
		return
	}
	c.Stats.FramesIngested.Add(1)
}

func (c *Coordinator) ingestFrame(ctx context.Context, f CapturedFrame) error {
	// Step 1: roll the segment if needed.
	if c.writer == nil || c.writer.FrameCount() >= c.segmentFramesCap {
		if err := c.rollSegment(ctx, f.Timestamp); err != nil {
			return err
		}
	}

	// Step 2: append to the current writer.
	videoFrameIndex, err := c.writer.AppendFrame(ctx, segment.CapturedFrame{
		Timestamp:   f.Timestamp,
		ImageData:   f.ImageData,
		Width:       f.Width,
		Height:      f.Height,
		BytesPerRow: f.BytesPerRow,
	})
	if err != nil {
		// WriterClosed/EncoderError: the writer is discarded, so every
		// pendingFrame entry accumulated against it is now stale (its
		// videoFrameIndex was computed for a segment that will never be
		// persisted). Drop them too, or a later finalize on the *next*
		// writer would attach them to the wrong videoID.
		c.writer = nil
		c.pendingFrames = nil
		return apperr.Wrap(apperr.EncoderError, "ingest", "IngestFrame", err)
	}

	// Step 3: session bookkeeping.
	key := sessionKey{bundleID: f.AppBundleID, window: f.WindowTitle}
	if c.sessionID == 0 || key != c.sessionKey {
		if c.sessionID != 0 {
			if err := c.store.CloseSession(ctx, c.sessionID, f.Timestamp); err != nil {
				c.log.warn("close session failed", "err", err)
			}
		}
		sessID, err := c.store.OpenSession(ctx, model.AppSession{
			BundleID:   f.AppBundleID,
			StartDate:  f.Timestamp,
			WindowName: f.WindowTitle,
			BrowserURL: f.URL,
		})
		if err != nil {
			return err
		}
		c.sessionID = sessID
		c.sessionKey = key
		if c.onSessionChange != nil {
			c.onSessionChange()
		}
	}

	// Step 4: insert the frame row.
	frameID, err := c.store.InsertFrame(ctx, model.Frame{
		CreatedAt:        f.Timestamp,
		SegmentID:        c.sessionID,
		VideoFrameIndex:  videoFrameIndex,
		EncodingStatus:   model.EncodingPending,
		ProcessingStatus: model.ProcessingPending,
		Metadata: model.FrameMetadata{
			AppBundleID:  f.AppBundleID,
			AppName:      f.AppName,
			WindowTitle:  f.WindowTitle,
			URL:          f.URL,
			DisplayIndex: f.DisplayIndex,
		},
	})
	if err != nil {
		return err
	}

	// Step 5: enqueue (backpressure check only; durability is the row
	// itself, already committed in step 4).
	if c.queue != nil {
		depth := int64(0)
		if c.currentDepth != nil {
			depth = c.currentDepth()
		}
		if err := c.queue.TryEnqueue(depth); err != nil {
			return err
		}
	}

	c.pendingFrames = append(c.pendingFrames, pendingFrame{frameID: frameID, videoFrameIndex: videoFrameIndex})
	return nil
}

type pendingFrame struct {
	frameID         int64
	videoFrameIndex int
}

func (c *Coordinator) rollSegment(ctx context.Context, startTime int64) error {
	if c.writer != nil {
		if err := c.finalizeCurrentSegment(ctx); err != nil {
			c.log.warn("finalize segment failed, continuing with a fresh writer", "err", err)
		}
	}
	w, err := c.openSegment(ctx, c.storageRoot, startTime)
	if err != nil {
		return err
	}
	c.writer = w
	return nil
}

// finalizeCurrentSegment flushes the open writer, persists its descriptor,
// and backfills videoID on every frame that was appended to it.
func (c *Coordinator) finalizeCurrentSegment(ctx context.Context) error {
	desc, err := c.writer.Finalize(ctx)
	if err != nil {
		c.writer = nil
		c.pendingFrames = nil
		return err
	}
	videoID, err := c.store.InsertVideoSegment(ctx, desc)
	if err != nil {
		c.writer = nil
		c.pendingFrames = nil
		return err
	}
	for _, pf := range c.pendingFrames {
		if err := c.store.SetFrameVideo(ctx, pf.frameID, videoID, pf.videoFrameIndex); err != nil {
			c.log.warn("set frame video failed", "frame", pf.frameID, "err", err)
		}
	}
	c.writer = nil
	c.pendingFrames = nil
	return nil
}

// Shutdown finalizes the current writer, closes the current AppSession,
// and WAL-checkpoints the store.
func (c *Coordinator) Shutdown(ctx context.Context, now int64) error {
	var firstErr error
	if c.writer != nil {
		if err := c.finalizeCurrentSegment(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.sessionID != 0 {
		if err := c.store.CloseSession(ctx, c.sessionID, now); err != nil && firstErr == nil {
			firstErr = err
		}
		c.sessionID = 0
		if c.onSessionChange != nil {
			c.onSessionChange()
		}
	}
	if err := c.store.WALCheckpoint(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
