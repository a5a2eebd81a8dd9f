package queue

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/haseab/retrace-sub005/internal/apperr"
	"github.com/haseab/retrace-sub005/internal/logging"
	"github.com/haseab/retrace-sub005/internal/model"
	"github.com/haseab/retrace-sub005/internal/ocr"
)

// FrameStore is the subset of *store.Store the per-frame OCR/indexing step
// needs: read the frame, resolve its video segment, and commit the
// completed document+nodes transactionally.
type FrameStore interface {
	GetFrame(ctx context.Context, id int64) (model.Frame, error)
	GetVideoSegment(ctx context.Context, id int64) (model.VideoSegment, error)
	CompleteFrame(ctx context.Context, frameID int64, doc model.IndexedDocument, nodes []model.OCRNode, textHash uint64) error
}

// OCRExtractor is the subset of *ocr.Adapter the step needs.
type OCRExtractor interface {
	ExtractText(ctx context.Context, in ocr.Input, cfg ocr.Config) (ocr.ExtractedText, error)
}

// PixelExtractor is the subset of *pixels.Extractor the processing step can
// use to resolve a frame's raw pixels from its finalized video segment, for
// OCR engines that want image bytes rather than an opaque FrameRef.
// Optional: a nil PixelExtractor falls back to FrameRef-only extraction.
type PixelExtractor interface {
	ExtractFrame(ctx context.Context, videoPath string, videoFrameIndex int) ([]byte, error)
}

// ProcessorConfig wires the OCR adapter into a queue.Processor.
type ProcessorConfig struct {
	OCRConfig     ocr.Config
	Languages     []string
	MinConfidence float64
	// StorageRoot and Pixels, if both set, resolve a frame's raw JPEG bytes
	// via ffmpeg seek-extract and attach them to the OCR request alongside
	// its FrameRef.
	StorageRoot string
	Pixels      PixelExtractor
}

// NewFrameProcessor composes the queue's per-frame step: read the frame
// row, resolve pixels via a frame reference into the owning video segment,
// run OCR, then insert nodes + document and mark the frame completed, all
// committed by FrameStore.CompleteFrame in one transaction.
func NewFrameProcessor(store FrameStore, adapter OCRExtractor, cfg ProcessorConfig) Processor {
	log := logging.New("queue.processor")
	return func(ctx context.Context, frameID int64) error {
		frame, err := store.GetFrame(ctx, frameID)
		if err != nil {
			return err
		}

		var frameRef string
		var imageData []byte
		if frame.VideoID != 0 {
			video, err := store.GetVideoSegment(ctx, frame.VideoID)
			if err != nil {
				return err
			}
			frameRef = fmt.Sprintf("%s#%d", video.RelativePath, frame.VideoFrameIndex)

			if cfg.Pixels != nil && cfg.StorageRoot != "" {
				absPath := filepath.Join(cfg.StorageRoot, video.RelativePath)
				data, err := cfg.Pixels.ExtractFrame(ctx, absPath, frame.VideoFrameIndex)
				if err != nil {
					log.Warn("pixel extraction failed, falling back to frameRef only", "frame", frameID, "err", err)
				} else {
					imageData = data
				}
			}
		}

		extracted, err := adapter.ExtractText(ctx, ocr.Input{
			ImageData:     imageData,
			FrameRef:      frameRef,
			Languages:     cfg.Languages,
			MinConfidence: cfg.MinConfidence,
		}, cfg.OCRConfig)
		if err != nil {
			return err
		}

		textHash := xxhash.Sum64String(extracted.FullText)
		if textHash == frame.LastTextHash && frame.ProcessingStatus == model.ProcessingCompleted {
			// Identical re-extraction of an already-completed frame; nothing
			// changed, so skip the redundant write (idempotent retry,).
			return nil
		}

		doc := model.IndexedDocument{
			FrameID:    frameID,
			CreatedAt:  frame.CreatedAt,
			Content:    extracted.FullText,
			ChromeText: extracted.ChromeText,
			AppName:    frame.Metadata.AppName,
			WindowName: frame.Metadata.WindowTitle,
			URL:        frame.Metadata.URL,
		}

		nodes := make([]model.OCRNode, 0, len(extracted.Regions))
		offset := 0
		for i, r := range extracted.Regions {
			nodes = append(nodes, model.OCRNode{
				FrameID:    frameID,
				NodeOrder:  i,
				TextOffset: offset,
				TextLength: len(r.Text),
				Bounds:     model.Rect{X: r.Bounds.X, Y: r.Bounds.Y, W: r.Bounds.W, H: r.Bounds.H},
			})
			offset += len(r.Text) + 1 // +1 for the joining separator in fullText
		}

		if err := store.CompleteFrame(ctx, frameID, doc, nodes, textHash); err != nil {
			return apperr.Wrap(apperr.QueryFailed, "queue", "ProcessFrame", err)
		}
		return nil
	}
}
