package pixels

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/haseab/retrace-sub005/internal/apperr"
	"github.com/haseab/retrace-sub005/internal/model"
)

// VideoGetter is the subset of *store.Store the resolver needs to map a
// frame's videoID onto its backing file.
type VideoGetter interface {
	GetVideoSegment(ctx context.Context, id int64) (model.VideoSegment, error)
}

// FrameExtractor is the seek-and-extract primitive, satisfied by *Extractor.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, videoPath string, videoFrameIndex int) ([]byte, error)
}

// Resolver turns a frame row into its pixel bytes: resolve the video row,
// join the relative path under the corpus's chunks root, seek-extract by
// videoFrameIndex. One Resolver per corpus, so federation can route image
// retrieval by a frame's source tag.
type Resolver struct {
	store     VideoGetter
	extractor FrameExtractor
	root      string
}

// NewResolver constructs a Resolver over one corpus's store and chunks root.
func NewResolver(store VideoGetter, extractor FrameExtractor, root string) *Resolver {
	return &Resolver{store: store, extractor: extractor, root: root}
}

// FrameImage returns the frame's pixels as JPEG bytes.
func (r *Resolver) FrameImage(ctx context.Context, frame model.Frame) ([]byte, error) {
	if frame.VideoID == 0 {
		return nil, apperr.New(apperr.VideoFileNotFound, "pixels", "FrameImage",
			fmt.Errorf("frame %d has no finalized video segment", frame.ID))
	}
	video, err := r.store.GetVideoSegment(ctx, frame.VideoID)
	if err != nil {
		return nil, err
	}
	return r.extractor.ExtractFrame(ctx, filepath.Join(r.root, video.RelativePath), frame.VideoFrameIndex)
}
