package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haseab/retrace-sub005/internal/model"
	"github.com/haseab/retrace-sub005/internal/ocr"
)

type fakeFrameStore struct {
	frame       model.Frame
	video       model.VideoSegment
	completeErr error
	completed   bool
	gotTextHash uint64
	gotDoc      model.IndexedDocument
}

func (f *fakeFrameStore) GetFrame(ctx context.Context, id int64) (model.Frame, error) {
	return f.frame, nil
}

func (f *fakeFrameStore) GetVideoSegment(ctx context.Context, id int64) (model.VideoSegment, error) {
	return f.video, nil
}

func (f *fakeFrameStore) CompleteFrame(ctx context.Context, frameID int64, doc model.IndexedDocument, nodes []model.OCRNode, textHash uint64) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = true
	f.gotTextHash = textHash
	f.gotDoc = doc
	return nil
}

type fakeExtractor struct {
	out ExtractedTextFunc
	err error
}

type ExtractedTextFunc func(in ocr.Input) ocr.ExtractedText

func (f *fakeExtractor) ExtractText(ctx context.Context, in ocr.Input, cfg ocr.Config) (ocr.ExtractedText, error) {
	if f.err != nil {
		return ocr.ExtractedText{}, f.err
	}
	return f.out(in), nil
}

func TestNewFrameProcessorCompletesFrame(t *testing.T) {
	store := &fakeFrameStore{
		frame: model.Frame{ID: 1, VideoID: 7, VideoFrameIndex: 3, CreatedAt: 500},
		video: model.VideoSegment{RelativePath: "seg-0.mp4"},
	}
	extractor := &fakeExtractor{out: func(in ocr.Input) ocr.ExtractedText {
		assert.Equal(t, "seg-0.mp4#3", in.FrameRef)
		return ocr.ExtractedText{FullText: "hello", Regions: []ocr.Region{{Text: "hello"}}}
	}}

	proc := NewFrameProcessor(store, extractor, ProcessorConfig{Languages: []string{"en"}})
	err := proc(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, store.completed)
	assert.Equal(t, "hello", store.gotDoc.Content)
}

func TestNewFrameProcessorSkipsUnchangedCompletedFrame(t *testing.T) {
	store := &fakeFrameStore{
		frame: model.Frame{ID: 1, ProcessingStatus: model.ProcessingCompleted, LastTextHash: xxhash.Sum64String("unchanged")},
	}
	extractor := &fakeExtractor{out: func(in ocr.Input) ocr.ExtractedText {
		return ocr.ExtractedText{FullText: "unchanged"}
	}}

	proc := NewFrameProcessor(store, extractor, ProcessorConfig{})
	err := proc(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, store.completed, "a retry with identical text on an already-completed frame must not rewrite")
}

func TestNewFrameProcessorPropagatesOCRError(t *testing.T) {
	store := &fakeFrameStore{frame: model.Frame{ID: 1}}
	extractor := &fakeExtractor{err: errors.New("ocr unavailable")}

	proc := NewFrameProcessor(store, extractor, ProcessorConfig{})
	err := proc(context.Background(), 1)
	require.Error(t, err)
}
