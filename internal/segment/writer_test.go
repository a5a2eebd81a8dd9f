package segment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haseab/retrace-sub005/internal/apperr"
)

func TestSegmentRelPathLayout(t *testing.T) {
	// 2026-01-15T00:00:00Z
	ts := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, "chunks/202601/1768435200000", segmentRelPath(ts))
}

func TestSegmentRelPathMonthRollsInUTC(t *testing.T) {
	// One ms before and after a UTC month boundary land in different dirs.
	boundary := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	before := segmentRelPath(boundary - 1)
	after := segmentRelPath(boundary)
	assert.Contains(t, before, "chunks/202601/")
	assert.Contains(t, after, "chunks/202602/")
}

func TestAppendFrameAfterFinalizeIsWriterClosed(t *testing.T) {
	w := &Writer{closed: true}

	_, err := w.AppendFrame(context.Background(), CapturedFrame{Width: 2, Height: 2})
	require.True(t, errors.Is(err, apperr.ErrWriterClosed))
}

func TestFinalizeTwiceIsWriterClosed(t *testing.T) {
	w := &Writer{closed: true}

	_, err := w.Finalize(context.Background())
	require.True(t, errors.Is(err, apperr.ErrWriterClosed))
}
