// Package pixels resolves a frame's pixel bytes out of its finalized video
// segment via an ffmpeg seek-and-extract, for callers that want to hand the
// OCR adapter real image data instead of (or alongside) an opaque FrameRef.
package pixels

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/haseab/retrace-sub005/internal/apperr"
)

// frameIntervalSeconds matches internal/segment.Writer's fixed encode rate
// (-r 0.5, one frame every 2s), so a frame's timestamp within its segment is
// derivable from its index alone.
const frameIntervalSeconds = 2.0

// Extractor pulls a single frame's pixels out of an already-finalized video
// file via an ffmpeg subprocess.
type Extractor struct {
	ffmpegPath string
}

// New locates ffmpeg on PATH.
func New() (*Extractor, error) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, apperr.Wrap(apperr.NotInitialized, "pixels", "New", fmt.Errorf("ffmpeg not found in PATH: %w", err))
	}
	return &Extractor{ffmpegPath: path}, nil
}

// ExtractFrame seeks to videoFrameIndex * frameIntervalSeconds in videoPath
// and returns that single frame encoded as JPEG.
func (e *Extractor) ExtractFrame(ctx context.Context, videoPath string, videoFrameIndex int) ([]byte, error) {
	timestamp := float64(videoFrameIndex) * frameIntervalSeconds

	cmd := exec.CommandContext(ctx, e.ffmpegPath,
		"-ss", fmt.Sprintf("%.2f", timestamp),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"pipe:1",
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, apperr.Wrap(apperr.EncoderError, "pixels", "ExtractFrame", fmt.Errorf("ffmpeg seek-extract: %w", err))
	}
	return out.Bytes(), nil
}
