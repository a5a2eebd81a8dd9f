// Package segment writes rolling video segments: frames append to a single
// open container via an ffmpeg subprocess fed over stdin, and Finalize
// closes the file and returns its VideoSegment descriptor.
package segment

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/haseab/retrace-sub005/internal/apperr"
	"github.com/haseab/retrace-sub005/internal/logging"
	"github.com/haseab/retrace-sub005/internal/model"
)

// CapturedFrame is the subset of the external CaptureSource.CapturedFrame
// the writer needs.
type CapturedFrame struct {
	Timestamp   int64
	ImageData   []byte // raw BGRA
	Width       int
	Height      int
	BytesPerRow int
}

// Writer appends frames to one ffmpeg subprocess piped over stdin and
// finalizes to an immutable file at <root>/chunks/YYYYMM/<unix-ms>.
type Writer struct {
	ffmpegPath   string
	ffprobePath  string
	root         string
	relativePath string
	absPath      string
	startTime    int64
	lastTime     int64
	frameCount   int
	width        int
	height       int

	cmd    *exec.Cmd
	stdin  *bufio.Writer
	stdinF *os.File
	pipe   io.WriteCloser
	closed bool
}

// New locates ffmpeg/ffprobe on PATH and prepares a fresh segment path
// under root, named by startTime in unix-ms; the file itself is created
// when the first appended frame starts the encoder.
func New(ctx context.Context, root string, startTime int64) (*Writer, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, apperr.Wrap(apperr.NotInitialized, "segment", "New", fmt.Errorf("ffmpeg not found in PATH: %w", err))
	}
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, apperr.Wrap(apperr.NotInitialized, "segment", "New", fmt.Errorf("ffprobe not found in PATH: %w", err))
	}

	relPath := segmentRelPath(startTime)
	if err := os.MkdirAll(filepath.Join(root, filepath.Dir(relPath)), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.EncoderError, "segment", "New", err)
	}
	absPath := filepath.Join(root, relPath)

	w := &Writer{
		ffmpegPath:   ffmpegPath,
		ffprobePath:  ffprobePath,
		root:         root,
		relativePath: relPath,
		absPath:      absPath,
		startTime:    startTime,
		lastTime:     startTime,
	}
	return w, nil
}

// segmentRelPath is the on-disk layout: chunks/YYYYMM/<unix-ms>,
// extensionless; the root is joined back on at read time.
func segmentRelPath(startTime int64) string {
	month := time.UnixMilli(startTime).UTC().Format("200601")
	return filepath.Join("chunks", month, strconv.FormatInt(startTime, 10))
}

// openEncoder lazily starts the ffmpeg subprocess once the first frame's
// dimensions are known.
func (w *Writer) openEncoder(width, height int) error {
	cmd := exec.Command(w.ffmpegPath,
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "bgra",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", "0.5", // one frame every 2s, the capture cadence
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-f", "mp4", // the path has no extension to infer a format from
		w.absPath,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("segment: open stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("segment: start ffmpeg: %w", err)
	}

	w.cmd = cmd
	w.stdinF = nil
	w.pipe = stdin
	w.stdin = bufio.NewWriter(stdin)
	w.width = width
	w.height = height
	return nil
}

// AppendFrame buffers a frame into the encoder and returns its
// videoFrameIndex (the 0-based position it will occupy in this segment).
func (w *Writer) AppendFrame(ctx context.Context, f CapturedFrame) (int, error) {
	if w.closed {
		return 0, apperr.New(apperr.WriterClosed, "segment", "AppendFrame", fmt.Errorf("writer finalized"))
	}
	if w.cmd == nil {
		if err := w.openEncoder(f.Width, f.Height); err != nil {
			return 0, apperr.Wrap(apperr.EncoderError, "segment", "AppendFrame", err)
		}
	}
	if f.Width != w.width || f.Height != w.height {
		return 0, apperr.New(apperr.EncoderError, "segment", "AppendFrame",
			fmt.Errorf("frame dimensions %dx%d differ from segment's %dx%d", f.Width, f.Height, w.width, w.height))
	}

	if _, err := w.stdin.Write(f.ImageData); err != nil {
		return 0, apperr.Wrap(apperr.EncoderError, "segment", "AppendFrame", err)
	}

	idx := w.frameCount
	w.frameCount++
	w.lastTime = f.Timestamp
	return idx, nil
}

// FrameCount reports frames appended so far, for the coordinator's roll
// decision.
func (w *Writer) FrameCount() int {
	return w.frameCount
}

// Finalize flushes the encoder, closes the pipe, waits for ffmpeg to write
// its trailer, fsyncs the file, and returns the VideoSegment descriptor.
func (w *Writer) Finalize(ctx context.Context) (model.VideoSegment, error) {
	if w.closed {
		return model.VideoSegment{}, apperr.New(apperr.WriterClosed, "segment", "Finalize", fmt.Errorf("already finalized"))
	}
	w.closed = true

	if w.cmd == nil {
		// No frames were ever appended; nothing to finalize.
		return model.VideoSegment{}, apperr.New(apperr.EncoderError, "segment", "Finalize", fmt.Errorf("no frames appended"))
	}

	if err := w.stdin.Flush(); err != nil {
		return model.VideoSegment{}, apperr.Wrap(apperr.EncoderError, "segment", "Finalize", err)
	}
	if err := w.pipe.Close(); err != nil {
		return model.VideoSegment{}, apperr.Wrap(apperr.EncoderError, "segment", "Finalize", err)
	}
	if err := w.cmd.Wait(); err != nil {
		return model.VideoSegment{}, apperr.Wrap(apperr.EncoderError, "segment", "Finalize", err)
	}

	if err := fsyncPath(w.absPath); err != nil {
		return model.VideoSegment{}, apperr.Wrap(apperr.EncoderError, "segment", "Finalize", err)
	}

	info, err := os.Stat(w.absPath)
	if err != nil {
		return model.VideoSegment{}, apperr.Wrap(apperr.VideoFileNotFound, "segment", "Finalize", err)
	}

	width, height, frameRate, err := probeDimensions(ctx, w.ffprobePath, w.absPath)
	if err != nil {
		logging.New("segment").Warn("ffprobe dimension readback failed, using encoder-known dimensions", "err", err)
		width, height = w.width, w.height
	}
	_ = frameRate

	return model.VideoSegment{
		StartTime:     w.startTime,
		EndTime:       w.lastTime,
		FrameCount:    w.frameCount,
		FileSizeBytes: info.Size(),
		RelativePath:  w.relativePath,
		Width:         width,
		Height:        height,
		Source:        model.SourcePrimary,
	}, nil
}

// fsyncPath opens path and fsyncs its file descriptor so a finalized
// segment survives power loss.
func fsyncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return unix.Fsync(int(f.Fd()))
}
