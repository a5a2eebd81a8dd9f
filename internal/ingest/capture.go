package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haseab/retrace-sub005/internal/apperr"
)

// CaptureConfig is what a CaptureSource reports about its stream.
type CaptureConfig struct {
	Width         int
	Height        int
	FrameInterval time.Duration
	DisplayCount  int
}

// CaptureSource is the external capture collaborator The
// platform-specific screen grabber behind it is out of scope; the
// pipeline only consumes this contract.
type CaptureSource interface {
	FrameStream() <-chan CapturedFrame
	HasPermission() bool
	GetConfig() CaptureConfig
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Pipeline owns the live capture subscription: one goroutine consuming
// CaptureSource.FrameStream and feeding the Coordinator frame by frame, so
// each frame's writes complete in declared order before the next frame is
// read.
type Pipeline struct {
	source CaptureSource
	coord  *Coordinator

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	lastTimestamp int64
}

// NewPipeline constructs a Pipeline over a capture source and coordinator.
func NewPipeline(source CaptureSource, coord *Coordinator) *Pipeline {
	return &Pipeline{source: source, coord: coord}
}

// StartPipeline verifies capture permission, starts the source, and
// launches the consume loop. Ingest cannot start without permission.
func (p *Pipeline) StartPipeline(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	if !p.source.HasPermission() {
		return apperr.New(apperr.PermissionDenied, "ingest", "StartPipeline",
			fmt.Errorf("capture permission missing"))
	}
	if err := p.source.Start(ctx); err != nil {
		return apperr.Wrap(apperr.NotInitialized, "ingest", "StartPipeline", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.consume(loopCtx)
	return nil
}

func (p *Pipeline) consume(ctx context.Context) {
	defer close(p.done)
	stream := p.source.FrameStream()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-stream:
			if !ok {
				return
			}
			// Timestamps are strictly non-decreasing within one ingest run
			//; a frame arriving out of order is dropped and counted.
			if frame.Timestamp < p.lastTimestamp {
				p.coord.Stats.FramesErrored.Add(1)
				p.coord.log.warn("dropping out-of-order frame",
					"timestamp", frame.Timestamp, "last", p.lastTimestamp)
				continue
			}
			p.lastTimestamp = frame.Timestamp
			p.coord.IngestFrame(ctx, frame)
		}
	}
}

// StopPipeline stops capture, cancels the consume loop, waits for the
// in-flight frame to finish, and finalizes the coordinator. Queue draining
// is the entrypoint's job: the queue is shared with recovery reprocessing,
// not owned by the pipeline.
func (p *Pipeline) StopPipeline(ctx context.Context, now int64) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	stopErr := p.source.Stop(ctx)
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := p.coord.Shutdown(ctx, now); err != nil {
		return err
	}
	return stopErr
}
