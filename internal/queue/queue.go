// Package queue implements the processing queue: a durable, DB-backed FIFO
// of frame IDs driving OCR/indexing across N workers, with retry, crash
// recovery, and status tracking. Durability lives entirely in the store's
// processing_status column; the workers themselves hold no queue state.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haseab/retrace-sub005/internal/apperr"
	"github.com/haseab/retrace-sub005/internal/logging"
)

// Claimer is the subset of *store.Store the queue needs to drive claims and
// retries; narrowed to an interface so tests can fake it without a real
// sqlite file.
type Claimer interface {
	ClaimNextPending(ctx context.Context) (int64, bool, error)
	ResetStuckProcessing(ctx context.Context) (int, error)
	RetryOrFail(ctx context.Context, frameID int64, cause error, maxRetries int) error
}

// Processor runs the OCR+indexing step for a single claimed frame.
// Implementations must commit node insert, document insert, and the
// completed transition in a single transaction
// (internal/store.CompleteFrame already does this).
type Processor func(ctx context.Context, frameID int64) error

// ErrorHandler observes a frame's terminal or retried failure.
type ErrorHandler func(frameID int64, err error)

// Config configures the worker pool.
type Config struct {
	WorkerCount      int
	MaxRetryAttempts int
	MaxQueueSize     int
	PollInterval     time.Duration
	ErrorHandler     ErrorHandler
}

// DefaultConfig returns the built-in worker pool defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:      3,
		MaxRetryAttempts: 3,
		MaxQueueSize:     1000,
		PollInterval:     250 * time.Millisecond,
	}
}

// Stats reports the queue's observable counters.
type Stats struct {
	TotalProcessed int64
	TotalFailed    int64
	CurrentDepth   int64
	WorkerState    []string
}

// Queue drives N workers that atomically claim and process pending frames.
// It never stores frame IDs in memory — durability lives entirely in the
// store's processing_status column.
type Queue struct {
	store Claimer
	proc  Processor
	cfg   Config
	log   interface {
		Warn(msg string, args ...any)
		Info(msg string, args ...any)
	}

	mu          sync.Mutex
	workerState []string

	totalProcessed atomic.Int64
	totalFailed    atomic.Int64
	enqueued       atomic.Int64

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs a Queue. Call RecoverCrashed once at startup before
// StartWorkers; the coordinator/cmd entrypoint is
// expected to do this explicitly so the ordering is visible at the call site.
func New(store Claimer, proc Processor, cfg Config) *Queue {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = DefaultConfig().MaxRetryAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Queue{
		store:       store,
		proc:        proc,
		cfg:         cfg,
		log:         logging.New("queue"),
		workerState: make([]string, cfg.WorkerCount),
	}
}

// RecoverCrashed resets every frame stuck in processing back to pending.
func (q *Queue) RecoverCrashed(ctx context.Context) (int, error) {
	return q.store.ResetStuckProcessing(ctx)
}

// TryEnqueue accounts one more frame against the soft maxQueueSize. The
// actual durable enqueue is the store row insert performed by the ingest
// coordinator; this only enforces the backpressure cap after
// the coordinator has committed that insert.
func (q *Queue) TryEnqueue(currentDepth int64) error {
	if q.cfg.MaxQueueSize > 0 && currentDepth >= int64(q.cfg.MaxQueueSize) {
		return apperr.New(apperr.QueueFull, "queue", "TryEnqueue", nil)
	}
	q.enqueued.Add(1)
	return nil
}

// StartWorkers launches cfg.WorkerCount goroutines, each looping: claim one
// pending frame, run Processor, record outcome, repeat. Cancellation is
// checked at each worker-iteration boundary.
func (q *Queue) StartWorkers(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(workerCtx)
	q.cancel = cancel
	q.group = group

	for i := 0; i < q.cfg.WorkerCount; i++ {
		idx := i
		group.Go(func() error {
			q.runWorker(gctx, idx)
			return nil
		})
	}
}

func (q *Queue) runWorker(ctx context.Context, idx int) {
	q.setWorkerState(idx, "idle")
	for {
		select {
		case <-ctx.Done():
			q.setWorkerState(idx, "stopped")
			return
		default:
		}

		frameID, ok, err := q.store.ClaimNextPending(ctx)
		if err != nil {
			q.log.Warn("claim failed", "worker", idx, "err", err)
			q.sleep(ctx, q.cfg.PollInterval)
			continue
		}
		if !ok {
			q.setWorkerState(idx, "idle")
			q.sleep(ctx, q.cfg.PollInterval)
			continue
		}

		q.setWorkerState(idx, "processing")
		// Workers never abandon a partially-written transaction mid-flight:
		// once claimed, this frame runs to completion, retry bookkeeping
		// included, even if ctx is cancelled in the meantime.
		frameCtx := context.WithoutCancel(ctx)
		procErr := q.proc(frameCtx, frameID)
		if procErr == nil {
			q.totalProcessed.Add(1)
			continue
		}

		if retryErr := q.store.RetryOrFail(frameCtx, frameID, procErr, q.cfg.MaxRetryAttempts); retryErr != nil {
			q.log.Warn("retry bookkeeping failed", "worker", idx, "frame", frameID, "err", retryErr)
		}
		q.totalFailed.Add(1)
		if q.cfg.ErrorHandler != nil {
			q.cfg.ErrorHandler(frameID, procErr)
		}
	}
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (q *Queue) setWorkerState(idx int, state string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx >= 0 && idx < len(q.workerState) {
		q.workerState[idx] = state
	}
}

// StopWorkers signals cancellation and waits for in-flight tasks to finish
// their current frame's transaction before returning.
func (q *Queue) StopWorkers() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	_ = q.group.Wait()
}

// StatsSnapshot reports the queue's observable counters.
func (q *Queue) StatsSnapshot(currentDepth int64) Stats {
	q.mu.Lock()
	states := append([]string(nil), q.workerState...)
	q.mu.Unlock()
	return Stats{
		TotalProcessed: q.totalProcessed.Load(),
		TotalFailed:    q.totalFailed.Load(),
		CurrentDepth:   currentDepth,
		WorkerState:    states,
	}
}
