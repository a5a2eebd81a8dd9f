package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/haseab/retrace-sub005/internal/logging"
)

// RetentionStore is the subset of *store.Store the retention task needs.
type RetentionStore interface {
	DeleteFramesOlderThan(ctx context.Context, cutoff int64) (int, error)
	DeleteSessionsEndedBefore(ctx context.Context, cutoff int64) (int, error)
	DeleteOrphanVideos(ctx context.Context) ([]string, error)
	DeleteOrphanNodes(ctx context.Context) (int, error)
	Vacuum(ctx context.Context) error
}

// RetentionResult is the structured outcome of one retention tick: a
// success flag plus partial counts, so a failed pass still reports what it
// managed to delete.
type RetentionResult struct {
	Success             bool
	FramesDeleted       int
	SessionsDeleted     int
	OrphanVideosDeleted int
	OrphanNodesDeleted  int
	Vacuumed            bool
	Err                 error
}

// vacuumThreshold is the "enough rows were deleted" bar
const vacuumThreshold = 1000

// Retention runs the periodic cleanup, rate-limited to no more than once
// per 10 minutes via golang.org/x/time/rate.
type Retention struct {
	store         RetentionStore
	storageRoot   string
	retentionDays int
	limiter       *rate.Limiter
	cron          *cron.Cron
	log           interface {
		Warn(msg string, args ...any)
		Info(msg string, args ...any)
	}
	nowFn func() time.Time
}

// NewRetention constructs a Retention task. retentionDays=0 means forever
// (the task is a no-op on every tick).
func NewRetention(store RetentionStore, storageRoot string, retentionDays int) *Retention {
	return &Retention{
		store:         store,
		storageRoot:   storageRoot,
		retentionDays: retentionDays,
		limiter:       rate.NewLimiter(rate.Every(10*time.Minute), 1),
		cron:          cron.New(),
		log:           logging.New("lifecycle.retention"),
		nowFn:         time.Now,
	}
}

// Start schedules the hourly tick via robfig/cron. The
// rate limiter inside RunOnce enforces the 10-minute floor independent of
// the cron schedule, so an operator-triggered manual run never violates it.
func (r *Retention) Start(ctx context.Context) {
	r.cron.AddFunc("@hourly", func() {
		result := r.RunOnce(ctx)
		if !result.Success {
			r.log.Warn("retention tick failed", "err", result.Err)
		}
	})
	r.cron.Start()
}

// Stop halts the cron scheduler and waits for any in-flight job.
func (r *Retention) Stop() {
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
}

// RunOnce performs one retention pass. Rate-limited:
// a call arriving before the 10-minute floor has elapsed is skipped and
// reported as a (successful, zero-count) no-op rather than an error, since
// the floor is a pacing guard, not a correctness constraint.
func (r *Retention) RunOnce(ctx context.Context) RetentionResult {
	if !r.limiter.Allow() {
		return RetentionResult{Success: true}
	}
	return r.runLocked(ctx)
}

func (r *Retention) runLocked(ctx context.Context) RetentionResult {
	if r.retentionDays == 0 {
		return RetentionResult{Success: true}
	}

	cutoff := r.nowFn().AddDate(0, 0, -r.retentionDays).UnixMilli()

	framesDeleted, err := r.store.DeleteFramesOlderThan(ctx, cutoff)
	if err != nil {
		return RetentionResult{Success: false, Err: err}
	}
	if ctx.Err() != nil {
		return RetentionResult{Success: false, FramesDeleted: framesDeleted, Err: ctx.Err()}
	}

	sessionsDeleted, err := r.store.DeleteSessionsEndedBefore(ctx, cutoff)
	if err != nil {
		return RetentionResult{Success: false, FramesDeleted: framesDeleted, Err: err}
	}
	if ctx.Err() != nil {
		return RetentionResult{Success: false, FramesDeleted: framesDeleted, SessionsDeleted: sessionsDeleted, Err: ctx.Err()}
	}

	orphanPaths, err := r.store.DeleteOrphanVideos(ctx)
	if err != nil {
		return RetentionResult{Success: false, FramesDeleted: framesDeleted, SessionsDeleted: sessionsDeleted, Err: err}
	}
	for _, p := range orphanPaths {
		full := filepath.Join(r.storageRoot, p)
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			r.log.Warn("failed to remove orphan video file", "path", full, "err", err)
		}
	}

	orphanNodes, err := r.store.DeleteOrphanNodes(ctx)
	if err != nil {
		return RetentionResult{
			Success: false, FramesDeleted: framesDeleted, SessionsDeleted: sessionsDeleted,
			OrphanVideosDeleted: len(orphanPaths), Err: err,
		}
	}

	result := RetentionResult{
		Success:             true,
		FramesDeleted:       framesDeleted,
		SessionsDeleted:     sessionsDeleted,
		OrphanVideosDeleted: len(orphanPaths),
		OrphanNodesDeleted:  orphanNodes,
	}

	if framesDeleted+sessionsDeleted >= vacuumThreshold {
		if err := r.store.Vacuum(ctx); err != nil {
			result.Success = false
			result.Err = err
			return result
		}
		result.Vacuumed = true
	}
	return result
}
