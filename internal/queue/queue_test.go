package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClaimer struct {
	mu       sync.Mutex
	pending  []int64
	resetN   int
	retried  []int64
	failed   []int64
	maxRetry map[int64]int
}

func newFakeClaimer(ids ...int64) *fakeClaimer {
	return &fakeClaimer{pending: ids, maxRetry: map[int64]int{}}
}

func (f *fakeClaimer) ClaimNextPending(ctx context.Context) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return 0, false, nil
	}
	id := f.pending[0]
	f.pending = f.pending[1:]
	return id, true, nil
}

func (f *fakeClaimer) ResetStuckProcessing(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resetN, nil
}

func (f *fakeClaimer) RetryOrFail(ctx context.Context, frameID int64, cause error, maxRetries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxRetry[frameID]++
	if f.maxRetry[frameID] >= maxRetries {
		f.failed = append(f.failed, frameID)
	} else {
		f.retried = append(f.retried, frameID)
	}
	return nil
}

func TestTryEnqueueRejectsBeyondCap(t *testing.T) {
	q := New(newFakeClaimer(), func(ctx context.Context, frameID int64) error { return nil },
		Config{MaxQueueSize: 2})

	require.NoError(t, q.TryEnqueue(0))
	require.NoError(t, q.TryEnqueue(1))
	err := q.TryEnqueue(2)
	require.Error(t, err)
}

func TestRecoverCrashedDelegatesToStore(t *testing.T) {
	claimer := newFakeClaimer()
	claimer.resetN = 4
	q := New(claimer, func(ctx context.Context, frameID int64) error { return nil }, Config{})

	n, err := q.RecoverCrashed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestWorkersProcessAllPendingFrames(t *testing.T) {
	claimer := newFakeClaimer(1, 2, 3)
	var processed atomic.Int64
	proc := func(ctx context.Context, frameID int64) error {
		processed.Add(1)
		return nil
	}
	q := New(claimer, proc, Config{WorkerCount: 2, PollInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	q.StartWorkers(ctx)

	require.Eventually(t, func() bool { return processed.Load() == 3 }, time.Second, time.Millisecond)
	cancel()
	q.StopWorkers()

	stats := q.StatsSnapshot(0)
	assert.EqualValues(t, 3, stats.TotalProcessed)
}

func TestFailedFrameInvokesErrorHandlerAndRetryBookkeeping(t *testing.T) {
	claimer := newFakeClaimer(9)
	var handlerCalls atomic.Int64
	proc := func(ctx context.Context, frameID int64) error { return errors.New("boom") }
	q := New(claimer, proc, Config{
		WorkerCount:      1,
		MaxRetryAttempts: 3,
		PollInterval:     time.Millisecond,
		ErrorHandler: func(frameID int64, err error) {
			handlerCalls.Add(1)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	q.StartWorkers(ctx)
	require.Eventually(t, func() bool { return handlerCalls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	q.StopWorkers()

	stats := q.StatsSnapshot(0)
	assert.EqualValues(t, 1, stats.TotalFailed)
}
