package download

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/metrics"
)

func stopPool(t *testing.T, pool *WorkerPool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestWorkerPool_StartStop(t *testing.T) {
	queue := newTestQueue(t)

	pool := NewWorkerPool(queue, func(ctx context.Context, job *DownloadJob) error {
		return nil
	}, &WorkerPoolConfig{WorkerCount: 2, Metrics: metrics.New()})

	if pool.IsRunning() {
		t.Error("Pool should not be running before Start()")
	}

	pool.Start()
	if !pool.IsRunning() {
		t.Error("Pool should be running after Start()")
	}

	// Start again should be idempotent
	pool.Start()

	stopPool(t, pool)
	if pool.IsRunning() {
		t.Error("Pool should not be running after Stop()")
	}
}

func TestWorkerPool_ProcessJob(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	var processed int32
	pool := NewWorkerPool(queue, func(ctx context.Context, job *DownloadJob) error {
		atomic.AddInt32(&processed, 1)
		return nil
	}, &WorkerPoolConfig{WorkerCount: 1, Metrics: metrics.New()})

	job := testJob()
	if err := queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	pool.Start()
	ok := waitFor(t, 5*time.Second, func() bool {
		_, err := queue.GetJob(ctx, job.ID)
		return atomic.LoadInt32(&processed) == 1 && err != nil
	})
	stopPool(t, pool)

	if !ok {
		t.Fatalf("job not processed and removed: processed=%d", atomic.LoadInt32(&processed))
	}
}

func TestWorkerPool_RetriesRetryableFailure(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	var calls int32
	var retries int32
	pool := NewWorkerPool(queue, func(ctx context.Context, job *DownloadJob) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return apperrors.DownloadError("source unreachable")
		}
		return nil
	}, &WorkerPoolConfig{
		WorkerCount: 1,
		MaxAttempts: 3,
		Backoff:     10 * time.Millisecond,
		Metrics:     metrics.New(),
		OnRetry: func(ctx context.Context, job *DownloadJob, err error, delay time.Duration) {
			atomic.AddInt32(&retries, 1)
		},
	})

	queue.Enqueue(ctx, testJob())
	pool.Start()
	ok := waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt32(&calls) == 2 })
	stopPool(t, pool)

	if !ok {
		t.Fatalf("calls = %d, want 2", atomic.LoadInt32(&calls))
	}
	if got := atomic.LoadInt32(&retries); got != 1 {
		t.Errorf("retry hook calls = %d, want 1", got)
	}
}

func TestWorkerPool_StopsAfterMaxAttempts(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	var calls int32
	pool := NewWorkerPool(queue, func(ctx context.Context, job *DownloadJob) error {
		atomic.AddInt32(&calls, 1)
		return apperrors.DaemonUnavailable("daemon down")
	}, &WorkerPoolConfig{
		WorkerCount: 1,
		MaxAttempts: 3,
		Backoff:     10 * time.Millisecond,
		Metrics:     metrics.New(),
	})

	job := testJob()
	queue.Enqueue(ctx, job)
	pool.Start()
	// Delayed retries are promoted when a worker next polls, at most every 2s
	waitFor(t, 10*time.Second, func() bool { return atomic.LoadInt32(&calls) >= 3 })
	// Leave room for a fourth attempt that must not happen
	time.Sleep(200 * time.Millisecond)
	stopPool(t, pool)

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if n, _ := queue.QueueLength(ctx); n != 0 {
		t.Errorf("QueueLength() = %d, want 0", n)
	}
}

func TestWorkerPool_FatalFailureIsNotRetried(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	var calls int32
	pool := NewWorkerPool(queue, func(ctx context.Context, job *DownloadJob) error {
		atomic.AddInt32(&calls, 1)
		return apperrors.JSLocked()
	}, &WorkerPoolConfig{WorkerCount: 1, Backoff: 10 * time.Millisecond, Metrics: metrics.New()})

	queue.Enqueue(ctx, testJob())
	pool.Start()
	waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt32(&calls) >= 1 })
	time.Sleep(200 * time.Millisecond)
	stopPool(t, pool)

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestWorkerPool_CancelRunningJob(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	started := make(chan struct{})
	causes := make(chan error, 1)
	pool := NewWorkerPool(queue, func(ctx context.Context, job *DownloadJob) error {
		close(started)
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return apperrors.Cancelled()
	}, &WorkerPoolConfig{WorkerCount: 1, Metrics: metrics.New()})

	job := testJob()
	queue.Enqueue(ctx, job)
	pool.Start()
	defer stopPool(t, pool)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	if err := queue.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	select {
	case cause := <-causes:
		if !apperrors.IsCode(cause, apperrors.CodeCancelled) {
			t.Errorf("context cause = %v, want CANCELLED", cause)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("running job was not interrupted")
	}

	if !waitFor(t, 2*time.Second, func() bool {
		_, err := queue.GetJob(ctx, job.ID)
		return err != nil
	}) {
		t.Error("cancelled job payload not removed")
	}
}

func TestWorkerPool_SkipsJobHeldElsewhere(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	job := testJob()
	if ok, _ := queue.Lock(ctx, job.ID, "other-worker", time.Minute); !ok {
		t.Fatal("could not pre-lock job")
	}
	defer queue.Unlock(ctx, job.ID, "other-worker")

	var calls int32
	pool := NewWorkerPool(queue, func(ctx context.Context, job *DownloadJob) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, &WorkerPoolConfig{WorkerCount: 1, Metrics: metrics.New()})

	queue.Enqueue(ctx, job)
	pool.Start()
	waitFor(t, 2*time.Second, func() bool {
		n, _ := queue.QueueLength(ctx)
		return n == 0
	})
	time.Sleep(100 * time.Millisecond)
	stopPool(t, pool)

	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("processor ran %d times for a job held by another worker", got)
	}
}

func TestWorkerPool_ShutdownRequeuesInFlightJob(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	started := make(chan struct{})
	var requeued []string
	pool := NewWorkerPool(queue, func(ctx context.Context, job *DownloadJob) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, &WorkerPoolConfig{
		WorkerCount: 1,
		Metrics:     metrics.New(),
		OnRetry: func(ctx context.Context, job *DownloadJob, err error, delay time.Duration) {
			requeued = append(requeued, job.ID)
		},
	})

	job := testJob()
	queue.Enqueue(ctx, job)
	pool.Start()
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := pool.Stop(stopCtx); err == nil {
		t.Error("Stop() should report the interrupted shutdown")
	}

	got, err := queue.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("interrupted job not requeued: %v", err)
	}
	if got.ID != job.ID || got.Attempt != 0 {
		t.Errorf("requeued job = %s attempt %d, want %s attempt 0", got.ID, got.Attempt, job.ID)
	}
	// The durable record has to go back to queued as well
	if len(requeued) != 1 || requeued[0] != job.ID {
		t.Errorf("retry hook calls = %v, want [%s]", requeued, job.ID)
	}
}

func TestWorkerPool_Backoff(t *testing.T) {
	pool := NewWorkerPool(nil, nil, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{20, maxBackoff},
	}
	for _, tt := range tests {
		if got := apperrors.Backoff(tt.attempt, pool.backoff); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
