package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/logger"
	"github.com/gatedl/gatedl/internal/metrics"
)

const (
	// Default configuration values
	DefaultWorkerCount = 3
	DefaultMaxAttempts = 3
	DefaultJobTimeout  = 2 * time.Hour
	DefaultRateLimit   = 10
	DefaultBackoff     = 2 * time.Second
	DefaultLockTTL     = 2 * time.Minute

	maxBackoff = 5 * time.Minute
)

// Cancellation causes attached to a job context
var (
	ErrJobCancelled = apperrors.Cancelled()
	errShutdown     = errors.New("worker pool shutting down")
)

// JobProcessor drives one job to a terminal state
type JobProcessor func(ctx context.Context, job *DownloadJob) error

// RetryHook runs before a job goes back to the queue, either parked for
// another attempt or returned untouched by an interrupted shutdown
type RetryHook func(ctx context.Context, job *DownloadJob, err error, delay time.Duration)

// WorkerPool manages a pool of workers that process download jobs
type WorkerPool struct {
	queue       *Queue
	processor   JobProcessor
	workerCount int
	maxAttempts int
	backoff     *apperrors.RetryConfig
	jobTimeout  time.Duration
	lockTTL     time.Duration
	limiter     *rate.Limiter
	onRetry     RetryHook
	metrics     *metrics.Metrics
	log         *logger.Logger
	owner       string

	wg       sync.WaitGroup
	stopChan chan struct{}
	mu       sync.RWMutex
	running  bool

	inflightMu sync.Mutex
	inflight   map[string]context.CancelCauseFunc
}

// WorkerPoolConfig holds configuration for the worker pool
type WorkerPoolConfig struct {
	WorkerCount int
	MaxAttempts int
	Backoff     time.Duration
	JobTimeout  time.Duration
	RateLimit   float64
	LockTTL     time.Duration
	OnRetry     RetryHook
	Metrics     *metrics.Metrics
}

func NewWorkerPool(queue *Queue, processor JobProcessor, config *WorkerPoolConfig) *WorkerPool {
	if config == nil {
		config = &WorkerPoolConfig{}
	}

	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoff := config.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	jobTimeout := config.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}
	limit := config.RateLimit
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	lockTTL := config.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	m := config.Metrics
	if m == nil {
		m = metrics.Default()
	}

	host, _ := os.Hostname()

	return &WorkerPool{
		queue:       queue,
		processor:   processor,
		workerCount: workerCount,
		maxAttempts: maxAttempts,
		backoff: &apperrors.RetryConfig{
			InitialBackoff: backoff,
			MaxBackoff:     maxBackoff,
			BackoffFactor:  2.0,
		},
		jobTimeout: jobTimeout,
		lockTTL:    lockTTL,
		limiter:    rate.NewLimiter(rate.Limit(limit), int(limit)),
		onRetry:    config.OnRetry,
		metrics:    m,
		log:        logger.Default().WithComponent("worker"),
		owner:      fmt.Sprintf("%s/%s", host, uuid.New().String()),
		stopChan:   make(chan struct{}),
		inflight:   make(map[string]context.CancelCauseFunc),
	}
}

// Start launches the workers and the cancellation listener
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return
	}

	wp.running = true
	wp.stopChan = make(chan struct{})

	wp.wg.Add(1)
	go wp.listenCancellations()

	wp.wg.Add(1)
	go wp.reclaimOrphans()

	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.log.Info(context.Background(), "worker pool started", map[string]interface{}{
		"workers": wp.workerCount,
	})
}

// Stop waits for in-flight jobs. When ctx expires first, the remaining jobs
// are interrupted and returned to the queue without losing an attempt.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return nil
	}
	wp.running = false
	close(wp.stopChan)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.log.Info(ctx, "worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		wp.inflightMu.Lock()
		for _, cancel := range wp.inflight {
			cancel(errShutdown)
		}
		wp.inflightMu.Unlock()
		<-done
		wp.log.Warn(ctx, "worker pool shutdown interrupted in-flight jobs")
		return ctx.Err()
	}
}

// IsRunning returns whether the worker pool is currently running
func (wp *WorkerPool) IsRunning() bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.running
}

// CancelLocal aborts a job if this pool is running it
func (wp *WorkerPool) CancelLocal(jobID string) bool {
	wp.inflightMu.Lock()
	defer wp.inflightMu.Unlock()
	cancel, ok := wp.inflight[jobID]
	if ok {
		cancel(ErrJobCancelled)
	}
	return ok
}

func (wp *WorkerPool) listenCancellations() {
	defer wp.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-wp.stopChan
		cancel()
	}()

	sub := wp.queue.SubscribeCancel(ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if wp.CancelLocal(msg.Payload) {
				wp.log.Info(ctx, "cancellation delivered", map[string]interface{}{"job_id": msg.Payload})
			}
		}
	}
}

// reclaimOrphans returns the ids of jobs whose worker died mid-job to the
// queue once their lock has expired
func (wp *WorkerPool) reclaimOrphans() {
	defer wp.wg.Done()

	ctx := context.Background()
	ticker := time.NewTicker(wp.lockTTL / 2)
	defer ticker.Stop()
	for {
		n, err := wp.queue.Reclaim(ctx, wp.lockTTL)
		if err != nil {
			wp.log.Error(ctx, "failed to reclaim orphaned jobs", err)
		} else if n > 0 {
			wp.log.Warn(ctx, "reclaimed orphaned jobs", map[string]interface{}{"count": n})
		}

		select {
		case <-wp.stopChan:
			return
		case <-ticker.C:
		}
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	ctx := context.Background()
	for {
		select {
		case <-wp.stopChan:
			return
		default:
			wp.processNextJob(ctx, id)
		}
	}
}

func (wp *WorkerPool) processNextJob(ctx context.Context, workerID int) {
	job, err := wp.queue.Dequeue(ctx, 2*time.Second)
	if err != nil {
		if errors.Is(err, ErrQueueEmpty) {
			return
		}
		if errors.Is(err, ErrJobNotFound) {
			wp.log.Warn(ctx, "dequeued job without payload")
			return
		}
		wp.log.Error(ctx, "failed to dequeue job", err, map[string]interface{}{"worker": workerID})
		time.Sleep(time.Second)
		return
	}

	if err := wp.limiter.Wait(ctx); err != nil {
		return
	}

	jobCtx := logger.WithJobID(ctx, job.ID)
	wp.processJob(jobCtx, workerID, job)
}

// processJob runs one job under its lock and applies the retry policy
func (wp *WorkerPool) processJob(ctx context.Context, workerID int, job *DownloadJob) {
	locked, err := wp.queue.Lock(ctx, job.ID, wp.owner, wp.lockTTL)
	if err != nil {
		wp.log.Error(ctx, "failed to lock job", err)
		return
	}
	if !locked {
		wp.log.Warn(ctx, "job already held by another worker")
		return
	}
	defer wp.queue.Unlock(context.WithoutCancel(ctx), job.ID, wp.owner)

	if cancelled, _ := wp.queue.IsCancelled(ctx, job.ID); cancelled {
		wp.log.Info(ctx, "skipping cancelled job")
		wp.queue.Remove(ctx, job.ID)
		return
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, wp.jobTimeout)
	defer cancelTimeout()
	jobCtx, cancel := context.WithCancelCause(timeoutCtx)
	defer cancel(nil)

	wp.inflightMu.Lock()
	wp.inflight[job.ID] = cancel
	wp.inflightMu.Unlock()
	defer func() {
		wp.inflightMu.Lock()
		delete(wp.inflight, job.ID)
		wp.inflightMu.Unlock()
	}()

	stopRefresh := wp.keepLock(jobCtx, job.ID, cancel)
	defer stopRefresh()

	wp.metrics.IncActiveJobs()
	started := time.Now()
	wp.log.Info(ctx, "processing job", map[string]interface{}{
		"worker":  workerID,
		"attempt": job.Attempt + 1,
	})

	err = wp.processor(jobCtx, job)
	wp.metrics.DecActiveJobs()

	if err == nil {
		wp.queue.Remove(ctx, job.ID)
		wp.log.Info(ctx, "job completed", map[string]interface{}{
			"duration_ms": time.Since(started).Milliseconds(),
		})
		return
	}
	wp.handleJobFailure(ctx, job, err, context.Cause(jobCtx))
}

// keepLock refreshes the job lock until the job ends. Losing the lock
// cancels the job so two consumers never overlap.
func (wp *WorkerPool) keepLock(ctx context.Context, jobID string, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wp.lockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := wp.queue.RefreshLock(ctx, jobID, wp.owner, wp.lockTTL)
				if err == nil && !ok {
					wp.log.Warn(ctx, "job lock lost")
					cancel(errors.New("job lock lost"))
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (wp *WorkerPool) handleJobFailure(ctx context.Context, job *DownloadJob, jobErr, cause error) {
	switch {
	case errors.Is(cause, errShutdown):
		wp.log.Info(ctx, "returning interrupted job to the queue")
		if wp.onRetry != nil {
			wp.onRetry(ctx, job, jobErr, 0)
		}
		if err := wp.queue.Requeue(context.WithoutCancel(ctx), job); err != nil {
			wp.log.Error(ctx, "failed to requeue interrupted job", err)
		}
		return
	case apperrors.IsCode(cause, apperrors.CodeCancelled) || apperrors.IsCode(jobErr, apperrors.CodeCancelled):
		wp.log.Info(ctx, "job cancelled")
		wp.queue.Remove(ctx, job.ID)
		return
	}

	if !apperrors.IsRetryable(jobErr) || !job.CanRetry(wp.maxAttempts) {
		wp.log.Warn(ctx, "job failed", map[string]interface{}{
			"attempt":   job.Attempt + 1,
			"retryable": apperrors.IsRetryable(jobErr),
			"error":     jobErr.Error(),
		})
		wp.queue.Remove(ctx, job.ID)
		return
	}

	delay := apperrors.Backoff(job.Attempt, wp.backoff)
	if wp.onRetry != nil {
		wp.onRetry(ctx, job, jobErr, delay)
	}
	if err := wp.queue.ScheduleRetry(ctx, job, delay, jobErr.Error()); err != nil {
		wp.log.Error(ctx, "failed to schedule retry", err)
		return
	}
	wp.log.Info(ctx, "retry scheduled", map[string]interface{}{
		"delay_ms": delay.Milliseconds(),
		"attempt":  job.Attempt + 1,
		"max":      wp.maxAttempts,
	})
}
