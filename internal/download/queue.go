package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis keys
	keyJobQueue      = "download:queue"
	keyJobDelayed    = "download:delayed"
	keyJobProcessing = "download:processing"
	keyJobClaimed    = "download:claimed"
	keyJobPayload    = "download:job:"
	keyJobLock       = "download:lock:"
	keyJobCancel     = "download:cancel:"
	channelJobCancel = "download:cancel"

	defaultBlockTimeout = 5 * time.Second
	payloadTTL          = 7 * 24 * time.Hour
	cancelMarkerTTL     = 24 * time.Hour
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueEmpty  = errors.New("queue is empty")
)

// unlockScript deletes a lock only if the caller still owns it
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends a lock only if the caller still owns it
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// reclaimScript returns a claimed id to the ready list unless a worker
// holds its lock. LREM decides which caller wins, so the id is pushed once.
var reclaimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
if redis.call("LREM", KEYS[2], 0, ARGV[1]) > 0 then
	redis.call("HDEL", KEYS[3], ARGV[1])
	redis.call("RPUSH", KEYS[4], ARGV[1])
	return 1
end
return 0
`)

// Queue is a Redis list of job ids with a sorted set of delayed retries.
// Dequeued ids move to a processing list until the job is removed, parked
// or requeued, so the id of a job whose worker died can be reclaimed.
type Queue struct {
	client *redis.Client
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Client returns the underlying Redis client for pub/sub operations
func (q *Queue) Client() *redis.Client {
	return q.client
}

// Enqueue stores the payload and makes the job available immediately
func (q *Queue) Enqueue(ctx context.Context, job *DownloadJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	if err := q.client.LPush(ctx, keyJobQueue, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Dequeue promotes due retries and then blocks for the next job id. The id
// stays on the processing list until the job is acknowledged.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*DownloadJob, error) {
	if timeout == 0 {
		timeout = defaultBlockTimeout
	}
	if err := q.promoteDue(ctx, time.Now()); err != nil {
		return nil, err
	}

	id, err := q.client.BLMove(ctx, keyJobQueue, keyJobProcessing, "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	if err := q.client.HSet(ctx, keyJobClaimed, id, time.Now().UnixMilli()).Err(); err != nil {
		return nil, fmt.Errorf("failed to record job claim: %w", err)
	}

	job, err := q.GetJob(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		q.ack(ctx, id)
	}
	return job, err
}

// Reclaim puts processing ids back on the ready list when no worker holds
// their lock and they were claimed more than grace ago. It returns how many
// ids were returned.
func (q *Queue) Reclaim(ctx context.Context, grace time.Duration) (int, error) {
	ids, err := q.client.LRange(ctx, keyJobProcessing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read processing jobs: %w", err)
	}
	claims, err := q.client.HGetAll(ctx, keyJobClaimed).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read job claims: %w", err)
	}

	now := time.Now()
	seen := make(map[string]bool, len(ids))
	reclaimed := 0
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		claimedAt, err := strconv.ParseInt(claims[id], 10, 64)
		if err != nil {
			// Claimed by a worker that died before stamping it; start the
			// grace period now.
			q.client.HSetNX(ctx, keyJobClaimed, id, now.UnixMilli())
			continue
		}
		if now.Sub(time.UnixMilli(claimedAt)) < grace {
			continue
		}

		n, err := reclaimScript.Run(ctx, q.client,
			[]string{keyJobLock + id, keyJobProcessing, keyJobClaimed, keyJobQueue}, id).Int()
		if err != nil {
			return reclaimed, fmt.Errorf("failed to reclaim job: %w", err)
		}
		reclaimed += n
	}
	return reclaimed, nil
}

// ack drops an id from the processing list
func (q *Queue) ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, keyJobProcessing, 0, jobID)
	pipe.HDel(ctx, keyJobClaimed, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to acknowledge job: %w", err)
	}
	return nil
}

// promoteDue moves delayed jobs whose time has come onto the ready list.
// ZREM decides which worker wins a member, so each id is pushed once.
func (q *Queue) promoteDue(ctx context.Context, now time.Time) error {
	ids, err := q.client.ZRangeByScore(ctx, keyJobDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed jobs: %w", err)
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, keyJobDelayed, id).Result()
		if err != nil {
			return fmt.Errorf("failed to promote delayed job: %w", err)
		}
		if removed == 1 {
			if err := q.client.LPush(ctx, keyJobQueue, id).Err(); err != nil {
				return fmt.Errorf("failed to promote delayed job: %w", err)
			}
		}
	}
	return nil
}

// ScheduleRetry records the failed attempt and parks the job until delay passes
func (q *Queue) ScheduleRetry(ctx context.Context, job *DownloadJob, delay time.Duration, reason string) error {
	job.Attempt++
	job.LastError = reason
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	at := time.Now().Add(delay).UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, keyJobDelayed, redis.Z{Score: float64(at), Member: job.ID})
	pipe.LRem(ctx, keyJobProcessing, 0, job.ID)
	pipe.HDel(ctx, keyJobClaimed, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return nil
}

// Requeue puts a job back at the head without consuming an attempt, used on
// shutdown
func (q *Queue) Requeue(ctx context.Context, job *DownloadJob) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, keyJobProcessing, 0, job.ID)
	pipe.HDel(ctx, keyJobClaimed, job.ID)
	pipe.RPush(ctx, keyJobQueue, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}

// GetJob retrieves a job payload by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*DownloadJob, error) {
	data, err := q.client.Get(ctx, keyJobPayload+jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job DownloadJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Remove drops a finished job's payload and any leftover markers
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, keyJobPayload+jobID, keyJobCancel+jobID)
	pipe.LRem(ctx, keyJobProcessing, 0, jobID)
	pipe.HDel(ctx, keyJobClaimed, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	return nil
}

// Lock claims a job for owner. Only one consumer can hold it at a time.
func (q *Queue) Lock(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	ok, err := q.client.SetNX(ctx, keyJobLock+jobID, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to lock job: %w", err)
	}
	return ok, nil
}

// RefreshLock extends the lock; false means ownership was lost
func (q *Queue) RefreshLock(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, q.client, []string{keyJobLock + jobID}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to refresh job lock: %w", err)
	}
	return n == 1, nil
}

func (q *Queue) Unlock(ctx context.Context, jobID, owner string) error {
	return unlockScript.Run(ctx, q.client, []string{keyJobLock + jobID}, owner).Err()
}

// Cancel marks a job cancelled, pulls it from the waiting sets and tells
// whichever worker holds it.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, keyJobCancel+jobID, "1", cancelMarkerTTL)
	pipe.LRem(ctx, keyJobQueue, 0, jobID)
	pipe.ZRem(ctx, keyJobDelayed, jobID)
	pipe.Publish(ctx, channelJobCancel, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	return nil
}

func (q *Queue) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, keyJobCancel+jobID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cancellation: %w", err)
	}
	return n == 1, nil
}

// SubscribeCancel listens for cancellation broadcasts
func (q *Queue) SubscribeCancel(ctx context.Context) *redis.PubSub {
	return q.client.Subscribe(ctx, channelJobCancel)
}

// QueueLength returns the number of ready and delayed jobs
func (q *Queue) QueueLength(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, keyJobQueue)
	delayed := pipe.ZCard(ctx, keyJobDelayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return ready.Val() + delayed.Val(), nil
}

func (q *Queue) saveJob(ctx context.Context, job *DownloadJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.client.Set(ctx, keyJobPayload+job.ID, data, payloadTTL).Err()
}
