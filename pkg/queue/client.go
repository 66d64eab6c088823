package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/engram-dev/engram/pkg/config"
)

const keyPrefix = "engram:"

// claimScript atomically moves the next waiting job id into the active hash
// with its claim timestamp. Without the script a worker crash between pop
// and claim-record would strand the job invisibly.
var claimScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
redis.call('HSET', KEYS[2], id, ARGV[1])
return id
`)

// Client provides queue operations over one Redis connection pool. It is
// safe for concurrent use.
type Client struct {
	rdb *redis.Client

	completedAge   time.Duration
	completedLimit int64
	failedAge      time.Duration
}

// NewClient creates a queue client. Retention settings control how long
// finished job records stay inspectable.
func NewClient(rdb *redis.Client, retention config.RetentionConfig) *Client {
	if rdb == nil {
		panic("queue: redis client is required")
	}
	return &Client{
		rdb:            rdb,
		completedAge:   retention.CompletedJobAge,
		completedLimit: retention.CompletedJobLimit,
		failedAge:      retention.FailedJobAge,
	}
}

// Ping verifies the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func waitingKey(queue string) string   { return keyPrefix + queue + ":waiting" }
func delayedKey(queue string) string   { return keyPrefix + queue + ":delayed" }
func activeKey(queue string) string    { return keyPrefix + queue + ":active" }
func completedKey(queue string) string { return keyPrefix + queue + ":completed" }
func failedKey(queue string) string    { return keyPrefix + queue + ":failed" }
func jobKey(queue, id string) string   { return keyPrefix + queue + ":job:" + id }

// Enqueue adds a job and returns its id. The job record is written before
// the id becomes claimable, so a claimed id always resolves.
func (c *Client) Enqueue(ctx context.Context, queue, name string, payload any, opts Options) (string, error) {
	if queue == "" {
		return "", errors.New("queue name is required")
	}
	if name == "" {
		return "", errors.New("job name is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	job := &Job{
		ID:          uuid.New().String(),
		Queue:       queue,
		Name:        name,
		Payload:     body,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		Status:      StatusWaiting,
		EnqueuedAt:  time.Now().UTC(),
	}
	if opts.Delay > 0 {
		job.Status = StatusDelayed
		job.DelayUntil = job.EnqueuedAt.Add(opts.Delay)
	}

	fields := jobFields(job)
	if opts.Retention > 0 {
		fields["retention_ms"] = opts.Retention.Milliseconds()
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(queue, job.ID), fields)
	if job.Status == StatusDelayed {
		pipe.ZAdd(ctx, delayedKey(queue), redis.Z{
			Score:  float64(job.DelayUntil.UnixMilli()),
			Member: job.ID,
		})
	} else if job.Priority > 0 {
		pipe.RPush(ctx, waitingKey(queue), job.ID)
	} else {
		pipe.LPush(ctx, waitingKey(queue), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.ID, nil
}

// claim pops the next waiting job and records the claim. Returns
// ErrNoJobsAvailable when the queue is empty.
func (c *Client) claim(ctx context.Context, queue string) (*Job, error) {
	now := time.Now().UTC()
	res, err := claimScript.Run(ctx, c.rdb,
		[]string{waitingKey(queue), activeKey(queue)},
		now.UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJobsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, ErrNoJobsAvailable
	}

	job, err := c.GetJob(ctx, queue, id)
	if err != nil {
		// The record is gone (expired or trimmed); drop the dangling claim.
		_ = c.rdb.HDel(ctx, activeKey(queue), id).Err()
		return nil, ErrNoJobsAvailable
	}

	job.Status = StatusActive
	job.ClaimedAt = now
	err = c.rdb.HSet(ctx, jobKey(queue, id),
		"status", string(StatusActive),
		"claimed_at_ms", now.UnixMilli()).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to record claim: %w", err)
	}
	return job, nil
}

// heartbeat refreshes an active job's claim timestamp so the reaper leaves
// it alone.
func (c *Client) heartbeat(ctx context.Context, queue, id string) error {
	return c.rdb.HSet(ctx, activeKey(queue), id, time.Now().UnixMilli()).Err()
}

// complete moves a job to the completed set and schedules its record expiry.
func (c *Client) complete(ctx context.Context, job *Job) error {
	now := time.Now().UTC()

	retention := c.completedAge
	if ms, err := c.rdb.HGet(ctx, jobKey(job.Queue, job.ID), "retention_ms").Int64(); err == nil && ms > 0 {
		retention = time.Duration(ms) * time.Millisecond
	}

	pipe := c.rdb.TxPipeline()
	pipe.HDel(ctx, activeKey(job.Queue), job.ID)
	// The reaper may have requeued the id while a slow handler finished.
	pipe.LRem(ctx, waitingKey(job.Queue), 0, job.ID)
	pipe.ZRem(ctx, delayedKey(job.Queue), job.ID)
	pipe.HSet(ctx, jobKey(job.Queue, job.ID),
		"status", string(StatusCompleted),
		"completed_at_ms", now.UnixMilli())
	pipe.ZAdd(ctx, completedKey(job.Queue), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: job.ID,
	})
	if retention > 0 {
		pipe.Expire(ctx, jobKey(job.Queue, job.ID), retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// fail records a handler failure: reschedule with backoff while attempts
// remain, otherwise move to the failed set. Returns whether the job was
// rescheduled.
func (c *Client) fail(ctx context.Context, job *Job, jobErr error) (bool, error) {
	attempts, err := c.rdb.HIncrBy(ctx, jobKey(job.Queue, job.ID), "attempts", 1).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record job attempt: %w", err)
	}
	job.Attempts = int(attempts)
	job.LastError = jobErr.Error()

	now := time.Now().UTC()
	if job.Attempts < job.MaxAttempts {
		delay := RetryBackoff(job.Attempts)
		job.Status = StatusDelayed
		job.DelayUntil = now.Add(delay)

		pipe := c.rdb.TxPipeline()
		pipe.HDel(ctx, activeKey(job.Queue), job.ID)
		pipe.HSet(ctx, jobKey(job.Queue, job.ID),
			"status", string(StatusDelayed),
			"last_error", job.LastError,
			"delay_until_ms", job.DelayUntil.UnixMilli())
		pipe.ZAdd(ctx, delayedKey(job.Queue), redis.Z{
			Score:  float64(job.DelayUntil.UnixMilli()),
			Member: job.ID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("failed to reschedule job: %w", err)
		}
		return true, nil
	}

	job.Status = StatusFailed
	job.FailedAt = now

	pipe := c.rdb.TxPipeline()
	pipe.HDel(ctx, activeKey(job.Queue), job.ID)
	pipe.HSet(ctx, jobKey(job.Queue, job.ID),
		"status", string(StatusFailed),
		"last_error", job.LastError,
		"failed_at_ms", now.UnixMilli())
	pipe.ZAdd(ctx, failedKey(job.Queue), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: job.ID,
	})
	if c.failedAge > 0 {
		pipe.Expire(ctx, jobKey(job.Queue, job.ID), c.failedAge)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to move job to failed set: %w", err)
	}
	return false, nil
}

// RetryBackoff returns the delay before the given retry attempt.
func RetryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := retryBackoffBase << (attempts - 1)
	if delay <= 0 || delay > retryBackoffCap {
		return retryBackoffCap
	}
	return delay
}

// promoteDelayed moves due delayed jobs back to waiting. The ZRem guard
// keeps concurrent promoters from double-queueing an id.
func (c *Client) promoteDelayed(ctx context.Context, queue string, limit int64) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := c.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan delayed jobs: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := c.rdb.ZRem(ctx, delayedKey(queue), id).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to promote delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		pipe := c.rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(queue, id), "status", string(StatusWaiting))
		pipe.LPush(ctx, waitingKey(queue), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, fmt.Errorf("failed to requeue delayed job: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// RequeueStale returns active jobs whose claim heartbeat is older than
// olderThan to the waiting list. The delivery contract stays at-least-once:
// a slow worker may still finish a reaped job.
func (c *Client) RequeueStale(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	claims, err := c.rdb.HGetAll(ctx, activeKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan active claims: %w", err)
	}

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	requeued := 0
	for id, raw := range claims {
		claimedMs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || claimedMs > cutoff {
			continue
		}
		removed, err := c.rdb.HDel(ctx, activeKey(queue), id).Result()
		if err != nil {
			return requeued, fmt.Errorf("failed to release stale claim: %w", err)
		}
		if removed == 0 {
			continue
		}
		pipe := c.rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(queue, id), "status", string(StatusWaiting))
		pipe.LPush(ctx, waitingKey(queue), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, fmt.Errorf("failed to requeue stale job: %w", err)
		}
		requeued++
	}
	return requeued, nil
}

// GetJob loads one job record.
func (c *Client) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	fields, err := c.rdb.HGetAll(ctx, jobKey(queue, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s not found in queue %s", id, queue)
	}
	return jobFromFields(fields)
}

// Stats reports the current census of one queue.
func (c *Client) Stats(ctx context.Context, queue string) (*Stats, error) {
	pipe := c.rdb.Pipeline()
	waiting := pipe.LLen(ctx, waitingKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	active := pipe.HLen(ctx, activeKey(queue))
	completed := pipe.ZCard(ctx, completedKey(queue))
	failed := pipe.ZCard(ctx, failedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return &Stats{
		Queue:     queue,
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// FailedJobs returns the newest dead-lettered jobs for inspection.
func (c *Client) FailedJobs(ctx context.Context, queue string, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := c.rdb.ZRevRange(ctx, failedKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := c.GetJob(ctx, queue, id)
		if err != nil {
			continue // record expired; the sweep will drop the set entry
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// TrimCompleted applies the completed-set retention: drop entries past the
// age bound, then cap the set at the configured count keeping the newest.
func (c *Client) TrimCompleted(ctx context.Context, queue string) (int, error) {
	removed, err := c.trimByAge(ctx, queue, completedKey(queue), c.completedAge)
	if err != nil {
		return removed, err
	}

	if c.completedLimit > 0 {
		total, err := c.rdb.ZCard(ctx, completedKey(queue)).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to size completed set: %w", err)
		}
		if excess := total - c.completedLimit; excess > 0 {
			ids, err := c.rdb.ZRange(ctx, completedKey(queue), 0, excess-1).Result()
			if err != nil {
				return removed, fmt.Errorf("failed to list excess completed jobs: %w", err)
			}
			n, err := c.dropJobs(ctx, queue, completedKey(queue), ids)
			removed += n
			if err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}

// TrimFailed applies the failed-set retention age.
func (c *Client) TrimFailed(ctx context.Context, queue string) (int, error) {
	return c.trimByAge(ctx, queue, failedKey(queue), c.failedAge)
}

func (c *Client) trimByAge(ctx context.Context, queue, setKey string, age time.Duration) (int, error) {
	if age <= 0 {
		return 0, nil
	}
	cutoff := strconv.FormatInt(time.Now().Add(-age).UnixMilli(), 10)
	ids, err := c.rdb.ZRangeByScore(ctx, setKey, &redis.ZRangeBy{
		Min: "-inf", Max: cutoff,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired jobs: %w", err)
	}
	return c.dropJobs(ctx, queue, setKey, ids)
}

func (c *Client) dropJobs(ctx context.Context, queue, setKey string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := c.rdb.TxPipeline()
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
		pipe.Del(ctx, jobKey(queue, id))
	}
	pipe.ZRem(ctx, setKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to drop job records: %w", err)
	}
	return len(ids), nil
}

// jobFields flattens a Job into the Redis hash representation.
func jobFields(job *Job) map[string]any {
	fields := map[string]any{
		"id":             job.ID,
		"queue":          job.Queue,
		"name":           job.Name,
		"payload":        string(job.Payload),
		"priority":       job.Priority,
		"attempts":       job.Attempts,
		"max_attempts":   job.MaxAttempts,
		"status":         string(job.Status),
		"enqueued_at_ms": job.EnqueuedAt.UnixMilli(),
	}
	if !job.DelayUntil.IsZero() {
		fields["delay_until_ms"] = job.DelayUntil.UnixMilli()
	}
	return fields
}

// jobFromFields rebuilds a Job from its Redis hash representation.
func jobFromFields(fields map[string]string) (*Job, error) {
	job := &Job{
		ID:        fields["id"],
		Queue:     fields["queue"],
		Name:      fields["name"],
		Payload:   json.RawMessage(fields["payload"]),
		Status:    JobStatus(fields["status"]),
		LastError: fields["last_error"],
	}
	if job.ID == "" {
		return nil, errors.New("job record is missing its id")
	}
	var err error
	if job.Priority, err = intField(fields, "priority"); err != nil {
		return nil, err
	}
	if job.Attempts, err = intField(fields, "attempts"); err != nil {
		return nil, err
	}
	if job.MaxAttempts, err = intField(fields, "max_attempts"); err != nil {
		return nil, err
	}
	job.EnqueuedAt = timeField(fields, "enqueued_at_ms")
	job.DelayUntil = timeField(fields, "delay_until_ms")
	job.ClaimedAt = timeField(fields, "claimed_at_ms")
	job.CompletedAt = timeField(fields, "completed_at_ms")
	job.FailedAt = timeField(fields, "failed_at_ms")
	return job, nil
}

func intField(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("job field %s is corrupt: %w", name, err)
	}
	return n, nil
}

func timeField(fields map[string]string, name string) time.Time {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
