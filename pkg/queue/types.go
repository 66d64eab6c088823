// Package queue provides Redis-backed named job queues with retries,
// exponential backoff, a dead-letter set, and worker pools that drain them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates the queue has no claimable jobs.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrRateLimited indicates the worker's rate limiter denied a claim.
	ErrRateLimited = errors.New("rate limited")
)

// Retry backoff: base·2^(attempts-1), capped.
const (
	retryBackoffBase = 2 * time.Second
	retryBackoffCap  = 30 * time.Second
)

// JobStatus is the durable state of a job, expressed by which Redis
// structure currently holds its id.
type JobStatus string

const (
	StatusWaiting   JobStatus = "waiting"
	StatusDelayed   JobStatus = "delayed"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Job is one unit of queued work.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Status      JobStatus       `json:"status"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	DelayUntil  time.Time       `json:"delay_until,omitempty"`
	ClaimedAt   time.Time       `json:"claimed_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	FailedAt    time.Time       `json:"failed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

// UnmarshalPayload decodes the job payload into v.
func (j *Job) UnmarshalPayload(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Options tunes one enqueue.
type Options struct {
	// Priority > 0 puts the job at the front of the queue.
	Priority int

	// Delay makes the job claimable only after the duration elapses.
	Delay time.Duration

	// MaxAttempts bounds handler retries. Zero means 3.
	MaxAttempts int

	// Retention overrides how long the job record is kept after completion.
	// Zero means the client's configured default.
	Retention time.Duration
}

// DefaultMaxAttempts is the retry bound when the enqueuer does not choose.
const DefaultMaxAttempts = 3

// Handler processes one claimed job. A returned error schedules a retry
// until the job's attempts are exhausted; panics are recovered and treated
// the same way. Delivery is at-least-once, so handlers must be idempotent.
type Handler func(ctx context.Context, job *Job) error

// Stats is a point-in-time census of one queue.
type Stats struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Delayed   int64  `json:"delayed"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// WorkerHealth is the state of a single polling goroutine.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"` // "idle" or "working"
	CurrentJobID  string       `json:"current_job_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	JobsFailed    int          `json:"jobs_failed"`
	LastActivity  time.Time    `json:"last_activity"`
}

// PoolHealth is the state of one queue's worker pool.
type PoolHealth struct {
	Queue          string         `json:"queue"`
	IsHealthy      bool           `json:"is_healthy"`
	RedisReachable bool           `json:"redis_reachable"`
	RedisError     string         `json:"redis_error,omitempty"`
	ActiveWorkers  int            `json:"active_workers"`
	TotalWorkers   int            `json:"total_workers"`
	QueueDepth     int64          `json:"queue_depth"`
	WorkerStats    []WorkerHealth `json:"worker_stats"`
	LastReaperScan time.Time      `json:"last_reaper_scan"`
	JobsRequeued   int            `json:"jobs_requeued"`
}
