package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/engram-dev/engram/pkg/config"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and processes jobs.
type Worker struct {
	id       string
	queue    string
	client   *Client
	config   *config.WorkersConfig
	handler  Handler
	limiter  *rate.Limiter
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	jobsFailed    int
	lastActivity  time.Time
}

// NewWorker creates a new queue worker. limiter may be nil (no rate limit).
func NewWorker(id, queue string, client *Client, cfg *config.WorkersConfig, handler Handler, limiter *rate.Limiter) *Worker {
	return &Worker{
		id:           id,
		queue:        queue,
		client:       client,
		config:       cfg,
		handler:      handler,
		limiter:      limiter,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.status,
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		JobsFailed:    w.jobsFailed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "queue", w.queue)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) || errors.Is(err, ErrRateLimited) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next job and runs it through the handler.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Respect the queue's rate limit before touching Redis, so a capped
	//    queue does not spin claims it cannot process.
	if w.limiter != nil && !w.limiter.Allow() {
		return ErrRateLimited
	}

	// 2. Claim next job
	job, err := w.client.claim(ctx, w.queue)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.ID, "queue", w.queue, "worker_id", w.id, "job_name", job.Name)
	log.Info("Job claimed", "attempt", job.Attempts+1, "max_attempts", job.MaxAttempts)

	w.setStatus(WorkerStatusWorking, job.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// 3. Create job context with timeout
	jobCtx, cancelJob := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancelJob()

	// 4. Start heartbeat
	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID)

	// 5. Execute handler
	handlerErr := w.runHandler(jobCtx, job)

	// 6. Surface the deadline as the failure cause when the handler was cut off
	if handlerErr != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		handlerErr = fmt.Errorf("job timed out after %v: %w", w.config.JobTimeout, handlerErr)
	}

	// 7. Stop heartbeat
	cancelHeartbeat()

	// 8. Record the outcome (use background context — job ctx may be cancelled)
	finishCtx, cancelFinish := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFinish()

	if handlerErr != nil {
		rescheduled, err := w.client.fail(finishCtx, job, handlerErr)
		if err != nil {
			log.Error("Failed to record job failure", "error", err)
			return err
		}
		w.mu.Lock()
		w.jobsFailed++
		w.mu.Unlock()
		if rescheduled {
			log.Warn("Job failed, retry scheduled",
				"error", handlerErr, "attempt", job.Attempts, "retry_at", job.DelayUntil)
		} else {
			log.Error("Job failed permanently",
				"error", handlerErr, "attempts", job.Attempts)
		}
		return nil
	}

	if err := w.client.complete(finishCtx, job); err != nil {
		log.Error("Failed to record job completion", "error", err)
		return err
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	log.Info("Job complete")
	return nil
}

// runHandler invokes the handler, converting panics into errors so one bad
// job cannot take the worker down.
func (w *Worker) runHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

// runHeartbeat periodically refreshes the job's claim so the reaper leaves
// live work alone.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.client.heartbeat(ctx, w.queue, jobID); err != nil {
				slog.Warn("Heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
