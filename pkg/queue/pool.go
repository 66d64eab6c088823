package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/engram-dev/engram/pkg/config"
)

// promoteBatchSize bounds how many delayed jobs one reaper pass promotes.
const promoteBatchSize = 100

// WorkerPool manages the workers for a single queue plus the background
// reaper that promotes delayed jobs and requeues stale claims.
type WorkerPool struct {
	queue    string
	client   *Client
	config   *config.WorkersConfig
	handler  Handler
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	// Reaper state
	reaper reaperState
}

// reaperState tracks reaper metrics (thread-safe).
type reaperState struct {
	mu           sync.Mutex
	lastScan     time.Time
	jobsRequeued int
}

// NewWorkerPool creates a worker pool for one queue.
func NewWorkerPool(queue string, client *Client, cfg *config.WorkersConfig, handler Handler) *WorkerPool {
	return &WorkerPool{
		queue:   queue,
		client:  client,
		config:  cfg,
		handler: handler,
		workers: make([]*Worker, 0, cfg.ConcurrencyFor(queue)),
		stopCh:  make(chan struct{}),
	}
}

// Start spawns worker goroutines and the reaper background task.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "queue", p.queue)
		return nil
	}
	p.started = true

	count := p.config.ConcurrencyFor(p.queue)
	limiter := p.buildLimiter()

	slog.Info("Starting worker pool",
		"queue", p.queue, "worker_count", count, "rate_limited", limiter != nil)

	for i := 0; i < count; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.queue, i)
		worker := NewWorker(workerID, p.queue, p.client, p.config, p.handler, limiter)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	// Start the reaper
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runReaper(ctx)
	}()

	slog.Info("Worker pool started", "queue", p.queue)
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// Workers finish their current jobs before exiting (graceful shutdown).
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully", "queue", p.queue)

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully", "queue", p.queue)
}

// buildLimiter converts the queue's configured throughput cap into a shared
// limiter. One limiter serves all of the pool's workers so the cap holds
// across goroutines.
func (p *WorkerPool) buildLimiter() *rate.Limiter {
	rl, ok := p.config.RateLimits[p.queue]
	if !ok || rl.MaxJobs <= 0 || rl.Interval <= 0 {
		return nil
	}
	perSecond := float64(rl.MaxJobs) / rl.Interval.Seconds()
	return rate.NewLimiter(rate.Limit(perSecond), rl.MaxJobs)
}

// runReaper periodically promotes due delayed jobs and requeues active jobs
// whose heartbeats went stale. All replicas run this independently —
// operations are idempotent.
func (p *WorkerPool) runReaper(ctx context.Context) {
	ticker := time.NewTicker(p.config.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.reap(ctx); err != nil {
				slog.Error("Reaper scan failed", "queue", p.queue, "error", err)
			}
		}
	}
}

// reap runs one reaper pass.
func (p *WorkerPool) reap(ctx context.Context) error {
	promoted, err := p.client.promoteDelayed(ctx, p.queue, promoteBatchSize)
	if err != nil {
		return fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	requeued, err := p.client.RequeueStale(ctx, p.queue, p.config.JobTimeout)
	if err != nil {
		return fmt.Errorf("failed to requeue stale jobs: %w", err)
	}

	if requeued > 0 {
		slog.Warn("Requeued stale jobs", "queue", p.queue, "count", requeued)
	}

	p.reaper.mu.Lock()
	p.reaper.lastScan = time.Now()
	p.reaper.jobsRequeued += requeued
	p.reaper.mu.Unlock()

	if promoted > 0 {
		slog.Debug("Promoted delayed jobs", "queue", p.queue, "count", promoted)
	}
	return nil
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	var redisError string
	redisReachable := true
	if err := p.client.Ping(ctx); err != nil {
		redisReachable = false
		redisError = fmt.Sprintf("redis ping failed: %v", err)
		slog.Error("Failed to reach Redis for health check", "queue", p.queue, "error", err)
	}

	var queueDepth int64
	if redisReachable {
		if stats, err := p.client.Stats(ctx, p.queue); err == nil {
			queueDepth = stats.Waiting + stats.Delayed
		} else {
			redisError = fmt.Sprintf("queue stats query failed: %v", err)
		}
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	p.reaper.mu.Lock()
	lastReaperScan := p.reaper.lastScan
	jobsRequeued := p.reaper.jobsRequeued
	p.reaper.mu.Unlock()

	return &PoolHealth{
		Queue:          p.queue,
		IsHealthy:      len(p.workers) > 0 && redisReachable && redisError == "",
		RedisReachable: redisReachable,
		RedisError:     redisError,
		ActiveWorkers:  activeWorkers,
		TotalWorkers:   len(p.workers),
		QueueDepth:     queueDepth,
		WorkerStats:    workerStats,
		LastReaperScan: lastReaperScan,
		JobsRequeued:   jobsRequeued,
	}
}
