// Package lifecycle schedules the periodic maintenance work: knowledge tier
// demotion, queue retention sweeps, and recovery of stuck events.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/eventlog"
	"github.com/engram-dev/engram/pkg/ingest"
	"github.com/engram-dev/engram/pkg/queue"
	"github.com/engram-dev/engram/pkg/vectorstore"
)

// cronParser accepts standard 5-field specs plus descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Service runs the maintenance tasks on their cron schedules. Every task is
// idempotent and safe to run from multiple replicas: demotion and requeue
// are conditional updates, trims are bounded deletes, and a double-enqueued
// recovery job settles as a duplicate downstream.
type Service struct {
	chunks    *vectorstore.Store
	events    *eventlog.Store
	jobs      *queue.Client
	recoverer *ingest.Service

	chunkCfg     config.ChunkConfig
	retentionCfg config.RetentionConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the lifecycle service.
func NewService(
	chunks *vectorstore.Store,
	events *eventlog.Store,
	jobs *queue.Client,
	recoverer *ingest.Service,
	chunkCfg config.ChunkConfig,
	retentionCfg config.RetentionConfig,
) *Service {
	return &Service{
		chunks:       chunks,
		events:       events,
		jobs:         jobs,
		recoverer:    recoverer,
		chunkCfg:     chunkCfg,
		retentionCfg: retentionCfg,
	}
}

// Start launches one scheduler goroutine per task. Each task runs once
// immediately, then on its schedule.
func (s *Service) Start(ctx context.Context) error {
	if s.cancel != nil {
		return nil
	}

	demotion, err := cronParser.Parse(s.chunkCfg.DemotionSchedule)
	if err != nil {
		return errs.Validationf("invalid demotion schedule %q: %v", s.chunkCfg.DemotionSchedule, err)
	}
	sweep, err := cronParser.Parse(s.retentionCfg.SweepSchedule)
	if err != nil {
		return errs.Validationf("invalid sweep schedule %q: %v", s.retentionCfg.SweepSchedule, err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.runOnSchedule(ctx, demotion, s.demoteTiers)
	s.runOnSchedule(ctx, sweep, s.sweepRetention)

	slog.Info("Lifecycle service started",
		"demotion_schedule", s.chunkCfg.DemotionSchedule,
		"sweep_schedule", s.retentionCfg.SweepSchedule)
	return nil
}

// Stop signals the scheduler goroutines to exit and waits for them.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	slog.Info("Lifecycle service stopped")
}

func (s *Service) runOnSchedule(ctx context.Context, schedule cron.Schedule, run func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run(ctx)
		for {
			timer := time.NewTimer(time.Until(schedule.Next(time.Now())))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			run(ctx)
		}
	}()
}

func (s *Service) demoteTiers(ctx context.Context) {
	result, err := s.chunks.DemoteTiers(ctx, vectorstore.DemotionPolicy{
		HotMaxAge:       s.chunkCfg.HotMaxAge,
		WarmMaxAge:      s.chunkCfg.WarmMaxAge,
		HotAccessFloor:  s.chunkCfg.HotAccessFloor,
		WarmAccessFloor: s.chunkCfg.WarmAccessFloor,
	})
	if err != nil {
		slog.Error("Lifecycle: tier demotion failed", "error", err)
		return
	}
	if result.HotToWarm > 0 || result.WarmToCold > 0 {
		slog.Info("Lifecycle: demoted chunk tiers",
			"hot_to_warm", result.HotToWarm,
			"warm_to_cold", result.WarmToCold)
	}
}

// sweepRetention trims settled job sets, then flips stuck events back to
// pending and re-enqueues whatever is pending without a live job. Requeue
// runs before recovery so a freshly unstuck event is picked up in the same
// sweep.
func (s *Service) sweepRetention(ctx context.Context) {
	for _, name := range config.QueueNames() {
		if n, err := s.jobs.TrimCompleted(ctx, name); err != nil {
			slog.Error("Lifecycle: completed-job trim failed", "queue", name, "error", err)
		} else if n > 0 {
			slog.Info("Lifecycle: trimmed completed jobs", "queue", name, "count", n)
		}

		if n, err := s.jobs.TrimFailed(ctx, name); err != nil {
			slog.Error("Lifecycle: failed-job trim failed", "queue", name, "error", err)
		} else if n > 0 {
			slog.Info("Lifecycle: trimmed failed jobs", "queue", name, "count", n)
		}
	}

	if n, err := s.events.RequeueStuck(ctx, s.retentionCfg.StuckEventAge); err != nil {
		slog.Error("Lifecycle: stuck-event requeue failed", "error", err)
	} else if n > 0 {
		slog.Warn("Lifecycle: requeued stuck events", "count", n)
	}

	if n, err := s.recoverer.Recover(ctx, 0); err != nil {
		slog.Error("Lifecycle: pending-event recovery failed", "error", err)
	} else if n > 0 {
		slog.Info("Lifecycle: re-enqueued pending events", "count", n)
	}
}
