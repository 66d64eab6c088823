// Package ingest stages incoming events and hands them to the processing
// queue. Every intake path — adapter channel, HTTP ingest, queue re-drive —
// funnels through HandleIncoming, so the staging insert is the single dedup
// point and re-delivery is always safe.
package ingest

import (
	"context"
	"log/slog"

	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/eventlog"
	"github.com/engram-dev/engram/pkg/models"
	"github.com/engram-dev/engram/pkg/pipeline"
	"github.com/engram-dev/engram/pkg/queue"
)

// processJobName labels processing-queue jobs enqueued by ingestion.
const processJobName = "process-event"

// recoverBatchSize bounds one recovery sweep over pending events.
const recoverBatchSize = 100

// Result is the outcome of staging one incoming event. Duplicate means the
// event was already staged and nothing new was enqueued.
type Result struct {
	Event     *models.RawEvent `json:"event"`
	Duplicate bool             `json:"duplicate"`
}

// Service stages events and enqueues processing jobs.
type Service struct {
	events *eventlog.Store
	jobs   *queue.Client
}

// NewService creates the ingestion service. Panics when a dependency is nil.
func NewService(events *eventlog.Store, jobs *queue.Client) *Service {
	if events == nil {
		panic("ingest.NewService: events store must not be nil")
	}
	if jobs == nil {
		panic("ingest.NewService: queue client must not be nil")
	}
	return &Service{events: events, jobs: jobs}
}

// HandleIncoming stages one event and enqueues its processing job.
// Re-delivered events (same source and external id) are dropped as success
// without a second job. When the insert lands but the enqueue fails the
// event stays pending and the recovery sweep picks it up.
func (s *Service) HandleIncoming(ctx context.Context, ev models.IncomingEvent) (*Result, error) {
	if ev.ExternalID != "" {
		existing, err := s.events.GetByExternalID(ctx, ev.Source, ev.ExternalID)
		if err == nil {
			slog.Debug("Event already ingested, dropping",
				"source", ev.Source, "external_id", ev.ExternalID, "event_id", existing.ID)
			return &Result{Event: existing, Duplicate: true}, nil
		}
		if !errs.IsNotFound(err) {
			return nil, err
		}
	}

	event, err := s.events.Insert(ctx, eventlog.InsertInput{
		Source:     ev.Source,
		EventType:  ev.EventType,
		ExternalID: ev.ExternalID,
		Payload:    ev.Payload,
		Metadata:   ev.Metadata,
	})
	if errs.IsDuplicate(err) {
		slog.Debug("Event raced a concurrent ingest, dropping",
			"source", ev.Source, "external_id", ev.ExternalID, "event_id", event.ID)
		return &Result{Event: event, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.enqueueProcessing(ctx, event.ID); err != nil {
		slog.Warn("Event staged but processing enqueue failed, recovery sweep will retry",
			"event_id", event.ID, "error", err)
		return nil, err
	}

	slog.Debug("Event staged", "event_id", event.ID, "source", event.Source, "event_type", event.EventType)
	return &Result{Event: event}, nil
}

// Run drains the adapter fan-in channel until the context ends or the
// channel closes. A failed event is logged and skipped; intake must not
// stop because one payload is broken.
func (s *Service) Run(ctx context.Context, events <-chan models.IncomingEvent) {
	slog.Info("Ingestion consumer started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Ingestion consumer shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				slog.Info("Ingestion channel closed")
				return
			}
			if _, err := s.HandleIncoming(ctx, ev); err != nil {
				slog.Error("Failed to ingest event",
					"source", ev.Source, "external_id", ev.ExternalID, "error", err)
			}
		}
	}
}

// Recover re-enqueues processing jobs for events still pending. Processing
// is idempotent, so re-enqueueing an event whose job is already queued is
// harmless.
func (s *Service) Recover(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = recoverBatchSize
	}
	pending, err := s.events.GetPending(ctx, limit)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, event := range pending {
		if _, err := s.enqueueProcessing(ctx, event.ID); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		slog.Info("Re-enqueued pending events", "count", count)
	}
	return count, nil
}

// RecoverPayload drives one recovery sweep from the ingestion queue.
type RecoverPayload struct {
	Limit int `json:"limit,omitempty"`
}

// Handler returns the ingestion-queue handler, which runs a recovery sweep.
func (s *Service) Handler() queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var payload RecoverPayload
		if err := job.UnmarshalPayload(&payload); err != nil {
			return errs.Wrap(errs.KindValidation, "invalid ingestion payload", err)
		}
		_, err := s.Recover(ctx, payload.Limit)
		return err
	}
}

func (s *Service) enqueueProcessing(ctx context.Context, eventID string) (string, error) {
	return s.jobs.Enqueue(ctx, config.QueueProcessing, processJobName,
		pipeline.ProcessPayload{EventID: eventID}, queue.Options{})
}
