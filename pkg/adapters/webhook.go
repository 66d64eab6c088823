package adapters

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/models"
)

const defaultWebhookBuffer = 256

// Webhook is the generic push source: in-process producers (HTTP ingest,
// pollers, backfills) hand it already-normalized events via Submit. It has
// no upstream session, so it is connected as soon as the runtime starts it.
type Webhook struct {
	events   chan models.IncomingEvent
	stop     chan struct{}
	stopOnce sync.Once
}

// NewWebhook creates the webhook adapter with the given channel capacity
// (0 uses the default).
func NewWebhook(buffer int) *Webhook {
	if buffer <= 0 {
		buffer = defaultWebhookBuffer
	}
	return &Webhook{
		events: make(chan models.IncomingEvent, buffer),
		stop:   make(chan struct{}),
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Events returns the adapter's output channel.
func (w *Webhook) Events() <-chan models.IncomingEvent { return w.events }

// Connect is trivial; there is no upstream to dial.
func (w *Webhook) Connect(ctx context.Context) error { return nil }

// Disconnect is trivial.
func (w *Webhook) Disconnect() error { return nil }

// Start blocks until shutdown. Events flow through Submit, not here.
func (w *Webhook) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-w.stop:
	}
	return nil
}

// Stop ends Start. Idempotent.
func (w *Webhook) Stop() error {
	w.stopOnce.Do(func() { close(w.stop) })
	return nil
}

// HealthCheck always passes; the adapter has no upstream dependency.
func (w *Webhook) HealthCheck(ctx context.Context) error { return nil }

// Submit queues one event for ingestion. It validates the minimal shape so
// producers fail fast, stamps a missing timestamp, and reports rate_limited
// when the buffer is full rather than blocking the producer.
func (w *Webhook) Submit(ctx context.Context, ev models.IncomingEvent) error {
	if ev.Source == "" {
		return errs.Validationf("event source is required")
	}
	if ev.EventType == "" {
		return errs.Validationf("event type is required")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	select {
	case <-w.stop:
		return errs.New(errs.KindTransient, "webhook adapter is stopped")
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case w.events <- ev:
		return nil
	default:
		slog.Warn("Webhook buffer full, rejecting event",
			"source", ev.Source, "event_type", ev.EventType)
		return errs.RateLimited("ingest buffer full", time.Second)
	}
}
