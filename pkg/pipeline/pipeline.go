// Package pipeline turns staged raw events into stored knowledge chunks.
//
// The stages run inline for one event: enrich derives text, entities, and an
// importance score; masking scrubs credentials from the derived text before
// it leaves the process; summarize condenses the text through an LLM with a
// truncation fallback; embed vectorizes the summary; store persists the
// chunk and completes the event. The event's status plus the chunk row form
// the durable checkpoint, so a worker that dies mid-job can be replayed
// safely: the content-hash dedup makes the replay land on the same chunk.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/eventlog"
	"github.com/engram-dev/engram/pkg/llm"
	"github.com/engram-dev/engram/pkg/masking"
	"github.com/engram-dev/engram/pkg/models"
	"github.com/engram-dev/engram/pkg/queue"
	"github.com/engram-dev/engram/pkg/vectorstore"
)

// ProcessPayload is the processing-queue job body.
type ProcessPayload struct {
	EventID string `json:"event_id"`
}

// BatchPayload is the embedding-queue job body.
type BatchPayload struct {
	EventIDs []string `json:"event_ids"`
}

// Pipeline drives raw events through enrichment, summarization, embedding,
// and storage.
type Pipeline struct {
	events         *eventlog.Store
	chunks         *vectorstore.Store
	llms           *llm.Manager
	masker         *masking.Service
	embeddingModel string
	batchSize      int
}

// NewPipeline assembles the pipeline over its stores and providers.
func NewPipeline(events *eventlog.Store, chunks *vectorstore.Store, llms *llm.Manager, masker *masking.Service, embedding config.EmbeddingConfig) *Pipeline {
	if events == nil {
		panic("NewPipeline: event store must not be nil")
	}
	if chunks == nil {
		panic("NewPipeline: chunk store must not be nil")
	}
	if llms == nil {
		panic("NewPipeline: llm manager must not be nil")
	}
	if masker == nil {
		panic("NewPipeline: masker must not be nil")
	}
	batchSize := embedding.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Pipeline{
		events:         events,
		chunks:         chunks,
		llms:           llms,
		masker:         masker,
		embeddingModel: embedding.Model,
		batchSize:      batchSize,
	}
}

// ProcessEvent runs the full pipeline for one staged event and returns the
// resulting chunk. An already-completed event is skipped and returns nil.
func (p *Pipeline) ProcessEvent(ctx context.Context, eventID string) (*models.KnowledgeChunk, error) {
	event, err := p.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.ProcessingStatus == models.StatusCompleted {
		slog.Debug("Event already processed", "event_id", eventID)
		return nil, nil
	}
	if err := p.events.MarkStatus(ctx, eventID, models.StatusProcessing); err != nil {
		return nil, err
	}

	enriched := Enrich(event)
	if enriched.ExtractedText == "" {
		return nil, errs.Validationf("event %s has no extractable content", eventID)
	}
	enriched.ExtractedText = p.masker.MaskEventText(enriched.ExtractedText)

	summary := p.Summarize(ctx, enriched)
	embedded, err := p.Embed(ctx, summary.Text)
	if err != nil {
		return nil, err
	}
	chunk, err := p.storeChunk(ctx, enriched, summary, embedded)
	if err != nil {
		return nil, err
	}

	slog.Info("Event processed",
		"event_id", eventID,
		"chunk_id", chunk.ID,
		"source", event.Source,
		"importance", enriched.Importance,
		"fallback", summary.Fallback)
	return chunk, nil
}

// ProcessBatch reprocesses a set of events with batched embedding calls.
// Completed events are skipped; an unknown id is logged and dropped rather
// than poisoning the whole batch. On an embedding failure the queue retries
// the batch and the content-hash dedup absorbs the replays.
func (p *Pipeline) ProcessBatch(ctx context.Context, eventIDs []string) error {
	type staged struct {
		enriched *Enriched
		summary  *Summary
	}
	var items []staged
	for _, id := range eventIDs {
		event, err := p.events.GetByID(ctx, id)
		if errs.IsNotFound(err) {
			slog.Warn("Skipping unknown event in batch", "event_id", id)
			continue
		}
		if err != nil {
			return err
		}
		if event.ProcessingStatus == models.StatusCompleted {
			continue
		}
		if err := p.events.MarkStatus(ctx, id, models.StatusProcessing); err != nil {
			return err
		}
		enriched := Enrich(event)
		if enriched.ExtractedText == "" {
			slog.Warn("Skipping event with no extractable content", "event_id", id)
			if err := p.events.MarkFailed(ctx, id, "no extractable content"); err != nil {
				return err
			}
			continue
		}
		enriched.ExtractedText = p.masker.MaskEventText(enriched.ExtractedText)
		items = append(items, staged{enriched: enriched, summary: p.Summarize(ctx, enriched)})
	}
	if len(items) == 0 {
		return nil
	}

	embedder, err := p.llms.Embedder()
	if err != nil {
		return err
	}
	texts := make([]string, len(items))
	for i := range items {
		texts[i] = items[i].summary.Text
	}

	for start := 0; start < len(items); start += p.batchSize {
		end := min(start+p.batchSize, len(items))
		vectors, err := embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return err
		}
		if len(vectors) != end-start {
			return errs.Upstreamf("embedding batch returned %d vectors for %d texts", len(vectors), end-start)
		}
		for i, it := range items[start:end] {
			embedded := &Embedded{
				Vector:      vectors[i],
				Model:       p.embeddingModel,
				ContentHash: vectorstore.HashContent(it.summary.Text),
			}
			if _, err := p.storeChunk(ctx, it.enriched, it.summary, embedded); err != nil {
				return err
			}
		}
	}

	slog.Info("Batch processed", "events", len(items))
	return nil
}

// Handler returns the processing-queue handler. When the queue will not
// retry again the event is marked failed, so nothing sits in processing
// status forever.
func (p *Pipeline) Handler() queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var payload ProcessPayload
		if err := job.UnmarshalPayload(&payload); err != nil {
			return errs.Wrap(errs.KindValidation, "invalid processing payload", err)
		}
		_, err := p.ProcessEvent(ctx, payload.EventID)
		if err != nil && attemptExhausted(err, job) {
			p.markEventFailed(ctx, payload.EventID, err)
		}
		return err
	}
}

// BatchHandler returns the embedding-queue handler.
func (p *Pipeline) BatchHandler() queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var payload BatchPayload
		if err := job.UnmarshalPayload(&payload); err != nil {
			return errs.Wrap(errs.KindValidation, "invalid embedding payload", err)
		}
		return p.ProcessBatch(ctx, payload.EventIDs)
	}
}

// attemptExhausted reports whether the queue will give up after err: either
// the error is permanent or this was the final attempt. Attempts counts
// prior failures, so the running attempt is Attempts+1.
func attemptExhausted(err error, job *queue.Job) bool {
	if !errs.IsRetryable(err) {
		return true
	}
	return job.Attempts+1 >= job.MaxAttempts
}

func (p *Pipeline) markEventFailed(ctx context.Context, eventID string, cause error) {
	if err := p.events.MarkFailed(ctx, eventID, cause.Error()); err != nil && !errs.IsNotFound(err) {
		slog.Error("Failed to mark event failed", "event_id", eventID, "error", err)
	}
}
