package pipeline

import (
	"context"
	"log/slog"

	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/models"
)

// storeChunk persists the pipeline output and closes out the event. A
// content-hash duplicate counts as success and returns the existing chunk
// untouched.
func (p *Pipeline) storeChunk(ctx context.Context, enriched *Enriched, summary *Summary, embedded *Embedded) (*models.KnowledgeChunk, error) {
	metadata := enriched.Metadata
	if summary.Fallback {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["fallback"] = true
	}

	chunk := &models.KnowledgeChunk{
		Content:        summary.Text,
		ContentHash:    embedded.ContentHash,
		SourceType:     enriched.Event.Source,
		SourceEventID:  enriched.Event.ID,
		Metadata:       metadata,
		Importance:     enriched.Importance,
		Embedding:      embedded.Vector,
		EmbeddingModel: embedded.Model,
	}

	stored, err := p.chunks.Store(ctx, chunk)
	if errs.IsDuplicate(err) {
		slog.Debug("Chunk content already stored",
			"event_id", enriched.Event.ID, "chunk_id", stored.ID)
		err = nil
	}
	if err != nil {
		return nil, err
	}

	if err := p.events.MarkStatus(ctx, enriched.Event.ID, models.StatusCompleted); err != nil {
		return nil, err
	}
	return stored, nil
}
