package pipeline

import (
	"context"

	"github.com/engram-dev/engram/pkg/vectorstore"
)

// Embedded is the embedding stage output.
type Embedded struct {
	Vector      []float32
	Model       string
	ContentHash string
}

// Embed turns a summary into its vector and dedup hash. Provider errors are
// returned unwrapped so the queue can classify them for backoff.
func (p *Pipeline) Embed(ctx context.Context, summary string) (*Embedded, error) {
	embedder, err := p.llms.Embedder()
	if err != nil {
		return nil, err
	}
	vector, err := embedder.Embed(ctx, summary)
	if err != nil {
		return nil, err
	}
	return &Embedded{
		Vector:      vector,
		Model:       p.embeddingModel,
		ContentHash: vectorstore.HashContent(summary),
	}, nil
}
