// Package retrieval answers natural-language queries against the knowledge
// store. It embeds the query, runs the vector search, blends cosine
// similarity with stored importance into a relevance score, and optionally
// asks a chat provider to rerank the head of the list.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/llm"
	"github.com/engram-dev/engram/pkg/models"
	"github.com/engram-dev/engram/pkg/vectorstore"
)

// neutralImportance stands in for chunks whose importance was never scored.
const neutralImportance = 0.5

// ScoredChunk pairs a chunk with its cosine similarity and the blended
// relevance used for ordering.
type ScoredChunk struct {
	Chunk      models.KnowledgeChunk `json:"chunk"`
	Similarity float64               `json:"similarity"`
	Relevance  float64               `json:"relevance"`
}

// Result is one retrieval run.
type Result struct {
	Chunks            []ScoredChunk `json:"chunks"`
	Query             string        `json:"query"`
	TotalResults      int           `json:"total_results"`
	AverageSimilarity float64       `json:"average_similarity"`
	RetrievedAt       time.Time     `json:"retrieved_at"`
}

// SearchOptions tunes one retrieval run. Zero values fall back to the
// configured defaults.
type SearchOptions struct {
	TopK          int
	MinSimilarity float64
	SourceTypes   []string
}

// Service runs semantic search over the vector store.
type Service struct {
	chunks *vectorstore.Store
	llms   *llm.Manager
	cfg    config.RetrievalConfig
}

// NewService assembles the retrieval service. Unset config fields get the
// documented defaults.
func NewService(chunks *vectorstore.Store, llms *llm.Manager, cfg config.RetrievalConfig) *Service {
	if chunks == nil {
		panic("NewService: chunk store must not be nil")
	}
	if llms == nil {
		panic("NewService: llm manager must not be nil")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 20
	}
	if cfg.MinSimilarity == 0 {
		cfg.MinSimilarity = 0.5
	}
	if cfg.SimilarityWeight == 0 {
		cfg.SimilarityWeight = 0.7
	}
	if cfg.ImportanceWeight == 0 {
		cfg.ImportanceWeight = 0.3
	}
	if cfg.RerankTopN <= 0 {
		cfg.RerankTopN = 10
	}
	return &Service{chunks: chunks, llms: llms, cfg: cfg}
}

// Search embeds the query and returns the matching chunks ordered by
// relevance descending.
func (s *Service) Search(ctx context.Context, query string, opts SearchOptions) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.Validationf("query is required")
	}
	embedder, err := s.llms.Embedder()
	if err != nil {
		return nil, err
	}
	vector, err := embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	minSimilarity := opts.MinSimilarity
	if minSimilarity == 0 {
		minSimilarity = s.cfg.MinSimilarity
	}

	results, err := s.chunks.Search(ctx, vector, vectorstore.SearchOptions{
		TopK:          topK,
		MinSimilarity: minSimilarity,
		SourceTypes:   opts.SourceTypes,
	})
	if err != nil {
		return nil, err
	}

	scored := s.score(results)
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Relevance > scored[j].Relevance })
	if s.cfg.RerankEnabled {
		scored = s.rerank(ctx, query, scored)
	}
	return newResult(query, scored), nil
}

// GetByIDs fetches chunks by id, preserving input order and skipping
// unknown ids.
func (s *Service) GetByIDs(ctx context.Context, ids []string) ([]*models.KnowledgeChunk, error) {
	return s.chunks.GetByIDs(ctx, ids)
}

// GetRecent returns the newest chunks, optionally filtered by source type.
func (s *Service) GetRecent(ctx context.Context, sourceType string, limit int) ([]*models.KnowledgeChunk, error) {
	return s.chunks.GetBySource(ctx, sourceType, limit)
}

// FindSimilar returns the nearest neighbors of a stored chunk, using its
// stored embedding as the query and excluding the chunk itself. Results keep
// the store's similarity order.
func (s *Service) FindSimilar(ctx context.Context, chunkID string, limit int) ([]ScoredChunk, error) {
	anchor, err := s.chunks.GetByID(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.TopK
	}

	// One extra row absorbs the anchor, which is its own nearest neighbor.
	results, err := s.chunks.Search(ctx, anchor.Embedding, vectorstore.SearchOptions{
		TopK:          limit + 1,
		MinSimilarity: -1,
	})
	if err != nil {
		return nil, err
	}

	scored := s.score(results)
	neighbors := make([]ScoredChunk, 0, limit)
	for _, sc := range scored {
		if sc.Chunk.ID == anchor.ID {
			continue
		}
		neighbors = append(neighbors, sc)
		if len(neighbors) == limit {
			break
		}
	}
	return neighbors, nil
}

// score blends similarity with stored importance. A zero importance is
// treated as never scored and counts as neutral.
func (s *Service) score(results []vectorstore.SearchResult) []ScoredChunk {
	scored := make([]ScoredChunk, len(results))
	for i, r := range results {
		importance := r.Chunk.Importance
		if importance == 0 {
			importance = neutralImportance
		}
		scored[i] = ScoredChunk{
			Chunk:      r.Chunk,
			Similarity: r.Similarity,
			Relevance:  s.cfg.SimilarityWeight*r.Similarity + s.cfg.ImportanceWeight*importance,
		}
	}
	return scored
}

func newResult(query string, scored []ScoredChunk) *Result {
	var total float64
	for _, sc := range scored {
		total += sc.Similarity
	}
	average := 0.0
	if len(scored) > 0 {
		average = total / float64(len(scored))
	}
	return &Result{
		Chunks:            scored,
		Query:             query,
		TotalResults:      len(scored),
		AverageSimilarity: average,
		RetrievedAt:       time.Now().UTC(),
	}
}
