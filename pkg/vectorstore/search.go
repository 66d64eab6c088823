package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/models"
)

// DefaultTopK bounds search results when the caller does not choose.
const DefaultTopK = 20

// DefaultMinSimilarity is the cosine-similarity floor when the caller does
// not choose. Pass a negative MinSimilarity to disable the floor entirely.
const DefaultMinSimilarity = 0.7

// SearchOptions filters and bounds a similarity search.
type SearchOptions struct {
	// TopK caps the result count. Zero means DefaultTopK.
	TopK int

	// MinSimilarity drops results below this cosine similarity. Zero means
	// DefaultMinSimilarity; negative disables the floor.
	MinSimilarity float64

	// SourceTypes restricts results to these sources when non-empty.
	SourceTypes []string

	// Tiers restricts results to these tiers. Empty means {hot, warm}: cold
	// chunks are excluded from routine search but remain addressable by id.
	Tiers []models.Tier
}

// SearchResult pairs a chunk with its cosine similarity to the query vector.
type SearchResult struct {
	Chunk      models.KnowledgeChunk `json:"chunk"`
	Similarity float64               `json:"similarity"`
}

// Search returns the chunks nearest to queryVector, ordered by similarity
// descending with created_at desc / id asc breaking ties. Returned chunks
// have their access stats bumped in one batched update.
func (s *Store) Search(ctx context.Context, queryVector []float32, opts SearchOptions) ([]SearchResult, error) {
	if len(queryVector) != s.dimensions {
		return nil, errs.Validationf("query vector has %d dimensions, store requires %d",
			len(queryVector), s.dimensions)
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	minSimilarity := opts.MinSimilarity
	if minSimilarity == 0 {
		minSimilarity = DefaultMinSimilarity
	}
	tiers := opts.Tiers
	if len(tiers) == 0 {
		tiers = []models.Tier{models.TierHot, models.TierWarm}
	}
	tierNames := make([]string, len(tiers))
	for i, tier := range tiers {
		if !tier.Valid() {
			return nil, errs.Validationf("unknown tier %q", tier)
		}
		tierNames[i] = string(tier)
	}

	query := `
		SELECT ` + chunkColumns + `,
			1 - (embedding <=> $1::vector) AS similarity
		FROM knowledge_chunks
		WHERE tier = ANY($2::text[])`
	args := []any{encodeEmbedding(queryVector), tierNames}
	argNum := 3

	if len(opts.SourceTypes) > 0 {
		query += fmt.Sprintf(" AND source_type = ANY($%d::text[])", argNum)
		args = append(args, opts.SourceTypes)
		argNum++
	}
	if minSimilarity > 0 {
		query += fmt.Sprintf(" AND (1 - (embedding <=> $1::vector)) >= $%d", argNum)
		args = append(args, minSimilarity)
		argNum++
	}

	query += ` ORDER BY embedding <=> $1::vector ASC, created_at DESC, id ASC`
	query += fmt.Sprintf(" LIMIT $%d", argNum)
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	var ids []string
	for rows.Next() {
		result, err := scanSearchResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
		ids = append(ids, result.Chunk.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Access bookkeeping is best-effort: a failed bump never fails the search.
	if len(ids) > 0 {
		if err := s.bumpAccessStats(ctx, ids); err != nil {
			slog.Warn("Failed to update chunk access stats", "count", len(ids), "error", err)
		}
	}
	return results, nil
}

// bumpAccessStats records one access for every id in a single statement.
func (s *Store) bumpAccessStats(ctx context.Context, ids []string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_chunks
		SET access_count = access_count + 1,
		    last_accessed_at = now(),
		    updated_at = now()
		WHERE id = ANY($1::uuid[])`, ids)
	return err
}

func scanSearchResult(rows *sql.Rows) (SearchResult, error) {
	var (
		result         SearchResult
		chunk          models.KnowledgeChunk
		metadata       []byte
		embedding      string
		lastAccessedAt sql.NullTime
	)
	err := rows.Scan(&chunk.ID, &chunk.Content, &chunk.ContentHash, &chunk.SourceType,
		&chunk.SourceEventID, &metadata, &chunk.Importance, &embedding,
		&chunk.EmbeddingModel, &chunk.Tier, &chunk.AccessCount,
		&lastAccessedAt, &chunk.CreatedAt, &chunk.UpdatedAt, &result.Similarity)
	if err != nil {
		return result, fmt.Errorf("failed to scan search row: %w", err)
	}
	if lastAccessedAt.Valid {
		t := lastAccessedAt.Time
		chunk.LastAccessedAt = &t
	}
	if err := json.Unmarshal(metadata, &chunk.Metadata); err != nil {
		return result, fmt.Errorf("failed to decode chunk metadata: %w", err)
	}
	chunk.Embedding, err = decodeEmbedding(embedding)
	if err != nil {
		return result, fmt.Errorf("failed to decode chunk embedding: %w", err)
	}
	result.Chunk = chunk
	return result, nil
}
