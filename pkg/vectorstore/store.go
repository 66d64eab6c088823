// Package vectorstore persists knowledge chunks and serves similarity search
// over pgvector. All SQL is hand-written; the embedding column is a fixed
// dimension chosen at migration time.
package vectorstore

import (
	"context"
	"database/sql"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/models"
	"github.com/google/uuid"
)

const chunkColumns = `id, content, content_hash, source_type, source_event_id,
	metadata, importance, embedding::text, embedding_model, tier, access_count,
	last_accessed_at, created_at, updated_at`

// Store provides knowledge-chunk persistence and vector search.
type Store struct {
	db         *sql.DB
	dimensions int
}

// NewStore creates a vector store. dimensions must match the migrated vector
// column; chunks with any other embedding length are rejected.
func NewStore(db *sql.DB, dimensions int) *Store {
	if db == nil {
		panic("vectorstore: db is required")
	}
	if dimensions <= 0 {
		panic("vectorstore: dimensions must be positive")
	}
	return &Store{db: db, dimensions: dimensions}
}

// Dimensions returns the embedding dimension this store was built for.
func (s *Store) Dimensions() int { return s.dimensions }

// Store inserts a chunk if its content hash is new. When the hash already
// exists the stored chunk is returned together with a Duplicate error and
// nothing is mutated.
func (s *Store) Store(ctx context.Context, chunk *models.KnowledgeChunk) (*models.KnowledgeChunk, error) {
	if chunk == nil {
		return nil, errs.Validationf("chunk is required")
	}
	if chunk.Content == "" {
		return nil, errs.Validationf("chunk content is required")
	}
	if chunk.SourceEventID == "" {
		return nil, errs.Validationf("chunk source_event_id is required")
	}
	if len(chunk.Embedding) != s.dimensions {
		return nil, errs.Validationf("embedding has %d dimensions, store requires %d",
			len(chunk.Embedding), s.dimensions)
	}
	if chunk.Importance < 0 || chunk.Importance > 1 {
		return nil, errs.Validationf("importance %v outside [0,1]", chunk.Importance)
	}

	stored := *chunk
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.ContentHash == "" {
		stored.ContentHash = HashContent(stored.Content)
	}
	if stored.Tier == "" {
		stored.Tier = models.TierHot
	}
	if !stored.Tier.Valid() {
		return nil, errs.Validationf("unknown tier %q", stored.Tier)
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.AccessCount = 0
	stored.LastAccessedAt = nil

	metadata, err := json.Marshal(orEmptyMap(stored.Metadata))
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "chunk metadata is not serializable", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_chunks
			(id, content, content_hash, source_type, source_event_id, metadata,
			 importance, embedding, embedding_model, tier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector, $9, $10, $11, $11)
		ON CONFLICT (content_hash) DO NOTHING`,
		stored.ID, stored.Content, stored.ContentHash, stored.SourceType,
		stored.SourceEventID, metadata, stored.Importance,
		encodeEmbedding(stored.Embedding), stored.EmbeddingModel, stored.Tier, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert chunk: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read insert result: %w", err)
	}
	if inserted == 0 {
		existing, err := s.GetByHash(ctx, stored.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch duplicate chunk: %w", err)
		}
		return existing, errs.Duplicatef("chunk with hash %s already stored", stored.ContentHash)
	}
	return &stored, nil
}

// GetByID fetches one chunk with its embedding.
func (s *Store) GetByID(ctx context.Context, id string) (*models.KnowledgeChunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM knowledge_chunks WHERE id = $1`, id)
	chunk, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFoundf("chunk %s not found", id)
	}
	return chunk, err
}

// GetByHash fetches the chunk deduplicating a content hash.
func (s *Store) GetByHash(ctx context.Context, hash string) (*models.KnowledgeChunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM knowledge_chunks WHERE content_hash = $1`, hash)
	chunk, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFoundf("chunk with hash %s not found", hash)
	}
	return chunk, err
}

// GetByIDs fetches chunks preserving the order of ids; unknown ids are
// silently skipped.
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]*models.KnowledgeChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM knowledge_chunks WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*models.KnowledgeChunk, len(ids))
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		byID[chunk.ID] = chunk
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ordered := make([]*models.KnowledgeChunk, 0, len(ids))
	for _, id := range ids {
		if chunk, ok := byID[id]; ok {
			ordered = append(ordered, chunk)
		}
	}
	return ordered, nil
}

// GetBySource returns the newest chunks, optionally filtered by source type.
func (s *Store) GetBySource(ctx context.Context, sourceType string, limit int) ([]*models.KnowledgeChunk, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + chunkColumns + ` FROM knowledge_chunks`
	args := []any{}
	if sourceType != "" {
		query += ` WHERE source_type = $1`
		args = append(args, sourceType)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks by source: %w", err)
	}
	defer rows.Close()

	var chunks []*models.KnowledgeChunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// HashContent returns the SHA-256 hex digest used as a chunk's content hash.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*models.KnowledgeChunk, error) {
	var (
		chunk          models.KnowledgeChunk
		metadata       []byte
		embedding      string
		lastAccessedAt sql.NullTime
	)
	err := row.Scan(&chunk.ID, &chunk.Content, &chunk.ContentHash, &chunk.SourceType,
		&chunk.SourceEventID, &metadata, &chunk.Importance, &embedding,
		&chunk.EmbeddingModel, &chunk.Tier, &chunk.AccessCount,
		&lastAccessedAt, &chunk.CreatedAt, &chunk.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastAccessedAt.Valid {
		t := lastAccessedAt.Time
		chunk.LastAccessedAt = &t
	}
	if err := json.Unmarshal(metadata, &chunk.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode chunk metadata: %w", err)
	}
	chunk.Embedding, err = decodeEmbedding(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to decode chunk embedding: %w", err)
	}
	return &chunk, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
