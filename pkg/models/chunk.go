package models

import "time"

// Tier is the lifecycle class of a knowledge chunk.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierHot, TierWarm, TierCold:
		return true
	}
	return false
}

// KnowledgeChunk is the atomic unit of searchable memory: a summarized,
// embedded view of one raw event. Content hash is the SHA-256 hex digest of
// Content and is unique across the store.
type KnowledgeChunk struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	ContentHash    string         `json:"content_hash"`
	SourceType     string         `json:"source_type"`
	SourceEventID  string         `json:"source_event_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Importance     float64        `json:"importance"`
	Embedding      []float32      `json:"-"`
	EmbeddingModel string         `json:"embedding_model"`
	Tier           Tier           `json:"tier"`
	AccessCount    int64          `json:"access_count"`
	LastAccessedAt *time.Time     `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// MemoryStats summarizes the knowledge store by tier and source.
type MemoryStats struct {
	Total    int64            `json:"total"`
	ByTier   map[string]int64 `json:"by_tier"`
	BySource map[string]int64 `json:"by_source"`
}
