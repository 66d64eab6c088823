package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/engram-dev/engram/pkg/models"
	"github.com/engram-dev/engram/pkg/retrieval"
)

// Default result counts for the built-in memory tools.
const (
	defaultSearchLimit  = 5
	defaultRecentLimit  = 10
	defaultSimilarLimit = 5
)

// limitSchema is shared by the optional limit parameters.
var limitSchema = json.RawMessage(`{"type":"number","minimum":1,"description":"Maximum number of results to return"}`)

// Memory is the slice of the retrieval service the built-in tools need.
type Memory interface {
	Search(ctx context.Context, query string, opts retrieval.SearchOptions) (*retrieval.Result, error)
	GetRecent(ctx context.Context, sourceType string, limit int) ([]*models.KnowledgeChunk, error)
	FindSimilar(ctx context.Context, chunkID string, limit int) ([]retrieval.ScoredChunk, error)
}

type memoryHit struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	SourceType string         `json:"source_type"`
	Similarity float64        `json:"similarity"`
	Relevance  float64        `json:"relevance"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type searchMemoryResult struct {
	Results []memoryHit `json:"results"`
	Total   int         `json:"total"`
}

type recentEvent struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SourceType string    `json:"source_type"`
	CreatedAt  time.Time `json:"created_at"`
}

type similarHit struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	SourceType string  `json:"source_type"`
	Similarity float64 `json:"similarity"`
}

// RegisterMemoryTools adds the built-in memory tools, backed by the
// retrieval service, to the registry.
func RegisterMemoryTools(reg *Registry, mem Memory) error {
	if err := reg.Register(Definition{
		Name:        "search_memory",
		Description: "Search the team memory store semantically. Returns the stored memories most relevant to a natural-language query.",
		Category:    "memory",
		Parameters: []Parameter{
			{Name: "query", Type: "string", Description: "Natural-language search query", Required: true},
			{Name: "limit", Type: "number", Schema: limitSchema},
		},
		Handler: searchMemoryHandler(mem),
	}); err != nil {
		return err
	}

	if err := reg.Register(Definition{
		Name:        "get_recent_events",
		Description: "List the most recent memories captured from one source, newest first.",
		Category:    "memory",
		Parameters: []Parameter{
			{Name: "source", Type: "string", Description: "Source type to list, for example slack, jira, or git", Required: true},
			{Name: "limit", Type: "number", Schema: limitSchema},
		},
		Handler: recentEventsHandler(mem),
	}); err != nil {
		return err
	}

	return reg.Register(Definition{
		Name:        "find_similar",
		Description: "Find memories similar to a known memory chunk. Useful for expanding on a search_memory result.",
		Category:    "memory",
		Parameters: []Parameter{
			{Name: "chunk_id", Type: "string", Description: "ID of the anchor memory chunk", Required: true},
			{Name: "limit", Type: "number", Schema: limitSchema},
		},
		Handler: findSimilarHandler(mem),
	})
}

func searchMemoryHandler(mem Memory) Handler {
	return func(ctx context.Context, input map[string]any) (any, error) {
		query, _ := input["query"].(string)
		limit := intArg(input, "limit", defaultSearchLimit)

		result, err := mem.Search(ctx, query, retrieval.SearchOptions{TopK: limit})
		if err != nil {
			return nil, err
		}

		hits := make([]memoryHit, len(result.Chunks))
		for i, sc := range result.Chunks {
			hits[i] = memoryHit{
				ID:         sc.Chunk.ID,
				Content:    sc.Chunk.Content,
				SourceType: sc.Chunk.SourceType,
				Similarity: sc.Similarity,
				Relevance:  sc.Relevance,
				Metadata:   sc.Chunk.Metadata,
			}
		}
		return searchMemoryResult{Results: hits, Total: result.TotalResults}, nil
	}
}

func recentEventsHandler(mem Memory) Handler {
	return func(ctx context.Context, input map[string]any) (any, error) {
		source, _ := input["source"].(string)
		limit := intArg(input, "limit", defaultRecentLimit)

		chunks, err := mem.GetRecent(ctx, source, limit)
		if err != nil {
			return nil, err
		}

		events := make([]recentEvent, len(chunks))
		for i, chunk := range chunks {
			events[i] = recentEvent{
				ID:         chunk.ID,
				Content:    chunk.Content,
				SourceType: chunk.SourceType,
				CreatedAt:  chunk.CreatedAt,
			}
		}
		return events, nil
	}
}

func findSimilarHandler(mem Memory) Handler {
	return func(ctx context.Context, input map[string]any) (any, error) {
		chunkID, _ := input["chunk_id"].(string)
		limit := intArg(input, "limit", defaultSimilarLimit)

		neighbors, err := mem.FindSimilar(ctx, chunkID, limit)
		if err != nil {
			return nil, err
		}

		hits := make([]similarHit, len(neighbors))
		for i, sc := range neighbors {
			hits[i] = similarHit{
				ID:         sc.Chunk.ID,
				Content:    sc.Chunk.Content,
				SourceType: sc.Chunk.SourceType,
				Similarity: sc.Similarity,
			}
		}
		return hits, nil
	}
}

// intArg reads an optional numeric argument. JSON numbers decode as float64;
// the schema has already enforced the minimum.
func intArg(input map[string]any, key string, fallback int) int {
	v, ok := input[key].(float64)
	if !ok {
		return fallback
	}
	return int(v)
}
