// Package prompt assembles token-bounded prompt material for agent queries:
// a system prompt, a knowledge context built from retrieved memory chunks,
// and a trailing window of conversation history. Token counts use the
// ceil(len/4) estimate; a formatting reserve keeps chunk headers and
// separators from eating into the content budget.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/llm"
	"github.com/engram-dev/engram/pkg/models"
	"github.com/engram-dev/engram/pkg/retrieval"
)

// DefaultSystemPrompt frames the assistant around the shared memory store.
const DefaultSystemPrompt = "You are a team memory assistant with access to a store of " +
	"summarized events from the team's tools. Ground your answers in the knowledge " +
	"context when it is relevant, name the people and systems it mentions, and say " +
	"plainly when the context does not contain the answer."

// maxContextChunks caps how many candidates one build retrieves.
const maxContextChunks = 30

// chunkSeparator joins formatted chunks in the knowledge context.
const chunkSeparator = "\n---\n"

// Searcher is the slice of the retrieval service the builder needs.
type Searcher interface {
	Search(ctx context.Context, query string, opts retrieval.SearchOptions) (*retrieval.Result, error)
}

// BuildOptions tunes one context build. Zero values fall back to the
// configured defaults.
type BuildOptions struct {
	MaxTokens          int
	SystemPrompt       string
	IncludeHistory     bool
	MaxHistory         int
	RelevanceThreshold float64
	SourceTypes        []string
}

// Metadata describes what went into a built context.
type Metadata struct {
	ChunksUsed       int      `json:"chunks_used"`
	TotalTokens      int      `json:"total_tokens"`
	AverageRelevance float64  `json:"average_relevance"`
	Sources          []string `json:"sources,omitempty"`
}

// BuiltContext is the assembled prompt material for one agent query.
type BuiltContext struct {
	SystemPrompt     string                       `json:"system_prompt"`
	KnowledgeContext string                       `json:"knowledge_context"`
	History          []models.ConversationMessage `json:"history,omitempty"`
	Metadata         Metadata                     `json:"metadata"`
}

// Builder assembles prompt material within a token budget.
// Stateless apart from configuration — safe for concurrent use.
type Builder struct {
	retriever Searcher
	cfg       config.ContextConfig
}

// NewBuilder creates a Builder over the retrieval service. Unset config
// fields get the documented defaults. Panics if retriever is nil — callers
// must provide a retrieval backend.
func NewBuilder(retriever Searcher, cfg config.ContextConfig) *Builder {
	if retriever == nil {
		panic("prompt.NewBuilder: retriever must not be nil")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8000
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 10
	}
	if cfg.FormatReserve <= 0 {
		cfg.FormatReserve = 500
	}
	if cfg.RelevanceThreshold == 0 {
		cfg.RelevanceThreshold = 0.6
	}
	return &Builder{retriever: retriever, cfg: cfg}
}

// Build retrieves relevant memory and assembles it, with the trailing
// history window, into prompt material that fits the token budget.
// History beyond the window is dropped from the oldest end.
func (b *Builder) Build(ctx context.Context, query string, opts BuildOptions, history []models.ConversationMessage) (*BuiltContext, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.cfg.MaxTokens
	}
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = b.cfg.MaxHistory
	}
	threshold := opts.RelevanceThreshold
	if threshold == 0 {
		threshold = b.cfg.RelevanceThreshold
	}
	systemPrompt := opts.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	budget := maxTokens - llm.EstimateTokens(systemPrompt)

	var kept []models.ConversationMessage
	if opts.IncludeHistory && len(history) > 0 {
		start := len(history) - maxHistory
		if start < 0 {
			start = 0
		}
		kept = history[start:]
		for _, m := range kept {
			budget -= llm.EstimateTokens(m.Content)
		}
	}

	result, err := b.retriever.Search(ctx, query, retrieval.SearchOptions{
		TopK:          maxContextChunks,
		MinSimilarity: threshold,
		SourceTypes:   opts.SourceTypes,
	})
	if err != nil {
		return nil, err
	}

	// Greedy in the order retrieval ranked the chunks: stop at the first one
	// that would overrun what is left after the formatting reserve.
	var (
		selected  []retrieval.ScoredChunk
		used      int
		relevance float64
	)
	for _, sc := range result.Chunks {
		cost := llm.EstimateTokens(sc.Chunk.Content)
		if used+cost > budget-b.cfg.FormatReserve {
			break
		}
		selected = append(selected, sc)
		used += cost
		relevance += sc.Relevance
	}

	knowledge := formatChunks(selected)
	built := &BuiltContext{
		SystemPrompt:     systemPrompt,
		KnowledgeContext: knowledge,
		History:          kept,
		Metadata: Metadata{
			ChunksUsed:  len(selected),
			TotalTokens: totalTokens(systemPrompt, knowledge, kept),
			Sources:     sourceTypes(selected),
		},
	}
	if len(selected) > 0 {
		built.Metadata.AverageRelevance = relevance / float64(len(selected))
	}
	return built, nil
}

// formatChunks renders the knowledge context: each chunk gets a source and
// relevance header, a blank line, then its content, with a rule between
// chunks.
func formatChunks(selected []retrieval.ScoredChunk) string {
	if len(selected) == 0 {
		return ""
	}
	parts := make([]string, len(selected))
	for i, sc := range selected {
		parts[i] = fmt.Sprintf("[Source: %s | Relevance: %.0f%%]\n\n%s",
			sc.Chunk.SourceType, sc.Relevance*100, sc.Chunk.Content)
	}
	return strings.Join(parts, chunkSeparator)
}

// totalTokens estimates the assembled prompt: system prompt, rendered
// knowledge context, and kept history.
func totalTokens(systemPrompt, knowledge string, history []models.ConversationMessage) int {
	total := llm.EstimateTokens(systemPrompt) + llm.EstimateTokens(knowledge)
	for _, m := range history {
		total += llm.EstimateTokens(m.Content)
	}
	return total
}

// sourceTypes lists the distinct source types of the selected chunks in
// first-seen order.
func sourceTypes(selected []retrieval.ScoredChunk) []string {
	var sources []string
	seen := make(map[string]bool, len(selected))
	for _, sc := range selected {
		if !seen[sc.Chunk.SourceType] {
			seen[sc.Chunk.SourceType] = true
			sources = append(sources, sc.Chunk.SourceType)
		}
	}
	return sources
}
