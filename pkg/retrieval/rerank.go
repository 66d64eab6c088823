package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/engram-dev/engram/pkg/llm"
	"github.com/engram-dev/engram/pkg/models"
)

const (
	rerankMaxTokens = 100

	// rerankSnippetChars bounds each candidate shown to the reranker.
	rerankSnippetChars = 200
)

var intPattern = regexp.MustCompile(`\d+`)

// rerank asks a chat provider to reorder the head of the result list by
// relevance to the query. The tail past the head keeps its position, and any
// failure leaves the whole list untouched.
func (s *Service) rerank(ctx context.Context, query string, scored []ScoredChunk) []ScoredChunk {
	n := min(s.cfg.RerankTopN, len(scored))
	if n < 2 {
		return scored
	}
	provider, err := s.llms.GetWithFallback()
	if err != nil {
		slog.Warn("Rerank skipped, no chat provider configured", "error", err)
		return scored
	}
	head := scored[:n]

	resp, err := provider.Chat(ctx, []models.ConversationMessage{
		{Role: models.RoleUser, Content: buildRerankPrompt(query, head)},
	}, llm.Options{MaxTokens: rerankMaxTokens})
	if err != nil {
		slog.Warn("Rerank failed, keeping original order", "error", err)
		return scored
	}

	reordered := make([]ScoredChunk, 0, len(scored))
	for _, idx := range parseRerankOrder(resp.Text, n) {
		reordered = append(reordered, head[idx])
	}
	return append(reordered, scored[n:]...)
}

// buildRerankPrompt renders the reordering request. Candidates are indexed
// from zero and truncated so the prompt stays small.
func buildRerankPrompt(query string, head []ScoredChunk) string {
	var b strings.Builder
	b.WriteString("Order these memory snippets by relevance to the query, most relevant first.\n")
	b.WriteString("Respond with a comma-separated list of snippet indices and nothing else.\n\n")
	fmt.Fprintf(&b, "Query: %s\n\n", query)
	for i, sc := range head {
		fmt.Fprintf(&b, "[%d] %s\n", i, snippet(sc.Chunk.Content, rerankSnippetChars))
	}
	return b.String()
}

// parseRerankOrder extracts a permutation of [0,n) from the model output.
// Valid indices keep their reply order; indices the model dropped or garbled
// are appended in their original positions, so a partial or malformed reply
// degrades toward the input order.
func parseRerankOrder(text string, n int) []int {
	order := make([]int, 0, n)
	seen := make(map[int]bool, n)
	for _, match := range intPattern.FindAllString(text, -1) {
		idx, err := strconv.Atoi(match)
		if err != nil || idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		order = append(order, idx)
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order
}

func snippet(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
