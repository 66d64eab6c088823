// Package llm abstracts the chat and embedding back-ends behind a single
// Provider interface. Providers translate conversation messages and tool
// definitions into their SDK's wire shapes and normalize upstream failures
// into the errs taxonomy so the queue and API layers can make retry and
// status decisions without knowing which vendor failed.
package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/models"
)

// Op identifies a provider capability.
type Op string

const (
	OpComplete Op = "complete"
	OpChat     Op = "chat"
	OpEmbed    Op = "embed"
)

// defaultMaxTokens caps responses when the caller does not set a limit.
// Anthropic rejects requests without max_tokens, so a floor is required.
const defaultMaxTokens = 1024

// Tool describes a function the model may call. InputSchema is a JSON
// Schema document; each provider converts it to its own tool format.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Options tunes a single completion or chat call.
type Options struct {
	MaxTokens     int
	Temperature   float64
	StopSequences []string
	Tools         []Tool
}

// ToolCall is a tool invocation requested by the model. Input is the raw
// JSON arguments exactly as the provider returned them.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatResponse is the normalized result of a chat call. Text concatenates
// the response's text blocks; ToolCalls preserves the provider's order.
type ChatResponse struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
}

// Provider is a chat/embedding back-end. Implementations must return
// errs.KindUnsupported from operations they cannot perform rather than
// calling upstream.
type Provider interface {
	// Name returns the provider's registry name (anthropic, openai, google).
	Name() string

	// Complete sends a single-prompt request and returns the text response.
	Complete(ctx context.Context, prompt string, opts Options) (string, error)

	// Chat sends a conversation and returns text and/or tool calls.
	Chat(ctx context.Context, messages []models.ConversationMessage, opts Options) (*ChatResponse, error)

	// Embed returns the embedding vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in one upstream call where the provider
	// allows it. Results are index-aligned with the input.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// CountTokens estimates how many tokens text costs for this provider.
	CountTokens(text string) int

	// Supports reports whether the provider implements op.
	Supports(op Op) bool
}

// EstimateTokens approximates token count as ceil(len/4), which tracks
// English text under the major tokenizers closely enough for budgeting.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// kindForStatus maps an upstream HTTP status to an error kind. Statuses
// the taxonomy does not single out become Validation (4xx, never heals)
// or Upstream (5xx and everything else, retryable).
func kindForStatus(status int) errs.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return errs.KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.KindUnauthenticated
	case status == http.StatusRequestTimeout:
		return errs.KindTimeout
	case status >= 500:
		return errs.KindUpstream
	case status >= 400:
		return errs.KindValidation
	default:
		return errs.KindUpstream
	}
}

// parseRetryAfter reads a Retry-After header value in either the
// delta-seconds or HTTP-date form. Returns 0 when absent or unparseable.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
