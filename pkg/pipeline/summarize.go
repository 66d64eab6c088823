package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/llm"
	"github.com/engram-dev/engram/pkg/models"
)

const (
	summaryMaxTokens   = 200
	summaryTemperature = 0.3

	// fallbackChars is the character budget for the truncation summary used
	// when no provider can produce one.
	fallbackChars = 200
)

// Summary is the summarization stage output.
type Summary struct {
	Text       string
	TokensUsed int
	// Fallback marks a truncation summary, recorded in chunk metadata so
	// operators can find chunks worth re-summarizing.
	Fallback bool
}

// Summarize condenses an enriched event into a short searchable memory. Any
// provider failure degrades to a plain truncation of the extracted text; the
// event is never lost to a summarization outage.
func (p *Pipeline) Summarize(ctx context.Context, enriched *Enriched) *Summary {
	text, tokens, err := p.completeSummary(ctx, enriched)
	if err != nil {
		slog.Warn("Summarization failed, falling back to truncation",
			"event_id", enriched.Event.ID, "error", err)
		return &Summary{Text: truncateSummary(enriched.ExtractedText), Fallback: true}
	}
	return &Summary{Text: text, TokensUsed: tokens}
}

func (p *Pipeline) completeSummary(ctx context.Context, enriched *Enriched) (string, int, error) {
	provider, err := p.llms.GetWithFallback()
	if err != nil {
		return "", 0, err
	}
	resp, err := provider.Chat(ctx, []models.ConversationMessage{
		{Role: models.RoleUser, Content: buildSummaryPrompt(enriched)},
	}, llm.Options{MaxTokens: summaryMaxTokens, Temperature: summaryTemperature})
	if err != nil {
		return "", 0, err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", 0, errs.Upstreamf("provider %s returned an empty summary", provider.Name())
	}
	return text, resp.Usage.InputTokens + resp.Usage.OutputTokens, nil
}

// buildSummaryPrompt renders the summarization request for one enriched
// event.
func buildSummaryPrompt(e *Enriched) string {
	var b strings.Builder
	b.WriteString("Summarize this event in 100 words or less as a searchable memory.\n")
	b.WriteString("Preserve who was involved, what happened, and why it matters. ")
	b.WriteString("Keep technical terms, identifiers, and error messages intact.\n")
	b.WriteString("Respond with the summary only.\n\n")
	fmt.Fprintf(&b, "Source: %s\n", e.Event.Source)
	fmt.Fprintf(&b, "Event type: %s\n", e.Event.EventType)
	if len(e.Entities.Users) > 0 {
		fmt.Fprintf(&b, "Users: %s\n", strings.Join(e.Entities.Users, ", "))
	}
	if len(e.Entities.Mentions) > 0 {
		fmt.Fprintf(&b, "Mentions: %s\n", strings.Join(e.Entities.Mentions, ", "))
	}
	if len(e.Entities.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(e.Entities.Keywords, ", "))
	}
	fmt.Fprintf(&b, "\nContent:\n%s\n", e.ExtractedText)
	return b.String()
}

// truncateSummary cuts text at a word boundary within the fallback budget.
// Text already within budget is returned untouched, without an ellipsis.
func truncateSummary(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= fallbackChars {
		return text
	}
	cut := string(runes[:fallbackChars])
	if idx := strings.LastIndexFunc(cut, unicode.IsSpace); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRightFunc(cut, unicode.IsSpace) + "..."
}
