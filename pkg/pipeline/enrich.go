package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/engram-dev/engram/pkg/models"
)

const (
	baseImportance = 0.5

	keywordMinLength = 4
	keywordMinCount  = 2
	keywordLimit     = 10

	// longTextChars is the length above which an event is assumed to carry
	// more substance than a quick remark.
	longTextChars = 200
)

var (
	mentionPattern = regexp.MustCompile(`<@([A-Z0-9]+)>`)
	linkPattern    = regexp.MustCompile(`https?://[^\s<>"]+`)
	tokenPattern   = regexp.MustCompile(`[a-z0-9]+`)
)

// userKeys are the flat payload fields that conventionally carry an actor.
var userKeys = []string{"user", "username", "author", "reporter", "assignee"}

// Entities are the structured references pulled out of an event.
type Entities struct {
	Users    []string `json:"users,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
	Links    []string `json:"links,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

// Enriched is the pipeline's working view of one raw event: the text worth
// remembering, the entities it references, and a salience score.
type Enriched struct {
	Event         *models.RawEvent
	ExtractedText string
	Entities      Entities
	Importance    float64
	Metadata      map[string]any
}

// Enrich derives the searchable view of a raw event. It is pure: no I/O, no
// clock, and the same event always enriches to the same view.
func Enrich(event *models.RawEvent) *Enriched {
	text := extractText(event)
	entities := extractEntities(event.Payload, text)

	metadata := map[string]any{
		"event_type": event.EventType,
	}
	if event.ExternalID != "" {
		metadata["external_id"] = event.ExternalID
	}
	if len(entities.Users) > 0 {
		metadata["users"] = entities.Users
	}
	if len(entities.Mentions) > 0 {
		metadata["mentions"] = entities.Mentions
	}
	if len(entities.Links) > 0 {
		metadata["links"] = entities.Links
	}
	if len(entities.Keywords) > 0 {
		metadata["keywords"] = entities.Keywords
	}

	return &Enriched{
		Event:         event,
		ExtractedText: text,
		Entities:      entities,
		Importance:    scoreImportance(event, text, entities),
		Metadata:      metadata,
	}
}

// extractText pulls the human-readable content for one event. Sources with a
// known payload shape get targeted extraction; everything else, including a
// known source whose expected fields are empty, falls back to a
// deterministic serialization of the payload.
func extractText(event *models.RawEvent) string {
	var text string
	switch event.Source {
	case "slack":
		text = payloadString(event.Payload, "text")
	case "jira":
		text = joinNonEmpty("\n\n",
			payloadString(event.Payload, "title"),
			payloadString(event.Payload, "description"))
	case "git":
		text = joinNonEmpty("\n\n",
			payloadString(event.Payload, "message"),
			payloadString(event.Payload, "body"))
	}
	if strings.TrimSpace(text) == "" {
		text = serializePayload(event.Payload)
	}
	return strings.TrimSpace(text)
}

func extractEntities(payload map[string]any, text string) Entities {
	return Entities{
		Users:    extractUsers(payload),
		Mentions: extractMentions(text),
		Links:    dedupe(linkPattern.FindAllString(text, -1)),
		Keywords: extractKeywords(text),
	}
}

func extractUsers(payload map[string]any) []string {
	var users []string
	for _, key := range userKeys {
		if u, ok := payload[key].(string); ok && u != "" {
			users = append(users, u)
		}
	}
	return dedupe(users)
}

func extractMentions(text string) []string {
	var mentions []string
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		mentions = append(mentions, m[1])
	}
	return dedupe(mentions)
}

// extractKeywords finds the alphanumeric tokens (length >= 4) that occur at
// least twice, ranked by frequency with earlier tokens winning ties.
func extractKeywords(text string) []string {
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)

	type stat struct {
		count int
		first int
	}
	stats := make(map[string]*stat)
	for i, tok := range tokens {
		if len(tok) < keywordMinLength {
			continue
		}
		if s, ok := stats[tok]; ok {
			s.count++
		} else {
			stats[tok] = &stat{count: 1, first: i}
		}
	}

	var keywords []string
	for tok, s := range stats {
		if s.count >= keywordMinCount {
			keywords = append(keywords, tok)
		}
	}
	sort.Slice(keywords, func(i, j int) bool {
		a, b := stats[keywords[i]], stats[keywords[j]]
		if a.count != b.count {
			return a.count > b.count
		}
		return a.first < b.first
	})
	if len(keywords) > keywordLimit {
		keywords = keywords[:keywordLimit]
	}
	return keywords
}

// scoreImportance blends the salience signals for one event, clamped to
// [0,1] so downstream relevance math stays bounded.
func scoreImportance(event *models.RawEvent, text string, entities Entities) float64 {
	score := baseImportance

	if event.Source == "slack" && payloadString(event.Payload, "thread_ts") != "" {
		score -= 0.1
	}
	if hasReactions(event.Payload) {
		score += 0.2
	}
	if event.Source == "jira" {
		switch payloadString(event.Payload, "priority") {
		case "High", "Critical":
			score += 0.3
		}
	}
	if len(entities.Links) > 0 {
		score += 0.1
	}
	if len(entities.Mentions) > 0 {
		score += 0.15
	}
	if utf8.RuneCountInString(text) > longTextChars {
		score += 0.1
	}

	return math.Min(1, math.Max(0, score))
}

func hasReactions(payload map[string]any) bool {
	reactions, ok := payload["reactions"].([]any)
	return ok && len(reactions) > 0
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

// serializePayload renders a payload with stable key order, so the same
// event always produces the same text and, through it, the same content
// hash. encoding/json sorts map keys.
func serializePayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(raw)
}

func dedupe(values []string) []string {
	if len(values) < 2 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
