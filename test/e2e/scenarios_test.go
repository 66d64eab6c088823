package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/llm"
	"github.com/engram-dev/engram/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Scenario 1: Ingest and retrieve
// ────────────────────────────────────────────────────────────

func TestE2E_IngestAndRetrieve(t *testing.T) {
	fake := llm.NewFake("fake", e2eDims)
	// One summary per event, consumed by the processing worker in order.
	fake.QueueText("Decision: the API will use JWT for authentication.")
	fake.QueueText("JWT was chosen over OAuth2 to keep the integration simple.")
	fake.QueueText("JWT tokens are signed with RS256.")
	// Place the search query next to the first summary.
	fake.PinEmbedding("Decision: the API will use JWT for authentication.", unitVec(0))
	fake.PinEmbedding("API authentication", unitVec(0))

	app := NewTestApp(t, WithFake(fake))

	texts := []string{
		"We need JWT for the API",
		"JWT over OAuth2 for simplicity",
		"Use RS256 for JWT",
	}
	for i, text := range texts {
		app.IngestEvent(t, "slack", "message", fmt.Sprintf("msg-%d", i),
			map[string]any{"text": text, "user": "alice"})
	}
	app.WaitForChunkTotal(t, 3)

	stats := app.MemoryStats(t)
	byTier := stats["byTier"].(map[string]any)
	assert.Equal(t, float64(3), byTier["hot"], "fresh chunks start hot")

	resp := app.SearchMemory(t, "API authentication")
	results := resp["results"].([]any)
	require.NotEmpty(t, results)
	top := results[0].(map[string]any)
	assert.GreaterOrEqual(t, top["similarity"].(float64), 0.7)
	assert.Contains(t, top["content"].(string), "JWT")
}

// ────────────────────────────────────────────────────────────
// Scenario 2: Duplicate delivery
// ────────────────────────────────────────────────────────────

func TestE2E_DuplicateDelivery(t *testing.T) {
	fake := llm.NewFake("fake", e2eDims)
	fake.QueueText("Rollback: checkout deploy reverted after latency alarms.")

	app := NewTestApp(t, WithFake(fake))

	payload := map[string]any{
		"text":    "rolling back the checkout deploy",
		"user":    "U123",
		"channel": "C456",
	}
	first := app.IngestEvent(t, "slack", "message", "slack-msg-42", payload)
	assert.Equal(t, false, first["duplicate"])
	eventID := first["eventId"].(string)

	app.WaitForEventStatus(t, eventID, models.StatusCompleted)
	app.WaitForChunkTotal(t, 1)

	second := app.IngestEvent(t, "slack", "message", "slack-msg-42", payload)
	assert.Equal(t, true, second["duplicate"])
	assert.Equal(t, eventID, second["eventId"])

	assert.Equal(t, 1, app.CountRawEvents(t))
	stats := app.MemoryStats(t)
	assert.Equal(t, float64(1), stats["total"])
	// The duplicate never reached the pipeline, so only one summary ran.
	assert.Len(t, fake.ChatCalls(), 1)
}

// ────────────────────────────────────────────────────────────
// Scenario 3: Fallback summary
// ────────────────────────────────────────────────────────────

func TestE2E_FallbackSummary(t *testing.T) {
	fake := llm.NewFake("fake", e2eDims)
	fake.QueueError(errs.Upstreamf("summarizer offline"))

	app := NewTestApp(t, WithFake(fake))

	longText := strings.TrimSpace(strings.Repeat(
		"the checkout deploy rolled back after sustained latency alarms ", 6))
	resp := app.IngestEvent(t, "slack", "message", "msg-long", map[string]any{"text": longText})
	eventID := resp["eventId"].(string)

	// The event still completes: summarization degrades to truncation.
	app.WaitForEventStatus(t, eventID, models.StatusCompleted)
	app.WaitForChunkTotal(t, 1)

	chunks, err := app.Chunks.GetBySource(context.Background(), "slack", 10)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	cut := longText[:200]
	expected := cut[:strings.LastIndex(cut, " ")] + "..."
	assert.Equal(t, expected, chunks[0].Content)
	assert.Equal(t, true, chunks[0].Metadata["fallback"])
}

// ────────────────────────────────────────────────────────────
// Scenario 4: Agent answers from memory
// ────────────────────────────────────────────────────────────

func TestE2E_AgentUsesMemory(t *testing.T) {
	fake := llm.NewFake("fake", e2eDims)
	chunkText := "@alice fixed the race condition in payment service"
	fake.QueueText(chunkText)
	fake.PinEmbedding(chunkText, unitVec(0))
	fake.PinEmbedding("race condition in payment service", unitVec(0))
	fake.PinEmbedding("Who fixed the race condition?", unitVec(1))

	app := NewTestApp(t,
		WithFake(fake),
		WithAgentConfig(config.AgentConfig{MaxIterations: 3}),
	)

	resp := app.IngestEvent(t, "slack", "message", "msg-race", map[string]any{
		"text": "shoutout to alice for fixing the race condition in payment service",
	})
	app.WaitForEventStatus(t, resp["eventId"].(string), models.StatusCompleted)

	// Script the loop only after the pipeline consumed its summary turn.
	fake.QueueResponse(&llm.ChatResponse{
		Text:       "Let me check the team memory.",
		StopReason: "tool_use",
		ToolCalls: []llm.ToolCall{{
			ID:    "tu_1",
			Name:  "search_memory",
			Input: json.RawMessage(`{"query":"race condition in payment service"}`),
		}},
	})
	fake.QueueText("@alice fixed the race condition in the payment service.")

	answer := app.AgentQuery(t, "Who fixed the race condition?")
	assert.Equal(t, true, answer["success"])
	assert.Contains(t, answer["toolsUsed"], "search_memory")
	assert.Contains(t, strings.ToLower(answer["response"].(string)), "alice")

	// The search step surfaced the stored memory to the model.
	var toolStep map[string]any
	for _, s := range answer["steps"].([]any) {
		step := s.(map[string]any)
		if step["type"] == string(models.StepToolUse) {
			toolStep = step
			break
		}
	}
	require.NotNil(t, toolStep, "transcript should contain a tool step")
	result, err := json.Marshal(toolStep["result"])
	require.NoError(t, err)
	assert.Contains(t, string(result), "alice")
}

// ────────────────────────────────────────────────────────────
// Scenario 5: Rerank robustness
// ────────────────────────────────────────────────────────────

func TestE2E_RerankMalformedReplyKeepsOrder(t *testing.T) {
	fake := llm.NewFake("fake", e2eDims)
	fake.PinEmbedding("database migration plan", unitVec(0))
	// The rerank call gets garbage instead of an index list.
	fake.QueueText("not a list")

	app := NewTestApp(t,
		WithFake(fake),
		WithRetrievalConfig(config.RetrievalConfig{
			TopK:             20,
			MinSimilarity:    0.5,
			SimilarityWeight: 0.7,
			ImportanceWeight: 0.3,
			RerankEnabled:    true,
			RerankTopN:       10,
		}),
	)

	first := app.SeedChunk(t, "jira", "Migration runs in three phases.", rotatedVec(0), 0)
	second := app.SeedChunk(t, "jira", "Phase one copies the schema.", rotatedVec(0.2), 0)
	third := app.SeedChunk(t, "jira", "Rollback restores the snapshot.", rotatedVec(0.4), 0)

	resp := app.SearchMemory(t, "database migration plan")
	results := resp["results"].([]any)
	require.Len(t, results, 3)

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.(map[string]any)["id"].(string)
	}
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, ids,
		"similarity order survives a malformed rerank reply")
	assert.Len(t, fake.ChatCalls(), 1, "the rerank call was made and discarded")
}

// ────────────────────────────────────────────────────────────
// Scenario 6: Context budget
// ────────────────────────────────────────────────────────────

func TestE2E_ContextBudgetOmitsChunks(t *testing.T) {
	fake := llm.NewFake("fake", e2eDims)
	query := "what do we know about the payments system?"
	fake.PinEmbedding(query, unitVec(0))
	fake.QueueText("Here is what the team knows about payments.")

	app := NewTestApp(t,
		WithFake(fake),
		WithContextConfig(config.ContextConfig{MaxTokens: 1000}),
	)

	filler := strings.Repeat("payments capacity planning review with dependency callouts ", 6)
	for i := 0; i < 50; i++ {
		app.SeedChunk(t, "jira", fmt.Sprintf("Note %02d: %s", i, filler), unitVec(0), 0)
	}

	answer := app.AgentQuery(t, query)
	assert.Equal(t, true, answer["success"])

	calls := fake.ChatCalls()
	require.NotEmpty(t, calls)
	system := calls[0].Messages[0]
	require.Equal(t, models.RoleSystem, system.Role)

	included := 0
	for i := 0; i < 50; i++ {
		if strings.Contains(system.Content, fmt.Sprintf("Note %02d:", i)) {
			included++
		}
	}
	assert.GreaterOrEqual(t, included, 1, "memory context should carry at least one chunk")
	assert.Less(t, included, 50, "the budget must leave candidates out")
	assert.LessOrEqual(t, llm.EstimateTokens(system.Content), 1000)
}
