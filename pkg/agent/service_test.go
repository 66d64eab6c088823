package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-dev/engram/pkg/agent/prompt"
	"github.com/engram-dev/engram/pkg/agent/tools"
	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/llm"
	"github.com/engram-dev/engram/pkg/models"
	"github.com/engram-dev/engram/pkg/retrieval"
)

// stubSearcher feeds the context builder without a vector store.
type stubSearcher struct {
	result *retrieval.Result
	err    error
	called bool
}

func (s *stubSearcher) Search(_ context.Context, query string, _ retrieval.SearchOptions) (*retrieval.Result, error) {
	s.called = true
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &retrieval.Result{Query: query}, nil
}

// stubMemory backs the built-in tools without a vector store.
type stubMemory struct {
	searchQuery string
	searchErr   error
	chunks      []retrieval.ScoredChunk
}

func (m *stubMemory) Search(_ context.Context, query string, _ retrieval.SearchOptions) (*retrieval.Result, error) {
	m.searchQuery = query
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return &retrieval.Result{Chunks: m.chunks, TotalResults: len(m.chunks)}, nil
}

func (m *stubMemory) GetRecent(context.Context, string, int) ([]*models.KnowledgeChunk, error) {
	return nil, nil
}

func (m *stubMemory) FindSimilar(context.Context, string, int) ([]retrieval.ScoredChunk, error) {
	return nil, nil
}

func fakeManager(t *testing.T, fake *llm.Fake) *llm.Manager {
	t.Helper()
	mgr, err := llm.NewManager(context.Background(),
		config.LLMConfig{Default: fake.Name()},
		config.EmbeddingConfig{Provider: fake.Name(), Model: "fake-embedder"})
	require.NoError(t, err)
	mgr.Register(fake)
	return mgr
}

type agentEnv struct {
	service  *Service
	fake     *llm.Fake
	searcher *stubSearcher
	memory   *stubMemory
	registry *tools.Registry
}

func setupAgent(t *testing.T, cfg config.AgentConfig) *agentEnv {
	t.Helper()
	fake := llm.NewFake("fake", 8)
	searcher := &stubSearcher{}
	memory := &stubMemory{}
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterMemoryTools(registry, memory))

	builder := prompt.NewBuilder(searcher, config.ContextConfig{})
	service := NewService(fakeManager(t, fake), builder, registry, cfg)
	return &agentEnv{service: service, fake: fake, searcher: searcher, memory: memory, registry: registry}
}

func toolCallTurn(text string, calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Text: text, ToolCalls: calls, StopReason: "tool_use"}
}

func scoredChunk(source, content string, relevance float64) retrieval.ScoredChunk {
	return retrieval.ScoredChunk{
		Chunk:      models.KnowledgeChunk{SourceType: source, Content: content},
		Similarity: relevance,
		Relevance:  relevance,
	}
}

func TestQueryDirectAnswer(t *testing.T) {
	env := setupAgent(t, config.AgentConfig{})
	env.searcher.result = &retrieval.Result{Chunks: []retrieval.ScoredChunk{
		scoredChunk("slack", "deploys are frozen until monday", 0.9),
	}, TotalResults: 1}
	env.fake.QueueText("Deploys are frozen until Monday.")

	answer, err := env.service.Query(context.Background(), QueryInput{Query: "can I deploy today?"})
	require.NoError(t, err)

	assert.True(t, answer.Success)
	assert.Equal(t, "Deploys are frozen until Monday.", answer.Response)
	assert.Empty(t, answer.ToolsUsed)
	require.Len(t, answer.Steps, 1)
	assert.Equal(t, models.StepMessage, answer.Steps[0].Type)
	assert.Equal(t, "Deploys are frozen until Monday.", answer.Steps[0].Text)

	calls := env.fake.ChatCalls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 2)
	assert.Equal(t, models.RoleSystem, calls[0].Messages[0].Role)
	assert.Contains(t, calls[0].Messages[0].Content, "## Relevant Memory")
	assert.Contains(t, calls[0].Messages[0].Content, "deploys are frozen until monday")
	assert.Equal(t, models.RoleUser, calls[0].Messages[1].Role)
	assert.Equal(t, "can I deploy today?", calls[0].Messages[1].Content)

	assert.Equal(t, 2000, calls[0].Opts.MaxTokens)
	assert.InDelta(t, 0.7, calls[0].Opts.Temperature, 1e-9)
	require.Len(t, calls[0].Opts.Tools, 3)
	assert.Equal(t, "find_similar", calls[0].Opts.Tools[0].Name)
	assert.Equal(t, "search_memory", calls[0].Opts.Tools[2].Name)
}

func TestQueryUsesMemoryTool(t *testing.T) {
	env := setupAgent(t, config.AgentConfig{})
	env.memory.chunks = []retrieval.ScoredChunk{
		scoredChunk("slack", "@alice fixed the race condition in payment service", 0.92),
	}
	env.fake.QueueResponse(toolCallTurn("Let me search the memory store.",
		llm.ToolCall{ID: "tu_1", Name: "search_memory", Input: json.RawMessage(`{"query":"race condition"}`)}))
	env.fake.QueueText("Alice fixed the race condition in the payment service.")

	answer, err := env.service.Query(context.Background(), QueryInput{Query: "Who fixed the race condition?"})
	require.NoError(t, err)

	assert.True(t, answer.Success)
	assert.Contains(t, answer.Response, "Alice")
	assert.Equal(t, []string{"search_memory"}, answer.ToolsUsed)
	assert.Equal(t, "race condition", env.memory.searchQuery)

	require.Len(t, answer.Steps, 3)
	assert.Equal(t, models.StepThinking, answer.Steps[0].Type)
	assert.Equal(t, models.StepToolUse, answer.Steps[1].Type)
	assert.Equal(t, "search_memory", answer.Steps[1].Tool)
	assert.Contains(t, string(answer.Steps[1].Result), "alice")
	assert.Equal(t, models.StepMessage, answer.Steps[2].Type)

	calls := env.fake.ChatCalls()
	require.Len(t, calls, 2)
	second := calls[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, models.RoleAssistant, second[2].Role)
	require.Len(t, second[2].ToolCalls, 1)
	assert.Equal(t, "tu_1", second[2].ToolCalls[0].ID)
	assert.Equal(t, models.RoleTool, second[3].Role)
	assert.Equal(t, "tu_1", second[3].ToolCallID)
	assert.Equal(t, "search_memory", second[3].ToolName)
	assert.Contains(t, second[3].Content, `"success":true`)
	assert.Contains(t, second[3].Content, "alice")
}

// Every tool_use id gets exactly one tool result, in call order, before the
// next chat call.
func TestQueryAnswersEveryToolCall(t *testing.T) {
	env := setupAgent(t, config.AgentConfig{})
	env.fake.QueueResponse(toolCallTurn("",
		llm.ToolCall{ID: "tu_1", Name: "search_memory", Input: json.RawMessage(`{"query":"retros"}`)},
		llm.ToolCall{ID: "tu_2", Name: "get_recent_events", Input: json.RawMessage(`{"source":"slack"}`)}))
	env.fake.QueueText("done")

	answer, err := env.service.Query(context.Background(), QueryInput{Query: "summarize recent retros"})
	require.NoError(t, err)
	assert.True(t, answer.Success)
	assert.Equal(t, []string{"search_memory", "get_recent_events"}, answer.ToolsUsed)

	calls := env.fake.ChatCalls()
	require.Len(t, calls, 2)
	second := calls[1].Messages
	require.Len(t, second, 5)
	require.Len(t, second[2].ToolCalls, 2)

	results := map[string]int{}
	for _, msg := range second {
		if msg.Role == models.RoleTool {
			results[msg.ToolCallID]++
		}
	}
	assert.Equal(t, map[string]int{"tu_1": 1, "tu_2": 1}, results)
	assert.Equal(t, "tu_1", second[3].ToolCallID)
	assert.Equal(t, "tu_2", second[4].ToolCallID)
}

func TestQueryIterationLimit(t *testing.T) {
	env := setupAgent(t, config.AgentConfig{MaxIterations: 2})
	for range 2 {
		env.fake.QueueResponse(toolCallTurn("still digging",
			llm.ToolCall{ID: "tu", Name: "search_memory", Input: json.RawMessage(`{"query":"more"}`)}))
	}

	answer, err := env.service.Query(context.Background(), QueryInput{Query: "impossible request"})
	require.NoError(t, err)

	assert.False(t, answer.Success)
	assert.Equal(t, iterationLimitMessage, answer.Response)
	assert.Len(t, env.fake.ChatCalls(), 2)
	assert.Equal(t, []string{"search_memory"}, answer.ToolsUsed)
}

func TestQueryUnknownToolRecovers(t *testing.T) {
	env := setupAgent(t, config.AgentConfig{})
	env.fake.QueueResponse(toolCallTurn("",
		llm.ToolCall{ID: "tu_1", Name: "bogus_tool", Input: json.RawMessage(`{}`)}))
	env.fake.QueueText("I could not use that tool, but here is what I know.")

	answer, err := env.service.Query(context.Background(), QueryInput{Query: "anything"})
	require.NoError(t, err)
	assert.True(t, answer.Success)

	calls := env.fake.ChatCalls()
	require.Len(t, calls, 2)
	toolMsg := calls[1].Messages[3]
	assert.Equal(t, models.RoleTool, toolMsg.Role)
	assert.Contains(t, toolMsg.Content, `"success":false`)
	assert.Contains(t, toolMsg.Content, "unknown tool")
}

func TestQueryToolFailureRecovers(t *testing.T) {
	env := setupAgent(t, config.AgentConfig{})
	env.memory.searchErr = errs.Upstreamf("embedder offline")
	env.fake.QueueResponse(toolCallTurn("",
		llm.ToolCall{ID: "tu_1", Name: "search_memory", Input: json.RawMessage(`{"query":"x"}`)}))
	env.fake.QueueText("Memory search is unavailable right now.")

	answer, err := env.service.Query(context.Background(), QueryInput{Query: "anything"})
	require.NoError(t, err)
	assert.True(t, answer.Success)

	toolMsg := env.fake.ChatCalls()[1].Messages[3]
	assert.Contains(t, toolMsg.Content, `"success":false`)
	assert.Contains(t, toolMsg.Content, "embedder offline")
}

func TestQueryProviderErrorSurfaces(t *testing.T) {
	env := setupAgent(t, config.AgentConfig{})
	env.fake.QueueError(errs.RateLimited("provider throttled", time.Second))

	answer, err := env.service.Query(context.Background(), QueryInput{Query: "anything"})
	require.Error(t, err)
	assert.Nil(t, answer)
	assert.True(t, errs.IsKind(err, errs.KindRateLimited))
}

func TestQueryCancelledBeforeFirstCall(t *testing.T) {
	env := setupAgent(t, config.AgentConfig{})
	env.fake.QueueText("never reached")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	answer, err := env.service.Query(ctx, QueryInput{Query: "anything"})
	require.NoError(t, err)

	assert.False(t, answer.Success)
	assert.Equal(t, deadlineMessage, answer.Response)
	assert.Empty(t, env.fake.ChatCalls())
}

// Cancellation mid-loop keeps the last assistant text as the partial answer.
func TestQueryCancelledMidLoopKeepsPartialText(t *testing.T) {
	fake := llm.NewFake("fake", 8)
	searcher := &stubSearcher{}
	builder := prompt.NewBuilder(searcher, config.ContextConfig{})
	registry := tools.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, registry.Register(tools.Definition{
		Name:        "stop_everything",
		Description: "cancels the query",
		Handler: func(context.Context, map[string]any) (any, error) {
			cancel()
			return "stopped", nil
		},
	}))
	service := NewService(fakeManager(t, fake), builder, registry, config.AgentConfig{MaxIterations: 3})

	fake.QueueResponse(toolCallTurn("Gathered half of the picture so far.",
		llm.ToolCall{ID: "tu_1", Name: "stop_everything", Input: json.RawMessage(`{}`)}))

	answer, err := service.Query(ctx, QueryInput{Query: "anything"})
	require.NoError(t, err)

	assert.False(t, answer.Success)
	assert.Equal(t, "Gathered half of the picture so far.", answer.Response)
	assert.Len(t, fake.ChatCalls(), 1)
}

func TestQueryRejectsEmptyQuery(t *testing.T) {
	env := setupAgent(t, config.AgentConfig{})

	_, err := env.service.Query(context.Background(), QueryInput{Query: "   "})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestQueryNoProviders(t *testing.T) {
	mgr, err := llm.NewManager(context.Background(), config.LLMConfig{}, config.EmbeddingConfig{})
	require.NoError(t, err)
	builder := prompt.NewBuilder(&stubSearcher{}, config.ContextConfig{})
	service := NewService(mgr, builder, tools.NewRegistry(), config.AgentConfig{})

	_, err = service.Query(context.Background(), QueryInput{Query: "anything"})
	require.Error(t, err)
}

func TestQueryDisableMemoryContext(t *testing.T) {
	env := setupAgent(t, config.AgentConfig{})
	history := []models.ConversationMessage{
		{Role: models.RoleUser, Content: "earlier question"},
		{Role: models.RoleAssistant, Content: "earlier answer"},
	}

	answer, err := env.service.Query(context.Background(), QueryInput{
		Query:                "follow-up",
		History:              history,
		DisableMemoryContext: true,
	})
	require.NoError(t, err)
	assert.True(t, answer.Success)

	assert.False(t, env.searcher.called)
	messages := env.fake.ChatCalls()[0].Messages
	require.Len(t, messages, 4)
	assert.Equal(t, prompt.DefaultSystemPrompt, messages[0].Content)
	assert.Equal(t, "earlier question", messages[1].Content)
	assert.Equal(t, "earlier answer", messages[2].Content)
	assert.Equal(t, "follow-up", messages[3].Content)
}

func TestQueryContextBuildFailureDegrades(t *testing.T) {
	env := setupAgent(t, config.AgentConfig{})
	env.searcher.err = errs.Upstreamf("vector store down")

	answer, err := env.service.Query(context.Background(), QueryInput{Query: "anything"})
	require.NoError(t, err)
	assert.True(t, answer.Success)

	system := env.fake.ChatCalls()[0].Messages[0].Content
	assert.Equal(t, prompt.DefaultSystemPrompt, system)
}

func TestQueryHistoryWithContext(t *testing.T) {
	env := setupAgent(t, config.AgentConfig{})
	history := []models.ConversationMessage{
		{Role: models.RoleUser, Content: "what broke yesterday?"},
	}

	_, err := env.service.Query(context.Background(), QueryInput{Query: "and today?", History: history})
	require.NoError(t, err)

	messages := env.fake.ChatCalls()[0].Messages
	require.Len(t, messages, 3)
	assert.Equal(t, models.RoleSystem, messages[0].Role)
	assert.Equal(t, "what broke yesterday?", messages[1].Content)
	assert.Equal(t, "and today?", messages[2].Content)
}
