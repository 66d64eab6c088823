package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/models"
)

// newOpenAITest points a provider at an httptest server.
func newOpenAITest(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	return &OpenAI{
		client:         openai.NewClientWithConfig(cfg),
		model:          "gpt-4o",
		embeddingModel: "text-embedding-3-small",
	}
}

func TestOpenAIChat(t *testing.T) {
	var gotReq openai.ChatCompletionRequest
	p := newOpenAITest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: "the deploy failed at 14:02",
				},
				FinishReason: openai.FinishReasonStop,
			}},
			Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 9},
		}
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	resp, err := p.Chat(context.Background(), []models.ConversationMessage{
		{Role: models.RoleSystem, Content: "answer briefly"},
		{Role: models.RoleUser, Content: "when did the deploy fail?"},
	}, Options{MaxTokens: 256, Temperature: 0.2})
	require.NoError(t, err)

	assert.Equal(t, "the deploy failed at 14:02", resp.Text)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 9, resp.Usage.OutputTokens)

	assert.Equal(t, "gpt-4o", gotReq.Model)
	assert.Equal(t, 256, gotReq.MaxTokens)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, gotReq.Messages[0].Role)
}

func TestOpenAIChatToolCalls(t *testing.T) {
	p := newOpenAITest(t, func(w http.ResponseWriter, r *http.Request) {
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{
					Role: openai.ChatMessageRoleAssistant,
					ToolCalls: []openai.ToolCall{{
						ID:   "call_1",
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      "find_similar",
							Arguments: `{"memoryId":"abc"}`,
						},
					}},
				},
				FinishReason: openai.FinishReasonToolCalls,
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	resp, err := p.Chat(context.Background(), []models.ConversationMessage{
		{Role: models.RoleUser, Content: "anything like memory abc?"},
	}, Options{
		Tools: []Tool{{
			Name:        "find_similar",
			Description: "find memories similar to a given one",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"memoryId":{"type":"string"}}}`),
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "find_similar", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"memoryId":"abc"}`, string(resp.ToolCalls[0].Input))
}

func TestOpenAIEmbedBatchOrdersByIndex(t *testing.T) {
	p := newOpenAITest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		// Serve results out of order; the provider must realign by Index.
		resp := openai.EmbeddingResponse{
			Data: []openai.Embedding{
				{Index: 1, Embedding: []float32{0.3, 0.4}},
				{Index: 0, Embedding: []float32{0.1, 0.2}},
			},
			Model: openai.EmbeddingModel("text-embedding-3-small"),
		}
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	vecs, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vecs[0])
	assert.Equal(t, []float32{0.3, 0.4}, vecs[1])
}

func TestOpenAIEmbedBatchEmptyInput(t *testing.T) {
	p := newOpenAITest(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty input")
	})

	vecs, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestOpenAIErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   errs.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, errs.KindRateLimited},
		{"unauthorized", http.StatusUnauthorized, errs.KindUnauthenticated},
		{"server error", http.StatusInternalServerError, errs.KindUpstream},
		{"bad request", http.StatusBadRequest, errs.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newOpenAITest(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"upstream says no","type":"test"}}`))
			})

			_, err := p.Chat(context.Background(), []models.ConversationMessage{
				{Role: models.RoleUser, Content: "hi"},
			}, Options{})
			require.Error(t, err)
			assert.Equal(t, tt.want, errs.KindOf(err))
		})
	}
}

func TestEncodeOpenAIMessages(t *testing.T) {
	messages := []models.ConversationMessage{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "what happened?"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call_9", Name: "get_recent_events", Arguments: json.RawMessage(`{"limit":3}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "call_9", Content: `{"success":true,"result":[]}`},
	}

	out := encodeOpenAIMessages(messages)
	require.Len(t, out, 4)

	assert.Equal(t, openai.ChatMessageRoleSystem, out[0].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, out[1].Role)

	assert.Equal(t, openai.ChatMessageRoleAssistant, out[2].Role)
	require.Len(t, out[2].ToolCalls, 1)
	assert.Equal(t, "call_9", out[2].ToolCalls[0].ID)
	assert.Equal(t, openai.ToolTypeFunction, out[2].ToolCalls[0].Type)
	assert.Equal(t, `{"limit":3}`, out[2].ToolCalls[0].Function.Arguments)

	assert.Equal(t, openai.ChatMessageRoleTool, out[3].Role)
	assert.Equal(t, "call_9", out[3].ToolCallID)
}

func TestEncodeOpenAIToolsBadSchema(t *testing.T) {
	out := encodeOpenAITools([]Tool{
		{Name: "good", Description: "d", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "bad", Description: "d", InputSchema: json.RawMessage(`{not json`)},
	})
	require.Len(t, out, 2)

	good := out[0].Function.Parameters.(map[string]any)
	assert.Equal(t, "object", good["type"])

	// The broken schema degrades to an empty object schema instead of
	// failing the whole call.
	bad := out[1].Function.Parameters.(map[string]any)
	assert.Equal(t, "object", bad["type"])
	assert.Empty(t, bad["properties"])
}
