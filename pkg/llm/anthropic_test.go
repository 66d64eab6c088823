package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/models"
)

// stubMessages satisfies MessagesClient and records the last request.
type stubMessages struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func textMessage(text string) *sdk.Message {
	return &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func TestAnthropicChatEncodesConversation(t *testing.T) {
	stub := &stubMessages{resp: textMessage("hello back")}
	p := newAnthropic(stub, "claude-sonnet-4-20250514")

	messages := []models.ConversationMessage{
		{Role: models.RoleSystem, Content: "you are a memory assistant"},
		{Role: models.RoleUser, Content: "what happened yesterday?"},
		{Role: models.RoleAssistant, Content: "let me check"},
		{Role: models.RoleUser, Content: "thanks"},
	}
	resp, err := p.Chat(context.Background(), messages, Options{
		MaxTokens:     300,
		Temperature:   0.3,
		StopSequences: []string{"END"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello back", resp.Text)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 10, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)

	params := stub.lastParams
	assert.Equal(t, sdk.Model("claude-sonnet-4-20250514"), params.Model)
	assert.Equal(t, int64(300), params.MaxTokens)
	assert.Equal(t, []string{"END"}, params.StopSequences)
	require.Len(t, params.System, 1)
	assert.Equal(t, "you are a memory assistant", params.System[0].Text)
	// System messages never appear in the turn list.
	assert.Len(t, params.Messages, 3)
}

func TestAnthropicChatDefaultsMaxTokens(t *testing.T) {
	stub := &stubMessages{resp: textMessage("ok")}
	p := newAnthropic(stub, "claude-sonnet-4-20250514")

	_, err := p.Chat(context.Background(), []models.ConversationMessage{
		{Role: models.RoleUser, Content: "hi"},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(defaultMaxTokens), stub.lastParams.MaxTokens)
}

func TestAnthropicChatDecodesToolUse(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "let me search"},
			{Type: "tool_use", ID: "toolu_1", Name: "search_memory", Input: json.RawMessage(`{"query":"deploy"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
		Usage:      sdk.Usage{InputTokens: 20, OutputTokens: 15},
	}}
	p := newAnthropic(stub, "claude-sonnet-4-20250514")

	resp, err := p.Chat(context.Background(), []models.ConversationMessage{
		{Role: models.RoleUser, Content: "what broke the deploy?"},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "let me search", resp.Text)
	assert.Equal(t, "tool_use", resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "search_memory", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"deploy"}`, string(resp.ToolCalls[0].Input))
}

func TestAnthropicEncodesTools(t *testing.T) {
	stub := &stubMessages{resp: textMessage("ok")}
	p := newAnthropic(stub, "claude-sonnet-4-20250514")

	schema := json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)
	_, err := p.Chat(context.Background(), []models.ConversationMessage{
		{Role: models.RoleUser, Content: "hi"},
	}, Options{
		Tools: []Tool{{Name: "search_memory", Description: "search stored memories", InputSchema: schema}},
	})
	require.NoError(t, err)

	require.Len(t, stub.lastParams.Tools, 1)
	tool := stub.lastParams.Tools[0].OfTool
	require.NotNil(t, tool)
	assert.Equal(t, "search_memory", tool.Name)
	assert.Equal(t, "search stored memories", tool.Description.Value)
	assert.Equal(t, "object", tool.InputSchema.ExtraFields["type"])
}

func TestAnthropicGroupsConsecutiveToolResults(t *testing.T) {
	stub := &stubMessages{resp: textMessage("done")}
	p := newAnthropic(stub, "claude-sonnet-4-20250514")

	messages := []models.ConversationMessage{
		{Role: models.RoleUser, Content: "check both"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "t1", Name: "search_memory", Arguments: json.RawMessage(`{"query":"a"}`)},
			{ID: "t2", Name: "get_recent_events", Arguments: json.RawMessage(`{"limit":5}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "t1", Content: `{"success":true}`},
		{Role: models.RoleTool, ToolCallID: "t2", Content: `{"success":true}`},
	}
	_, err := p.Chat(context.Background(), messages, Options{})
	require.NoError(t, err)

	// user, assistant(tool_use x2), user(tool_result x2)
	require.Len(t, stub.lastParams.Messages, 3)
}

func TestAnthropicRejectsEmptyConversation(t *testing.T) {
	p := newAnthropic(&stubMessages{}, "claude-sonnet-4-20250514")

	_, err := p.Chat(context.Background(), nil, Options{})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = p.Chat(context.Background(), []models.ConversationMessage{
		{Role: models.RoleSystem, Content: "system only"},
	}, Options{})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestAnthropicEmbedUnsupported(t *testing.T) {
	p := newAnthropic(&stubMessages{}, "claude-sonnet-4-20250514")

	_, err := p.Embed(context.Background(), "text")
	assert.True(t, errs.IsKind(err, errs.KindUnsupported))

	_, err = p.EmbedBatch(context.Background(), []string{"text"})
	assert.True(t, errs.IsKind(err, errs.KindUnsupported))

	assert.False(t, p.Supports(OpEmbed))
	assert.True(t, p.Supports(OpChat))
	assert.True(t, p.Supports(OpComplete))
}

func TestAnthropicErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"rate limited", &sdk.Error{StatusCode: http.StatusTooManyRequests}, errs.KindRateLimited},
		{"unauthorized", &sdk.Error{StatusCode: http.StatusUnauthorized}, errs.KindUnauthenticated},
		{"server error", &sdk.Error{StatusCode: http.StatusInternalServerError}, errs.KindUpstream},
		{"bad request", &sdk.Error{StatusCode: http.StatusBadRequest}, errs.KindValidation},
		{"deadline", context.DeadlineExceeded, errs.KindTimeout},
		{"opaque", errors.New("connection reset"), errs.KindUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubMessages{err: tt.err}
			p := newAnthropic(stub, "claude-sonnet-4-20250514")

			_, err := p.Chat(context.Background(), []models.ConversationMessage{
				{Role: models.RoleUser, Content: "hi"},
			}, Options{})
			require.Error(t, err)
			assert.Equal(t, tt.want, errs.KindOf(err))
		})
	}
}

func TestAnthropicRetryAfterPropagated(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "12")
	stub := &stubMessages{err: &sdk.Error{
		StatusCode: http.StatusTooManyRequests,
		Response:   &http.Response{Header: header},
	}}
	p := newAnthropic(stub, "claude-sonnet-4-20250514")

	_, err := p.Chat(context.Background(), []models.ConversationMessage{
		{Role: models.RoleUser, Content: "hi"},
	}, Options{})
	require.Error(t, err)

	var kerr *errs.Error
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, errs.KindRateLimited, kerr.Kind)
	assert.Equal(t, 12*time.Second, kerr.RetryAfter)
}

func TestAnthropicCompleteReturnsText(t *testing.T) {
	stub := &stubMessages{resp: textMessage("a concise summary")}
	p := newAnthropic(stub, "claude-sonnet-4-20250514")

	text, err := p.Complete(context.Background(), "summarize: deploy failed twice", Options{MaxTokens: 200})
	require.NoError(t, err)
	assert.Equal(t, "a concise summary", text)
	require.Len(t, stub.lastParams.Messages, 1)
}
