package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/models"
)

// MessagesClient is the subset of the Anthropic SDK used here. It is
// satisfied by *sdk.MessageService; tests pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic implements Provider on the Claude Messages API. The API has no
// embedding endpoint, so Embed and EmbedBatch report Unsupported.
type Anthropic struct {
	msg   MessagesClient
	model string
}

// NewAnthropic builds a provider from config, reading the API key from the
// configured environment variable.
func NewAnthropic(cfg config.LLMProviderConfig) (*Anthropic, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, errs.Validationf("anthropic: %s is not set", cfg.APIKeyEnv)
	}
	if cfg.Model == "" {
		return nil, errs.Validationf("anthropic: model is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	ac := sdk.NewClient(opts...)
	return &Anthropic{msg: &ac.Messages, model: cfg.Model}, nil
}

// newAnthropic wires a provider around an existing Messages client.
func newAnthropic(msg MessagesClient, model string) *Anthropic {
	return &Anthropic{msg: msg, model: model}
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Supports(op Op) bool {
	return op == OpComplete || op == OpChat
}

func (p *Anthropic) CountTokens(text string) int { return EstimateTokens(text) }

func (p *Anthropic) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	resp, err := p.Chat(ctx, []models.ConversationMessage{{Role: models.RoleUser, Content: prompt}}, opts)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (p *Anthropic) Chat(ctx context.Context, messages []models.ConversationMessage, opts Options) (*ChatResponse, error) {
	params, err := p.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}
	msg, err := p.msg.New(ctx, *params)
	if err != nil {
		return nil, wrapAnthropicErr("messages.new", err)
	}
	if msg == nil {
		return nil, errs.Upstreamf("anthropic messages.new: empty response")
	}
	return decodeAnthropicResponse(msg), nil
}

func (p *Anthropic) Embed(context.Context, string) ([]float32, error) {
	return nil, errs.Unsupportedf("anthropic does not provide embeddings")
}

func (p *Anthropic) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errs.Unsupportedf("anthropic does not provide embeddings")
}

func (p *Anthropic) buildParams(messages []models.ConversationMessage, opts Options) (*sdk.MessageNewParams, error) {
	if len(messages) == 0 {
		return nil, errs.Validationf("anthropic: messages are required")
	}
	conversation, system, err := encodeAnthropicMessages(messages)
	if err != nil {
		return nil, err
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
		Model:     sdk.Model(p.model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if opts.Temperature > 0 {
		params.Temperature = sdk.Float(opts.Temperature)
	}
	if len(opts.StopSequences) > 0 {
		params.StopSequences = opts.StopSequences
	}
	if len(opts.Tools) > 0 {
		tools, err := encodeAnthropicTools(opts.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return &params, nil
}

// encodeAnthropicMessages splits the conversation into system blocks and
// user/assistant turns. Consecutive tool results collapse into a single
// user message because the API wants all results for one assistant turn
// delivered together.
func encodeAnthropicMessages(messages []models.ConversationMessage) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(messages))
	var system []sdk.TextBlockParam

	for i := 0; i < len(messages); i++ {
		m := messages[i]
		switch m.Role {
		case models.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case models.RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case models.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				if tc.Name == "" {
					return nil, nil, errs.Validationf("anthropic: tool call %q missing name", tc.ID)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case models.RoleTool:
			blocks := []sdk.ContentBlockParamUnion{sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)}
			for i+1 < len(messages) && messages[i+1].Role == models.RoleTool {
				i++
				next := messages[i]
				blocks = append(blocks, sdk.NewToolResultBlock(next.ToolCallID, next.Content, false))
			}
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		default:
			return nil, nil, errs.Validationf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errs.Validationf("anthropic: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func encodeAnthropicTools(defs []Tool) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errs.Validationf("anthropic: tool missing name")
		}
		var schema map[string]any
		if len(def.InputSchema) > 0 {
			if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
				return nil, errs.Validationf("anthropic: tool %q schema: %v", def.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func decodeAnthropicResponse(msg *sdk.Message) *ChatResponse {
	resp := &ChatResponse{
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	resp.Text = text.String()
	return resp
}

func wrapAnthropicErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindTimeout, "anthropic "+op, err)
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		kind := kindForStatus(apiErr.StatusCode)
		e := errs.Wrap(kind, fmt.Sprintf("anthropic %s: status %d", op, apiErr.StatusCode), err)
		if kind == errs.KindRateLimited && apiErr.Response != nil {
			e.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return e
	}
	return errs.Wrap(errs.KindUpstream, "anthropic "+op, err)
}
