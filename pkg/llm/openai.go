package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/models"
)

const defaultOpenAIEmbeddingModel = "text-embedding-3-small"

// OpenAI implements Provider on the chat completions and embeddings APIs.
type OpenAI struct {
	client         *openai.Client
	model          string
	embeddingModel string
}

// NewOpenAI builds a provider from config. embeddingModel may be empty, in
// which case text-embedding-3-small is used.
func NewOpenAI(cfg config.LLMProviderConfig, embeddingModel string) (*OpenAI, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, errs.Validationf("openai: %s is not set", cfg.APIKeyEnv)
	}
	if cfg.Model == "" {
		return nil, errs.Validationf("openai: model is required")
	}
	clientCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if embeddingModel == "" {
		embeddingModel = defaultOpenAIEmbeddingModel
	}
	return &OpenAI{
		client:         openai.NewClientWithConfig(clientCfg),
		model:          cfg.Model,
		embeddingModel: embeddingModel,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Supports(Op) bool { return true }

func (p *OpenAI) CountTokens(text string) int { return EstimateTokens(text) }

func (p *OpenAI) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	resp, err := p.Chat(ctx, []models.ConversationMessage{{Role: models.RoleUser, Content: prompt}}, opts)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (p *OpenAI) Chat(ctx context.Context, messages []models.ConversationMessage, opts Options) (*ChatResponse, error) {
	if len(messages) == 0 {
		return nil, errs.Validationf("openai: messages are required")
	}
	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: encodeOpenAIMessages(messages),
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = float32(opts.Temperature)
	}
	if len(opts.StopSequences) > 0 {
		req.Stop = opts.StopSequences
	}
	if len(opts.Tools) > 0 {
		req.Tools = encodeOpenAITools(opts.Tools)
	}
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, wrapOpenAIErr("chat.completions", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errs.Upstreamf("openai chat.completions: no choices in response")
	}
	choice := resp.Choices[0]
	out := &ChatResponse{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

func (p *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errs.Upstreamf("openai embeddings: no embedding in response")
	}
	return vecs[0], nil
}

func (p *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.embeddingModel),
	})
	if err != nil {
		return nil, wrapOpenAIErr("embeddings", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, errs.Upstreamf("openai embeddings: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	results := make([][]float32, len(resp.Data))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(results) {
			return nil, errs.Upstreamf("openai embeddings: index %d out of range", data.Index)
		}
		results[data.Index] = data.Embedding
	}
	return results, nil
}

func encodeOpenAIMessages(messages []models.ConversationMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case models.RoleSystem:
			msg.Role = openai.ChatMessageRoleSystem
		case models.RoleAssistant:
			msg.Role = openai.ChatMessageRoleAssistant
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		case models.RoleTool:
			msg.Role = openai.ChatMessageRoleTool
			msg.ToolCallID = m.ToolCallID
		default:
			msg.Role = openai.ChatMessageRoleUser
		}
		out = append(out, msg)
	}
	return out
}

func encodeOpenAITools(defs []Tool) []openai.Tool {
	out := make([]openai.Tool, len(defs))
	for i, def := range defs {
		var schema map[string]any
		if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
			// A bad schema on one tool must not break the whole call.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

func wrapOpenAIErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindTimeout, "openai "+op, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return errs.Wrap(kindForStatus(apiErr.HTTPStatusCode), fmt.Sprintf("openai %s: status %d", op, apiErr.HTTPStatusCode), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return errs.Wrap(kindForStatus(reqErr.HTTPStatusCode), fmt.Sprintf("openai %s: status %d", op, reqErr.HTTPStatusCode), err)
	}
	return errs.Wrap(errs.KindUpstream, "openai "+op, err)
}
