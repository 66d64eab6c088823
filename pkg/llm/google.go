package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"google.golang.org/genai"

	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/models"
)

const defaultGoogleEmbeddingModel = "text-embedding-004"

// Google implements Provider on the Gemini API.
type Google struct {
	client         *genai.Client
	model          string
	embeddingModel string
}

// NewGoogle builds a provider from config. embeddingModel may be empty, in
// which case text-embedding-004 is used.
func NewGoogle(ctx context.Context, cfg config.LLMProviderConfig, embeddingModel string) (*Google, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, errs.Validationf("google: %s is not set", cfg.APIKeyEnv)
	}
	if cfg.Model == "" {
		return nil, errs.Validationf("google: model is required")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "google: create client", err)
	}
	if embeddingModel == "" {
		embeddingModel = defaultGoogleEmbeddingModel
	}
	return &Google{client: client, model: cfg.Model, embeddingModel: embeddingModel}, nil
}

func (p *Google) Name() string { return "google" }

func (p *Google) Supports(Op) bool { return true }

func (p *Google) CountTokens(text string) int { return EstimateTokens(text) }

func (p *Google) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	resp, err := p.Chat(ctx, []models.ConversationMessage{{Role: models.RoleUser, Content: prompt}}, opts)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (p *Google) Chat(ctx context.Context, messages []models.ConversationMessage, opts Options) (*ChatResponse, error) {
	if len(messages) == 0 {
		return nil, errs.Validationf("google: messages are required")
	}
	contents, cfg, err := encodeGeminiRequest(messages, opts)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return nil, wrapGoogleErr("models.generate_content", err)
	}
	return decodeGeminiResponse(resp), nil
}

func (p *Google) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errs.Upstreamf("google embeddings: no embedding in response")
	}
	return vecs[0], nil
}

func (p *Google) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: text}}}
	}
	resp, err := p.client.Models.EmbedContent(ctx, p.embeddingModel, contents, nil)
	if err != nil {
		return nil, wrapGoogleErr("models.embed_content", err)
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		got := 0
		if resp != nil {
			got = len(resp.Embeddings)
		}
		return nil, errs.Upstreamf("google embeddings: got %d embeddings for %d inputs", got, len(texts))
	}
	results := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			return nil, errs.Upstreamf("google embeddings: empty embedding at index %d", i)
		}
		results[i] = emb.Values
	}
	return results, nil
}

// encodeGeminiRequest converts the conversation to Gemini contents plus a
// generation config. System messages become the system instruction; tool
// results ride on the user role, which is how the API expects function
// responses back.
func encodeGeminiRequest(messages []models.ConversationMessage, opts Options) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	cfg := &genai.GenerateContentConfig{}
	var systemParts []*genai.Part
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		if m.Role == models.RoleSystem {
			if m.Content != "" {
				systemParts = append(systemParts, &genai.Part{Text: m.Content})
			}
			continue
		}

		content := &genai.Content{}
		switch m.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		case models.RoleUser, models.RoleTool:
			content.Role = genai.RoleUser
		default:
			return nil, nil, errs.Validationf("google: unsupported message role %q", m.Role)
		}

		if m.Content != "" && m.Role != models.RoleTool {
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Arguments, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}
		if m.Role == models.RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: m.ToolName, Response: response},
			})
		}
		if len(content.Parts) > 0 {
			contents = append(contents, content)
		}
	}

	if len(contents) == 0 {
		return nil, nil, errs.Validationf("google: at least one user or assistant message is required")
	}
	if len(systemParts) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: systemParts}
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(min(opts.MaxTokens, math.MaxInt32))
	}
	if opts.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(opts.Temperature))
	}
	if len(opts.StopSequences) > 0 {
		cfg.StopSequences = opts.StopSequences
	}
	if len(opts.Tools) > 0 {
		cfg.Tools = encodeGeminiTools(opts.Tools)
	}
	return contents, cfg, nil
}

func encodeGeminiTools(defs []Tool) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		var schemaMap map[string]any
		if err := json.Unmarshal(def.InputSchema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  geminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// geminiSchema converts a JSON Schema map to the Gemini schema type.
func geminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = geminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = geminiSchema(items)
	}
	return schema
}

func decodeGeminiResponse(resp *genai.GenerateContentResponse) *ChatResponse {
	out := &ChatResponse{}
	if resp == nil {
		return out
	}
	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		if out.StopReason == "" {
			out.StopReason = string(candidate.FinishReason)
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					args = []byte("{}")
				}
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ID:    geminiToolCallID(part.FunctionCall, len(out.ToolCalls)),
					Name:  part.FunctionCall.Name,
					Input: args,
				})
			}
		}
		// Only the first candidate is used.
		break
	}
	out.Text = text.String()
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out
}

// geminiToolCallID supplies an identifier for function calls; Gemini does
// not always set one, and the agent loop needs stable IDs to pair results
// with calls.
func geminiToolCallID(fc *genai.FunctionCall, ordinal int) string {
	if fc.ID != "" {
		return fc.ID
	}
	return fmt.Sprintf("%s-%d", fc.Name, ordinal)
}

func wrapGoogleErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindTimeout, "google "+op, err)
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return errs.Wrap(kindForStatus(apiErr.Code), fmt.Sprintf("google %s: status %d", op, apiErr.Code), err)
	}
	return errs.Wrap(errs.KindUpstream, "google "+op, err)
}
