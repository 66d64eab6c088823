// Package agent runs tool-using LLM queries over the collective memory
// store. A query gets a memory-grounded system prompt, then a chat loop with
// the registered tools bound: the model either answers in plain text, which
// ends the loop, or requests tool calls, which are executed and fed back as
// tool results. The loop is bounded by the iteration budget and the caller's
// deadline.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/engram-dev/engram/pkg/agent/prompt"
	"github.com/engram-dev/engram/pkg/agent/tools"
	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/llm"
	"github.com/engram-dev/engram/pkg/models"
)

// iterationLimitMessage is returned when the loop runs out of iterations
// before the model produces a tool-free reply.
const iterationLimitMessage = "unable to complete request within iteration limit"

// deadlineMessage is returned when the deadline expires and no assistant
// text was produced at all.
const deadlineMessage = "unable to complete request before the query deadline"

// QueryInput is one agent query. History is optional prior conversation;
// DisableMemoryContext skips retrieval so the model answers from tools and
// history alone.
type QueryInput struct {
	Query                string                       `json:"query"`
	UserID               string                       `json:"user_id,omitempty"`
	History              []models.ConversationMessage `json:"history,omitempty"`
	DisableMemoryContext bool                         `json:"disable_memory_context,omitempty"`
}

// Answer is the outcome of one agent query. Success is false when the loop
// hit its iteration budget or the deadline instead of a terminal reply.
type Answer struct {
	Response   string             `json:"response"`
	Steps      []models.AgentStep `json:"steps"`
	ToolsUsed  []string           `json:"tools_used,omitempty"`
	DurationMs int64              `json:"duration_ms"`
	Success    bool               `json:"success"`
}

// Service executes agent queries.
type Service struct {
	llms     *llm.Manager
	builder  *prompt.Builder
	registry *tools.Registry
	cfg      config.AgentConfig
}

// NewService creates the agent service. Unset config fields get the
// documented defaults. Panics when a dependency is nil.
func NewService(llms *llm.Manager, builder *prompt.Builder, registry *tools.Registry, cfg config.AgentConfig) *Service {
	if llms == nil {
		panic("agent.NewService: llms must not be nil")
	}
	if builder == nil {
		panic("agent.NewService: builder must not be nil")
	}
	if registry == nil {
		panic("agent.NewService: registry must not be nil")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.ContextThreshold == 0 {
		cfg.ContextThreshold = 0.65
	}
	return &Service{llms: llms, builder: builder, registry: registry, cfg: cfg}
}

// Query runs the tool-calling loop for one user query. Loop errors from the
// provider surface to the caller; tool failures stay inside the transcript
// as structured results. On deadline exhaustion the best partial answer is
// returned with Success=false rather than an error.
func (s *Service) Query(ctx context.Context, in QueryInput) (*Answer, error) {
	started := time.Now()
	if strings.TrimSpace(in.Query) == "" {
		return nil, errs.Validationf("query must not be empty")
	}
	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}

	provider, err := s.llms.GetWithFallback()
	if err != nil {
		return nil, err
	}

	messages := s.initialMessages(ctx, in)
	opts := llm.Options{
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		Tools:       s.registry.Specs(),
	}

	var (
		steps     []models.AgentStep
		toolsUsed []string
		usedSet   = make(map[string]bool)
		usage     llm.Usage
		lastText  string
	)

	finish := func(response string, success bool) *Answer {
		answer := &Answer{
			Response:   response,
			Steps:      steps,
			ToolsUsed:  toolsUsed,
			DurationMs: time.Since(started).Milliseconds(),
			Success:    success,
		}
		slog.Info("Agent query finished",
			"user_id", in.UserID,
			"success", success,
			"steps", len(steps),
			"tools", toolsUsed,
			"input_tokens", usage.InputTokens,
			"output_tokens", usage.OutputTokens,
			"duration_ms", answer.DurationMs)
		return answer
	}

	for iteration := 1; iteration <= s.cfg.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return finish(partialResponse(lastText), false), nil
		}

		resp, err := provider.Chat(ctx, messages, opts)
		if err != nil {
			if ctx.Err() != nil {
				return finish(partialResponse(lastText), false), nil
			}
			return nil, err
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		// A reply without tool calls is the final answer.
		if len(resp.ToolCalls) == 0 {
			steps = append(steps, models.AgentStep{
				Type:      models.StepMessage,
				Timestamp: time.Now().UTC(),
				Text:      resp.Text,
			})
			return finish(resp.Text, true), nil
		}

		if resp.Text != "" {
			steps = append(steps, models.AgentStep{
				Type:      models.StepThinking,
				Timestamp: time.Now().UTC(),
				Text:      resp.Text,
			})
			lastText = resp.Text
		}

		// The assistant turn carries its tool calls; each call is answered
		// by exactly one tool message before the next chat call.
		messages = append(messages, models.ConversationMessage{
			Role:      models.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: toModelCalls(resp.ToolCalls),
		})
		for _, tc := range resp.ToolCalls {
			result := s.registry.Execute(ctx, tc.Name, tc.Input)
			payload := encodeResult(tc.Name, result)

			steps = append(steps, models.AgentStep{
				Type:      models.StepToolUse,
				Timestamp: time.Now().UTC(),
				Tool:      tc.Name,
				Input:     tc.Input,
				Result:    payload,
			})
			if !usedSet[tc.Name] {
				usedSet[tc.Name] = true
				toolsUsed = append(toolsUsed, tc.Name)
			}
			slog.Debug("Tool executed", "tool", tc.Name, "success", result.Success)

			messages = append(messages, models.ConversationMessage{
				Role:       models.RoleTool,
				Content:    string(payload),
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
		}
	}

	return finish(iterationLimitMessage, false), nil
}

// initialMessages assembles [system, history..., user]. The system prompt
// carries retrieved memory unless the caller disabled it; a failed context
// build degrades to the bare prompt instead of failing the query.
func (s *Service) initialMessages(ctx context.Context, in QueryInput) []models.ConversationMessage {
	system := prompt.DefaultSystemPrompt
	history := in.History

	if !in.DisableMemoryContext {
		built, err := s.builder.Build(ctx, in.Query, prompt.BuildOptions{
			IncludeHistory:     true,
			RelevanceThreshold: s.cfg.ContextThreshold,
		}, in.History)
		if err != nil {
			slog.Warn("Context build failed, continuing without memory context", "error", err)
		} else {
			system = built.SystemPrompt
			if built.KnowledgeContext != "" {
				system += "\n\n## Relevant Memory\n\n" + built.KnowledgeContext
			}
			history = built.History
			slog.Debug("Memory context built",
				"chunks", built.Metadata.ChunksUsed,
				"tokens", built.Metadata.TotalTokens,
				"sources", built.Metadata.Sources)
		}
	}

	messages := make([]models.ConversationMessage, 0, len(history)+2)
	messages = append(messages, models.ConversationMessage{Role: models.RoleSystem, Content: system})
	messages = append(messages, history...)
	messages = append(messages, models.ConversationMessage{Role: models.RoleUser, Content: in.Query})
	return messages
}

func toModelCalls(calls []llm.ToolCall) []models.ToolCall {
	converted := make([]models.ToolCall, len(calls))
	for i, tc := range calls {
		converted[i] = models.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Input}
	}
	return converted
}

// encodeResult serializes a tool result for the transcript. Marshal failures
// (a handler returning an unserializable value) fold into a structured
// failure so the loop keeps its one-result-per-call shape.
func encodeResult(tool string, result tools.Result) json.RawMessage {
	payload, err := json.Marshal(result)
	if err != nil {
		payload, _ = json.Marshal(tools.Result{
			Success: false,
			Error:   fmt.Sprintf("tool %s: result not serializable: %v", tool, err),
		})
	}
	return payload
}

func partialResponse(lastText string) string {
	if lastText != "" {
		return lastText
	}
	return deadlineMessage
}
