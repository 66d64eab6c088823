package agent

import (
	"context"
	"log/slog"

	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/queue"
)

// TaskPayload is the queue payload for an asynchronous agent query.
type TaskPayload struct {
	Query                string `json:"query"`
	UserID               string `json:"user_id,omitempty"`
	DisableMemoryContext bool   `json:"disable_memory_context,omitempty"`
}

// Handler returns the agent-tasks queue handler. It runs the same loop as
// Query; the answer is logged since asynchronous callers have no reply
// channel. Provider errors surface so the queue can retry.
func (s *Service) Handler() queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var payload TaskPayload
		if err := job.UnmarshalPayload(&payload); err != nil {
			return errs.Wrap(errs.KindValidation, "invalid agent task payload", err)
		}

		answer, err := s.Query(ctx, QueryInput{
			Query:                payload.Query,
			UserID:               payload.UserID,
			DisableMemoryContext: payload.DisableMemoryContext,
		})
		if err != nil {
			return err
		}

		slog.Info("Agent task completed",
			"job_id", job.ID,
			"user_id", payload.UserID,
			"success", answer.Success,
			"tools", answer.ToolsUsed,
			"duration_ms", answer.DurationMs)
		return nil
	}
}
