package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/engram-dev/engram/pkg/agent"
)

// agentQueryHandler handles POST /api/v1/agent/query.
func (s *Server) agentQueryHandler(c *gin.Context) {
	var req AgentQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "invalid request body: "+err.Error())
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = extractUser(c)
	}

	input := agent.QueryInput{
		Query:   req.Query,
		UserID:  userID,
		History: req.History,
	}
	if req.IncludeMemoryContext != nil && !*req.IncludeMemoryContext {
		input.DisableMemoryContext = true
	}

	answer, err := s.agentService.Query(c.Request.Context(), input)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, &AgentQueryResponse{
		Response:   answer.Response,
		Steps:      answer.Steps,
		ToolsUsed:  answer.ToolsUsed,
		DurationMs: answer.DurationMs,
		Success:    answer.Success,
	})
}
