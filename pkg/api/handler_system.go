package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/queue"
)

// queueStatsHandler handles GET /api/v1/queues/stats.
func (s *Server) queueStatsHandler(c *gin.Context) {
	names := config.QueueNames()
	stats := make(map[string]*queue.Stats, len(names))
	for _, name := range names {
		st, err := s.queueClient.Stats(c.Request.Context(), name)
		if err != nil {
			respondError(c, err)
			return
		}
		stats[name] = st
	}

	c.JSON(http.StatusOK, &QueueStatsResponse{Queues: stats})
}
