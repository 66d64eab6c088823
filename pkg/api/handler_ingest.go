package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/engram-dev/engram/pkg/models"
)

// ingestEventHandler handles POST /api/v1/events/ingest.
// Duplicate deliveries are reported in the body rather than as 409 so webhook
// senders can redeliver without special-casing the status.
func (s *Server) ingestEventHandler(c *gin.Context) {
	var req IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "invalid request body: "+err.Error())
		return
	}

	ev := models.IncomingEvent{
		Source:     req.Source,
		EventType:  req.EventType,
		ExternalID: req.ExternalID,
		Payload:    req.Payload,
		Metadata:   req.Metadata,
	}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}

	result, err := s.ingestService.HandleIncoming(c.Request.Context(), ev)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, &IngestEventResponse{
		EventID:   result.Event.ID,
		Duplicate: result.Duplicate,
	})
}
