package api

import (
	"time"

	"github.com/engram-dev/engram/pkg/models"
)

// AgentQueryRequest is the HTTP request body for POST /api/v1/agent/query.
type AgentQueryRequest struct {
	Query  string `json:"query" binding:"required"`
	UserID string `json:"userId"`
	// IncludeMemoryContext defaults to true when omitted.
	IncludeMemoryContext *bool                        `json:"includeMemoryContext"`
	History              []models.ConversationMessage `json:"history"`
}

// MemorySearchRequest is the HTTP request body for POST /api/v1/memory/search.
type MemorySearchRequest struct {
	Query         string   `json:"query" binding:"required"`
	Limit         int      `json:"limit"`
	MinSimilarity float64  `json:"minSimilarity"`
	SourceTypes   []string `json:"sourceTypes"`
}

// IngestEventRequest is the HTTP request body for POST /api/v1/events/ingest.
type IngestEventRequest struct {
	Source     string         `json:"source" binding:"required"`
	EventType  string         `json:"eventType" binding:"required"`
	ExternalID string         `json:"externalId"`
	Payload    map[string]any `json:"payload"`
	Metadata   map[string]any `json:"metadata"`
	Timestamp  *time.Time     `json:"timestamp"`
}
