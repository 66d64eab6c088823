package api

import (
	"time"

	"github.com/engram-dev/engram/pkg/adapters"
	"github.com/engram-dev/engram/pkg/models"
	"github.com/engram-dev/engram/pkg/queue"
)

// AgentQueryResponse is returned by POST /api/v1/agent/query.
type AgentQueryResponse struct {
	Response   string             `json:"response"`
	Steps      []models.AgentStep `json:"steps"`
	ToolsUsed  []string           `json:"toolsUsed,omitempty"`
	DurationMs int64              `json:"durationMs"`
	Success    bool               `json:"success"`
}

// MemoryHit is one scored chunk in a MemorySearchResponse.
type MemoryHit struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Similarity float64        `json:"similarity"`
	Relevance  float64        `json:"relevance"`
	SourceType string         `json:"sourceType"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// MemorySearchResponse is returned by POST /api/v1/memory/search.
type MemorySearchResponse struct {
	Results    []MemoryHit `json:"results"`
	Total      int         `json:"total"`
	DurationMs int64       `json:"durationMs"`
}

// MemoryStatsResponse is returned by GET /api/v1/memory/stats.
type MemoryStatsResponse struct {
	Total    int64            `json:"total"`
	ByTier   map[string]int64 `json:"byTier"`
	BySource map[string]int64 `json:"bySource"`
}

// MemoryChunk is one stored chunk as returned by GET /api/v1/memory/recent.
type MemoryChunk struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	SourceType string         `json:"sourceType"`
	Importance float64        `json:"importance"`
	Tier       string         `json:"tier"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// IngestEventResponse is returned by POST /api/v1/events/ingest.
type IngestEventResponse struct {
	EventID   string `json:"eventId"`
	Duplicate bool   `json:"duplicate"`
}

// QueueStatsResponse is returned by GET /api/v1/queues/stats.
type QueueStatsResponse struct {
	Queues map[string]*queue.Stats `json:"queues"`
}

// HealthCheck is the state of one checked component.
type HealthCheck struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latencyMs,omitempty"`
}

// HealthResponse is returned by GET /health and GET /health/ready.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Checks   map[string]HealthCheck `json:"checks"`
	Adapters []adapters.Status      `json:"adapters,omitempty"`
}
