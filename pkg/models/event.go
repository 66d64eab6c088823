// Package models contains request/response models and business domain types.
package models

import "time"

// ProcessingStatus tracks a raw event's progress through the pipeline.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// RawEvent is one externally observed occurrence, durably staged for
// processing. Rows are append-mostly: only the processing status and error
// fields change after insert.
type RawEvent struct {
	ID               string           `json:"id"`
	Source           string           `json:"source"`
	EventType        string           `json:"event_type"`
	ExternalID       string           `json:"external_id,omitempty"`
	Payload          map[string]any   `json:"payload"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	IngestedAt       time.Time        `json:"ingested_at"`
	ProcessedAt      *time.Time       `json:"processed_at,omitempty"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	ErrorMessage     string           `json:"error_message,omitempty"`
}

// IncomingEvent is the adapter-normalized shape of an external observation
// before persistence. Adapters convert source-native payloads into this
// shape without enrichment.
type IncomingEvent struct {
	Source     string         `json:"source"`
	EventType  string         `json:"event_type"`
	ExternalID string         `json:"external_id,omitempty"`
	Payload    map[string]any `json:"payload"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
