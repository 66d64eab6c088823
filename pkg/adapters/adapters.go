// Package adapters connects external event sources and normalizes their
// output into IncomingEvents. Each adapter is a long-lived state machine
// owned by a Runtime that supervises connections, restarts failed adapters
// with bounded backoff, and merges every adapter's stream into one fan-in
// channel for the ingestion consumer.
package adapters

import (
	"context"

	"github.com/engram-dev/engram/pkg/models"
)

// State is an adapter's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Adapter is a long-lived event source. Connect establishes the upstream
// session, Start runs the receive loop until the context ends (nil) or the
// stream fails (error), and Stop ends the receive loop from outside the
// context. Conversion to IncomingEvent happens here and nowhere else; no
// enrichment at this layer.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	Start(ctx context.Context) error
	Stop() error
	HealthCheck(ctx context.Context) error
	Events() <-chan models.IncomingEvent
}

// Status is a point-in-time snapshot of one supervised adapter.
type Status struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Error    string `json:"error,omitempty"`
	Restarts int    `json:"restarts"`
}
