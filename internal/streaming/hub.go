package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time event emitted while a pipeline runs.
type StreamEvent struct {
	RunID     string    `json:"run_id"`
	Pipeline  string    `json:"pipeline"`
	Step      string    `json:"step,omitempty"`
	EventType string    `json:"event_type"`
	Payload   any       `json:"payload,omitempty"`
	Time      time.Time `json:"time"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	Pipeline   string   `json:"pipeline,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for run events.
// The cancel function returned by Subscribe closes the channel.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
