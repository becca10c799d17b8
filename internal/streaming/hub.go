// Package streaming fans run events out to live subscribers.
package streaming

import "context"

// StreamEvent is a real-time event emitted while a strategy runs.
type StreamEvent struct {
	RunID     string `json:"run_id"`
	Strategy  string `json:"strategy,omitempty"`
	Step      string `json:"step,omitempty"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive. Empty
// fields match everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	Strategy   string   `json:"strategy,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
