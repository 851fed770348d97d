// Package events implements the Event Channel (C3): topic-based
// pub/sub over a shared Redis transport, with trailing-wildcard
// pattern subscriptions and per-photo-key ordered delivery.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Well-known topics. Dotted strings; a subscription pattern may end
// in a trailing "*" segment (e.g. "photo.processing.*").
const (
	TopicPhotoUploaded            = "photo.uploaded"
	TopicPhotoProcessingStarted   = "photo.processing.started"
	TopicPhotoProcessingStage     = "photo.processing.stage.completed"
	TopicPhotoProcessingCompleted = "photo.processing.completed"
	TopicPhotoProcessingFailed    = "photo.processing.failed"
	TopicPhotoProcessingCancelled = "photo.processing.cancelled"
	TopicSystemHealth             = "system.health"
)

// Metadata is the envelope every event carries, per spec.md §3.
type Metadata struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id"`
	ClientID  string    `json:"client_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	PhotoID   string    `json:"photo_id,omitempty"`
	// Sequence is a per-photo_id monotonic counter issued by the
	// emitter holding that photo's current mutation right.
	Sequence int `json:"sequence"`
}

// Event is the unit published on the channel and delivered to subscribers.
type Event struct {
	EventID  string         `json:"event_id"`
	Type     string         `json:"type"`
	Data     map[string]any `json:"data"`
	Metadata Metadata       `json:"metadata"`
}

// New builds an event with a fresh event_id, ready for Publish.
func New(eventType string, data map[string]any, meta Metadata) Event {
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}
	return Event{
		EventID:  uuid.NewString(),
		Type:     eventType,
		Data:     data,
		Metadata: meta,
	}
}

// Stats reports the channel's running counters (spec.md §4.C3).
type Stats struct {
	Published           int64
	Delivered           int64
	ActiveSubscriptions int
	LastTransportPing   error
}
