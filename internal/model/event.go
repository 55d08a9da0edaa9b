// Package model defines the core event and memory data types.
package model

import "time"

// EventType identifies what kind of state change an event records.
// The set is closed; anything else replays as a skipped step.
type EventType string

const (
	EventMemoryWrite  EventType = "memory_write"
	EventMemoryUpdate EventType = "memory_update"
	EventMemoryDelete EventType = "memory_delete"
	EventMemoryRead   EventType = "memory_read"
	EventErasure      EventType = "erasure"
)

// KnownEventTypes lists the event types the replay reducers understand.
var KnownEventTypes = map[EventType]bool{
	EventMemoryWrite:  true,
	EventMemoryUpdate: true,
	EventMemoryDelete: true,
	EventMemoryRead:   true,
	EventErasure:      true,
}

// Event is an immutable record of a single state change. Once appended it is
// never modified, except that an erasure replaces its payload with a
// tombstone in place (seq and structure preserved).
type Event struct {
	ID          string            `json:"id"`
	Seq         uint64            `json:"seq"`
	Timestamp   time.Time         `json:"timestamp"`
	Type        EventType         `json:"type"`
	AggregateID string            `json:"aggregate_id"`
	Payload     map[string]any    `json:"payload,omitempty"`
	Actor       string            `json:"actor"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	PII         bool              `json:"pii,omitempty"`
	SubjectID   string            `json:"subject_id,omitempty"`
	Redacted    bool              `json:"redacted,omitempty"`
}

// Snapshot is a cached materialization of an aggregate at a sequence number.
// Checksum is the event ID at Seq; a snapshot whose checksum no longer
// matches the log is invalid and discarded.
type Snapshot struct {
	AggregateID string         `json:"aggregate_id"`
	Seq         uint64         `json:"seq"`
	State       map[string]any `json:"state"`
	Checksum    string         `json:"checksum"`
	CreatedAt   time.Time      `json:"created_at"`
}

// TimelineEntry is one step in an aggregate's history view.
type TimelineEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	Redacted  bool      `json:"redacted,omitempty"`
	Diff      string    `json:"diff"`
}
