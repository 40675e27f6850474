package models

import (
	"time"
)

// StreamMetadata is the validated subset of a genesis commit header.
// Unknown header fields are stripped before persistence.
type StreamMetadata struct {
	Controllers []string `json:"controllers"`
	Model       []byte   `json:"model,omitempty"`
	Family      string   `json:"family,omitempty"`
	Schema      string   `json:"schema,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Metadata is a persisted per-stream metadata row. UsedAt tracks the last
// time the stream was the subject of a request, for garbage collection.
type Metadata struct {
	StreamID  string         `json:"streamId" db:"stream_id"`
	Metadata  StreamMetadata `json:"metadata" db:"metadata"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time      `json:"updatedAt" db:"updated_at"`
	UsedAt    time.Time      `json:"usedAt" db:"used_at"`
}
