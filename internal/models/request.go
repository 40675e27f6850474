// Package models defines the persistent and in-memory entities of the
// anchor service.
package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of an anchor request, stored as an
// integer column.
type RequestStatus int

const (
	StatusPending    RequestStatus = 0
	StatusProcessing RequestStatus = 1
	StatusCompleted  RequestStatus = 2
	StatusFailed     RequestStatus = 3
	StatusReady      RequestStatus = 4
	StatusReplaced   RequestStatus = 5
)

// Valid returns true if the status is a known lifecycle state.
func (s RequestStatus) Valid() bool {
	return s >= StatusPending && s <= StatusReplaced
}

// String returns the status name.
func (s RequestStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusProcessing:
		return "PROCESSING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusReady:
		return "READY"
	case StatusReplaced:
		return "REPLACED"
	default:
		return "UNKNOWN"
	}
}

// External returns the status name surfaced to clients. REPLACED is an
// internal detail and renders as FAILED.
func (s RequestStatus) External() string {
	if s == StatusReplaced {
		return StatusFailed.String()
	}
	return s.String()
}

// Operator-visible request messages.
const (
	MessagePending         = "Request is pending."
	MessageProcessing      = "Request is processing."
	MessageCompleted       = "CID successfully anchored."
	MessageReplaced        = "Request has been superseded by a newer request for the same stream."
	MessageConflict        = "Request has failed due to conflict resolution"
	MessageCommitUnloadble = "Failed to load commit from IPFS"
)

// FreshRequest holds the fields of a request before it is persisted.
type FreshRequest struct {
	CID       string
	StreamID  string
	Origin    string
	Timestamp time.Time
}

// Request is a persisted anchor request row.
type Request struct {
	ID        uuid.UUID     `json:"id" db:"id"`
	CID       string        `json:"cid" db:"cid"`
	StreamID  string        `json:"streamId" db:"stream_id"`
	Status    RequestStatus `json:"-" db:"status"`
	Message   string        `json:"message" db:"message"`
	Pinned    bool          `json:"-" db:"pinned"`
	Origin    string        `json:"-" db:"origin"`
	Timestamp time.Time     `json:"timestamp" db:"timestamp"`
	CreatedAt time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time     `json:"updatedAt" db:"updated_at"`
}
