// Package errors provides the tagged error kinds the anchor service
// distinguishes, mapped to HTTP status codes for the API surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the failure classes the core pipeline reacts to.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindInvalidGenesis      Kind = "invalid_genesis"
	KindMetadataUnavailable Kind = "metadata_service_unavailable"
	KindRequestNotFound     Kind = "request_not_found"
	KindConflictRejection   Kind = "conflict_resolution_rejection"
	KindTransactionFailure  Kind = "transaction_failure"
	KindMerkleDepth         Kind = "merkle_depth_exceeded"
	KindMutexAcquisition    Kind = "mutex_acquisition_failed"
	KindInvalidWitnessCAR   Kind = "invalid_witness_car"
	KindInternal            Kind = "internal_error"
	KindRateLimited         Kind = "rate_limited"
	KindServiceUnavailable  Kind = "service_unavailable"
)

// APIError represents a standardized API error response.
type APIError struct {
	Kind       Kind   `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Details    any    `json:"details,omitempty"`
	cause      error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *APIError) Unwrap() error {
	return e.cause
}

// WithMessage returns a copy of the error with a custom message.
func (e *APIError) WithMessage(message string) *APIError {
	return &APIError{
		Kind:       e.Kind,
		Message:    message,
		StatusCode: e.StatusCode,
		Details:    e.Details,
		cause:      e.cause,
	}
}

// WithCause returns a copy of the error wrapping an underlying cause.
func (e *APIError) WithCause(cause error) *APIError {
	return &APIError{
		Kind:       e.Kind,
		Message:    e.Message,
		StatusCode: e.StatusCode,
		Details:    e.Details,
		cause:      cause,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details any) *APIError {
	return &APIError{
		Kind:       e.Kind,
		Message:    e.Message,
		StatusCode: e.StatusCode,
		Details:    details,
		cause:      e.cause,
	}
}

// Standard error definitions.
var (
	// ErrInvalidRequest is returned for a malformed CAR/JSON body, or a bad
	// StreamID or CID.
	ErrInvalidRequest = &APIError{
		Kind:       KindInvalidRequest,
		Message:    "Invalid anchor request",
		StatusCode: http.StatusBadRequest,
	}

	// ErrInvalidGenesis is returned when a genesis commit header fails
	// structural validation.
	ErrInvalidGenesis = &APIError{
		Kind:       KindInvalidGenesis,
		Message:    "Invalid genesis record",
		StatusCode: http.StatusBadRequest,
	}

	// ErrMetadataUnavailable is returned when IPFS times out while fetching
	// the genesis record.
	ErrMetadataUnavailable = &APIError{
		Kind:       KindMetadataUnavailable,
		Message:    "Unable to load stream metadata",
		StatusCode: http.StatusServiceUnavailable,
	}

	// ErrRequestNotFound is returned when no request exists for a CID.
	ErrRequestNotFound = &APIError{
		Kind:       KindRequestNotFound,
		Message:    "Request not found",
		StatusCode: http.StatusNotFound,
	}

	// ErrConflictRejection marks a request whose commit lost conflict
	// resolution to a peer on the same stream. Never retried.
	ErrConflictRejection = &APIError{
		Kind:       KindConflictRejection,
		Message:    "Request has failed due to conflict resolution",
		StatusCode: http.StatusConflict,
	}

	// ErrTransactionFailure is returned when Ethereum submission retries are
	// exhausted.
	ErrTransactionFailure = &APIError{
		Kind:       KindTransactionFailure,
		Message:    "Blockchain transaction failed",
		StatusCode: http.StatusBadGateway,
	}

	// ErrMerkleDepth is returned when a batch exceeds the Merkle depth limit.
	ErrMerkleDepth = &APIError{
		Kind:       KindMerkleDepth,
		Message:    "Merkle tree depth limit exceeded",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrMutexAcquisition is returned when the cross-process anchor mutex
	// cannot be acquired within the configured attempts.
	ErrMutexAcquisition = &APIError{
		Kind:       KindMutexAcquisition,
		Message:    "Another worker holds the anchor mutex",
		StatusCode: http.StatusConflict,
	}

	// ErrInvalidWitnessCAR is returned by witness verification only.
	ErrInvalidWitnessCAR = &APIError{
		Kind:       KindInvalidWitnessCAR,
		Message:    "Invalid witness CAR file",
		StatusCode: http.StatusBadRequest,
	}

	// ErrInternal is returned for unexpected server errors.
	ErrInternal = &APIError{
		Kind:       KindInternal,
		Message:    "An internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrRateLimited is returned when rate limits are exceeded.
	ErrRateLimited = &APIError{
		Kind:       KindRateLimited,
		Message:    "Too many requests. Please try again later.",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrServiceUnavailable is returned when a dependent service is down.
	ErrServiceUnavailable = &APIError{
		Kind:       KindServiceUnavailable,
		Message:    "Service temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
	}
)

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}

// AsAPIError converts an error to an APIError, falling back to ErrInternal.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternal
}
