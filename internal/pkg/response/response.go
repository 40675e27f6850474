// Package response provides JSON and CAR response helpers for API handlers.
package response

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/ceramicnetwork/go-cas/internal/pkg/errors"
)

// ContentTypeCAR is the media type for raw CAR file responses.
const ContentTypeCAR = "application/vnd.ipld.car"

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"Failed to encode response"}`, http.StatusInternalServerError)
	}
}

// CAR writes raw CAR bytes with the IPLD CAR media type.
func CAR(w http.ResponseWriter, status int, car []byte) {
	w.Header().Set("Content-Type", ContentTypeCAR)
	w.WriteHeader(status)
	w.Write(car)
}

// Error writes an error response using the error's mapped status code.
func Error(w http.ResponseWriter, err error) {
	apiErr := apierrors.AsAPIError(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode)
	json.NewEncoder(w).Encode(map[string]any{"error": apiErr.Message, "code": apiErr.Kind})
}

// Created writes a 201 Created response.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// OK writes a 200 OK response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// BadRequest writes a 400 Bad Request error response.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, apierrors.ErrInvalidRequest.WithMessage(message))
}

// NotFound writes a 404 Not Found error response.
func NotFound(w http.ResponseWriter) {
	Error(w, apierrors.ErrRequestNotFound)
}

// InternalError writes a 500 Internal Server Error response.
func InternalError(w http.ResponseWriter) {
	Error(w, apierrors.ErrInternal)
}
