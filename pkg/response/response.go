// Package response provides common HTTP response helpers.
package response

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/orderfeed/ingest/pkg/errors"
	"github.com/orderfeed/ingest/pkg/logger"
)

// RequestIDFromRequest extracts the request ID from context or headers.
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if reqID := logger.RequestIDFromContext(r.Context()); reqID != "" {
		return reqID
	}
	reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
	if reqID == "" {
		reqID = strings.TrimSpace(r.Header.Get("X-Request-ID"))
	}
	return reqID
}

// WriteError writes a structured error response based on the common error type.
func WriteError(w http.ResponseWriter, r *http.Request, err *errors.Error) {
	if w == nil || err == nil {
		return
	}
	payload := *err
	if reqID := RequestIDFromRequest(r); reqID != "" {
		payload.RequestID = reqID
	}
	WriteJSON(w, payload.HTTPStatus(), &payload)
}

// WriteErrorCode writes an error response using error code and message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code errors.Code, message string) {
	WriteError(w, r, errors.New(code, message))
}

// WriteStatusError writes an error response with an explicit HTTP status.
func WriteStatusError(w http.ResponseWriter, r *http.Request, status int, code errors.Code, message string) {
	if w == nil {
		return
	}
	payload := *errors.New(code, message)
	if reqID := RequestIDFromRequest(r); reqID != "" {
		payload.RequestID = reqID
	}
	WriteJSON(w, status, &payload)
}

// WriteJSON writes any payload as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
