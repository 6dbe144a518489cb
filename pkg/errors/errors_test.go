package errors

import (
	"net/http"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := New(CodeInvalidValue, "quantity must be positive")
	want := "[INVALID_VALUE] quantity must be positive"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNewDefaultsMessage(t *testing.T) {
	err := New(CodeUnknownPartner, "")
	if err.Message == "" {
		t.Fatal("expected a default message for UNKNOWN_PARTNER")
	}
}

func TestNewf(t *testing.T) {
	err := Newf(CodeNotFound, "order %s not found", "abc")
	if err.Message != "order abc not found" {
		t.Fatalf("Newf message = %q", err.Message)
	}
	if err.Code != CodeNotFound {
		t.Fatalf("Newf code = %q", err.Code)
	}
}

func TestWithRequestID(t *testing.T) {
	err := New(CodeInternalError, "boom").WithRequestID("req-1")
	if err.RequestID != "req-1" {
		t.Fatalf("RequestID = %q, want req-1", err.RequestID)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInvalidRequest, http.StatusBadRequest},
		{CodeUnknownPartner, http.StatusBadRequest},
		{CodeMissingAPIKey, http.StatusUnauthorized},
		{CodeInvalidAPIKey, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeDuplicateOrder, http.StatusConflict},
		{CodeInvalidValue, http.StatusUnprocessableEntity},
		{CodeNegativeNumber, http.StatusUnprocessableEntity},
		{CodeInvalidTimestamp, http.StatusUnprocessableEntity},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeInternalError, http.StatusInternalServerError},
		{Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := HTTPStatus(tt.code); got != tt.want {
				t.Fatalf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}
