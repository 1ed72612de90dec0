package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name              string
		existingRequestID string
		expectNewID       bool
	}{
		{
			name:              "generates new request ID when not present",
			existingRequestID: "",
			expectNewID:       true,
		},
		{
			name:              "propagates existing request ID",
			existingRequestID: "existing-req-123",
			expectNewID:       false,
		},
		{
			name:              "replaces oversized request ID",
			existingRequestID: strings.Repeat("a", maxRequestIDLength+1),
			expectNewID:       true,
		},
		{
			name:              "replaces request ID with whitespace",
			existingRequestID: "bad id",
			expectNewID:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "http://example.com/test", nil)
			if tt.existingRequestID != "" {
				req.Header.Set(HeaderRequestID, tt.existingRequestID)
			}
			w := httptest.NewRecorder()

			RequestID(handler).ServeHTTP(w, req)

			responseID := w.Header().Get(HeaderRequestID)
			if responseID == "" {
				t.Fatal("expected X-Request-ID header in response")
			}
			if responseID != captured {
				t.Errorf("context id %q does not match response header %q", captured, responseID)
			}

			if tt.expectNewID {
				if _, err := uuid.Parse(responseID); err != nil {
					t.Errorf("expected generated UUID, got %q", responseID)
				}
			} else if responseID != tt.existingRequestID {
				t.Errorf("expected propagated id %q, got %q", tt.existingRequestID, responseID)
			}
		})
	}
}

func TestGetRequestID_Missing(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() = %q, want empty", got)
	}
}
