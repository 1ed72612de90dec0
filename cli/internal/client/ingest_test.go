package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestNewIngestClient(t *testing.T) {
	client := NewIngestClient("http://localhost:8088")

	assert.NotNil(t, client)
	assert.Equal(t, "http://localhost:8088", client.baseURL)
	assert.Equal(t, 10*time.Second, client.client.Timeout)
}

func TestSubmit_Enqueued(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/telemetry", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var u Update
		require.NoError(t, json.NewDecoder(r.Body).Decode(&u))
		assert.Equal(t, "USLAB000061", u.ItemID)
		assert.Equal(t, "12.34", *u.Value)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"status":"enqueued","event_id":"abc"}`))
	}))
	defer server.Close()

	res, err := NewIngestClient(server.URL).Submit(context.Background(), Update{
		ItemID:   "USLAB000061",
		SourceTS: "2025-01-01T12:00:00Z",
		Value:    strPtr("12.34"),
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted())
	assert.Equal(t, "abc", res.EventID)
}

func TestSubmit_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus string
		wantErr    bool
	}{
		{"rejected", http.StatusBadRequest, `{"status":"validation_rejected","reason":"missing_item_id"}`, "validation_rejected", false},
		{"backpressure", http.StatusTooManyRequests, `{"status":"backpressure_full"}`, "backpressure_full", false},
		{"shutting down", http.StatusServiceUnavailable, `{"status":"shutting_down"}`, "shutting_down", false},
		{"rate limited", http.StatusTooManyRequests, `{"error":"rate limit exceeded"}`, "", true},
		{"server error", http.StatusInternalServerError, `{"error":"internal error"}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			res, err := NewIngestClient(server.URL).SubmitRaw(context.Background(), []byte(`{}`))
			if tt.wantErr {
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, tt.status, apiErr.StatusCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.False(t, res.Accepted())
		})
	}
}

func TestDelivery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/telemetry/abc" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"unknown event_id"}`))
			return
		}
		w.Write([]byte(`{"event_id":"abc","item_id":"USLAB000061","status":"delivered","stream":"TELEMETRY","sequence":7}`))
	}))
	defer server.Close()

	c := NewIngestClient(server.URL)
	d, err := c.Delivery(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "delivered", d.Status)
	assert.Equal(t, uint64(7), d.Sequence)

	_, err = c.Delivery(context.Background(), "nope")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "unknown event_id", apiErr.Message)
}

func TestHealth_UnhealthyStillDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unhealthy","feed_state":"reconnecting","breaker":{"state":"open","failures":5},"forced_fail":true}`))
	}))
	defer server.Close()

	h, err := NewIngestClient(server.URL).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, "open", h.Breaker.State)
	assert.True(t, h.ForcedFail)
}

func TestOutages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/outages", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"outages":[{"instance":"i-1","seconds":3.5,"cause":"read"}]}`))
	}))
	defer server.Close()

	outages, err := NewIngestClient(server.URL).Outages(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, outages, 1)
	assert.Equal(t, 3.5, outages[0].Seconds)
}

func TestSetHealthFail(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		paths = append(paths, r.URL.Path)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := NewIngestClient(server.URL)
	require.NoError(t, c.SetHealthFail(context.Background(), true))
	require.NoError(t, c.SetHealthFail(context.Background(), false))
	assert.Equal(t, []string{"/admin/health/fail", "/admin/health/recover"}, paths)
}
