// Package client talks to the telemetry ingest HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Update is one telemetry submission.
type Update struct {
	ItemID          string  `json:"item_id"`
	SourceTS        string  `json:"source_ts"`
	Value           *string `json:"value,omitempty"`
	StatusClass     *string `json:"status_class,omitempty"`
	StatusIndicator *string `json:"status_indicator,omitempty"`
	StatusColor     *string `json:"status_color,omitempty"`
	CalibratedData  *string `json:"calibrated_data,omitempty"`
}

// SubmitResult mirrors the service's submission outcome.
type SubmitResult struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Accepted reports whether the event was enqueued.
func (r SubmitResult) Accepted() bool { return r.Status == "enqueued" }

// Delivery is the tracked state of a submitted event.
type Delivery struct {
	EventID   string    `json:"event_id"`
	ItemID    string    `json:"item_id"`
	Status    string    `json:"status"`
	Stream    string    `json:"stream,omitempty"`
	Sequence  uint64    `json:"sequence,omitempty"`
	Duplicate bool      `json:"duplicate,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Health is the /healthz body.
type Health struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	FeedState     string `json:"feed_state"`
	Breaker       struct {
		State    string `json:"state"`
		Failures int    `json:"failures"`
	} `json:"breaker"`
	ForcedFail bool `json:"forced_fail"`
}

// Outage is one recorded feed outage.
type Outage struct {
	Instance  string    `json:"instance"`
	SessionID string    `json:"session_id,omitempty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Seconds   float64   `json:"seconds"`
	Cause     string    `json:"cause,omitempty"`
}

// APIError is a non-2xx response without a structured body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ingest returned %d: %s", e.StatusCode, e.Message)
}

type IngestClient struct {
	baseURL string
	client  *http.Client
}

func NewIngestClient(baseURL string) *IngestClient {
	return &IngestClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Submit posts one update. Rejections come back as a SubmitResult, not an
// error; only transport failures and unexpected statuses are errors.
func (c *IngestClient) Submit(ctx context.Context, u Update) (SubmitResult, error) {
	body, err := json.Marshal(u)
	if err != nil {
		return SubmitResult{}, err
	}
	return c.SubmitRaw(ctx, body)
}

// SubmitRaw posts a pre-encoded payload.
func (c *IngestClient) SubmitRaw(ctx context.Context, payload []byte) (SubmitResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/telemetry", bytes.NewReader(payload))
	if err != nil {
		return SubmitResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var res SubmitResult
	status, err := c.do(req, &res)
	if err != nil {
		return SubmitResult{}, err
	}
	switch status {
	case http.StatusCreated, http.StatusBadRequest, http.StatusRequestEntityTooLarge,
		http.StatusTooManyRequests, http.StatusServiceUnavailable:
		if res.Status == "" {
			return SubmitResult{}, &APIError{StatusCode: status, Message: http.StatusText(status)}
		}
		return res, nil
	default:
		return SubmitResult{}, &APIError{StatusCode: status, Message: "unexpected status"}
	}
}

// Delivery looks up a submitted event.
func (c *IngestClient) Delivery(ctx context.Context, eventID string) (*Delivery, error) {
	var d Delivery
	if err := c.get(ctx, "/v1/telemetry/"+url.PathEscape(eventID), &d, http.StatusOK); err != nil {
		return nil, err
	}
	return &d, nil
}

// Health fetches /healthz. An unhealthy service still returns its body.
func (c *IngestClient) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/healthz", &h, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &h, nil
}

// Outages lists recent feed outages.
func (c *IngestClient) Outages(ctx context.Context, limit int) ([]Outage, error) {
	var body struct {
		Outages []Outage `json:"outages"`
	}
	path := "/admin/outages?limit=" + strconv.Itoa(limit)
	if err := c.get(ctx, path, &body, http.StatusOK); err != nil {
		return nil, err
	}
	return body.Outages, nil
}

// DeadLetters returns dead-letter stream stats.
func (c *IngestClient) DeadLetters(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.get(ctx, "/admin/dlq", &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out, nil
}

// SetHealthFail toggles the forced health failure.
func (c *IngestClient) SetHealthFail(ctx context.Context, fail bool) error {
	path := "/admin/health/recover"
	if fail {
		path = "/admin/health/fail"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	status, err := c.do(req, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &APIError{StatusCode: status, Message: "toggle failed"}
	}
	return nil
}

func (c *IngestClient) get(ctx context.Context, path string, out interface{}, ok ...int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	var raw json.RawMessage
	status, err := c.do(req, &raw)
	if err != nil {
		return err
	}
	for _, s := range ok {
		if s == status {
			return json.Unmarshal(raw, out)
		}
	}
	var e struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(raw, &e)
	if e.Error == "" {
		e.Error = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: e.Error}
}

func (c *IngestClient) do(req *http.Request, out interface{}) (int, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
