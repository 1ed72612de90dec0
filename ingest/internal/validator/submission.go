package validator

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/issdata/telemetry-stack/ingest/internal/models"
)

// submission is the external JSON body. Value and source_ts may arrive as
// strings or numbers; numbers keep their literal text.
type submission struct {
	ItemID          string          `json:"item_id"`
	SourceTS        json.RawMessage `json:"source_ts"`
	Value           json.RawMessage `json:"value"`
	StatusClass     *string         `json:"status_class"`
	StatusIndicator *string         `json:"status_indicator"`
	StatusColor     *string         `json:"status_color"`
	CalibratedData  *string         `json:"calibrated_data"`
}

// ParseSubmission decodes an externally submitted payload into a RawUpdate.
// The size ceiling is checked before decoding.
func ParseSubmission(payload []byte, maxBytes int) (*models.RawUpdate, error) {
	if maxBytes > 0 && len(payload) > maxBytes {
		return nil, reject(ReasonPayloadTooLarge, "", "payload is %d bytes, limit %d", len(payload), maxBytes)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, reject(ReasonMalformed, "", "empty body")
	}

	var sub submission
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&sub); err != nil {
		return nil, reject(ReasonMalformed, "", "invalid JSON: %v", err)
	}

	value, err := scalarText("value", sub.Value)
	if err != nil {
		return nil, err
	}
	ts, err := scalarText("source_ts", sub.SourceTS)
	if err != nil {
		return nil, err
	}

	u := &models.RawUpdate{
		ItemID:          sub.ItemID,
		Value:           value,
		StatusClass:     sub.StatusClass,
		StatusIndicator: sub.StatusIndicator,
		StatusColor:     sub.StatusColor,
		CalibratedData:  sub.CalibratedData,
		Origin:          models.OriginSubmit,
		ReceivedAt:      time.Now().UTC(),
		Size:            len(payload),
	}
	if ts != nil {
		u.SourceTimestamp = *ts
	}
	return u, nil
}

// scalarText returns the textual form of a JSON string or number, nil for
// absent or null.
func scalarText(field string, raw json.RawMessage) (*string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, reject(ReasonMalformed, field, "invalid string: %v", err)
		}
		return &s, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		s := strings.TrimSpace(string(raw))
		return &s, nil
	default:
		return nil, reject(ReasonFieldBounds, field, "must be a string or number")
	}
}
