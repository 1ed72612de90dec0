// Package feedproto defines the JSON frames exchanged with the live telemetry
// feed over a websocket.
//
// A client sends one subscribe frame after connecting:
//
//	{"op":"subscribe","items":["USLAB000061","NODE3000005"]}
//
// and the feed answers with {"op":"subscribed","items":[...]} followed by
// update frames and periodic heartbeats:
//
//	{"op":"update","item_id":"USLAB000061","source_ts":"2025-01-01T12:00:00Z","value":"12.34","status_class":"OK"}
//	{"op":"heartbeat"}
package feedproto

// Frame operations.
const (
	OpSubscribe  = "subscribe"
	OpSubscribed = "subscribed"
	OpUpdate     = "update"
	OpHeartbeat  = "heartbeat"
	OpError      = "error"
)

// Frame is a single feed message. Only the fields relevant to Op are set.
type Frame struct {
	Op    string   `json:"op"`
	Items []string `json:"items,omitempty"`
	Error string   `json:"error,omitempty"`

	ItemID          string  `json:"item_id,omitempty"`
	SourceTS        string  `json:"source_ts,omitempty"`
	Value           *string `json:"value,omitempty"`
	StatusClass     *string `json:"status_class,omitempty"`
	StatusIndicator *string `json:"status_indicator,omitempty"`
	StatusColor     *string `json:"status_color,omitempty"`
	CalibratedData  *string `json:"calibrated_data,omitempty"`
}
