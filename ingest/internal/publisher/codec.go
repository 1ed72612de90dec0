package publisher

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/issdata/telemetry-stack/ingest/internal/models"
)

// Codec serializes a TelemetryEvent into a self-describing record value.
type Codec interface {
	Name() string
	ContentType() string
	Encode(ev *models.TelemetryEvent) ([]byte, error)
	Decode(data []byte) (*models.TelemetryEvent, error)
}

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return newCBORCodec()
	default:
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
}

// JSONCodec is the default wire format.
type JSONCodec struct{}

func (JSONCodec) Name() string        { return "json" }
func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Encode(ev *models.TelemetryEvent) ([]byte, error) {
	return json.Marshal(ev)
}

func (JSONCodec) Decode(data []byte) (*models.TelemetryEvent, error) {
	var ev models.TelemetryEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// CBORCodec uses Core Deterministic Encoding, so equal events encode to
// identical bytes. Timestamps are RFC 3339 text.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() (*CBORCodec, error) {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (*CBORCodec) Name() string        { return "cbor" }
func (*CBORCodec) ContentType() string { return "application/cbor" }

func (c *CBORCodec) Encode(ev *models.TelemetryEvent) ([]byte, error) {
	return c.enc.Marshal(ev)
}

func (c *CBORCodec) Decode(data []byte) (*models.TelemetryEvent, error) {
	var ev models.TelemetryEvent
	if err := c.dec.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
