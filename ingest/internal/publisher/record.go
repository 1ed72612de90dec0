package publisher

import (
	"fmt"
	"strconv"

	"github.com/issdata/telemetry-stack/common/messaging"
	"github.com/issdata/telemetry-stack/ingest/internal/models"
	"github.com/issdata/telemetry-stack/ingest/internal/reliability"
)

// RecordBuilder turns events into bus records.
type RecordBuilder struct {
	SubjectPrefix string
	Codec         Codec
	Compressor    Compressor
}

// Build encodes ev. Encoding failures are fatal: retrying cannot fix them.
func (b RecordBuilder) Build(ev *models.TelemetryEvent) (*messaging.Record, error) {
	data, err := b.Codec.Encode(ev)
	if err != nil {
		return nil, reliability.Fatal(fmt.Errorf("encode event %s: %w", ev.EventID, err))
	}
	if b.Compressor != nil {
		if data, err = b.Compressor.Compress(data); err != nil {
			return nil, reliability.Fatal(fmt.Errorf("compress event %s: %w", ev.EventID, err))
		}
	}

	headers := map[string]string{
		messaging.HeaderSchemaVersion: strconv.Itoa(ev.SchemaVersion),
		messaging.HeaderEventID:       ev.EventID,
		messaging.HeaderContentType:   b.Codec.ContentType(),
	}
	if b.Compressor != nil && b.Compressor.Name() != "identity" {
		headers[messaging.HeaderEncoding] = b.Compressor.Name()
	}

	return &messaging.Record{
		Subject: messaging.TelemetrySubject(b.SubjectPrefix, ev.SchemaVersion, ev.ItemID),
		Key:     []byte(ev.ItemID),
		MsgID:   ev.EventID,
		Data:    data,
		Headers: headers,
	}, nil
}

// Decode reverses Build for consumers and tests.
func (b RecordBuilder) Decode(rec *messaging.Record) (*models.TelemetryEvent, error) {
	data := rec.Data
	if b.Compressor != nil {
		var err error
		if data, err = b.Compressor.Decompress(data); err != nil {
			return nil, err
		}
	}
	return b.Codec.Decode(data)
}
