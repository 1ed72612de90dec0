// Package enricher turns validated updates into telemetry events with a
// deterministic identity.
package enricher

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/zeebo/blake3"

	"github.com/issdata/telemetry-stack/ingest/internal/models"
)

// eventDomainKey separates event ids from any other BLAKE3 use. It is the
// ASCII domain name zero-padded to 32 bytes. Changing it changes every id.
var eventDomainKey = [32]byte{
	't', 'e', 'l', 'e', 'm', 'e', 't', 'r', 'y', '.', 'e', 'v', 'e', 'n', 't', '.',
	'v', '1', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

const (
	absentMarker  = 0x00
	presentMarker = 0x01
)

// IdentityFields are the inputs of an event id, in hashing order.
type IdentityFields struct {
	ItemID          string
	SourceTS        time.Time
	Value           string
	StatusClass     *string
	StatusIndicator *string
	StatusColor     *string
	CalibratedData  *string
	SchemaVersion   int
}

// CanonicalBytes is the unambiguous serialization the event id hashes.
// Every field is length-prefixed; absent optional fields are a single
// 0x00 byte, so an absent field never collides with an empty one.
func CanonicalBytes(f IdentityFields) []byte {
	buf := make([]byte, 0, 128)
	put := func(s *string) {
		if s == nil {
			buf = append(buf, absentMarker)
			return
		}
		buf = append(buf, presentMarker)
		buf = binary.AppendUvarint(buf, uint64(len(*s)))
		buf = append(buf, *s...)
	}

	item := f.ItemID
	ts := f.SourceTS.UTC().Format(time.RFC3339Nano)
	value := f.Value
	version := strconv.Itoa(f.SchemaVersion)

	put(&item)
	put(&ts)
	put(&value)
	put(f.StatusClass)
	put(f.StatusIndicator)
	put(f.StatusColor)
	put(f.CalibratedData)
	put(&version)
	return buf
}

// EventID returns the lowercase hex BLAKE3-256 keyed hash of the canonical bytes.
func EventID(f IdentityFields) string {
	hasher, err := blake3.NewKeyed(eventDomainKey[:])
	if err != nil {
		// Only possible with a wrong key length, which the array type rules out.
		panic("enricher: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(CanonicalBytes(f))
	return hex.EncodeToString(hasher.Sum(nil))
}

// ErrInvariant reports input the validator should never have let through.
var ErrInvariant = errors.New("enricher: validated event violates invariant")

// Enricher stamps identity and ingest time.
type Enricher struct {
	SchemaVersion int
	Source        string
	Now           func() time.Time
}

// New returns an Enricher using the wall clock.
func New(schemaVersion int, source string) *Enricher {
	if source == "" {
		source = models.DefaultSource
	}
	return &Enricher{SchemaVersion: schemaVersion, Source: source, Now: time.Now}
}

// Enrich builds the TelemetryEvent. It has no side effects.
func (e *Enricher) Enrich(v *models.ValidatedEvent) (*models.TelemetryEvent, error) {
	if v == nil || v.ItemID == "" || v.SourceTS.IsZero() || e.SchemaVersion <= 0 {
		return nil, ErrInvariant
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}

	id := EventID(IdentityFields{
		ItemID:          v.ItemID,
		SourceTS:        v.SourceTS,
		Value:           v.Value,
		StatusClass:     v.StatusClass,
		StatusIndicator: v.StatusIndicator,
		StatusColor:     v.StatusColor,
		CalibratedData:  v.CalibratedData,
		SchemaVersion:   e.SchemaVersion,
	})

	return &models.TelemetryEvent{
		SchemaVersion:   e.SchemaVersion,
		EventID:         id,
		ItemID:          v.ItemID,
		SourceTS:        v.SourceTS,
		IngestTS:        now().UTC(),
		Value:           v.Value,
		StatusClass:     v.StatusClass,
		StatusIndicator: v.StatusIndicator,
		StatusColor:     v.StatusColor,
		CalibratedData:  v.CalibratedData,
		Source:          e.Source,
		Origin:          v.Origin,
	}, nil
}
