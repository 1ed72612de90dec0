package messaging

import (
	"strconv"
	"strings"
)

// Subject layout for the telemetry bus.
// Follow the pattern: {domain}.v{schema_version}.{item_id}
const (
	// SubjectTelemetryPrefix is the default prefix for telemetry event subjects.
	SubjectTelemetryPrefix = "telemetry.events"

	// SubjectDLQPrefix is the prefix for dead-lettered telemetry records.
	SubjectDLQPrefix = "telemetry.dlq"
)

// TelemetrySubject returns the subject for one item's events at a schema version.
// Example: telemetry.events.v1.USLAB000061
func TelemetrySubject(prefix string, schemaVersion int, itemID string) string {
	if prefix == "" {
		prefix = SubjectTelemetryPrefix
	}
	return prefix + ".v" + strconv.Itoa(schemaVersion) + "." + SubjectToken(itemID)
}

// TelemetryWildcard returns the stream filter covering every item at a schema version.
func TelemetryWildcard(prefix string, schemaVersion int) string {
	if prefix == "" {
		prefix = SubjectTelemetryPrefix
	}
	return prefix + ".v" + strconv.Itoa(schemaVersion) + ".>"
}

// DLQSubject returns the dead-letter subject for a drop reason.
// Example: telemetry.dlq.retries_exhausted
func DLQSubject(reason string) string {
	return SubjectDLQPrefix + "." + SubjectToken(reason)
}

// SubjectToken makes s safe to use as a single subject token. Separators,
// wildcards and whitespace are replaced with underscores.
func SubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '.', r == '*', r == '>', r <= ' ', r == 0x7f:
			return '_'
		default:
			return r
		}
	}, s)
}
