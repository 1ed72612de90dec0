package logging

import (
	"fmt"
	"log/slog"
)

// Common field names for consistent logging across services.
const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldItemID    = "item_id"
	FieldEventID   = "event_id"
	FieldReason    = "reason"
	FieldState     = "state"
	FieldAttempt   = "attempt"
	FieldSession   = "session_id"
	FieldSubject   = "subject"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
	FieldPayload   = "payload"
)

// MaxLoggedPayload bounds how much of an offending payload is written to logs.
const MaxLoggedPayload = 256

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// ItemID returns a slog attribute for a telemetry item identifier.
func ItemID(id string) slog.Attr {
	return slog.String(FieldItemID, id)
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// Reason returns a slog attribute for a classified rejection or drop reason.
func Reason(reason string) slog.Attr {
	return slog.String(FieldReason, reason)
}

// State returns a slog attribute for a state machine state.
func State(state fmt.Stringer) slog.Attr {
	return slog.String(FieldState, state.String())
}

// Attempt returns a slog attribute for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Session returns a slog attribute for a feed session id.
func Session(id string) slog.Attr {
	return slog.String(FieldSession, id)
}

// Subject returns a slog attribute for a bus subject.
func Subject(subject string) slog.Attr {
	return slog.String(FieldSubject, subject)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// Payload returns a slog attribute carrying at most MaxLoggedPayload bytes of
// data along with its full length.
func Payload(data []byte) slog.Attr {
	return slog.Group(FieldPayload,
		slog.String("head", Truncate(string(data), MaxLoggedPayload)),
		slog.Int("bytes", len(data)),
	)
}

// Truncate shortens s to at most n bytes, marking the cut.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
