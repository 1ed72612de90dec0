package logging

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
)

type stateName string

func (s stateName) String() string { return string(s) }

func TestStringFields(t *testing.T) {
	tests := []struct {
		name string
		attr slog.Attr
		key  string
		want string
	}{
		{"service", Service("ingest"), FieldService, "ingest"},
		{"item id", ItemID("USLAB000061"), FieldItemID, "USLAB000061"},
		{"event id", EventID("abc123"), FieldEventID, "abc123"},
		{"reason", Reason("payload_too_large"), FieldReason, "payload_too_large"},
		{"state", State(stateName("open")), FieldState, "open"},
		{"session", Session("sess-1"), FieldSession, "sess-1"},
		{"subject", Subject("telemetry.v1.USLAB000061"), FieldSubject, "telemetry.v1.USLAB000061"},
		{"error", Error(errors.New("boom")), FieldError, "boom"},
		{"nil error", Error(nil), FieldError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.attr.Key != tt.key {
				t.Errorf("expected key %q, got %q", tt.key, tt.attr.Key)
			}
			if tt.attr.Value.String() != tt.want {
				t.Errorf("expected value %q, got %q", tt.want, tt.attr.Value.String())
			}
		})
	}
}

func TestAttemptAndDuration(t *testing.T) {
	if a := Attempt(3); a.Key != FieldAttempt || a.Value.Int64() != 3 {
		t.Errorf("Attempt(3) = %v", a)
	}
	if d := Duration(250); d.Key != FieldDuration || d.Value.Int64() != 250 {
		t.Errorf("Duration(250) = %v", d)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate short = %q", got)
	}
	long := strings.Repeat("x", 20)
	got := Truncate(long, 5)
	if !strings.HasPrefix(got, "xxxxx") || !strings.HasSuffix(got, "(truncated)") {
		t.Errorf("Truncate long = %q", got)
	}
	if got := Truncate(long, 0); got != long {
		t.Errorf("Truncate with n=0 should be a no-op, got %q", got)
	}
}

func TestPayload(t *testing.T) {
	data := []byte(strings.Repeat("a", MaxLoggedPayload*2))
	attr := Payload(data)
	if attr.Key != FieldPayload {
		t.Fatalf("expected key %q, got %q", FieldPayload, attr.Key)
	}
	group := attr.Value.Group()
	if len(group) != 2 {
		t.Fatalf("expected 2 group members, got %d", len(group))
	}
	if group[1].Value.Int64() != int64(len(data)) {
		t.Errorf("bytes = %d, want %d", group[1].Value.Int64(), len(data))
	}
	if len(group[0].Value.String()) >= len(data) {
		t.Errorf("head was not truncated")
	}
}
