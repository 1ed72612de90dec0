package validator

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/issdata/telemetry-stack/ingest/internal/models"
)

// SizeValidator rejects updates whose encoded size exceeds MaxBytes.
type SizeValidator struct {
	MaxBytes int
}

// Supports returns true for all origins.
func (SizeValidator) Supports(models.Origin) bool { return true }

// Validate checks the payload ceiling.
func (v SizeValidator) Validate(_ context.Context, u *models.RawUpdate) error {
	if v.MaxBytes > 0 && u.Size > v.MaxBytes {
		return reject(ReasonPayloadTooLarge, "", "payload is %d bytes, limit %d", u.Size, v.MaxBytes)
	}
	return nil
}

// BasicValidator ensures the required fields exist.
type BasicValidator struct{}

// Supports returns true for all origins.
func (BasicValidator) Supports(models.Origin) bool { return true }

// Validate performs structural validation.
func (BasicValidator) Validate(_ context.Context, u *models.RawUpdate) error {
	if strings.TrimSpace(u.ItemID) == "" {
		return reject(ReasonMissingItemID, "item_id", "item identifier is empty")
	}
	if u.Value == nil || strings.TrimSpace(*u.Value) == "" {
		return reject(ReasonMissingValue, "value", "value is missing")
	}
	if strings.TrimSpace(u.SourceTimestamp) == "" {
		return reject(ReasonInvalidTimestamp, "source_ts", "source timestamp is missing")
	}
	return nil
}

const maxItemIDLength = 64

// FieldBoundsValidator enforces length and character constraints.
type FieldBoundsValidator struct {
	MaxLength int
}

// Supports returns true for all origins.
func (FieldBoundsValidator) Supports(models.Origin) bool { return true }

// Validate checks each field against its bounds.
func (v FieldBoundsValidator) Validate(_ context.Context, u *models.RawUpdate) error {
	id := strings.TrimSpace(u.ItemID)
	if len(id) > maxItemIDLength {
		return reject(ReasonFieldBounds, "item_id", "length %d exceeds %d", len(id), maxItemIDLength)
	}
	for _, r := range id {
		if !isItemIDRune(r) {
			return reject(ReasonFieldBounds, "item_id", "invalid character %q", r)
		}
	}

	fields := []struct {
		name  string
		value *string
	}{
		{"value", u.Value},
		{"status_class", u.StatusClass},
		{"status_indicator", u.StatusIndicator},
		{"status_color", u.StatusColor},
		{"calibrated_data", u.CalibratedData},
	}
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		if err := v.checkText(f.name, *f.value); err != nil {
			return err
		}
	}
	return nil
}

func (v FieldBoundsValidator) checkText(field, s string) error {
	if v.MaxLength > 0 && len(s) > v.MaxLength {
		return reject(ReasonFieldBounds, field, "length %d exceeds %d", len(s), v.MaxLength)
	}
	if !utf8.ValidString(s) {
		return reject(ReasonFieldBounds, field, "not valid UTF-8")
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return reject(ReasonFieldBounds, field, "non-printable character %U", r)
		}
	}
	return nil
}

func isItemIDRune(r rune) bool {
	return r == '_' || r == '-' ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}

// ItemSetValidator restricts feed updates to the subscribed item set.
type ItemSetValidator struct {
	items map[string]struct{}
}

// NewItemSetValidator builds the allow list.
func NewItemSetValidator(items []string) ItemSetValidator {
	m := make(map[string]struct{}, len(items))
	for _, id := range items {
		m[id] = struct{}{}
	}
	return ItemSetValidator{items: m}
}

// Supports only feed-origin updates; external submissions may name any item.
func (ItemSetValidator) Supports(origin models.Origin) bool {
	return origin == models.OriginFeed
}

// Validate rejects items outside the subscription.
func (v ItemSetValidator) Validate(_ context.Context, u *models.RawUpdate) error {
	if _, ok := v.items[strings.TrimSpace(u.ItemID)]; !ok {
		return reject(ReasonUnknownItem, "item_id", "%q is not subscribed", u.ItemID)
	}
	return nil
}
