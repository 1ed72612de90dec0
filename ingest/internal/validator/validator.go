package validator

import (
	"context"
	"fmt"
	"strings"

	"github.com/issdata/telemetry-stack/ingest/internal/models"
)

// Rejection reasons. They are used as metric labels.
const (
	ReasonMissingItemID    = "missing_item_id"
	ReasonMissingValue     = "missing_value"
	ReasonInvalidTimestamp = "invalid_timestamp"
	ReasonPayloadTooLarge  = "payload_too_large"
	ReasonFieldBounds      = "field_bounds"
	ReasonUnknownItem      = "unknown_item"
	ReasonMalformed        = "malformed_payload"
)

// ValidationError is a classified rejection of a raw update.
type ValidationError struct {
	Reason string
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Reason, e.Field, e.Detail)
}

func reject(reason, field, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Field: field, Detail: fmt.Sprintf(format, args...)}
}

// Validator defines contract for a raw update validation unit.
type Validator interface {
	Validate(ctx context.Context, u *models.RawUpdate) error
	Supports(origin models.Origin) bool
}

// Chain applies a list of validators sequentially.
type Chain struct {
	validators []Validator
}

// NewChain constructs a validator chain.
func NewChain(validators ...Validator) *Chain {
	return &Chain{validators: validators}
}

// Options configures the default chain.
type Options struct {
	MaxPayloadBytes int
	MaxFieldLength  int
	TimestampRules  TimestampValidator
	// Items restricts feed-origin updates to a known set when non-empty.
	Items []string
}

// NewDefaultChain builds the production chain in evaluation order.
func NewDefaultChain(opts Options) *Chain {
	validators := []Validator{
		SizeValidator{MaxBytes: opts.MaxPayloadBytes},
		BasicValidator{},
		opts.TimestampRules,
		FieldBoundsValidator{MaxLength: opts.MaxFieldLength},
	}
	if len(opts.Items) > 0 {
		validators = append(validators, NewItemSetValidator(opts.Items))
	}
	return NewChain(validators...)
}

// Validate executes validators in order until an error occurs and returns the
// typed event.
func (c *Chain) Validate(ctx context.Context, u *models.RawUpdate) (*models.ValidatedEvent, error) {
	if u == nil {
		return nil, reject(ReasonMalformed, "", "nil update")
	}
	if c != nil {
		for _, v := range c.validators {
			if v.Supports(u.Origin) {
				if err := v.Validate(ctx, u); err != nil {
					return nil, err
				}
			}
		}
	}
	return toValidated(u)
}

func toValidated(u *models.RawUpdate) (*models.ValidatedEvent, error) {
	itemID := strings.TrimSpace(u.ItemID)
	if itemID == "" {
		return nil, reject(ReasonMissingItemID, "item_id", "item identifier is empty")
	}
	if u.Value == nil {
		return nil, reject(ReasonMissingValue, "value", "value is missing")
	}
	ts, err := ParseSourceTimestamp(u.SourceTimestamp)
	if err != nil {
		return nil, err
	}
	return &models.ValidatedEvent{
		ItemID:          itemID,
		SourceTS:        ts,
		Value:           *u.Value,
		StatusClass:     u.StatusClass,
		StatusIndicator: u.StatusIndicator,
		StatusColor:     u.StatusColor,
		CalibratedData:  u.CalibratedData,
		Origin:          u.Origin,
		ReceivedAt:      u.ReceivedAt,
	}, nil
}
