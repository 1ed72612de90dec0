package validator

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/issdata/telemetry-stack/ingest/internal/models"
)

// Epoch values at or above this are milliseconds (about 2001-09-09 in ms).
const epochMillisThreshold = 1e12

// maxEpochSeconds is 9999-12-31T23:59:59Z. Encoders reject later years.
const maxEpochSeconds = 253402300799

// minYear and maxYear bound timestamps that serialize as RFC 3339.
const (
	minYear = 0
	maxYear = 9999
)

// TimestampValidator requires a parseable, zone-aware source timestamp.
type TimestampValidator struct {
	// MaxFutureSkew rejects timestamps further ahead than this. Zero disables.
	MaxFutureSkew time.Duration
	Now           func() time.Time
}

// Supports returns true for all origins.
func (TimestampValidator) Supports(models.Origin) bool { return true }

// Validate parses the source timestamp and checks skew.
func (v TimestampValidator) Validate(_ context.Context, u *models.RawUpdate) error {
	ts, err := ParseSourceTimestamp(u.SourceTimestamp)
	if err != nil {
		return err
	}
	if v.MaxFutureSkew > 0 {
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		if ahead := ts.Sub(now()); ahead > v.MaxFutureSkew {
			return reject(ReasonInvalidTimestamp, "source_ts", "%s is %s in the future", u.SourceTimestamp, ahead.Round(time.Second))
		}
	}
	return nil
}

// ParseSourceTimestamp accepts RFC 3339 with an explicit zone, or a numeric
// Unix epoch in seconds or milliseconds (UTC). Naive timestamps are rejected.
func ParseSourceTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, reject(ReasonInvalidTimestamp, "source_ts", "source timestamp is missing")
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
			return time.Time{}, reject(ReasonInvalidTimestamp, "source_ts", "epoch %q out of range", s)
		}
		if f >= epochMillisThreshold {
			if f >= (maxEpochSeconds+1)*1000 {
				return time.Time{}, reject(ReasonInvalidTimestamp, "source_ts", "epoch %q out of range", s)
			}
			return time.UnixMilli(int64(f)).UTC(), nil
		}
		if f >= maxEpochSeconds+1 {
			return time.Time{}, reject(ReasonInvalidTimestamp, "source_ts", "epoch %q out of range", s)
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), nil
	}

	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, reject(ReasonInvalidTimestamp, "source_ts", "%q is not RFC 3339 with a zone offset", s)
	}
	if y := ts.UTC().Year(); y < minYear || y > maxYear {
		return time.Time{}, reject(ReasonInvalidTimestamp, "source_ts", "%q is outside years %d-%d in UTC", s, minYear, maxYear)
	}
	return ts, nil
}
