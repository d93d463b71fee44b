package validate

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/metric-harvester/internal/model"
)

// Bounds holds the plausibility limits applied to raw metrics. Counts must
// be non-negative; ceilings catch parser glitches that would otherwise
// poison the reporting layer.
type Bounds struct {
	MaxAudience    int64
	MaxEngagements int64
	MaxActivity    int64
}

// DefaultBounds returns ceilings generous enough for the largest accounts
// seen in the wild.
func DefaultBounds() Bounds {
	return Bounds{
		MaxAudience:    5_000_000_000,
		MaxEngagements: 50_000_000_000,
		MaxActivity:    1_000_000_000,
	}
}

// ValidationError reports a payload that failed hard bounds. It is
// non-retryable: resubmitting would reproduce the same bad data.
type ValidationError struct {
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// Validator sanity-checks raw payloads and scores their quality.
type Validator struct {
	logger *zap.Logger
	bounds Bounds
}

// New creates a validator with the given bounds.
func New(bounds Bounds, logger *zap.Logger) *Validator {
	return &Validator{
		logger: logger.Named("validator"),
		bounds: bounds,
	}
}

// Validate checks raw metrics against hard bounds and builds a Result with
// a quality score in [0,1]. Payloads passing bounds but missing fields are
// accepted with a low score and flags rather than rejected, preserving
// partial information. The version is assigned by the result store, not
// here.
func (v *Validator) Validate(raw *model.RawMetrics) (*model.Result, error) {
	if raw == nil {
		return nil, &ValidationError{Reason: "empty payload"}
	}
	if raw.TargetID == "" || raw.SourceID == "" {
		return nil, &ValidationError{Reason: "missing target or source identity"}
	}
	if raw.Audience < 0 || raw.Engagements < 0 || raw.Activity < 0 {
		v.logger.Warn("Payload rejected: negative counts",
			zap.String("target_id", raw.TargetID),
			zap.Int64("audience", raw.Audience),
			zap.Int64("engagements", raw.Engagements),
			zap.Int64("activity", raw.Activity))
		return nil, &ValidationError{Reason: "negative counts"}
	}
	if raw.Audience > v.bounds.MaxAudience ||
		raw.Engagements > v.bounds.MaxEngagements ||
		raw.Activity > v.bounds.MaxActivity {
		v.logger.Warn("Payload rejected: counts exceed plausibility ceiling",
			zap.String("target_id", raw.TargetID),
			zap.Int64("audience", raw.Audience),
			zap.Int64("engagements", raw.Engagements),
			zap.Int64("activity", raw.Activity))
		return nil, &ValidationError{Reason: "counts exceed plausibility ceiling"}
	}

	quality, flags := v.score(raw)

	return &model.Result{
		TargetID:    raw.TargetID,
		SourceID:    raw.SourceID,
		Audience:    raw.Audience,
		Engagements: raw.Engagements,
		Activity:    raw.Activity,
		Quality:     quality,
		Flags:       flags,
		FetchedAt:   raw.FetchedAt,
		CreatedAt:   time.Now(),
	}, nil
}

// score weighs completeness and timestamp presence. Audience is the metric
// callers care about most, so its absence costs the most.
func (v *Validator) score(raw *model.RawMetrics) (float64, []string) {
	quality := 1.0
	var flags []string

	if raw.Audience == 0 {
		quality -= 0.4
		flags = append(flags, "missing_audience")
	}
	if raw.Engagements == 0 {
		quality -= 0.25
		flags = append(flags, "missing_engagements")
	}
	if raw.Activity == 0 {
		quality -= 0.15
		flags = append(flags, "missing_activity")
	}
	if raw.FetchedAt.IsZero() {
		quality -= 0.2
		flags = append(flags, "missing_fetch_time")
	}
	if quality < 0 {
		quality = 0
	}
	return quality, flags
}
