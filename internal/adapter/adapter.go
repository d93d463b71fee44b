package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/metric-harvester/internal/model"
)

// SourceAdapter performs the actual fetch for one source's targets. Each
// source registers exactly one adapter at startup. Adapters must observe
// ctx cancellation at their next checkpoint and return within the deadline
// the dispatcher supplies; overruns are reclassified by its watchdog.
type SourceAdapter interface {
	Fetch(ctx context.Context, target model.Target) (*model.RawMetrics, error)
}

// FetchError is a classified adapter failure.
type FetchError struct {
	Kind model.ErrorKind
	// RetryAfter carries the source's own rate-limit delay, if it sent one.
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

// Unwrap returns the underlying cause.
func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError wraps err with a classification.
func NewFetchError(kind model.ErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

// Classify extracts the error kind and rate-limit hint from an adapter
// error. Unclassified errors are treated as fatal adapter faults: a
// well-behaved adapter always returns a FetchError, so anything else means
// it misbehaved.
func Classify(err error) (model.ErrorKind, time.Duration) {
	if err == nil {
		return model.ErrorKindNone, 0
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, fe.RetryAfter
	}
	return model.ErrorKindFatalAdapter, 0
}
