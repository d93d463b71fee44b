package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/metric-harvester/internal/model"
)

// metricsDocument is the JSON shape the generic endpoint returns.
type metricsDocument struct {
	Audience    int64 `json:"audience"`
	Engagements int64 `json:"engagements"`
	Activity    int64 `json:"activity"`
}

// HTTPAdapter fetches metrics from a JSON endpoint of the form
// <base>/<handle>. It classifies HTTP outcomes into the fetch error
// taxonomy so the dispatcher can route them.
type HTTPAdapter struct {
	logger  *zap.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPAdapter creates an adapter for a JSON metrics endpoint.
func NewHTTPAdapter(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPAdapter {
	return &HTTPAdapter{
		logger:  logger.Named("http-adapter"),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Fetch implements SourceAdapter.
func (a *HTTPAdapter) Fetch(ctx context.Context, target model.Target) (*model.RawMetrics, error) {
	url := fmt.Sprintf("%s/%s", a.baseURL, target.Handle)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, NewFetchError(model.ErrorKindFatalAdapter, err)
	}
	req.Header.Set("Accept", "application/json")

	a.logger.Debug("Fetching target",
		zap.String("target_id", target.ID),
		zap.String("url", url))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, NewFetchError(model.ErrorKindTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		fe := NewFetchError(model.ErrorKindRateLimited,
			fmt.Errorf("status %d", resp.StatusCode))
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			fe.RetryAfter = time.Duration(secs) * time.Second
		}
		return nil, fe
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewFetchError(model.ErrorKindAuthRequired,
			fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, NewFetchError(model.ErrorKindTargetUnavailable,
			fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, NewFetchError(model.ErrorKindTransient,
			fmt.Errorf("status %d", resp.StatusCode))
	default:
		return nil, NewFetchError(model.ErrorKindFatalAdapter,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var doc metricsDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, NewFetchError(model.ErrorKindValidation,
			fmt.Errorf("malformed response: %w", err))
	}

	return &model.RawMetrics{
		TargetID:    target.ID,
		SourceID:    target.SourceID,
		Audience:    doc.Audience,
		Engagements: doc.Engagements,
		Activity:    doc.Activity,
		FetchedAt:   time.Now(),
	}, nil
}
