package model

import "time"

// RateProfile describes how quickly a source tolerates being called.
type RateProfile struct {
	// WindowRequests is the maximum number of grants per Window.
	WindowRequests int           `json:"window_requests"`
	Window         time.Duration `json:"window"`
	// MinSpacing is the minimum delay between two consecutive grants,
	// enforced even when the window still has room.
	MinSpacing time.Duration `json:"min_spacing"`
}

// Source represents an external platform being harvested.
type Source struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Rate        RateProfile `json:"rate"`
	Concurrency int         `json:"concurrency"`
}

// SourceStats aggregates per-source dispatch outcomes for operators.
type SourceStats struct {
	SourceID       string    `json:"source_id"`
	InFlight       int       `json:"in_flight"`
	Succeeded      int64     `json:"succeeded"`
	Failed         int64     `json:"failed"`
	ShortCircuited int64     `json:"short_circuited"`
	LastSuccess    time.Time `json:"last_success,omitempty"`
	LastFailure    time.Time `json:"last_failure,omitempty"`
}
