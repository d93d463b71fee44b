package model

import "time"

// RawMetrics is the unvalidated payload a source adapter returns.
type RawMetrics struct {
	TargetID    string    `json:"target_id"`
	SourceID    string    `json:"source_id"`
	Audience    int64     `json:"audience"`
	Engagements int64     `json:"engagements"`
	Activity    int64     `json:"activity"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Result is a validated, immutable metrics snapshot for a target. Later
// results supersede earlier ones; the version is monotonic per target.
type Result struct {
	TargetID    string    `json:"target_id"`
	SourceID    string    `json:"source_id"`
	Version     int64     `json:"version"`
	Audience    int64     `json:"audience"`
	Engagements int64     `json:"engagements"`
	Activity    int64     `json:"activity"`
	Quality     float64   `json:"quality"`
	Flags       []string  `json:"flags,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
	CreatedAt   time.Time `json:"created_at"`
}
