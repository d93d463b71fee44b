package model

// TargetPriority represents the scheduling tier of a target.
type TargetPriority int

const (
	TargetPriorityStandard TargetPriority = 1
	TargetPriorityCore     TargetPriority = 2
)

// String returns a human-readable priority name.
func (p TargetPriority) String() string {
	switch p {
	case TargetPriorityCore:
		return "core"
	case TargetPriorityStandard:
		return "standard"
	default:
		return "unknown"
	}
}

// Target is a single account tracked within a source. Targets are owned by
// an external roster process and are read-only here.
type Target struct {
	ID       string         `json:"id"`
	SourceID string         `json:"source_id"`
	Handle   string         `json:"handle"`
	Priority TargetPriority `json:"priority"`
}
