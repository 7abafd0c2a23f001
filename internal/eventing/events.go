package eventing

import "time"

// RuleEvaluated reports the outcome of one rule in one program pass.
type RuleEvaluated struct {
	RuleID     string    `json:"rule_id"`
	RuleName   string    `json:"rule_name"`
	WorldID    string    `json:"world_id"`
	Current    bool      `json:"current"`
	Priority   float64   `json:"priority"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PassCompleted reports a finished program pass.
type PassCompleted struct {
	WorldID    string        `json:"world_id"`
	Current    bool          `json:"current"`
	Rules      int           `json:"rules"`
	Applied    int           `json:"applied"`
	Duration   time.Duration `json:"duration"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// PreviewCompleted reports a what-if run against a hypothetical world.
type PreviewCompleted struct {
	WorldID    string    `json:"world_id"`
	At         time.Time `json:"at"`
	Passes     int       `json:"passes"`
	Diffs      int       `json:"diffs"`
	OccurredAt time.Time `json:"occurred_at"`
}
