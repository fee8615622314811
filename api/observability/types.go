package observability

import "fmt"

// DivergenceClass classifies a mismatch between two runs of the same seed.
type DivergenceClass string

const (
	// PlanDivergence means the calls themselves differ (tool or arguments).
	PlanDivergence DivergenceClass = "PLAN_DIVERGENCE"
	// OutcomeDivergence means the same call produced a different return hash.
	OutcomeDivergence DivergenceClass = "OUTCOME_DIVERGENCE"
	// OrderingDivergence means the ledgers hold different numbers of calls.
	OrderingDivergence DivergenceClass = "ORDERING_DIVERGENCE"
	// TimingDivergence means execution time drifted beyond tolerance.
	TimingDivergence DivergenceClass = "TIMING_DIVERGENCE"
	// DeterminismDivergence means one side fell back to a live tool.
	DeterminismDivergence DivergenceClass = "DETERMINISM_DIVERGENCE"
)

// ReplayDivergence captures a classified rerun mismatch entry.
type ReplayDivergence struct {
	Class    DivergenceClass `json:"class"`
	Scope    string          `json:"scope"`
	Message  string          `json:"message"`
	DiffMS   *float64        `json:"diff_ms,omitempty"`
	Expected bool            `json:"expected,omitempty"`
}

// Validate checks the divergence entry is well formed.
func (d ReplayDivergence) Validate() error {
	switch d.Class {
	case PlanDivergence, OutcomeDivergence, OrderingDivergence, TimingDivergence, DeterminismDivergence:
	default:
		return fmt.Errorf("invalid divergence class: %q", d.Class)
	}
	if d.Scope == "" || d.Message == "" {
		return fmt.Errorf("scope and message are required")
	}
	if d.Class == TimingDivergence && d.DiffMS == nil {
		return fmt.Errorf("diff_ms is required for timing divergence")
	}
	return nil
}

// ReplayReport summarizes a ledger comparison.
type ReplayReport struct {
	BaselineRunID string             `json:"baseline_run_id"`
	ReplayRunID   string             `json:"replay_run_id"`
	Divergences   []ReplayDivergence `json:"divergences"`
}

// Unexpected counts the divergences not marked as expected.
func (r ReplayReport) Unexpected() int {
	n := 0
	for _, d := range r.Divergences {
		if !d.Expected {
			n++
		}
	}
	return n
}
