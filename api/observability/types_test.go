package observability

import "testing"

func TestReplayDivergenceValidate(t *testing.T) {
	t.Parallel()

	d := ReplayDivergence{Class: OutcomeDivergence, Scope: "trace:0", Message: "hash mismatch"}
	if err := d.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	d.Class = "OTHER"
	if err := d.Validate(); err == nil {
		t.Fatalf("expected invalid class to fail validation")
	}

	timing := ReplayDivergence{Class: TimingDivergence, Scope: "trace:1", Message: "slow"}
	if err := timing.Validate(); err == nil {
		t.Fatalf("expected timing divergence without diff_ms to fail")
	}
	diff := 12.5
	timing.DiffMS = &diff
	if err := timing.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestReplayReportUnexpected(t *testing.T) {
	t.Parallel()

	diff := 3.0
	report := ReplayReport{Divergences: []ReplayDivergence{
		{Class: OutcomeDivergence, Scope: "trace:0", Message: "a"},
		{Class: TimingDivergence, Scope: "trace:0", Message: "b", DiffMS: &diff, Expected: true},
	}}
	if got := report.Unexpected(); got != 1 {
		t.Fatalf("expected 1 unexpected divergence, got %d", got)
	}
}
