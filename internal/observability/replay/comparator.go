package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tiger/greenbench/api/harness"
	"github.com/tiger/greenbench/api/observability"
	"github.com/tiger/greenbench/internal/observability/ledger"
)

// CompareConfig allows deterministic tolerance configuration.
type CompareConfig struct {
	// CompareTiming enables execution-time comparison. Timing divergences are
	// always marked expected: fixture replay fixes outcomes, not wall time.
	CompareTiming     bool
	TimingToleranceMS float64
}

// CompareLedgers compares two runs call by call. Calls are matched by index;
// a length mismatch is reported once and the shared prefix is still compared.
func CompareLedgers(baseline, replayed []harness.ToolCallTrace, cfg CompareConfig) []observability.ReplayDivergence {
	divergences := make([]observability.ReplayDivergence, 0)

	if len(baseline) != len(replayed) {
		divergences = append(divergences, observability.ReplayDivergence{
			Class:   observability.OrderingDivergence,
			Scope:   "ledger",
			Message: fmt.Sprintf("trace length mismatch: baseline=%d replay=%d", len(baseline), len(replayed)),
		})
	}

	limit := len(baseline)
	if len(replayed) < limit {
		limit = len(replayed)
	}

	for i := 0; i < limit; i++ {
		b, r := baseline[i], replayed[i]
		scope := fmt.Sprintf("call:%d:%s", i, b.ToolName)

		if b.ToolName != r.ToolName {
			class := observability.PlanDivergence
			if appearsElsewhere(replayed, b.ToolName, i) {
				class = observability.OrderingDivergence
			}
			divergences = append(divergences, observability.ReplayDivergence{
				Class:   class,
				Scope:   scope,
				Message: fmt.Sprintf("tool mismatch at index=%d baseline=%s replay=%s", i, b.ToolName, r.ToolName),
			})
			continue
		}

		if !sameArguments(b.Arguments, r.Arguments) {
			divergences = append(divergences, observability.ReplayDivergence{
				Class:   observability.PlanDivergence,
				Scope:   scope,
				Message: fmt.Sprintf("arguments mismatch at index=%d", i),
			})
		}

		if b.ReturnValueHash != r.ReturnValueHash || b.Error != r.Error {
			divergences = append(divergences, observability.ReplayDivergence{
				Class:   observability.OutcomeDivergence,
				Scope:   scope,
				Message: fmt.Sprintf("outcome mismatch at index=%d baseline_hash=%s replay_hash=%s", i, b.ReturnValueHash, r.ReturnValueHash),
			})
		}

		if nonDeterministic(b) || nonDeterministic(r) {
			divergences = append(divergences, observability.ReplayDivergence{
				Class:   observability.DeterminismDivergence,
				Scope:   scope,
				Message: fmt.Sprintf("live tool fallback at index=%d baseline=%t replay=%t", i, nonDeterministic(b), nonDeterministic(r)),
			})
		}

		if cfg.CompareTiming && b.ExecutionTimeMS != nil && r.ExecutionTimeMS != nil {
			tolerance := cfg.TimingToleranceMS
			if tolerance < 0 {
				tolerance = 0
			}
			diff := absDiff(*b.ExecutionTimeMS, *r.ExecutionTimeMS)
			if diff > tolerance {
				divergences = append(divergences, observability.ReplayDivergence{
					Class:    observability.TimingDivergence,
					Scope:    scope,
					Message:  fmt.Sprintf("timing mismatch at index=%d baseline=%.3f replay=%.3f tolerance=%.3f", i, *b.ExecutionTimeMS, *r.ExecutionTimeMS, tolerance),
					DiffMS:   &diff,
					Expected: true,
				})
			}
		}
	}

	return divergences
}

// Compare builds a report for two exported ledgers.
func Compare(baseline, replayed harness.TraceLedger, cfg CompareConfig) observability.ReplayReport {
	return observability.ReplayReport{
		BaselineRunID: baseline.RunID,
		ReplayRunID:   replayed.RunID,
		Divergences:   CompareLedgers(baseline.Traces, replayed.Traces, cfg),
	}
}

// LoadLedger reads a ledger previously written by ledger.Manager.ExportJSON.
func LoadLedger(path string) (harness.TraceLedger, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return harness.TraceLedger{}, fmt.Errorf("read ledger: %w", err)
	}
	var l harness.TraceLedger
	if err := json.Unmarshal(raw, &l); err != nil {
		return harness.TraceLedger{}, fmt.Errorf("decode ledger %s: %w", path, err)
	}
	return l, nil
}

func sameArguments(a, b map[string]any) bool {
	ra, errA := ledger.CanonicalJSON(a)
	rb, errB := ledger.CanonicalJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

func nonDeterministic(t harness.ToolCallTrace) bool {
	return t.Deterministic != nil && !*t.Deterministic
}

func appearsElsewhere(traces []harness.ToolCallTrace, tool string, skip int) bool {
	for i, t := range traces {
		if i != skip && t.ToolName == tool {
			return true
		}
	}
	return false
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
