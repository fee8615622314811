package grounding

import (
	"log/slog"
	"math"
	"strings"

	"github.com/tiger/greenbench/api/harness"
	"github.com/tiger/greenbench/internal/observability/logging"
	"github.com/tiger/greenbench/internal/scoring/submission"
)

const (
	exactTolerance      = 0.01
	closeRelative       = 0.05
	contradictRelative  = 0.10
	exactBonusWeight    = 0.2
	contradictionWeight = 0.5
	minReverseMatchLen  = 3
)

type matchKind int

const (
	noMatch matchKind = iota
	closeMatch
	exactMatch
)

// Validator scores claims against a run's traces.
type Validator struct {
	logger *slog.Logger
}

// New returns a validator.
func New(logger *slog.Logger) *Validator {
	return &Validator{logger: logging.OrDiscard(logger)}
}

// Evaluate extracts claims from sub and validates them. A submission that
// cannot be decoded scores zero with the decode error returned.
func (v *Validator) Evaluate(sub any, traces []harness.ToolCallTrace) (harness.GroundingReport, error) {
	data, err := submission.Decode(sub)
	if err != nil {
		return emptyReport(), err
	}
	return v.Validate(ExtractClaims(data), traces), nil
}

// Validate checks every claim. A contradicted claim is also ungrounded, so it
// costs more than a claim that simply has no support.
func (v *Validator) Validate(claims []harness.Claim, traces []harness.ToolCallTrace) harness.GroundingReport {
	report := emptyReport()
	report.TotalClaims = len(claims)

	results := decodeResults(traces)
	for _, claim := range claims {
		kind, contradiction, contradicted := v.check(claim, traces, results)
		if kind != noMatch {
			report.GroundedClaims++
			if kind == exactMatch {
				report.ExactMatches++
			}
			continue
		}
		reason := "No tool reference found"
		if contradicted {
			reason = "Contradicted by tool result"
			report.ContradictedClaims = append(report.ContradictedClaims, harness.ContradictedClaim{
				Field:     claim.Field,
				Value:     claim.Value,
				ToolValue: contradiction,
			})
		}
		report.UngroundedClaims = append(report.UngroundedClaims, harness.UngroundedClaim{
			Field:  claim.Field,
			Value:  claim.Value,
			Reason: reason,
		})
	}

	if report.TotalClaims > 0 {
		total := float64(report.TotalClaims)
		score := float64(report.GroundedClaims)/total +
			exactBonusWeight*float64(report.ExactMatches)/total -
			contradictionWeight*float64(len(report.ContradictedClaims))/total
		report.Score = math.Max(0, math.Min(1, score))
	}
	v.logger.Debug("grounding validated",
		"claims", report.TotalClaims, "grounded", report.GroundedClaims,
		"contradicted", len(report.ContradictedClaims), "score", report.Score)
	return report
}

func emptyReport() harness.GroundingReport {
	return harness.GroundingReport{
		UngroundedClaims:   make([]harness.UngroundedClaim, 0),
		ContradictedClaims: make([]harness.ContradictedClaim, 0),
	}
}

// decodeResults parses JSON-rendered tool results once per validation.
func decodeResults(traces []harness.ToolCallTrace) []any {
	out := make([]any, len(traces))
	for i, t := range traces {
		out[i] = submission.DecodeValue(t.ReturnValue)
	}
	return out
}

func (v *Validator) check(claim harness.Claim, traces []harness.ToolCallTrace, results []any) (matchKind, any, bool) {
	candidates := referencedResults(claim, traces, results)
	if candidates == nil {
		candidates = results
	}
	switch claim.Type {
	case harness.ClaimNumber:
		n, ok := toNumber(claim.Value)
		if !ok {
			return noMatch, nil, false
		}
		return checkNumber(n, claimKey(claim.Field), candidates)
	case harness.ClaimAddress, harness.ClaimDatetime:
		s, ok := claim.Value.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return noMatch, nil, false
		}
		for _, r := range candidates {
			if containsString(r, strings.ToLower(s)) {
				return closeMatch, nil, false
			}
		}
	}
	return noMatch, nil, false
}

// referencedResults narrows the search to the trace a claim cites by
// return_value_hash. Nil means the claim cites nothing that exists.
func referencedResults(claim harness.Claim, traces []harness.ToolCallTrace, results []any) []any {
	var ref string
	for _, key := range []string{"tool_reference", "reference_id"} {
		if s, ok := claim.Context[key].(string); ok && s != "" {
			ref = s
			break
		}
	}
	if ref == "" {
		return nil
	}
	var out []any
	for i, t := range traces {
		if t.ReturnValueHash == ref {
			out = append(out, results[i])
		}
	}
	return out
}

// checkNumber prefers an exact match anywhere over a close one. A
// contradiction needs a value under the same key and no match at all.
func checkNumber(claim float64, key string, results []any) (matchKind, any, bool) {
	best := noMatch
	var contradiction any
	contradicted := false
	for _, r := range results {
		walkNumbers(r, "", func(k string, n float64) {
			switch compareNumbers(claim, n) {
			case exactMatch:
				best = exactMatch
			case closeMatch:
				if best == noMatch {
					best = closeMatch
				}
			default:
				if !contradicted && k == key && math.Abs(claim-n) > math.Max(math.Abs(claim), math.Abs(n))*contradictRelative {
					contradiction, contradicted = n, true
				}
			}
		})
		if best == exactMatch {
			break
		}
	}
	if best != noMatch {
		return best, nil, false
	}
	return noMatch, contradiction, contradicted
}

func compareNumbers(claim, tool float64) matchKind {
	diff := math.Abs(claim - tool)
	if diff < exactTolerance {
		return exactMatch
	}
	if diff/math.Max(math.Max(math.Abs(claim), math.Abs(tool)), 1) < closeRelative {
		return closeMatch
	}
	return noMatch
}

func walkNumbers(v any, key string, visit func(key string, n float64)) {
	switch val := v.(type) {
	case map[string]any:
		for _, k := range harness.SortedKeys(val) {
			walkNumbers(val[k], k, visit)
		}
	case []any:
		for _, item := range val {
			walkNumbers(item, key, visit)
		}
	case []map[string]any:
		for _, item := range val {
			walkNumbers(item, key, visit)
		}
	default:
		if n, ok := toNumber(val); ok {
			visit(key, n)
		}
	}
}

// containsString reports whether any string in v contains claim, or is a
// substring of it. Very short tool strings are ignored in the reverse
// direction so values like "a" do not ground everything.
func containsString(v any, claim string) bool {
	switch val := v.(type) {
	case map[string]any:
		for _, item := range val {
			if containsString(item, claim) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if containsString(item, claim) {
				return true
			}
		}
	case []map[string]any:
		for _, item := range val {
			if containsString(item, claim) {
				return true
			}
		}
	case string:
		tool := strings.ToLower(val)
		if strings.Contains(tool, claim) {
			return true
		}
		return len(strings.TrimSpace(tool)) >= minReverseMatchLen && strings.Contains(claim, tool)
	}
	return false
}
