package harness

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ArgType mirrors the JSON-schema primitive names accepted for tool arguments.
type ArgType string

const (
	ArgString  ArgType = "string"
	ArgNumber  ArgType = "number"
	ArgInteger ArgType = "integer"
	ArgBoolean ArgType = "boolean"
	ArgArray   ArgType = "array"
	ArgObject  ArgType = "object"
)

// IsKnown reports whether t is one of the declared argument types.
func (t ArgType) IsKnown() bool {
	switch t {
	case ArgString, ArgNumber, ArgInteger, ArgBoolean, ArgArray, ArgObject:
		return true
	default:
		return false
	}
}

// ToolSpec is a static allow-list entry for a callable tool.
type ToolSpec struct {
	Name         string             `json:"name" yaml:"name"`
	Description  string             `json:"description,omitempty" yaml:"description,omitempty"`
	RequiredArgs []string           `json:"required_args" yaml:"required_args"`
	OptionalArgs []string           `json:"optional_args,omitempty" yaml:"optional_args,omitempty"`
	ArgTypes     map[string]ArgType `json:"arg_types,omitempty" yaml:"arg_types,omitempty"`
}

// Validate checks the spec is self-consistent.
func (s ToolSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("tool spec name is required")
	}
	seen := make(map[string]struct{}, len(s.RequiredArgs)+len(s.OptionalArgs))
	for _, arg := range append(append([]string(nil), s.RequiredArgs...), s.OptionalArgs...) {
		if strings.TrimSpace(arg) == "" {
			return fmt.Errorf("tool %s declares an empty argument name", s.Name)
		}
		if _, dup := seen[arg]; dup {
			return fmt.Errorf("tool %s declares argument %q twice", s.Name, arg)
		}
		seen[arg] = struct{}{}
	}
	for arg, typ := range s.ArgTypes {
		if !typ.IsKnown() {
			return fmt.Errorf("tool %s argument %q has unknown type %q", s.Name, arg, typ)
		}
	}
	return nil
}

// Clone returns a deep copy so registry entries stay immutable.
func (s ToolSpec) Clone() ToolSpec {
	out := s
	out.RequiredArgs = append([]string(nil), s.RequiredArgs...)
	out.OptionalArgs = append([]string(nil), s.OptionalArgs...)
	if s.ArgTypes != nil {
		out.ArgTypes = make(map[string]ArgType, len(s.ArgTypes))
		for k, v := range s.ArgTypes {
			out.ArgTypes[k] = v
		}
	}
	return out
}

// ToolCall is one entry of a plan.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Plan is an ordered list of tool calls plus the agent's rationale.
type Plan struct {
	ToolPlanID string     `json:"tool_plan_id,omitempty"`
	Rationale  string     `json:"rationale,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls"`
}

// PlanValidation is the binary verdict on a plan. Normalized is only set when Valid.
type PlanValidation struct {
	Valid      bool       `json:"valid"`
	Issues     []string   `json:"issues,omitempty"`
	Normalized []ToolCall `json:"normalized,omitempty"`
}

// Reason joins the issues into a single human-readable string.
func (v PlanValidation) Reason() string {
	return strings.Join(v.Issues, "; ")
}

// FixtureFormat names the shape of a fixture payload.
type FixtureFormat string

const (
	FormatJSON      FixtureFormat = "json"
	FormatDataFrame FixtureFormat = "dataframe"
	FormatText      FixtureFormat = "text"
)

// ParseFixtureFormat maps a stored format string, defaulting to json.
func ParseFixtureFormat(raw string) (FixtureFormat, error) {
	switch FixtureFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatDataFrame:
		return FormatDataFrame, nil
	case FormatText:
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown fixture format %q", raw)
	}
}

// FixtureMetadata describes where a fixture came from.
type FixtureMetadata struct {
	Seed                int64  `json:"seed"`
	ScenarioID          string `json:"scenario_id,omitempty"`
	SourceFile          string `json:"source_file"`
	PerturbationApplied string `json:"perturbation_applied,omitempty"`
	ToolName            string `json:"tool_name"`
	CreatedAt           string `json:"created_at"`
}

// FixtureResponse is a resolved fixture. Data is []map[string]any for
// dataframe, map[string]any for json and string for text.
type FixtureResponse struct {
	Data     any             `json:"data"`
	Metadata FixtureMetadata `json:"metadata"`
	Format   FixtureFormat   `json:"format"`
}

// DerivedOperation is one operation recovered from analysis code.
type DerivedOperation struct {
	DataFrame  string `json:"dataframe"`
	Operation  string `json:"operation"`
	Expression string `json:"full_expression"`
	Position   int    `json:"position"`
}

// ToolCallTrace records one tool invocation. Never mutated after creation.
type ToolCallTrace struct {
	Timestamp         string             `json:"timestamp"`
	RunID             string             `json:"run_id"`
	ToolName          string             `json:"tool_name"`
	Arguments         map[string]any     `json:"arguments"`
	ReturnValue       any                `json:"return_value"`
	ReturnValueHash   string             `json:"return_value_hash,omitempty"`
	ExecutionTimeMS   *float64           `json:"execution_time_ms,omitempty"`
	Error             string             `json:"error,omitempty"`
	DerivedOperations []DerivedOperation `json:"derived_operations,omitempty"`
	Deterministic     *bool              `json:"deterministic,omitempty"`
}

// TraceLedger is the full per-run ledger.
type TraceLedger struct {
	RunID     string          `json:"run_id"`
	CreatedAt string          `json:"created_at"`
	Traces    []ToolCallTrace `json:"traces"`
}

// ClaimType classifies an extracted claim.
type ClaimType string

const (
	ClaimNumber   ClaimType = "number"
	ClaimAddress  ClaimType = "address"
	ClaimDatetime ClaimType = "datetime"
)

// Claim is a factual assertion lifted from a submission.
type Claim struct {
	Field   string         `json:"field"`
	Value   any            `json:"value"`
	Type    ClaimType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

// UngroundedClaim is a claim with no support in the ledger.
type UngroundedClaim struct {
	Field  string `json:"field"`
	Value  any    `json:"value"`
	Reason string `json:"reason"`
}

// ContradictedClaim is a claim a tool result disagrees with.
type ContradictedClaim struct {
	Field     string `json:"field"`
	Value     any    `json:"value"`
	ToolValue any    `json:"tool_value"`
}

// GroundingReport is the result of grounding validation.
type GroundingReport struct {
	TotalClaims        int                 `json:"total_claims"`
	GroundedClaims     int                 `json:"grounded_claims"`
	UngroundedClaims   []UngroundedClaim   `json:"ungrounded_claims"`
	ContradictedClaims []ContradictedClaim `json:"contradicted_claims"`
	ExactMatches       int                 `json:"exact_matches"`
	Score              float64             `json:"score"`
}

// SchemaReport is the result of schema validation.
type SchemaReport struct {
	Valid  bool     `json:"is_valid"`
	Errors []string `json:"errors"`
	// MissingReferences lists items that cite no tool result. It is
	// informational and does not affect Valid.
	MissingReferences []string `json:"missing_references,omitempty"`
}

// NDCGResult carries ranking quality for the lodging list.
type NDCGResult struct {
	NDCGAt3   float64            `json:"ndcg_at_3"`
	NDCGAt5   float64            `json:"ndcg_at_5"`
	Average   float64            `json:"average"`
	Ranking   []string           `json:"ranking"`
	Relevance map[string]float64 `json:"relevance"`
	// Graded holds "ndcg@k" for the agent's own item scores, when every
	// ranked item carries one.
	Graded map[string]float64 `json:"graded,omitempty"`
}

// ScoringResult combines all scorer outputs.
type ScoringResult struct {
	SchemaValidation SchemaReport       `json:"schema_validation"`
	Grounding        GroundingReport    `json:"grounding"`
	NDCG             *NDCGResult        `json:"ndcg,omitempty"`
	OverallScore     float64            `json:"overall_score"`
	Weights          map[string]float64 `json:"weights"`
	Errors           []string           `json:"errors,omitempty"`
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Timestamp renders t the way every harness artifact stores timestamps.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ErrInvalidRunID is returned for run ids that are not a single path segment.
var ErrInvalidRunID = errors.New("invalid run id")

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateRunID checks that id can name a per-run directory. Run ids become
// path segments under the artifact and ledger directories.
func ValidateRunID(id string) error {
	if !runIDPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, id)
	}
	return nil
}
