// Package plan validates agent-proposed tool-call plans before execution.
package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tiger/greenbench/api/harness"
	"github.com/tiger/greenbench/internal/tools/registry"
	"github.com/tiger/greenbench/internal/validation/normalizer"
)

// Validator checks plans against a tool registry and normalizes accepted plans.
type Validator struct {
	registry   *registry.Registry
	normalizer *normalizer.Normalizer
	normalize  bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *normalizer.Normalizer) Option {
	return func(v *Validator) {
		if n != nil {
			v.normalizer = n
		}
	}
}

// WithoutNormalization returns accepted arguments untouched.
func WithoutNormalization() Option {
	return func(v *Validator) { v.normalize = false }
}

// New returns a validator backed by reg.
func New(reg *registry.Registry, opts ...Option) *Validator {
	v := &Validator{registry: reg, normalizer: normalizer.New(), normalize: true}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func invalid(format string, args ...any) harness.PlanValidation {
	return harness.PlanValidation{Valid: false, Issues: []string{fmt.Sprintf(format, args...)}}
}

// Validate accepts raw JSON text or bytes, a decoded []any, a []harness.ToolCall,
// a harness.Plan or a decoded plan document with a tool_calls list.
func (v *Validator) Validate(input any) harness.PlanValidation {
	calls, verdict, ok := v.decode(input)
	if !ok {
		return verdict
	}
	return v.validateCalls(calls)
}

// ValidateDocument validates a plan document and returns its parsed header.
func (v *Validator) ValidateDocument(raw []byte) (harness.Plan, harness.PlanValidation) {
	var doc struct {
		ToolPlanID string `json:"tool_plan_id"`
		Rationale  string `json:"rationale"`
	}
	_ = json.Unmarshal(raw, &doc)
	verdict := v.Validate(raw)
	out := harness.Plan{ToolPlanID: doc.ToolPlanID, Rationale: doc.Rationale}
	if verdict.Valid {
		out.ToolCalls = verdict.Normalized
	}
	return out, verdict
}

func (v *Validator) decode(input any) ([]any, harness.PlanValidation, bool) {
	switch in := input.(type) {
	case string:
		return v.decodeJSON([]byte(in))
	case []byte:
		return v.decodeJSON(in)
	case json.RawMessage:
		return v.decodeJSON(in)
	case []any:
		return in, harness.PlanValidation{}, true
	case map[string]any:
		calls, ok := in["tool_calls"]
		if !ok {
			return nil, invalid("Plan must be a list of tool calls"), false
		}
		return v.decode(calls)
	case harness.Plan:
		return v.decode(in.ToolCalls)
	case []harness.ToolCall:
		out := make([]any, len(in))
		for i, call := range in {
			out[i] = map[string]any{"tool": call.Tool, "args": call.Args, "id": call.ID}
		}
		return out, harness.PlanValidation{}, true
	default:
		return nil, invalid("Plan must be a list of tool calls"), false
	}
}

func (v *Validator) decodeJSON(raw []byte) ([]any, harness.PlanValidation, bool) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, invalid("Plan must be valid JSON, not natural language"), false
	}
	if _, isString := decoded.(string); isString {
		return nil, invalid("Plan must be a list of tool calls"), false
	}
	return v.decode(decoded)
}

func (v *Validator) validateCalls(calls []any) harness.PlanValidation {
	if len(calls) == 0 {
		return invalid("Plan cannot be empty")
	}
	normalized := make([]harness.ToolCall, 0, len(calls))
	for i, raw := range calls {
		call, ok := raw.(map[string]any)
		if !ok {
			return invalid("Tool call %d must be a dictionary", i)
		}
		tool := firstString(call, "tool", "tool_name")
		if tool == "" {
			return invalid("Tool call %d missing 'tool' or 'tool_name' field", i)
		}
		if !v.registry.IsAllowed(tool) {
			return invalid("Tool '%s' is not allowed. Allowed tools: %s", tool, strings.Join(v.registry.AllowedTools(), ", "))
		}
		argsRaw := firstPresent(call, "args", "arguments")
		if argsRaw == nil {
			argsRaw = map[string]any{}
		}
		args, ok := argsRaw.(map[string]any)
		if !ok {
			return invalid("Tool call %d 'args' must be a dictionary", i)
		}
		// Validated after normalization so an accepted call is exactly the one executed.
		if v.normalize {
			args = v.normalizer.NormalizeArgs(args)
		}
		if err := v.registry.ValidateToolCall(tool, args); err != nil {
			return invalid("Tool call %d (%s): %s", i, tool, err.Error())
		}
		id, _ := call["id"].(string)
		normalized = append(normalized, harness.ToolCall{ID: id, Tool: tool, Args: args})
	}
	return harness.PlanValidation{Valid: true, Normalized: normalized}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
