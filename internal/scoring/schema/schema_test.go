package schema

import (
	"strings"
	"testing"
)

func TestValidateRequiredFields(t *testing.T) {
	t.Parallel()

	v := New("flights", "hotels", "summary")
	ok, errs := v.Validate(map[string]any{"flights": []any{}, "hotels": nil}, nil)
	if ok {
		t.Fatalf("expected invalid submission")
	}
	want := []string{"Required field 'hotels' is null", "Missing required field: summary"}
	if strings.Join(errs, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected errors %v", errs)
	}

	ok, errs = v.Validate(`{"flights": [], "hotels": [], "summary": "trip"}`, nil)
	if !ok || len(errs) != 0 {
		t.Fatalf("expected valid submission, got %v", errs)
	}
}

func TestValidateMalformedInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want string
	}{
		{name: "not json", in: "definitely not json", want: "Invalid JSON"},
		{name: "array", in: `[1, 2, 3]`, want: "Submission must be a dictionary/object"},
		{name: "nil", in: nil, want: "Submission is empty"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ok, errs := New().Validate(tc.in, nil)
			if ok || len(errs) != 1 || !strings.Contains(errs[0], tc.want) {
				t.Fatalf("expected single %q error, got %v", tc.want, errs)
			}
		})
	}
}

func TestValidateAgainstSchema(t *testing.T) {
	t.Parallel()

	schemaDoc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{"type": "string"},
			"nights":  map[string]any{"type": "integer"},
			"cost":    map[string]any{"type": "number"},
			"hotels":  map[string]any{"type": "array"},
		},
		"required":             []any{"summary", "hotels"},
		"additionalProperties": false,
	}

	ok, errs := New().Validate(map[string]any{
		"summary": "Weekend in NYC",
		"nights":  2,
		"cost":    812.5,
		"hotels":  []any{map[string]any{"name": "Ace"}},
	}, schemaDoc)
	if !ok {
		t.Fatalf("expected valid submission, got %v", errs)
	}

	ok, errs = New().Validate(map[string]any{
		"summary": 42,
		"nights":  2.5,
		"extra":   true,
	}, schemaDoc)
	if ok {
		t.Fatalf("expected invalid submission")
	}
	joined := strings.Join(errs, "\n")
	for _, want := range []string{
		"Field 'summary' has wrong type. Expected string",
		"Field 'nights' has wrong type. Expected integer",
		"Required field 'hotels' is missing",
		"Extraneous field 'extra' not in schema",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in errors:\n%s", want, joined)
		}
	}
	if strings.Contains(joined, "Schema violation at /summary") {
		t.Fatalf("expected fields flagged by property checks to be reported once:\n%s", joined)
	}
}

func TestValidateReportsNestedSchemaViolations(t *testing.T) {
	t.Parallel()

	schemaDoc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"hotels": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []any{"name"},
				},
			},
		},
	}
	ok, errs := New().Validate(`{"hotels": [{"price": 100}]}`, schemaDoc)
	if ok {
		t.Fatalf("expected nested violation")
	}
	if len(errs) != 1 || !strings.HasPrefix(errs[0], "Schema violation at /hotels/0") {
		t.Fatalf("unexpected errors %v", errs)
	}
}

func TestValidateRejectsBrokenSchema(t *testing.T) {
	t.Parallel()

	ok, errs := New().Validate(`{}`, map[string]any{"type": 12})
	if ok || len(errs) == 0 || !strings.HasPrefix(errs[len(errs)-1], "Schema is invalid") {
		t.Fatalf("expected invalid schema error, got %v", errs)
	}
}

func TestValidateGroundingReferences(t *testing.T) {
	t.Parallel()

	ok, errs := New().ValidateGroundingReferences(map[string]any{
		"flights": []any{
			map[string]any{"airline": "Delta", "tool_reference": "abc"},
			map[string]any{"airline": "United"},
		},
		"hotels":  []any{map[string]any{"name": "Ace", "source": "hotel_search"}},
		"summary": "not a list",
	})
	if ok || len(errs) != 1 || errs[0] != "Item 1 in 'flights' missing grounding reference" {
		t.Fatalf("unexpected grounding reference errors %v", errs)
	}
}
