// Package schema checks a submission's structure: required fields, declared
// property types and, when a JSON Schema document is supplied, full JSON
// Schema validation.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tiger/greenbench/internal/scoring/submission"
)

const schemaURL = "https://greenbench.local/submission.schema.json"

// GroundingFields are the submission lists whose items should cite a tool result.
var GroundingFields = []string{"flights", "hotels", "restaurants", "activities", "itinerary"}

// ReferenceKeys mark an item as citing a tool result.
var ReferenceKeys = []string{"tool_reference", "citation", "source", "reference_id"}

// Validator checks submissions. The zero value checks nothing but shape.
type Validator struct {
	requiredFields []string
}

// New returns a validator that requires fields to be present and non-null.
func New(requiredFields ...string) *Validator {
	return &Validator{requiredFields: append([]string(nil), requiredFields...)}
}

// Validate never panics on malformed input; every problem is an error string.
func (v *Validator) Validate(sub any, schemaDoc map[string]any) (bool, []string) {
	data, errMsg := decode(sub)
	if errMsg != "" {
		return false, []string{errMsg}
	}

	errs := make([]string, 0)
	for _, field := range v.requiredFields {
		value, ok := data[field]
		switch {
		case !ok:
			errs = append(errs, "Missing required field: "+field)
		case value == nil:
			errs = append(errs, fmt.Sprintf("Required field '%s' is null", field))
		}
	}

	if len(schemaDoc) > 0 {
		flagged := map[string]bool{}
		errs = append(errs, checkProperties(data, schemaDoc, flagged)...)
		errs = appendUnique(errs, compiledErrors(data, schemaDoc, flagged)...)
	}
	return len(errs) == 0, errs
}

// ValidateGroundingReferences reports list items under GroundingFields that
// carry none of ReferenceKeys.
func (v *Validator) ValidateGroundingReferences(sub any) (bool, []string) {
	data, errMsg := decode(sub)
	if errMsg != "" {
		return false, []string{errMsg}
	}
	errs := make([]string, 0)
	for _, field := range GroundingFields {
		items, ok := data[field].([]any)
		if !ok {
			continue
		}
		for i, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if !hasReference(obj) {
				errs = append(errs, fmt.Sprintf("Item %d in '%s' missing grounding reference", i, field))
			}
		}
	}
	return len(errs) == 0, errs
}

func hasReference(obj map[string]any) bool {
	for _, k := range ReferenceKeys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

func decode(v any) (map[string]any, string) {
	data, err := submission.Decode(v)
	if err != nil {
		return nil, err.Error()
	}
	return data, ""
}

func checkProperties(data, schemaDoc map[string]any, flagged map[string]bool) []string {
	var errs []string
	properties, _ := schemaDoc["properties"].(map[string]any)
	required := map[string]bool{}
	if list, ok := schemaDoc["required"].([]any); ok {
		for _, r := range list {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, present := data[name]
		if present {
			if prop, ok := properties[name].(map[string]any); ok {
				if typ, ok := prop["type"].(string); ok && !matchesType(value, typ) {
					errs = append(errs, fmt.Sprintf("Field '%s' has wrong type. Expected %s", name, typ))
					flagged[name] = true
				}
			}
		}
		if required[name] && !present {
			errs = append(errs, fmt.Sprintf("Required field '%s' is missing", name))
			flagged[name] = true
		}
	}

	if ap, ok := schemaDoc["additionalProperties"].(bool); ok && !ap {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, declared := properties[k]; !declared {
				errs = append(errs, fmt.Sprintf("Extraneous field '%s' not in schema", k))
				flagged[k] = true
			}
		}
	}
	return errs
}

func matchesType(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

// compiledErrors runs the full JSON Schema validator. Causes on fields the
// property checks already flagged are skipped.
func compiledErrors(data, schemaDoc map[string]any, flagged map[string]bool) []string {
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return []string{"Schema is not serializable: " + err.Error()}
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		return []string{"Schema is invalid: " + err.Error()}
	}
	compiled, err := compiler.Compile(schemaURL)
	if err != nil {
		return []string{"Schema is invalid: " + err.Error()}
	}

	err = compiled.Validate(data)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{"Schema validation failed: " + err.Error()}
	}
	var out []string
	for _, cause := range leaves(ve) {
		if field := topField(cause.InstanceLocation); field != "" && flagged[field] {
			continue
		}
		if cause.InstanceLocation == "" && len(flagged) > 0 {
			continue
		}
		location := cause.InstanceLocation
		if location == "" {
			location = "/"
		}
		out = append(out, fmt.Sprintf("Schema violation at %s: %s", location, cause.Message))
	}
	return out
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

func topField(location string) string {
	trimmed := strings.TrimPrefix(location, "/")
	if trimmed == "" {
		return ""
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return strings.NewReplacer("~1", "/", "~0", "~").Replace(trimmed)
}

func appendUnique(dst []string, items ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, d := range dst {
		seen[d] = true
	}
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			dst = append(dst, item)
		}
	}
	return dst
}
