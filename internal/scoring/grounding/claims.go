// Package grounding checks that the facts an agent states are backed by data
// its tool calls actually returned.
package grounding

import (
	"fmt"
	"strings"

	"github.com/tiger/greenbench/api/harness"
)

// ClaimFields are the submission fields scanned for claims.
var ClaimFields = []string{"flights", "hotels", "restaurants", "itinerary", "cost", "summary"}

var numericKeys = map[string]bool{
	"price": true, "cost": true, "total_cost": true, "rate_per_night": true, "total_rate": true,
	"duration": true, "time": true, "distance": true, "rating": true, "review_count": true,
}

var (
	addressHints  = []string{"address", "location", "city"}
	datetimeHints = []string{"time", "date", "departure", "arrival"}
)

// ExtractClaims walks ClaimFields in order. Map keys are visited in sorted
// order so the claim list is stable.
func ExtractClaims(submission map[string]any) []harness.Claim {
	claims := make([]harness.Claim, 0)
	for _, field := range ClaimFields {
		value, ok := submission[field]
		if !ok {
			continue
		}
		switch val := value.(type) {
		case map[string]any:
			claims = extractFromMap(val, field, claims)
		case []any:
			for i, item := range val {
				if obj, ok := item.(map[string]any); ok {
					claims = extractFromMap(obj, fmt.Sprintf("%s[%d]", field, i), claims)
				}
			}
		default:
			if n, ok := toNumber(val); ok {
				claims = append(claims, harness.Claim{Field: field, Value: n, Type: harness.ClaimNumber, Context: submission})
			}
		}
	}
	return claims
}

func extractFromMap(data map[string]any, prefix string, claims []harness.Claim) []harness.Claim {
	for _, key := range harness.SortedKeys(data) {
		value := data[key]
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if n, ok := toNumber(value); ok && numericKeys[key] {
			claims = append(claims, harness.Claim{Field: full, Value: n, Type: harness.ClaimNumber, Context: data})
			continue
		}
		switch val := value.(type) {
		case string:
			lower := strings.ToLower(key)
			switch {
			case containsAny(lower, addressHints):
				claims = append(claims, harness.Claim{Field: full, Value: val, Type: harness.ClaimAddress, Context: data})
			case containsAny(lower, datetimeHints):
				claims = append(claims, harness.Claim{Field: full, Value: val, Type: harness.ClaimDatetime, Context: data})
			}
		case map[string]any:
			claims = extractFromMap(val, full, claims)
		}
	}
	return claims
}

func containsAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

// claimKey is the last path segment of a claim field: "flights[0].price" -> "price".
func claimKey(field string) string {
	if i := strings.LastIndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	if i := strings.IndexByte(field, '['); i >= 0 {
		field = field[:i]
	}
	return field
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
