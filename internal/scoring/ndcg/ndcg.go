// Package ndcg scores how well a submission ranks lodging against a
// traveler brief.
package ndcg

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// NDCGAtK computes NDCG@k with linear gain rel/log2(i+1). The ideal ordering
// sorts by relevance descending with ties broken by id. It is 0 when the ideal
// DCG is 0.
func NDCGAtK(ranking []string, relevance map[string]float64, k int) float64 {
	return normalized(ranking, relevance, k, linearGain)
}

// GradedNDCGAtK is NDCGAtK with exponential gain 2^rel-1, for graded
// relevance on a 0..3 or 0..5 scale.
func GradedNDCGAtK(ranking []string, relevance map[string]float64, k int) float64 {
	if len(ranking) == 0 {
		return 0
	}
	return normalized(ranking, relevance, k, gradedGain)
}

type gainFunc func(rel float64) float64

func linearGain(rel float64) float64 { return rel }

func gradedGain(rel float64) float64 { return math.Pow(2, rel) - 1 }

func normalized(ranking []string, relevance map[string]float64, k int, gain gainFunc) float64 {
	if k <= 0 {
		return 0
	}
	idcg := dcg(idealOrder(relevance), relevance, k, gain)
	if idcg == 0 {
		return 0
	}
	return dcg(ranking, relevance, k, gain) / idcg
}

func dcg(ranking []string, relevance map[string]float64, k int, gain gainFunc) float64 {
	if len(ranking) > k {
		ranking = ranking[:k]
	}
	var sum float64
	for i, id := range ranking {
		sum += gain(relevance[id]) / math.Log2(float64(i)+2)
	}
	return sum
}

func idealOrder(relevance map[string]float64) []string {
	ids := make([]string, 0, len(relevance))
	for id := range relevance {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if relevance[ids[i]] != relevance[ids[j]] {
			return relevance[ids[i]] > relevance[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

// ScoredItem is one entry of an agent's scored ranking.
type ScoredItem struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// DefaultCutoffs are the k values reported by EvaluateRankedSubmission.
var DefaultCutoffs = []int{1, 3, 5, 10}

// EvaluateRankedSubmission orders items by score descending then id ascending
// and reports graded NDCG under "ndcg@k" for each cutoff. No cutoffs means
// DefaultCutoffs.
func EvaluateRankedSubmission(items []ScoredItem, truth map[string]float64, cutoffs ...int) map[string]float64 {
	if len(cutoffs) == 0 {
		cutoffs = DefaultCutoffs
	}
	ordered := append([]ScoredItem(nil), items...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Score != ordered[j].Score {
			return ordered[i].Score > ordered[j].Score
		}
		return ordered[i].ID < ordered[j].ID
	})
	ids := make([]string, len(ordered))
	for i, it := range ordered {
		ids[i] = it.ID
	}
	out := make(map[string]float64, len(cutoffs))
	for _, k := range cutoffs {
		out[fmt.Sprintf("ndcg@%d", k)] = GradedNDCGAtK(ids, truth, k)
	}
	return out
}

// ScoredItems reads the numeric "score" of each lodging item, keyed the way
// RelevanceScores keys them. It returns nil unless every item carries one.
func ScoredItems(items []any) []ScoredItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]ScoredItem, 0, len(items))
	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			return nil
		}
		score, ok := item["score"].(float64)
		if !ok {
			return nil
		}
		out = append(out, ScoredItem{ID: itemID(item, i), Score: score})
	}
	return out
}

const (
	amenityWeight    = 0.3
	budgetWeight     = 0.3
	budgetNearWeight = 0.15
	budgetTolerance  = 1.1
	locationWeight   = 0.2
	locationPartial  = 0.1
	policyWeight     = 0.2
	policyPartial    = 0.1
)

// RelevanceScores derives a relevance in [0,1] for each lodging item from the
// brief. Items are keyed by id, then name, then position.
func RelevanceScores(items []any, brief map[string]any) map[string]float64 {
	scores := make(map[string]float64, len(items))
	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		scores[itemID(item, i)] = itemRelevance(item, brief)
	}
	return scores
}

func itemID(item map[string]any, index int) string {
	for _, key := range []string{"id", "name"} {
		if id := stringValue(item[key]); id != "" {
			return id
		}
	}
	return fmt.Sprintf("item-%d", index)
}

func itemRelevance(item, brief map[string]any) float64 {
	var score, possible float64

	if raw, ok := brief["amenities"]; ok {
		required := stringList(raw)
		have := make(map[string]bool)
		for _, a := range stringList(item["amenities"]) {
			have[a] = true
		}
		if len(required) > 0 {
			matched := 0
			for _, a := range required {
				if have[a] {
					matched++
				}
			}
			score += float64(matched) / float64(len(required)) * amenityWeight
		}
		possible += amenityWeight
	}

	if budgetRaw, ok := brief["budget"]; ok {
		if _, hasPrice := item["price"]; hasPrice {
			budget, okBudget := money(budgetRaw)
			price, okPrice := firstMoney(item, "price", "rate_per_night", "total_rate")
			if okBudget && okPrice {
				switch {
				case price <= budget:
					score += budgetWeight
				case price <= budget*budgetTolerance:
					score += budgetNearWeight
				}
			}
			possible += budgetWeight
		}
	}

	if _, ok := brief["activity_location"]; ok {
		if _, ok := item["location"]; ok {
			score += locationPartial
			possible += locationWeight
		}
	}

	if _, ok := brief["policies"]; ok {
		score += policyPartial
		possible += policyWeight
	}

	if possible == 0 {
		return 0
	}
	return math.Min(1, score/possible)
}

// ExtractRanking lists lodging ids in submission order from hotels, then
// itinerary.lodging, without duplicates.
func ExtractRanking(sub map[string]any) []string {
	ranking := make([]string, 0)
	seen := make(map[string]bool)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ranking = append(ranking, id)
	}
	if hotels, ok := sub["hotels"].([]any); ok {
		for _, h := range hotels {
			if hotel, ok := h.(map[string]any); ok {
				add(firstString(hotel, "id", "name", "hotel_id"))
			}
		}
	}
	if itinerary, ok := sub["itinerary"].(map[string]any); ok {
		if lodging, ok := itinerary["lodging"].([]any); ok {
			for _, l := range lodging {
				if item, ok := l.(map[string]any); ok {
					add(firstString(item, "id", "name"))
				}
			}
		}
	}
	return ranking
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringValue(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return ""
	}
}

func stringList(v any) []string {
	switch val := v.(type) {
	case string:
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func firstMoney(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := money(m[k]); ok && v != 0 {
			return v, true
		}
	}
	return 0, false
}

// money reads a number or a string such as "$1,200".
func money(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, val != 0
	case int:
		return float64(val), val != 0
	case string:
		cleaned := strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(val))
		n, err := strconv.ParseFloat(cleaned, 64)
		if err != nil || n == 0 {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
