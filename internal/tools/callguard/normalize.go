package callguard

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// cityCodes maps spelled-out cities and alternate airports to one code per metro.
var cityCodes = []struct{ name, code string }{
	{"los angeles", "LAX"},
	{"new york", "NYC"},
	{"san francisco", "SFO"},
	{"chicago", "ORD"},
	{"miami", "MIA"},
	{"barcelona", "BCN"},
	{"tokyo", "NRT"},
}

var airportAliases = map[string]string{
	"JFK": "NYC", "EWR": "NYC", "LGA": "NYC", "HND": "NRT",
}

var (
	codeRE    = regexp.MustCompile(`\b[A-Z]{3}\b`)
	isoDateRE = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	usDateRE  = regexp.MustCompile(`(\d{1,2})/(\d{1,2})/(\d{4})`)
)

// NormalizeQuery folds equivalent phrasings of a query together. Flight
// queries reduce to a route and date signature such as "LAX-NYC:2026-03-15";
// anything else is lowercased with whitespace collapsed.
func NormalizeQuery(query string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")

	var dates []string
	dates = append(dates, isoDateRE.FindAllString(normalized, -1)...)
	for _, m := range usDateRE.FindAllStringSubmatch(normalized, -1) {
		dates = append(dates, fmt.Sprintf("%s-%s-%s", m[3], pad(m[1]), pad(m[2])))
	}

	type located struct {
		code string
		pos  int
	}
	var codes []located
	seen := map[string]bool{}
	add := func(code string, pos int) {
		if seen[code] {
			return
		}
		seen[code] = true
		codes = append(codes, located{code, pos})
	}
	for _, c := range cityCodes {
		if i := strings.Index(normalized, c.name); i >= 0 {
			add(c.code, i)
		}
	}
	upper := strings.ToUpper(strings.Join(strings.Fields(query), " "))
	for _, loc := range codeRE.FindAllStringIndex(upper, -1) {
		code := upper[loc[0]:loc[1]]
		if alias, ok := airportAliases[code]; ok {
			code = alias
		}
		if knownCode(code) {
			add(code, loc[0])
		}
	}

	isFlight := strings.Contains(normalized, "flight") || strings.Contains(normalized, "fly") || len(codes) > 0
	if !isFlight {
		return normalized
	}

	sort.SliceStable(codes, func(i, j int) bool { return codes[i].pos < codes[j].pos })
	var parts []string
	switch {
	case len(codes) >= 2:
		parts = append(parts, codes[0].code+"-"+codes[1].code)
	case len(codes) == 1:
		parts = append(parts, codes[0].code)
	}
	if len(dates) > 0 {
		sort.Strings(dates)
		parts = append(parts, dedupe(dates)...)
	}
	if len(parts) == 0 {
		return normalized
	}
	return strings.Join(parts, ":")
}

func knownCode(code string) bool {
	for _, c := range cityCodes {
		if c.code == code {
			return true
		}
	}
	return false
}

func pad(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
