// Package normalizer applies safe, idempotent rewrites to plan arguments.
//
// Rewrites never add or remove semantic content: whitespace is trimmed,
// unicode arrows become ">", markdown decoration is dropped and a few common
// date spellings are canonicalized to YYYY-MM-DD.
package normalizer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	arrowRE      = regexp.MustCompile(`[→⇒]`)
	mdLinkRE     = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	boldStarRE   = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	italStarRE   = regexp.MustCompile(`\*([^*\n]+)\*`)
	boldUnderRE  = regexp.MustCompile(`(^|\W)__([^_\n]+)__(\W|$)`)
	italUnderRE  = regexp.MustCompile(`(^|\W)_([^_\n]+)_(\W|$)`)
	isoDateRE    = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	slashDateRE  = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)
	monthDayRE   = regexp.MustCompile(`^([A-Za-z]+)\.?\s+(\d{1,2})(?:st|nd|rd|th)?$`)
	monthsByStem = map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}
	monthNames = []string{
		"january", "february", "march", "april", "may", "june",
		"july", "august", "september", "october", "november", "december",
	}
)

// Normalizer canonicalizes plan values. The clock only supplies the year for
// month-day dates such as "Dec 2".
type Normalizer struct {
	now func() time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock pins the reference clock.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// WithYear pins the year assumed for month-day dates.
func WithYear(year int) Option {
	return WithClock(func() time.Time { return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC) })
}

// New returns a normalizer using the wall clock unless overridden.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NormalizeString trims, rewrites arrows and strips markdown links and
// emphasis until the string stops changing. Every pass that changes s makes it
// shorter, so the loop terminates.
func NormalizeString(s string) string {
	for {
		next := stringPass(s)
		if next == s {
			return s
		}
		s = next
	}
}

func stringPass(s string) string {
	s = strings.TrimSpace(s)
	s = arrowRE.ReplaceAllString(s, ">")
	s = mdLinkRE.ReplaceAllString(s, "$1")
	s = boldStarRE.ReplaceAllString(s, "$1")
	s = italStarRE.ReplaceAllString(s, "$1")
	s = boldUnderRE.ReplaceAllString(s, "${1}${2}${3}")
	s = italUnderRE.ReplaceAllString(s, "${1}${2}${3}")
	return strings.TrimSpace(s)
}

// NormalizeDate returns s as YYYY-MM-DD when it is a recognized whole-string
// date, otherwise the trimmed input.
func (n *Normalizer) NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if isoDateRE.MatchString(s) {
		return s
	}
	if m := slashDateRE.FindStringSubmatch(s); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if validMonthDay(month, day) {
			return formatDate(year, month, day)
		}
		return s
	}
	if m := monthDayRE.FindStringSubmatch(s); m != nil {
		month, ok := monthFromName(m[1])
		if !ok {
			return s
		}
		day, _ := strconv.Atoi(m[2])
		if validMonthDay(month, day) {
			return formatDate(n.now().Year(), month, day)
		}
	}
	return s
}

// NormalizeValue walks strings, maps and slices. Other values are returned unchanged.
func (n *Normalizer) NormalizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return n.NormalizeDate(NormalizeString(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = n.NormalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = n.NormalizeValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = n.NormalizeDate(NormalizeString(item))
		}
		return out
	default:
		return v
	}
}

// NormalizeArgs normalizes every value of a tool-call argument map.
func (n *Normalizer) NormalizeArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return n.NormalizeValue(args).(map[string]any)
}

func monthFromName(name string) (int, bool) {
	lower := strings.ToLower(name)
	if len(lower) < 3 {
		return 0, false
	}
	month, ok := monthsByStem[lower[:3]]
	if !ok {
		return 0, false
	}
	if !strings.HasPrefix(monthNames[month-1], lower) && lower != "sept" {
		return 0, false
	}
	return month, true
}

func validMonthDay(month, day int) bool {
	return month >= 1 && month <= 12 && day >= 1 && day <= 31
}

func formatDate(year, month, day int) string {
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}
