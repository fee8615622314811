package normalizer

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestNormalizeString(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"  SFO → NYC  ":                   "SFO > NYC",
		"LAX ⇒ JFK":                       "LAX > JFK",
		"see [Hotel Lutetia](http://x.y)": "see Hotel Lutetia",
		"**cheap** hotels":                "cheap hotels",
		"*quiet* room":                    "quiet room",
		"a __bold__ stay":                 "a bold stay",
		"_one_ _two_":                     "one two",
		"flight_search_results":           "flight_search_results",
		"already canonical":               "already canonical",
	}
	for in, want := range cases {
		if got := NormalizeString(in); got != want {
			t.Fatalf("NormalizeString(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeDate(t *testing.T) {
	t.Parallel()

	n := New(WithYear(2025))
	cases := map[string]string{
		"2024-12-02":       "2024-12-02",
		"12/02/2024":       "2024-12-02",
		"1/5/2026":         "2026-01-05",
		"Dec 2":            "2025-12-02",
		"December 24":      "2025-12-24",
		"sept 3rd":         "2025-09-03",
		"Dec 2 flights":    "Dec 2 flights",
		"Decimal 2":        "Decimal 2",
		"13/40/2024":       "13/40/2024",
		"SFO to NYC":       "SFO to NYC",
		" 2024-01-01 ":     "2024-01-01",
		"May 31":           "2025-05-31",
	}
	for in, want := range cases {
		if got := n.NormalizeDate(in); got != want {
			t.Fatalf("NormalizeDate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeValueIdempotent(t *testing.T) {
	t.Parallel()

	n := New(WithClock(func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }))
	inputs := []any{
		"  **Dec 2**  ",
		"_a_ _b_ _c_",
		"[link](u) → **x**",
		map[string]any{
			"query":  " SFO → NYC ",
			"dates":  []any{"12/02/2024", "Dec 3", 7.0},
			"nested": map[string]any{"note": "*late* checkout", "flag": true},
		},
		[]any{"plain", nil, 3.5},
		[]string{"Jan 1", "x"},
		42.0,
	}
	for _, in := range inputs {
		once := n.NormalizeValue(in)
		twice := n.NormalizeValue(once)
		if !reflect.DeepEqual(once, twice) {
			t.Fatalf("normalization not idempotent for %#v: %#v vs %#v", in, once, twice)
		}
	}

	got := n.NormalizeValue("  **Dec 2**  ")
	if got != "2025-12-02" {
		t.Fatalf("expected decorated date to canonicalize, got %v", got)
	}
}

func TestNormalizeStringDeepNesting(t *testing.T) {
	t.Parallel()

	link := "a"
	for i := 0; i < 12; i++ {
		link = "[" + link + "](http://x)"
	}
	inputs := map[string]string{
		strings.Repeat("*", 30) + "a" + strings.Repeat("*", 30): "a",
		link: "a",
		"[**" + strings.Repeat("*", 10) + "Hotel" + strings.Repeat("*", 10) + "**](u) → x": "Hotel > x",
	}
	n := New(WithYear(2025))
	for in, want := range inputs {
		once := n.NormalizeValue(in)
		if once != want {
			t.Fatalf("NormalizeValue(%q) = %q, want %q", in, once, want)
		}
		if twice := n.NormalizeValue(once); twice != once {
			t.Fatalf("normalization not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestNormalizeArgsNil(t *testing.T) {
	t.Parallel()

	out := New().NormalizeArgs(nil)
	if out == nil || len(out) != 0 {
		t.Fatalf("expected empty map, got %#v", out)
	}
}
