package fixtures

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// ParamHash derives the fixture lookup hash for a tool call. Every parameter
// value is stringified, lowercased and trimmed, the tool name is added under
// "tool", and the sorted-key JSON document is MD5 hashed. Hashes match fixtures
// authored by the Python tooling for string, number, boolean and null
// parameters. Lists and objects are stringified as compact JSON with sorted
// keys, which is stable but not Python's repr, so fixtures keyed on them must
// be recorded through this package.
func ParamHash(tool string, params map[string]any) string {
	normalized := make(map[string]string, len(params)+1)
	for k, v := range params {
		normalized[k] = strings.TrimSpace(strings.ToLower(stringify(v)))
	}
	normalized["tool"] = tool
	sum := md5.Sum([]byte(canonicalJSON(normalized)))
	return hex.EncodeToString(sum[:])
}

// ParamKey is the storage key for an exact-parameter fixture.
func ParamKey(tool string, seed int64, paramHash string) string {
	return fmt.Sprintf("%s/%d_%s.json", tool, seed, paramHash)
}

// SeedKey is the storage key for the seed-only fallback fixture.
func SeedKey(tool string, seed int64) string {
	return fmt.Sprintf("%s/%d.json", tool, seed)
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case string:
		return val
	case bool:
		if val {
			return "True"
		}
		return "False"
	case float64:
		return formatFloat(val)
	case float32:
		return formatFloat(float64(val))
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		// encoding/json sorts map keys, so equal objects stringify equally.
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	}
}

// formatFloat renders integral values without a fractional part so JSON
// numbers decoded as float64 hash like the integers they were written as.
func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// canonicalJSON encodes a flat string map as {"k": "v", ...} with sorted keys
// and ASCII-only escaping.
func canonicalJSON(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		writeASCIIString(&b, k)
		b.WriteString(": ")
		writeASCIIString(&b, m[k])
	}
	b.WriteByte('}')
	return b.String()
}

func writeASCIIString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r < 0x20 || (r >= 0x7f && r <= 0xffff):
				fmt.Fprintf(b, `\u%04x`, r)
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(b, `\u%04x\u%04x`, hi, lo)
			default:
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
