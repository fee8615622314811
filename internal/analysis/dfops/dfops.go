// Package dfops recovers pandas-style DataFrame operations from analysis code
// for display next to a trace. It is a heuristic text scan: results are
// advisory and never feed scoring.
package dfops

import (
	"regexp"
	"sort"
	"strings"

	"github.com/tiger/greenbench/api/harness"
)

// Version identifies the heuristic set. Bump it whenever patterns change so
// stored traces can be told apart.
const Version = "dfops/1"

// ToolName is the analysis tool whose input is scanned.
const ToolName = "python_repl_ast"

type opPattern struct {
	name    string
	pattern string
}

var operations = []opPattern{
	{"shape", `shape\b`},
	{"columns", `columns(?:\.tolist\(\))?`},
	{"info", `info\(\)`},
	{"describe", `describe\(\)`},
	{"head", `head\([^)]*\)`},
	{"tail", `tail\([^)]*\)`},
	{"copy", `copy\([^)]*\)`},
	{"sort_values", `sort_values\([^)]+\)`},
	{"sort_index", `sort_index\([^)]*\)`},
	{"filter", `filter\([^)]+\)`},
	{"loc", `loc\[[^\]]+\]`},
	{"iloc", `iloc\[[^\]]+\]`},
	{"query", `query\([^)]+\)`},
	{"groupby", `groupby\([^)]+\)`},
	{"agg", `agg\([^)]+\)`},
	{"aggregate", `aggregate\([^)]+\)`},
	{"sum", `sum\([^)]*\)`},
	{"mean", `mean\([^)]*\)`},
	{"max", `max\([^)]*\)`},
	{"min", `min\([^)]*\)`},
	{"count", `count\([^)]*\)`},
	{"nunique", `nunique\([^)]*\)`},
	{"unique", `unique\([^)]*\)`},
	{"drop", `drop\([^)]+\)`},
	{"dropna", `dropna\([^)]*\)`},
	{"fillna", `fillna\([^)]+\)`},
	{"rename", `rename\([^)]+\)`},
	{"merge", `merge\([^)]+\)`},
	{"join", `join\([^)]+\)`},
	{"iterrows", `iterrows\(\)`},
	{"itertuples", `itertuples\([^)]*\)`},
	{"to_string", `to_string\([^)]*\)`},
	{"to_dict", `to_dict\([^)]*\)`},
	{"to_json", `to_json\([^)]*\)`},
	{"isna", `isna\(\)`},
	{"isnull", `isnull\(\)`},
	{"notna", `notna\(\)`},
	{"notnull", `notnull\(\)`},
	{"astype", `astype\([^)]+\)`},
	{"select_dtypes", `select_dtypes\([^)]+\)`},
	{"str.contains", `str\.contains\([^)]+\)`},
}

// booleanIndexing matches df[<expr with a comparison or logical operator>].
const booleanIndexing = `\[[^\]]*(?:==|!=|>=|<=|>|<|&|\|)[^\]]*\]`

var (
	dfVarRE      = regexp.MustCompile(`(?i)\b(df(?:_\w+)?|\w*df\w*)\b`)
	concatRE     = regexp.MustCompile(`(?:\bpd\.|\bpandas\.)concat\([^)]+\)`)
	assignmentRE = regexp.MustCompile(`(?i)(\w+)\s*=\s*(?:df(?:_\w+)?|\w*df\w*)\.(\w+)\(`)
	falseVars    = map[string]bool{"describe": true, "filter": true}
)

// Extract returns the operations found in code, ordered by position with
// (position, operation) duplicates removed.
func Extract(code string) []harness.DerivedOperation {
	if strings.TrimSpace(code) == "" {
		return nil
	}
	var ops []harness.DerivedOperation

	for _, v := range dataFrameVars(code) {
		prefix := `\b` + regexp.QuoteMeta(v)
		for _, op := range operations {
			re := regexp.MustCompile(prefix + `\.` + op.pattern)
			for _, loc := range re.FindAllStringIndex(code, -1) {
				ops = append(ops, newOp(code, v, op.name, loc))
			}
		}
		boolRE := regexp.MustCompile(prefix + booleanIndexing)
		for _, loc := range boolRE.FindAllStringIndex(code, -1) {
			ops = append(ops, newOp(code, v, "boolean_indexing", loc))
		}
	}

	for _, loc := range concatRE.FindAllStringIndex(code, -1) {
		ops = append(ops, newOp(code, "pandas", "concat", loc))
	}

	for _, m := range assignmentRE.FindAllStringSubmatchIndex(code, -1) {
		target := code[m[2]:m[3]]
		method := code[m[4]:m[5]]
		ops = append(ops, newOp(code, "assignment", target+" = ..."+method+"()", []int{m[0], m[1]}))
	}

	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Position < ops[j].Position })
	type seenKey struct {
		pos int
		op  string
	}
	seen := make(map[seenKey]bool, len(ops))
	out := ops[:0]
	for _, op := range ops {
		k := seenKey{op.Position, op.Operation}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, op)
	}
	return out
}

func dataFrameVars(code string) []string {
	set := make(map[string]bool)
	for _, m := range dfVarRE.FindAllStringSubmatch(code, -1) {
		v := m[1]
		if len(v) < 2 || falseVars[strings.ToLower(v)] {
			continue
		}
		set[v] = true
	}
	return harness.SortedKeys(set)
}

func newOp(code, frame, name string, loc []int) harness.DerivedOperation {
	return harness.DerivedOperation{
		DataFrame:  frame,
		Operation:  name,
		Expression: lineAround(code, loc[0], loc[1]),
		Position:   loc[0],
	}
}

func lineAround(code string, start, end int) string {
	lineStart := strings.LastIndex(code[:start], "\n") + 1
	lineEnd := strings.Index(code[end:], "\n")
	if lineEnd == -1 {
		lineEnd = len(code)
	} else {
		lineEnd += end
	}
	return strings.TrimSpace(code[lineStart:lineEnd])
}
