package ledger

import "github.com/tiger/greenbench/api/harness"

func cloneTrace(t harness.ToolCallTrace) harness.ToolCallTrace {
	out := t
	out.Arguments = cloneMap(t.Arguments)
	out.ReturnValue = cloneAny(t.ReturnValue)
	out.ExecutionTimeMS = cloneFloat(t.ExecutionTimeMS)
	out.Deterministic = cloneBool(t.Deterministic)
	if t.DerivedOperations != nil {
		out.DerivedOperations = append([]harness.DerivedOperation(nil), t.DerivedOperations...)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return cloneAny(m).(map[string]any)
}

func cloneAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneAny(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneAny(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			out[i] = cloneMap(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []byte:
		return append([]byte(nil), val...)
	default:
		return v
	}
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
