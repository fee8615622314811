package submission

import (
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	type hotel struct {
		Name  string `json:"name"`
		Price int    `json:"price"`
	}

	tests := []struct {
		name    string
		in      any
		wantErr error
		check   func(map[string]any) bool
	}{
		{name: "json text", in: `{"cost": 450}`, check: func(m map[string]any) bool { return m["cost"] == 450.0 }},
		{name: "bytes", in: []byte(`{"summary": "ok"}`), check: func(m map[string]any) bool { return m["summary"] == "ok" }},
		{name: "go map ints become floats", in: map[string]any{"cost": 450}, check: func(m map[string]any) bool { return m["cost"] == 450.0 }},
		{name: "struct", in: struct {
			Hotels []hotel `json:"hotels"`
		}{Hotels: []hotel{{Name: "Ace", Price: 200}}}, check: func(m map[string]any) bool {
			return len(m["hotels"].([]any)) == 1
		}},
		{name: "nil", in: nil, wantErr: ErrEmpty},
		{name: "array", in: `[1,2]`, wantErr: ErrNotObject},
		{name: "unencodable", in: map[string]any{"ch": make(chan int)}, wantErr: ErrNotObject},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Decode(tc.in)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
			if !tc.check(got) {
				t.Fatalf("unexpected decoded value %#v", got)
			}
		})
	}

	var syntax *SyntaxError
	if _, err := Decode("not json"); !errors.As(err, &syntax) {
		t.Fatalf("expected syntax error, got %v", err)
	}
}

func TestDecodeValue(t *testing.T) {
	t.Parallel()

	if got, ok := DecodeValue(`[{"price": 100}]`).([]any); !ok || len(got) != 1 {
		t.Fatalf("expected decoded array, got %#v", got)
	}
	if got := DecodeValue("sunny"); got != "sunny" {
		t.Fatalf("expected plain string unchanged, got %#v", got)
	}
	if got := DecodeValue(3.5); got != 3.5 {
		t.Fatalf("expected non-string unchanged, got %#v", got)
	}
}
