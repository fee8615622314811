// Package registry holds the allow-list of callable tools and validates call arguments.
package registry

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/tiger/greenbench/api/harness"
	"gopkg.in/yaml.v3"
)

var (
	// ErrToolNotAllowed means the tool is not on the allow-list.
	ErrToolNotAllowed = errors.New("tool not allowed")
	// ErrMissingArgument means a required argument is absent.
	ErrMissingArgument = errors.New("missing required argument")
	// ErrEmptyArgument means a required argument is null or blank.
	ErrEmptyArgument = errors.New("empty required argument")
	// ErrArgumentType means an argument does not match its declared type.
	ErrArgumentType = errors.New("argument type mismatch")
)

// ArgError reports a failed call validation.
type ArgError struct {
	Tool string
	Arg  string
	Msg  string
	Err  error
}

func (e *ArgError) Error() string { return e.Msg }

func (e *ArgError) Unwrap() error { return e.Err }

// Registry is a concurrency-safe allow-list of tool specs.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]harness.ToolSpec
}

// New returns a registry containing specs.
func New(specs ...harness.ToolSpec) (*Registry, error) {
	r := &Registry{tools: make(map[string]harness.ToolSpec, len(specs))}
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultSpecs are the travel search tools every run allows.
func DefaultSpecs() []harness.ToolSpec {
	names := []string{"flight_search", "hotel_search", "restaurant_search", "weather"}
	specs := make([]harness.ToolSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, harness.ToolSpec{
			Name:         name,
			RequiredArgs: []string{"query"},
			ArgTypes:     map[string]harness.ArgType{"query": harness.ArgString},
		})
	}
	return specs
}

// Default returns a registry preloaded with DefaultSpecs.
func Default() *Registry {
	r, err := New(DefaultSpecs()...)
	if err != nil {
		panic(fmt.Sprintf("default tool specs invalid: %v", err))
	}
	return r
}

// Register adds or replaces a spec. Stored specs are copies.
func (r *Registry) Register(spec harness.ToolSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = spec.Clone()
	return nil
}

type specFile struct {
	Tools []harness.ToolSpec `yaml:"tools"`
}

// LoadSpecsYAML registers every spec under the top-level "tools" key.
func (r *Registry) LoadSpecsYAML(in io.Reader) (int, error) {
	var file specFile
	dec := yaml.NewDecoder(in)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return 0, fmt.Errorf("decode tool specs: %w", err)
	}
	for i, spec := range file.Tools {
		if err := r.Register(spec); err != nil {
			return i, fmt.Errorf("tool spec %d: %w", i, err)
		}
	}
	return len(file.Tools), nil
}

// IsAllowed reports whether name is registered.
func (r *Registry) IsAllowed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// AllowedTools returns the registered names in sorted order.
func (r *Registry) AllowedTools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return harness.SortedKeys(r.tools)
}

// Spec returns a copy of the registered spec.
func (r *Registry) Spec(name string) (harness.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.tools[name]
	if !ok {
		return harness.ToolSpec{}, false
	}
	return spec.Clone(), true
}

// ValidateToolCall checks allow-listing, required arguments and declared types.
func (r *Registry) ValidateToolCall(name string, args map[string]any) error {
	spec, ok := r.Spec(name)
	if !ok {
		return &ArgError{Tool: name, Msg: fmt.Sprintf("Tool '%s' is not in the allow-list", name), Err: ErrToolNotAllowed}
	}

	required := append([]string(nil), spec.RequiredArgs...)
	sort.Strings(required)
	for _, arg := range required {
		value, present := args[arg]
		if !present {
			return &ArgError{Tool: name, Arg: arg, Msg: fmt.Sprintf("Missing required argument: %s", arg), Err: ErrMissingArgument}
		}
		if isEmpty(value) {
			return &ArgError{Tool: name, Arg: arg, Msg: fmt.Sprintf("Required argument '%s' is empty", arg), Err: ErrEmptyArgument}
		}
	}

	for _, arg := range harness.SortedKeys(spec.ArgTypes) {
		value, present := args[arg]
		if !present || value == nil {
			continue
		}
		want := spec.ArgTypes[arg]
		if !matchesType(value, want) {
			return &ArgError{
				Tool: name,
				Arg:  arg,
				Msg:  fmt.Sprintf("Argument '%s' must be of type %s, got %s", arg, want, TypeName(value)),
				Err:  ErrArgumentType,
			}
		}
	}
	return nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func matchesType(v any, want harness.ArgType) bool {
	switch want {
	case harness.ArgString:
		_, ok := v.(string)
		return ok
	case harness.ArgBoolean:
		_, ok := v.(bool)
		return ok
	case harness.ArgNumber:
		_, ok := toFloat(v)
		return ok
	case harness.ArgInteger:
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case harness.ArgArray:
		switch v.(type) {
		case []any, []string, []map[string]any:
			return true
		}
		return false
	case harness.ArgObject:
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// TypeName names the JSON kind of v for error messages.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any, []string, []map[string]any:
		return "array"
	}
	if f, ok := toFloat(v); ok {
		if f == math.Trunc(f) {
			return "integer"
		}
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
