// Package fixtures resolves tool calls to pre-recorded, seed-keyed responses.
package fixtures

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tiger/greenbench/api/harness"
	"github.com/tiger/greenbench/internal/observability/logging"
	"github.com/tiger/greenbench/internal/observability/metrics"
)

// Document is the on-disk fixture layout.
type Document struct {
	ToolName     string         `json:"tool_name"`
	Seed         int64          `json:"seed"`
	ScenarioID   *string        `json:"scenario_id"`
	Format       string         `json:"format"`
	Perturbation *string        `json:"perturbation"`
	Params       map[string]any `json:"params"`
	Data         any            `json:"data"`
	CreatedAt    string         `json:"created_at"`
}

// Spec describes a fixture to author.
type Spec struct {
	Tool         string
	Params       map[string]any
	Seed         int64
	Data         any
	Format       harness.FixtureFormat
	ScenarioID   string
	Perturbation string
	// SeedOnly writes the {seed}.json fallback instead of the parameter-keyed file.
	SeedOnly bool
}

type cacheKey struct {
	tool      string
	seed      int64
	paramHash string
}

// Registry loads and saves fixtures through a Store and caches parsed responses.
type Registry struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu    sync.RWMutex
	cache map[cacheKey]harness.FixtureResponse
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrDiscard(l) }
}

// WithMetrics records lookup outcomes.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = c }
}

// WithClock sets the clock used for created_at on saved fixtures.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry returns a registry over store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: logging.Discard(),
		now:    time.Now,
		cache:  make(map[cacheKey]harness.FixtureResponse),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load resolves the fixture for (tool, params, seed). A miss returns nil, nil.
// The returned response is a private copy of the cached entry.
func (r *Registry) Load(ctx context.Context, tool string, params map[string]any, seed int64, scenarioID string) (*harness.FixtureResponse, error) {
	hash := ParamHash(tool, params)
	key := cacheKey{tool: tool, seed: seed, paramHash: hash}

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		r.metrics.ObserveFixtureLookup(tool, metrics.LookupHit)
		return withScenario(cloneResponse(cached), scenarioID), nil
	}

	storeKey := ParamKey(tool, seed, hash)
	raw, err := r.store.Get(ctx, storeKey)
	if errors.Is(err, ErrNotFound) {
		storeKey = SeedKey(tool, seed)
		raw, err = r.store.Get(ctx, storeKey)
	}
	if errors.Is(err, ErrNotFound) {
		r.metrics.ObserveFixtureLookup(tool, metrics.LookupMiss)
		return nil, nil
	}
	if err != nil {
		r.metrics.ObserveFixtureLookup(tool, metrics.LookupError)
		return nil, fmt.Errorf("load fixture %s: %w", storeKey, err)
	}

	resp, err := decodeDocument(raw, tool, seed, r.store.Location(storeKey))
	if err != nil {
		r.metrics.ObserveFixtureLookup(tool, metrics.LookupError)
		r.logger.Error("fixture unreadable", "tool", tool, "seed", seed, "key", storeKey, "error", err)
		return nil, fmt.Errorf("decode fixture %s: %w", storeKey, err)
	}

	r.mu.Lock()
	r.cache[key] = resp
	r.mu.Unlock()
	r.metrics.ObserveFixtureLookup(tool, metrics.LookupHit)
	r.logger.Debug("fixture loaded", "tool", tool, "seed", seed, "param_hash", hash, "source", resp.Metadata.SourceFile)
	return withScenario(cloneResponse(resp), scenarioID), nil
}

// Save writes a fixture document and returns its store key.
func (r *Registry) Save(ctx context.Context, spec Spec) (string, error) {
	if strings.TrimSpace(spec.Tool) == "" {
		return "", fmt.Errorf("fixture tool name is required")
	}
	format := spec.Format
	if format == "" {
		format = harness.FormatJSON
	}
	data, err := serializeData(spec.Data, format)
	if err != nil {
		return "", err
	}
	params := spec.Params
	if params == nil {
		params = map[string]any{}
	}
	doc := Document{
		ToolName:     spec.Tool,
		Seed:         spec.Seed,
		ScenarioID:   optional(spec.ScenarioID),
		Format:       string(format),
		Perturbation: optional(spec.Perturbation),
		Params:       params,
		Data:         data,
		CreatedAt:    harness.Timestamp(r.now()),
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode fixture: %w", err)
	}

	hash := ParamHash(spec.Tool, params)
	key := ParamKey(spec.Tool, spec.Seed, hash)
	if spec.SeedOnly {
		key = SeedKey(spec.Tool, spec.Seed)
	}
	if err := r.store.Put(ctx, key, raw); err != nil {
		return "", err
	}
	r.Invalidate()
	return key, nil
}

// Invalidate drops every cached fixture.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[cacheKey]harness.FixtureResponse)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func withScenario(resp *harness.FixtureResponse, scenarioID string) *harness.FixtureResponse {
	if scenarioID != "" {
		resp.Metadata.ScenarioID = scenarioID
	}
	return resp
}

func decodeDocument(raw []byte, tool string, seed int64, source string) (harness.FixtureResponse, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return harness.FixtureResponse{}, err
	}
	format, err := harness.ParseFixtureFormat(doc.Format)
	if err != nil {
		return harness.FixtureResponse{}, err
	}
	data, err := decodeData(doc.Data, format)
	if err != nil {
		return harness.FixtureResponse{}, err
	}
	meta := harness.FixtureMetadata{
		Seed:       seed,
		SourceFile: source,
		ToolName:   tool,
		CreatedAt:  doc.CreatedAt,
	}
	if doc.ScenarioID != nil {
		meta.ScenarioID = *doc.ScenarioID
	}
	if doc.Perturbation != nil {
		meta.PerturbationApplied = *doc.Perturbation
	}
	return harness.FixtureResponse{Data: data, Metadata: meta, Format: format}, nil
}

func decodeData(data any, format harness.FixtureFormat) (any, error) {
	switch format {
	case harness.FormatDataFrame:
		var rows []any
		switch d := data.(type) {
		case map[string]any:
			rows, _ = d["records"].([]any)
		case []any:
			rows = d
		case nil:
		default:
			return nil, fmt.Errorf("dataframe fixture data must be a list or {records: [...]}")
		}
		records := make([]map[string]any, 0, len(rows))
		for i, row := range rows {
			rec, ok := row.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("dataframe record %d is not an object", i)
			}
			records = append(records, rec)
		}
		return records, nil
	case harness.FormatText:
		switch d := data.(type) {
		case string:
			return d, nil
		case map[string]any:
			if text, ok := d["text"].(string); ok {
				return text, nil
			}
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	default:
		return data, nil
	}
}

func serializeData(data any, format harness.FixtureFormat) (any, error) {
	switch format {
	case harness.FormatDataFrame:
		switch d := data.(type) {
		case []map[string]any:
			rows := make([]any, len(d))
			for i, rec := range d {
				rows[i] = rec
			}
			return map[string]any{"records": rows}, nil
		case []any:
			return map[string]any{"records": d}, nil
		default:
			return nil, fmt.Errorf("dataframe fixture data must be a list of records, got %T", data)
		}
	case harness.FormatText:
		if s, ok := data.(string); ok {
			return map[string]any{"text": s}, nil
		}
		return map[string]any{"text": fmt.Sprint(data)}, nil
	case harness.FormatJSON:
		return data, nil
	default:
		return nil, fmt.Errorf("unknown fixture format %q", format)
	}
}

func cloneResponse(in harness.FixtureResponse) *harness.FixtureResponse {
	out := in
	out.Data = CloneValue(in.Data)
	return &out
}

// CloneValue deep-copies JSON-shaped values.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = CloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item).(map[string]any)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
