package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tiger/greenbench/api/eventabi"
	"github.com/tiger/greenbench/api/harness"
	"github.com/tiger/greenbench/internal/fixtures"
	"github.com/tiger/greenbench/internal/observability/logging"
	"github.com/tiger/greenbench/internal/streaming/eventqueue"
)

// FixtureLoader resolves fixtures. *fixtures.Registry satisfies it.
type FixtureLoader interface {
	Load(ctx context.Context, tool string, params map[string]any, seed int64, scenarioID string) (*harness.FixtureResponse, error)
}

// RunInfo exposes the active run. *controller.Controller satisfies it.
type RunInfo interface {
	RunID() string
	Seed() int64
	ScenarioID() string
}

// InterceptedCall is one call answered from a fixture.
type InterceptedCall struct {
	ToolName   string                  `json:"tool_name"`
	Params     map[string]any          `json:"params"`
	Seed       int64                   `json:"seed"`
	ScenarioID string                  `json:"scenario_id,omitempty"`
	Metadata   harness.FixtureMetadata `json:"metadata"`
	Format     harness.FixtureFormat   `json:"response_format"`
	RawData    any                     `json:"raw_data"`
}

// FixtureWrapper answers tool calls from fixtures and falls back to the live
// tool on a miss.
type FixtureWrapper struct {
	loader FixtureLoader
	run    RunInfo
	events eventqueue.Publisher
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	lastRaw     any
	intercepted []InterceptedCall
}

// WrapperOption configures a FixtureWrapper.
type WrapperOption func(*FixtureWrapper)

// WithPublisher emits tool_call and fixture_response events to p.
func WithPublisher(p eventqueue.Publisher) WrapperOption {
	return func(w *FixtureWrapper) { w.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WrapperOption {
	return func(w *FixtureWrapper) { w.logger = logging.OrDiscard(l) }
}

// WithClock sets the event timestamp clock.
func WithClock(now func() time.Time) WrapperOption {
	return func(w *FixtureWrapper) {
		if now != nil {
			w.now = now
		}
	}
}

// NewFixtureWrapper returns a wrapper resolving against loader for the run described by run.
func NewFixtureWrapper(loader FixtureLoader, run RunInfo, opts ...WrapperOption) *FixtureWrapper {
	w := &FixtureWrapper{
		loader: loader,
		run:    run,
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Middleware returns w.Wrap as a Middleware.
func (w *FixtureWrapper) Middleware() Middleware {
	return w.Wrap
}

// Wrap returns a Tool that consults fixtures before inner.
func (w *FixtureWrapper) Wrap(inner Tool) Tool {
	return &fixtureTool{inner: inner, w: w}
}

type fixtureTool struct {
	inner Tool
	w     *FixtureWrapper
}

func (t *fixtureTool) Name() string { return t.inner.Name() }

func (t *fixtureTool) Call(ctx context.Context, args map[string]any) (any, error) {
	return t.w.call(ctx, t.inner, args)
}

func (w *FixtureWrapper) call(ctx context.Context, inner Tool, args map[string]any) (any, error) {
	name := inner.Name()
	params := fixtures.CloneValue(args).(map[string]any)
	seed, scenarioID, runID := w.run.Seed(), w.run.ScenarioID(), w.run.RunID()

	w.publish(eventabi.NewToolCall(runID, name, fixtures.CloneValue(params).(map[string]any), w.now().UnixMilli()))

	resp, err := w.loader.Load(ctx, name, params, seed, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("fixture lookup for %s: %w", name, err)
	}

	if resp != nil {
		w.publish(eventabi.NewFixtureResponse(runID, *resp, w.now().UnixMilli()))
		rendered, err := Render(*resp)
		if err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.lastRaw = resp.Data
		w.intercepted = append(w.intercepted, InterceptedCall{
			ToolName:   name,
			Params:     params,
			Seed:       seed,
			ScenarioID: scenarioID,
			Metadata:   resp.Metadata,
			Format:     resp.Format,
			RawData:    resp.Data,
		})
		w.mu.Unlock()
		OutcomeFrom(ctx).MarkFixture(resp.Metadata.SourceFile, fixtures.CloneValue(resp.Data))
		w.logger.Info("tool call intercepted", "tool", name, "seed", seed, "format", resp.Format)
		return rendered, nil
	}

	w.logger.Warn("no fixture found, falling back to live tool",
		"tool", name, "seed", seed, "param_hash", fixtures.ParamHash(name, params))
	OutcomeFrom(ctx).MarkLive()
	result, err := inner.Call(ctx, args)
	w.mu.Lock()
	w.lastRaw = result
	w.mu.Unlock()
	return result, err
}

func (w *FixtureWrapper) publish(e eventabi.Event) {
	if w.events == nil {
		return
	}
	w.events.Put(e)
}

// LastRawPayload returns the unrendered data of the most recent call.
func (w *FixtureWrapper) LastRawPayload() any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return fixtures.CloneValue(w.lastRaw)
}

// Intercepted returns a copy of the calls answered from fixtures.
func (w *FixtureWrapper) Intercepted() []InterceptedCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]InterceptedCall(nil), w.intercepted...)
}

// ClearIntercepted forgets the intercepted call log.
func (w *FixtureWrapper) ClearIntercepted() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.intercepted = nil
	w.lastRaw = nil
}

// Render converts a fixture to the string a live tool would have returned:
// record tables as a compact JSON array, json objects as indented JSON, text as is.
func Render(resp harness.FixtureResponse) (string, error) {
	switch resp.Format {
	case harness.FormatText:
		if s, ok := resp.Data.(string); ok {
			return s, nil
		}
		return fmt.Sprint(resp.Data), nil
	case harness.FormatDataFrame:
		return encode(resp.Data, "")
	default:
		if s, ok := resp.Data.(string); ok {
			return s, nil
		}
		return encode(resp.Data, "  ")
	}
}

func encode(v any, indent string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("render fixture: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
