// Package runner executes validated tool calls sequentially and records every
// attempt in the trace ledger.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tiger/greenbench/api/harness"
	"github.com/tiger/greenbench/internal/analysis/dfops"
	"github.com/tiger/greenbench/internal/observability/ledger"
	"github.com/tiger/greenbench/internal/observability/logging"
	"github.com/tiger/greenbench/internal/observability/metrics"
	"github.com/tiger/greenbench/internal/tools/interceptor"
	"github.com/tiger/greenbench/internal/tools/registry"
)

// Result is the outcome of one tool call. Failures are values, never panics.
type Result struct {
	Success         bool    `json:"success"`
	Result          any     `json:"result"`
	Error           string  `json:"error,omitempty"`
	ExecutionTimeMS float64 `json:"execution_time_ms"`
	Deterministic   *bool   `json:"deterministic,omitempty"`
}

// Runner owns the registered tools of a run.
type Runner struct {
	registry   *registry.Registry
	ledger     *ledger.Manager
	middleware interceptor.Middleware
	metrics    *metrics.Collector
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.RWMutex
	tools map[string]interceptor.Tool
}

// Option configures a Runner.
type Option func(*Runner)

// WithMiddleware wraps every registered tool, outermost first.
func WithMiddleware(mw ...interceptor.Middleware) Option {
	return func(r *Runner) { r.middleware = interceptor.Chain(mw...) }
}

// WithMetrics records call counts and durations.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = logging.OrDiscard(l) }
}

// WithClock sets the clock used to measure execution time.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// New returns a runner validating against reg and recording into led.
func New(reg *registry.Registry, led *ledger.Manager, opts ...Option) *Runner {
	r := &Runner{
		registry: reg,
		ledger:   led,
		logger:   logging.Discard(),
		now:      time.Now,
		tools:    make(map[string]interceptor.Tool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds t, wrapped in the configured middleware. A later registration
// under the same name replaces the earlier one.
func (r *Runner) Register(t interceptor.Tool) {
	if r.middleware != nil {
		t = r.middleware(t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Registered reports whether a tool named name has been registered.
func (r *Runner) Registered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// ExecuteToolCall validates, invokes and records a single call. On a fixture
// hit the caller gets the rendered string while the ledger records the
// structured fixture payload.
func (r *Runner) ExecuteToolCall(ctx context.Context, name string, args map[string]any) Result {
	if err := r.registry.ValidateToolCall(name, args); err != nil {
		return r.fail(name, args, err.Error())
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return r.fail(name, args, fmt.Sprintf("Tool '%s' not registered", name))
	}

	callCtx, outcome := interceptor.WithOutcome(ctx)
	start := r.now()
	value, err := invoke(callCtx, tool, args)
	elapsed := r.now().Sub(start)
	ms := float64(elapsed) / float64(time.Millisecond)
	deterministic := outcome.Deterministic()

	if err != nil {
		r.logger.Error("tool execution error", "tool", name, "error", err)
		r.record(name, args, nil, &ms, err.Error(), deterministic)
		r.metrics.ObserveToolCall(name, false, elapsed)
		return Result{Error: err.Error(), ExecutionTimeMS: ms, Deterministic: deterministic}
	}

	recorded := value
	if payload := outcome.Payload(); payload != nil {
		recorded = payload
	}
	r.record(name, args, recorded, &ms, "", deterministic)
	r.metrics.ObserveToolCall(name, true, elapsed)
	return Result{Success: true, Result: value, ExecutionTimeMS: ms, Deterministic: deterministic}
}

// ExecutePlan runs calls strictly in order and returns one result per call.
func (r *Runner) ExecutePlan(ctx context.Context, calls []harness.ToolCall) []Result {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		if call.Tool == "" {
			results = append(results, Result{Error: "Missing tool name in tool call"})
			continue
		}
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		results = append(results, r.ExecuteToolCall(ctx, call.Tool, args))
	}
	return results
}

func (r *Runner) fail(name string, args map[string]any, msg string) Result {
	r.record(name, args, nil, nil, msg, nil)
	r.metrics.ObserveToolCall(name, false, 0)
	return Result{Error: msg}
}

func (r *Runner) record(name string, args map[string]any, value any, ms *float64, errMsg string, deterministic *bool) {
	rec := ledger.Record{
		ToolName:        name,
		Arguments:       args,
		ReturnValue:     value,
		ExecutionTimeMS: ms,
		Error:           errMsg,
		Deterministic:   deterministic,
	}
	if name == dfops.ToolName {
		if q, ok := args["query"].(string); ok {
			rec.RawInput = q
		}
	}
	r.ledger.RecordToolCall(rec)
}

func invoke(ctx context.Context, tool interceptor.Tool, args map[string]any) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			value = nil
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	return tool.Call(ctx, args)
}
