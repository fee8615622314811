// Package interceptor routes tool invocations through validation and the
// seeded fixture registry before any live tool is reached.
package interceptor

import (
	"context"
	"sync"
)

// Tool is a callable tool. Implementations must be safe to call sequentially
// from a single run; the runner never calls a tool concurrently.
type Tool interface {
	Name() string
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ToolFunc is the function form of Tool.Call.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

type funcTool struct {
	name string
	fn   ToolFunc
}

func (t *funcTool) Name() string { return t.name }

func (t *funcTool) Call(ctx context.Context, args map[string]any) (any, error) {
	return t.fn(ctx, args)
}

// NewTool adapts fn into a Tool named name.
func NewTool(name string, fn ToolFunc) Tool {
	return &funcTool{name: name, fn: fn}
}

// Middleware decorates a Tool.
type Middleware func(Tool) Tool

// Chain composes middleware so the first argument is the outermost layer.
func Chain(mw ...Middleware) Middleware {
	return func(t Tool) Tool {
		for i := len(mw) - 1; i >= 0; i-- {
			if mw[i] != nil {
				t = mw[i](t)
			}
		}
		return t
	}
}

// Outcome records how a single call was satisfied.
type Outcome struct {
	mu      sync.Mutex
	marked  bool
	fixture bool
	source  string
	payload any
}

type outcomeKey struct{}

// WithOutcome attaches a fresh Outcome to ctx.
func WithOutcome(ctx context.Context) (context.Context, *Outcome) {
	o := &Outcome{}
	return context.WithValue(ctx, outcomeKey{}, o), o
}

// OutcomeFrom returns the Outcome attached to ctx, or nil.
func OutcomeFrom(ctx context.Context) *Outcome {
	o, _ := ctx.Value(outcomeKey{}).(*Outcome)
	return o
}

// MarkFixture records that a fixture answered the call with the unrendered payload.
func (o *Outcome) MarkFixture(source string, payload any) {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.marked, o.fixture, o.source, o.payload = true, true, source, payload
}

// MarkLive records that the live tool answered the call.
func (o *Outcome) MarkLive() {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.marked, o.fixture, o.source, o.payload = true, false, "", nil
}

// Deterministic is nil when no fixture layer saw the call.
func (o *Outcome) Deterministic() *bool {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.marked {
		return nil
	}
	v := o.fixture
	return &v
}

// Source is the fixture location that answered the call, if any.
func (o *Outcome) Source() string {
	if o == nil {
		return ""
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.source
}

// Payload is the structured fixture data behind a rendered result, or nil.
func (o *Outcome) Payload() any {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.payload
}
