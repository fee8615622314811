package interceptor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tiger/greenbench/internal/observability/logging"
	"github.com/tiger/greenbench/internal/tools/registry"
)

// Interceptor validates calls against the tool registry and routes them
// through a FixtureWrapper.
type Interceptor struct {
	registry    *registry.Registry
	wrapper     *FixtureWrapper
	useFixtures bool
	logger      *slog.Logger
}

// New returns an interceptor. A nil wrapper disables fixtures.
func New(reg *registry.Registry, wrapper *FixtureWrapper, logger *slog.Logger) *Interceptor {
	return &Interceptor{
		registry:    reg,
		wrapper:     wrapper,
		useFixtures: wrapper != nil,
		logger:      logging.OrDiscard(logger),
	}
}

// UsesFixtures reports whether calls are routed through fixtures.
func (i *Interceptor) UsesFixtures() bool { return i.useFixtures }

// Wrapper returns the fixture wrapper, or nil.
func (i *Interceptor) Wrapper() *FixtureWrapper { return i.wrapper }

// Middleware returns Intercept as a Middleware.
func (i *Interceptor) Middleware() Middleware {
	return i.Intercept
}

// Intercept returns t unchanged when fixtures are disabled.
func (i *Interceptor) Intercept(t Tool) Tool {
	if !i.useFixtures {
		return t
	}
	if !i.registry.IsAllowed(t.Name()) {
		i.logger.Warn("tool not in allow-list, intercepting anyway", "tool", t.Name())
	}
	return &interceptedTool{inner: i.wrapper.Wrap(t), name: t.Name(), i: i}
}

type interceptedTool struct {
	inner Tool
	name  string
	i     *Interceptor
}

func (t *interceptedTool) Name() string { return t.name }

func (t *interceptedTool) Call(ctx context.Context, args map[string]any) (any, error) {
	if err := t.i.registry.ValidateToolCall(t.name, args); err != nil {
		t.i.logger.Error("invalid tool call", "tool", t.name, "error", err)
		return nil, fmt.Errorf("invalid tool call: %w", err)
	}
	return t.inner.Call(ctx, args)
}
