// Package harness composes the deterministic evaluation pipeline: plan
// validation, fixture-backed tool execution, the trace ledger, scoring and
// artifact export. Every service is constructed here and owned by one Harness.
package harness

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	api "github.com/tiger/greenbench/api/harness"
	"github.com/tiger/greenbench/internal/artifacts"
	"github.com/tiger/greenbench/internal/observability/ledger"
	"github.com/tiger/greenbench/internal/observability/logging"
	"github.com/tiger/greenbench/internal/observability/metrics"
	"github.com/tiger/greenbench/internal/runtime/controller"
	"github.com/tiger/greenbench/internal/runtime/isolation"
	"github.com/tiger/greenbench/internal/scoring"
	"github.com/tiger/greenbench/internal/streaming/eventqueue"
	"github.com/tiger/greenbench/internal/tools/callguard"
	"github.com/tiger/greenbench/internal/tools/interceptor"
	"github.com/tiger/greenbench/internal/tools/registry"
	"github.com/tiger/greenbench/internal/tools/runner"
	"github.com/tiger/greenbench/internal/validation/plan"
)

// ErrFixturesRequired is returned when fixtures are enabled without a loader.
var ErrFixturesRequired = errors.New("fixture loader is required when fixtures are enabled")

// Options wires a Harness. Zero values select defaults.
type Options struct {
	Seed        *int64
	ScenarioID  string
	UseFixtures bool
	Fixtures    interceptor.FixtureLoader
	// Registry defaults to registry.Default().
	Registry       *registry.Registry
	Publisher      eventqueue.Publisher
	LedgerSink     ledger.Sink
	Metrics        *metrics.Collector
	Logger         *slog.Logger
	RequiredFields []string
	SchemaDocument map[string]any
	// CallGuard enables duplicate-call suppression for agent-driven tool use.
	CallGuard bool
	Clock     func() time.Time
}

// ExecutionReport is the outcome of ValidateAndExecutePlan.
type ExecutionReport struct {
	Success  bool                `json:"success"`
	Error    string              `json:"error,omitempty"`
	Executed bool                `json:"executed"`
	Plan     []api.ToolCall      `json:"plan,omitempty"`
	Results  []runner.Result     `json:"results,omitempty"`
	Traces   []api.ToolCallTrace `json:"trace_ledger,omitempty"`
}

// Evaluation is the outcome of EvaluateSubmission.
type Evaluation struct {
	RunID      string            `json:"run_id"`
	Seed       int64             `json:"seed"`
	ScenarioID string            `json:"scenario_id"`
	Scoring    api.ScoringResult `json:"scoring"`
	Ledger     *api.TraceLedger  `json:"trace_ledger"`
}

// Harness runs one evaluation at a time.
type Harness struct {
	controller  *controller.Controller
	isolator    *isolation.Isolator
	registry    *registry.Registry
	validator   *plan.Validator
	interceptor *interceptor.Interceptor
	wrapper     *interceptor.FixtureWrapper
	guard       *callguard.Guard
	runner      *runner.Runner
	ledger      *ledger.Manager
	engine      *scoring.Engine
	artifacts   *artifacts.Generator
	logger      *slog.Logger

	mu     sync.Mutex
	runCtx *isolation.RunContext
}

// New builds every service from opts.
func New(opts Options) (*Harness, error) {
	if opts.UseFixtures && opts.Fixtures == nil {
		return nil, ErrFixturesRequired
	}
	logger := logging.OrDiscard(opts.Logger)
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.Default()
	}

	h := &Harness{
		controller: controller.New(opts.Seed, opts.ScenarioID, logger),
		isolator:   isolation.New(),
		registry:   reg,
		validator:  plan.New(reg),
		logger:     logger,
	}
	h.ledger = ledger.NewManager(
		ledger.WithPublisher(opts.Publisher),
		ledger.WithSink(opts.LedgerSink),
		ledger.WithMetrics(opts.Metrics),
		ledger.WithLogger(logger),
		ledger.WithClock(clock),
	)
	if opts.UseFixtures {
		h.wrapper = interceptor.NewFixtureWrapper(opts.Fixtures, h.controller,
			interceptor.WithPublisher(opts.Publisher),
			interceptor.WithLogger(logger),
			interceptor.WithClock(clock),
		)
	}
	h.interceptor = interceptor.New(reg, h.wrapper, logger)

	var chain []interceptor.Middleware
	if opts.CallGuard {
		h.guard = callguard.New(callguard.WithLogger(logger))
		chain = append(chain, h.guard.Middleware())
	}
	chain = append(chain, h.interceptor.Middleware())
	h.runner = runner.New(reg, h.ledger,
		runner.WithMiddleware(chain...),
		runner.WithMetrics(opts.Metrics),
		runner.WithLogger(logger),
		runner.WithClock(clock),
	)
	h.engine = scoring.NewEngine(h.ledger,
		scoring.WithRequiredFields(opts.RequiredFields...),
		scoring.WithSchemaDocument(opts.SchemaDocument),
		scoring.WithMetrics(opts.Metrics),
		scoring.WithLogger(logger),
	)
	h.artifacts = artifacts.NewGenerator(h.controller, h.ledger,
		artifacts.WithClock(clock),
		artifacts.WithLogger(logger),
	)
	return h, nil
}

// StartRun resets isolation, activates runID (generated when empty) and
// opens a fresh ledger for it.
func (h *Harness) StartRun(runID string) string {
	h.isolator.Reset()
	runID = h.controller.StartRun(runID)
	h.ledger.Initialize(runID)
	if h.guard != nil {
		h.guard.Reset()
	}
	if h.wrapper != nil {
		h.wrapper.ClearIntercepted()
	}
	h.mu.Lock()
	h.runCtx = h.isolator.NewRunContext(runID, h.controller.Seed(), h.controller.ScenarioID())
	h.mu.Unlock()
	h.logger.Info("harness run started", "run_id", runID, "seed", h.controller.Seed(), "fixtures", h.interceptor.UsesFixtures())
	return runID
}

// RegisterTool makes t callable by plans. It is wrapped with fixture
// interception and, when enabled, the call guard.
func (h *Harness) RegisterTool(t interceptor.Tool) {
	h.runner.Register(t)
}

// RegisterFunc registers fn under name.
func (h *Harness) RegisterFunc(name string, fn interceptor.ToolFunc) {
	h.RegisterTool(interceptor.NewTool(name, fn))
}

// ValidateAndExecutePlan validates p and, when valid, executes its normalized
// calls in order. A run is started when none is active.
func (h *Harness) ValidateAndExecutePlan(ctx context.Context, p any) ExecutionReport {
	verdict := h.validator.Validate(p)
	if !verdict.Valid {
		h.logger.Warn("plan rejected", "reason", verdict.Reason())
		return ExecutionReport{Error: verdict.Reason()}
	}
	if h.controller.RunID() == "" {
		h.StartRun("")
	}
	results := h.runner.ExecutePlan(h.RunContext(ctx), verdict.Normalized)
	success := true
	for _, r := range results {
		if !r.Success {
			success = false
			break
		}
	}
	return ExecutionReport{
		Success:  success,
		Executed: true,
		Plan:     verdict.Normalized,
		Results:  results,
		Traces:   h.ledger.Traces(),
	}
}

// EvaluateSubmission scores sub against the current run's ledger.
func (h *Harness) EvaluateSubmission(ctx context.Context, sub any, brief map[string]any) Evaluation {
	eval := Evaluation{
		RunID:      h.controller.RunID(),
		Seed:       h.controller.Seed(),
		ScenarioID: h.controller.ScenarioID(),
		Scoring:    h.engine.Score(h.RunContext(ctx), sub, brief),
	}
	if l, ok := h.ledger.Ledger(); ok {
		eval.Ledger = &l
	}
	return eval
}

// ExportArtifacts writes every artifact for the current run into dir.
func (h *Harness) ExportArtifacts(dir string, scores api.ScoringResult, agentName string, agentOutput any) (map[string]string, error) {
	return h.artifacts.ExportAll(dir, scores, agentName, agentOutput)
}

// Reset ends the run, clears the ledger and isolation state and, when seed is
// non-nil, replaces the seed.
func (h *Harness) Reset(seed *int64) {
	h.controller.Reset(seed)
	h.ledger.Clear()
	h.isolator.Reset()
	if h.guard != nil {
		h.guard.Reset()
	}
	if h.wrapper != nil {
		h.wrapper.ClearIntercepted()
	}
	h.mu.Lock()
	h.runCtx = nil
	h.mu.Unlock()
	h.logger.Info("harness reset", "seed", h.controller.Seed())
}

// RunContext attaches the active run context to ctx.
func (h *Harness) RunContext(ctx context.Context) context.Context {
	h.mu.Lock()
	rc := h.runCtx
	h.mu.Unlock()
	if rc == nil {
		return ctx
	}
	return isolation.WithRunContext(ctx, rc)
}

// Ledger returns the trace ledger manager.
func (h *Harness) Ledger() *ledger.Manager { return h.ledger }

// Controller returns the run controller.
func (h *Harness) Controller() *controller.Controller { return h.controller }

// Isolator returns the isolation store.
func (h *Harness) Isolator() *isolation.Isolator { return h.isolator }

// Interceptor returns the tool interceptor.
func (h *Harness) Interceptor() *interceptor.Interceptor { return h.interceptor }
