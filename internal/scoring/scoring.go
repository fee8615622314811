// Package scoring combines the schema, grounding and ranking scorers into a
// single weighted result.
package scoring

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tiger/greenbench/api/harness"
	"github.com/tiger/greenbench/internal/observability/logging"
	"github.com/tiger/greenbench/internal/observability/metrics"
	"github.com/tiger/greenbench/internal/scoring/grounding"
	"github.com/tiger/greenbench/internal/scoring/ndcg"
	"github.com/tiger/greenbench/internal/scoring/schema"
	"github.com/tiger/greenbench/internal/scoring/submission"
)

// Component weights before renormalization.
const (
	SchemaWeight    = 0.2
	GroundingWeight = 0.5
	NDCGWeight      = 0.3
)

// TraceSource supplies the run's traces. *ledger.Manager satisfies it.
type TraceSource interface {
	Traces() []harness.ToolCallTrace
}

// Engine scores submissions against one run's traces.
type Engine struct {
	traces    TraceSource
	schema    *schema.Validator
	schemaDoc map[string]any
	grounding *grounding.Validator
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRequiredFields sets the top-level fields schema validation requires.
func WithRequiredFields(fields ...string) Option {
	return func(e *Engine) { e.schema = schema.New(fields...) }
}

// WithSchemaDocument enables JSON Schema validation against doc.
func WithSchemaDocument(doc map[string]any) Option {
	return func(e *Engine) { e.schemaDoc = doc }
}

// WithMetrics publishes every component score.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrDiscard(l) }
}

// NewEngine returns an engine reading traces from src.
func NewEngine(src TraceSource, opts ...Option) *Engine {
	e := &Engine{
		traces: src,
		schema: schema.New(),
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.grounding = grounding.New(e.logger)
	return e
}

// Score runs every scorer. A scorer that fails or panics contributes 0 and
// leaves a message in Errors; Score itself never fails.
func (e *Engine) Score(ctx context.Context, sub any, brief map[string]any) harness.ScoringResult {
	result := harness.ScoringResult{
		SchemaValidation: harness.SchemaReport{Errors: []string{}},
		Grounding: harness.GroundingReport{
			UngroundedClaims:   []harness.UngroundedClaim{},
			ContradictedClaims: []harness.ContradictedClaim{},
		},
		Weights: map[string]float64{},
	}

	data, decodeErr := submission.Decode(sub)
	e.run(ctx, &result, "schema_validation", func() {
		valid, errs := e.schema.Validate(sub, e.schemaDoc)
		result.SchemaValidation = harness.SchemaReport{Valid: valid, Errors: errs}
		if decodeErr != nil {
			return
		}
		if ok, missing := e.schema.ValidateGroundingReferences(data); !ok {
			result.SchemaValidation.MissingReferences = missing
		}
	})

	e.run(ctx, &result, "grounding", func() {
		if decodeErr != nil {
			result.Errors = append(result.Errors, "grounding: "+decodeErr.Error())
			return
		}
		var traces []harness.ToolCallTrace
		if e.traces != nil {
			traces = e.traces.Traces()
		}
		result.Grounding = e.grounding.Validate(grounding.ExtractClaims(data), traces)
	})

	if decodeErr == nil && len(brief) > 0 {
		e.run(ctx, &result, "ndcg", func() {
			result.NDCG = rankLodging(data, brief)
		})
	}

	schemaScore := 0.0
	if result.SchemaValidation.Valid {
		schemaScore = 1
	}
	weighted := schemaScore*SchemaWeight + result.Grounding.Score*GroundingWeight
	total := SchemaWeight + GroundingWeight
	result.Weights["schema_validation"] = SchemaWeight
	result.Weights["grounding"] = GroundingWeight
	if result.NDCG != nil {
		weighted += result.NDCG.Average * NDCGWeight
		total += NDCGWeight
		result.Weights["ndcg"] = NDCGWeight
	}
	result.OverallScore = weighted / total

	e.metrics.ObserveScore("schema_validation", schemaScore)
	e.metrics.ObserveScore("grounding", result.Grounding.Score)
	if result.NDCG != nil {
		e.metrics.ObserveScore("ndcg", result.NDCG.Average)
	}
	e.metrics.ObserveScore("overall", result.OverallScore)

	e.logger.InfoContext(ctx, "submission scored",
		"overall", result.OverallScore,
		"schema_valid", result.SchemaValidation.Valid,
		"grounding", result.Grounding.Score,
		"ndcg", result.NDCG != nil,
		"errors", len(result.Errors))
	return result
}

func (e *Engine) run(ctx context.Context, result *harness.ScoringResult, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("%s scorer failed: %v", name, r)
			result.Errors = append(result.Errors, msg)
			e.logger.ErrorContext(ctx, "scorer panicked", "scorer", name, "error", r)
		}
	}()
	fn()
}

// rankLodging returns nil when the submission lists no hotels to rank.
func rankLodging(data, brief map[string]any) *harness.NDCGResult {
	hotels, ok := data["hotels"].([]any)
	if !ok {
		return nil
	}
	ranking := ndcg.ExtractRanking(data)
	if len(ranking) == 0 {
		return nil
	}
	relevance := ndcg.RelevanceScores(hotels, brief)
	at3 := ndcg.NDCGAtK(ranking, relevance, 3)
	at5 := ndcg.NDCGAtK(ranking, relevance, 5)
	result := &harness.NDCGResult{
		NDCGAt3:   at3,
		NDCGAt5:   at5,
		Average:   (at3 + at5) / 2,
		Ranking:   ranking,
		Relevance: relevance,
	}
	if scored := ndcg.ScoredItems(hotels); scored != nil {
		result.Graded = ndcg.EvaluateRankedSubmission(scored, relevance)
	}
	return result
}
