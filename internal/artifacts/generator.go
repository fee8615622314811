// Package artifacts exports a run's scores, ledger and tool results as JSON
// files for leaderboards and offline review.
package artifacts

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/tiger/greenbench/api/harness"
	"github.com/tiger/greenbench/internal/artifacts/atomicfile"
	"github.com/tiger/greenbench/internal/observability/logging"
)

// DefaultAgentName labels leaderboard rows when no agent name is given.
const DefaultAgentName = "White Agent"

// Artifact file names inside an export directory.
const (
	MetricsFile     = "metrics.json"
	LeaderboardFile = "leaderboard-row.json"
	LedgerFile      = "trace_ledger.json"
	ToolResultsFile = "tool_results_bundle.json"
	AgentOutputFile = "agent_output.json"
)

// RunInfo identifies the run being exported.
type RunInfo interface {
	RunID() string
	Seed() int64
	ScenarioID() string
}

// LedgerSource is the ledger view the generator needs. *ledger.Manager satisfies it.
type LedgerSource interface {
	Traces() []harness.ToolCallTrace
	ExportJSON(path string) ([]byte, error)
}

// ComponentScores are the per-scorer numbers shared by metrics and leaderboard rows.
type ComponentScores struct {
	SchemaValidation bool     `json:"schema_validation"`
	Grounding        float64  `json:"grounding"`
	NDCGAt3          *float64 `json:"ndcg_at_3"`
	NDCGAt5          *float64 `json:"ndcg_at_5"`
}

// MetricScores adds the overall score to the component scores.
type MetricScores struct {
	Overall float64 `json:"overall"`
	ComponentScores
}

// Metrics is the metrics.json document.
type Metrics struct {
	RunID      string                `json:"run_id"`
	Seed       int64                 `json:"seed"`
	ScenarioID string                `json:"scenario_id"`
	Timestamp  string                `json:"timestamp"`
	Scores     MetricScores          `json:"scores"`
	Details    harness.ScoringResult `json:"details"`
}

// LeaderboardRow is the compact cross-run record.
type LeaderboardRow struct {
	AgentName    string          `json:"agent_name"`
	RunID        string          `json:"run_id"`
	Seed         int64           `json:"seed"`
	ScenarioID   string          `json:"scenario_id"`
	Timestamp    string          `json:"timestamp"`
	OverallScore float64         `json:"overall_score"`
	Scores       ComponentScores `json:"scores"`
}

// BundledCall is one tool call in the results bundle.
type BundledCall struct {
	ToolName        string         `json:"tool_name"`
	Arguments       map[string]any `json:"arguments"`
	ReturnValue     any            `json:"return_value"`
	ReturnValueHash string         `json:"return_value_hash"`
	Timestamp       string         `json:"timestamp"`
	ExecutionTimeMS *float64       `json:"execution_time_ms"`
}

// ToolResultsBundle is the tool_results_bundle.json document.
type ToolResultsBundle struct {
	RunID     string        `json:"run_id"`
	Seed      int64         `json:"seed"`
	Timestamp string        `json:"timestamp"`
	ToolCalls []BundledCall `json:"tool_calls"`
}

// Generator builds artifacts for the current run.
type Generator struct {
	run    RunInfo
	ledger LedgerSource
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock sets the artifact timestamp clock.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = logging.OrDiscard(l) }
}

// NewGenerator returns a generator for run and its ledger.
func NewGenerator(run RunInfo, ledger LedgerSource, opts ...Option) *Generator {
	g := &Generator{run: run, ledger: ledger, now: time.Now, logger: logging.Discard()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func componentScores(scores harness.ScoringResult) ComponentScores {
	out := ComponentScores{
		SchemaValidation: scores.SchemaValidation.Valid,
		Grounding:        scores.Grounding.Score,
	}
	if scores.NDCG != nil {
		at3, at5 := scores.NDCG.NDCGAt3, scores.NDCG.NDCGAt5
		out.NDCGAt3, out.NDCGAt5 = &at3, &at5
	}
	return out
}

// MetricsJSON builds metrics.json and writes it when path is non-empty.
func (g *Generator) MetricsJSON(scores harness.ScoringResult, path string) (Metrics, error) {
	m := Metrics{
		RunID:      g.run.RunID(),
		Seed:       g.run.Seed(),
		ScenarioID: g.run.ScenarioID(),
		Timestamp:  harness.Timestamp(g.now()),
		Scores:     MetricScores{Overall: scores.OverallScore, ComponentScores: componentScores(scores)},
		Details:    scores,
	}
	return m, g.write(path, m)
}

// LeaderboardRow builds leaderboard-row.json and writes it when path is non-empty.
func (g *Generator) LeaderboardRow(scores harness.ScoringResult, agentName, path string) (LeaderboardRow, error) {
	if agentName == "" {
		agentName = DefaultAgentName
	}
	row := LeaderboardRow{
		AgentName:    agentName,
		RunID:        g.run.RunID(),
		Seed:         g.run.Seed(),
		ScenarioID:   g.run.ScenarioID(),
		Timestamp:    harness.Timestamp(g.now()),
		OverallScore: scores.OverallScore,
		Scores:       componentScores(scores),
	}
	return row, g.write(path, row)
}

// ToolResultsBundle builds tool_results_bundle.json and writes it when path is non-empty.
func (g *Generator) ToolResultsBundle(path string) (ToolResultsBundle, error) {
	traces := g.ledger.Traces()
	calls := make([]BundledCall, 0, len(traces))
	for _, t := range traces {
		calls = append(calls, BundledCall{
			ToolName:        t.ToolName,
			Arguments:       t.Arguments,
			ReturnValue:     t.ReturnValue,
			ReturnValueHash: t.ReturnValueHash,
			Timestamp:       t.Timestamp,
			ExecutionTimeMS: t.ExecutionTimeMS,
		})
	}
	bundle := ToolResultsBundle{
		RunID:     g.run.RunID(),
		Seed:      g.run.Seed(),
		Timestamp: harness.Timestamp(g.now()),
		ToolCalls: calls,
	}
	return bundle, g.write(path, bundle)
}

// ExportAll writes every artifact into dir and returns artifact name to path.
// agentOutput is written only when non-nil.
func (g *Generator) ExportAll(dir string, scores harness.ScoringResult, agentName string, agentOutput any) (map[string]string, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	paths := map[string]string{
		"metrics":      filepath.Join(dir, MetricsFile),
		"leaderboard":  filepath.Join(dir, LeaderboardFile),
		"trace_ledger": filepath.Join(dir, LedgerFile),
		"tool_results": filepath.Join(dir, ToolResultsFile),
	}
	if _, err := g.MetricsJSON(scores, paths["metrics"]); err != nil {
		return nil, err
	}
	if _, err := g.LeaderboardRow(scores, agentName, paths["leaderboard"]); err != nil {
		return nil, err
	}
	if _, err := g.ledger.ExportJSON(paths["trace_ledger"]); err != nil {
		return nil, fmt.Errorf("export trace ledger: %w", err)
	}
	if _, err := g.ToolResultsBundle(paths["tool_results"]); err != nil {
		return nil, err
	}
	if agentOutput != nil {
		paths["agent_output"] = filepath.Join(dir, AgentOutputFile)
		if err := g.write(paths["agent_output"], agentOutput); err != nil {
			return nil, err
		}
	}
	g.logger.Info("artifacts exported", "dir", dir, "run_id", g.run.RunID(), "files", len(paths))
	return paths, nil
}

func (g *Generator) write(path string, v any) error {
	if path == "" {
		return nil
	}
	return atomicfile.WriteJSON(path, v)
}
