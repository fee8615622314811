package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	api "github.com/tiger/greenbench/api/harness"
	"github.com/tiger/greenbench/internal/artifacts/s3publish"
	"github.com/tiger/greenbench/internal/config"
)

var errPlanRejected = errors.New("plan rejected")

// runRequest is one evaluation: a plan to execute and the submission to score.
type runRequest struct {
	RunID      string          `json:"run_id,omitempty"`
	Plan       json.RawMessage `json:"plan"`
	Submission json.RawMessage `json:"submission"`
	Brief      map[string]any  `json:"brief,omitempty"`
}

type runSummary struct {
	RunID        string             `json:"run_id"`
	Seed         int64              `json:"seed"`
	ScenarioID   string             `json:"scenario_id,omitempty"`
	PlanError    string             `json:"plan_error,omitempty"`
	ToolCalls    int                `json:"tool_calls"`
	FailedCalls  int                `json:"failed_calls"`
	OverallScore float64            `json:"overall_score"`
	Scoring      *api.ScoringResult `json:"scoring,omitempty"`
	Artifacts    map[string]string  `json:"artifacts,omitempty"`
	Published    []string           `json:"published,omitempty"`
}

// evaluate runs req end to end on a fresh run and exports its artifacts
// under cfg.OutputDir/<run_id>.
func evaluate(ctx context.Context, st *stack, cfg config.Config, req runRequest) (runSummary, error) {
	h := st.harness
	if req.RunID != "" {
		if err := api.ValidateRunID(req.RunID); err != nil {
			return runSummary{RunID: req.RunID}, err
		}
	}
	runID := h.StartRun(req.RunID)
	summary := runSummary{RunID: runID, Seed: cfg.Seed, ScenarioID: cfg.ScenarioID}

	report := h.ValidateAndExecutePlan(ctx, []byte(req.Plan))
	if !report.Executed {
		summary.PlanError = report.Error
		return summary, fmt.Errorf("%w: %s", errPlanRejected, report.Error)
	}
	summary.ToolCalls = len(report.Results)
	for _, r := range report.Results {
		if !r.Success {
			summary.FailedCalls++
		}
	}

	var sub any
	if err := json.Unmarshal(req.Submission, &sub); err != nil {
		// Scored as malformed rather than rejected.
		sub = string(req.Submission)
	}
	eval := h.EvaluateSubmission(ctx, sub, req.Brief)
	summary.Scoring = &eval.Scoring
	summary.OverallScore = eval.Scoring.OverallScore

	paths, err := h.ExportArtifacts(filepath.Join(cfg.OutputDir, runID), eval.Scoring, cfg.AgentName, sub)
	if err != nil {
		return summary, fmt.Errorf("export artifacts: %w", err)
	}
	summary.Artifacts = paths
	return summary, nil
}

var runBindings = map[string]string{
	"seed":             "seed",
	"scenario_id":      "scenario",
	"fixtures_dir":     "fixtures",
	"fixture_store":    "fixture-store",
	"redis_addr":       "redis-addr",
	"output_dir":       "out",
	"agent_name":       "agent",
	"use_fixtures":     "use-fixtures",
	"required_fields":  "required-fields",
	"ledger_jsonl_dir": "ledger-jsonl",
	"s3_bucket":        "s3-bucket",
	"s3_prefix":        "s3-prefix",
	"s3_region":        "s3-region",
}

func newRunCmd() *cobra.Command {
	var (
		planFile, submissionFile, briefFile, runID string
		publish                                    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Validate and execute a plan, score a submission and export artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, runBindings)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}
			req := runRequest{RunID: runID}
			if req.Plan, err = os.ReadFile(planFile); err != nil {
				return fmt.Errorf("read plan: %w", err)
			}
			if req.Submission, err = os.ReadFile(submissionFile); err != nil {
				return fmt.Errorf("read submission: %w", err)
			}
			if briefFile != "" {
				raw, err := os.ReadFile(briefFile)
				if err != nil {
					return fmt.Errorf("read brief: %w", err)
				}
				if err := json.Unmarshal(raw, &req.Brief); err != nil {
					return fmt.Errorf("decode brief %s: %w", briefFile, err)
				}
			}

			st, err := newStack(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			summary, err := evaluate(ctx, st, cfg, req)
			if errors.Is(err, errPlanRejected) {
				if werr := writeJSON(cmd, summary); werr != nil {
					return werr
				}
				return &exitError{code: 1, reason: err.Error()}
			}
			if err != nil {
				return err
			}
			if publish {
				pub, err := s3publish.New(s3publish.Config{
					Bucket: cfg.S3Bucket,
					Prefix: cfg.S3Prefix,
					Region: cfg.S3Region,
				}, logger)
				if err != nil {
					return fmt.Errorf("publish: %w", err)
				}
				keys, err := pub.PublishDir(ctx, filepath.Join(cfg.OutputDir, summary.RunID), summary.RunID)
				if err != nil {
					return fmt.Errorf("publish: %w", err)
				}
				summary.Published = keys
			}
			return writeJSON(cmd, summary)
		},
	}
	f := cmd.Flags()
	f.StringVar(&planFile, "plan", "", "plan JSON file")
	f.StringVar(&submissionFile, "submission", "", "submission JSON file")
	f.StringVar(&briefFile, "brief", "", "brief JSON file used for ranking relevance")
	f.StringVar(&runID, "run-id", "", "run id (generated when empty)")
	f.BoolVar(&publish, "publish", false, "upload artifacts to S3")
	f.Int64("seed", 0, "fixture seed")
	f.String("scenario", "", "scenario id")
	f.String("fixtures", "", "fixture directory")
	f.String("fixture-store", "", "fixture store: file or redis")
	f.String("redis-addr", "", "redis address for the redis fixture store")
	f.String("out", "", "artifact output directory")
	f.String("agent", "", "agent name on the leaderboard row")
	f.Bool("use-fixtures", true, "resolve tool calls from fixtures")
	f.StringSlice("required-fields", nil, "submission fields required by schema validation")
	f.String("ledger-jsonl", "", "directory mirroring every trace as JSON lines")
	f.String("s3-bucket", "", "artifact bucket")
	f.String("s3-prefix", "", "artifact key prefix")
	f.String("s3-region", "", "artifact bucket region")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("submission")
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
