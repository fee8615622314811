package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tiger/greenbench/internal/fixtures"
	"github.com/tiger/greenbench/internal/tools/registry"
	"github.com/tiger/greenbench/internal/validation/plan"
)

type planVerdict struct {
	Valid      bool     `json:"valid"`
	Issues     []string `json:"issues,omitempty"`
	ToolPlanID string   `json:"tool_plan_id,omitempty"`
	ToolCalls  int      `json:"tool_calls"`
}

func newValidatePlanCmd() *cobra.Command {
	var toolsFile string
	cmd := &cobra.Command{
		Use:   "validate-plan FILE",
		Short: "Check a plan against the tool allow-list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.Default()
			if toolsFile != "" {
				f, err := os.Open(toolsFile)
				if err != nil {
					return fmt.Errorf("open tool specs: %w", err)
				}
				_, err = reg.LoadSpecsYAML(f)
				_ = f.Close()
				if err != nil {
					return err
				}
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read plan: %w", err)
			}
			doc, verdict := plan.New(reg).ValidateDocument(raw)
			out := planVerdict{
				Valid:      verdict.Valid,
				Issues:     verdict.Issues,
				ToolPlanID: doc.ToolPlanID,
				ToolCalls:  len(doc.ToolCalls),
			}
			if err := writeJSON(cmd, out); err != nil {
				return err
			}
			if !verdict.Valid {
				return &exitError{code: 1, reason: verdict.Reason()}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&toolsFile, "tools", "", "YAML file with additional tool specs")
	return cmd
}

type fixtureKeys struct {
	Tool      string `json:"tool"`
	Seed      int64  `json:"seed"`
	ParamHash string `json:"param_hash"`
	ParamKey  string `json:"param_key"`
	SeedKey   string `json:"seed_key"`
	ParamPath string `json:"param_path,omitempty"`
	SeedPath  string `json:"seed_path,omitempty"`
}

func newFixtureKeyCmd() *cobra.Command {
	var (
		tool   string
		seed   int64
		params []string
		dir    string
	)
	cmd := &cobra.Command{
		Use:   "fixture-key",
		Short: "Print the fixture lookup hash and storage keys for a tool call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			args := make(map[string]any, len(params))
			for _, p := range params {
				k, v, ok := strings.Cut(p, "=")
				if !ok || strings.TrimSpace(k) == "" {
					return fmt.Errorf("--param %q must be key=value", p)
				}
				args[strings.TrimSpace(k)] = v
			}
			hash := fixtures.ParamHash(tool, args)
			out := fixtureKeys{
				Tool:      tool,
				Seed:      seed,
				ParamHash: hash,
				ParamKey:  fixtures.ParamKey(tool, seed, hash),
				SeedKey:   fixtures.SeedKey(tool, seed),
			}
			if dir != "" {
				out.ParamPath = filepath.Join(dir, filepath.FromSlash(out.ParamKey))
				out.SeedPath = filepath.Join(dir, filepath.FromSlash(out.SeedKey))
			}
			return writeJSON(cmd, out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&tool, "tool", "", "tool name")
	f.Int64Var(&seed, "seed", 42, "fixture seed")
	f.StringArrayVar(&params, "param", nil, "tool argument as key=value (repeatable)")
	f.StringVar(&dir, "fixtures", "", "fixture directory used to print file paths")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}
