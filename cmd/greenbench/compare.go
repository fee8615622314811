package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tiger/greenbench/internal/observability/replay"
)

func newCompareLedgersCmd() *cobra.Command {
	var (
		timing    bool
		tolerance time.Duration
	)
	cmd := &cobra.Command{
		Use:   "compare-ledgers BASELINE REPLAY",
		Short: "Report divergences between two exported trace ledgers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseline, err := replay.LoadLedger(args[0])
			if err != nil {
				return err
			}
			replayed, err := replay.LoadLedger(args[1])
			if err != nil {
				return err
			}
			report := replay.Compare(baseline, replayed, replay.CompareConfig{
				CompareTiming:     timing,
				TimingToleranceMS: float64(tolerance.Milliseconds()),
			})
			if err := writeJSON(cmd, report); err != nil {
				return err
			}
			if n := report.Unexpected(); n > 0 {
				return &exitError{code: 1, reason: fmt.Sprintf("%d unexpected divergences", n)}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&timing, "timing", false, "also compare execution times")
	cmd.Flags().DurationVar(&tolerance, "timing-tolerance", 50*time.Millisecond, "allowed execution time drift")
	return cmd
}
