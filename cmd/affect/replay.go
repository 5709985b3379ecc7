package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/affect-state/internal/replay"
)

// #region replay
func newReplayCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <fixture.json>",
		Short: "Replay recorded cycles in memory and compare against expectations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := replay.LoadFixture(args[0])
			if err != nil {
				return err
			}
			cfg := f.Config.ToReplayConfig()
			if err := cfg.ForecastConfig.Validate(); err != nil {
				return fmt.Errorf("fixture forecast config: %w", err)
			}
			results := replay.Replay(f.ToCycles(time.Now().UTC()), cfg)

			out := cmd.OutOrStdout()
			printComparison(out, results, f.ExpectedResults)
			sum := replay.Summarize(results)
			fmt.Fprintf(out, "\nCycles: %d total, %d persisted (%d override), %d held, %d rejected, %d empty; final trend %s\n",
				sum.TotalCycles, sum.Persisted, sum.Overrides, sum.Held, sum.Rejected, sum.Empty, sum.FinalTrend)

			if diffs := f.Compare(results); len(diffs) > 0 {
				for _, d := range diffs {
					a.logger.Warn("replay diverged", "detail", d)
				}
				return fmt.Errorf("%d expectation(s) diverge", len(diffs))
			}
			return nil
		},
	}
}

// printComparison outputs a per-cycle comparison table.
func printComparison(out io.Writer, results []replay.ReplayResult, expected []replay.FixtureExpectedResult) {
	fmt.Fprintf(out, "%-8s| %-10s| %-10s| %-10s| %-18s| %s\n", "Cycle", "Expected", "Replayed", "Label", "Trend", "Match")
	fmt.Fprintf(out, "%-8s+%-11s+%-11s+%-11s+%-19s+%s\n",
		"--------", "-----------", "-----------", "-----------", "-------------------", "------")
	for i, r := range results {
		exp := "-"
		match := "-"
		if i < len(expected) {
			exp = expected[i].Action
			match = "DIFF"
			if resultMatches(r, expected[i]) {
				match = "OK"
			}
		}
		label := r.State.DominantLabel
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(out, "%-8s| %-10s| %-10s| %-10s| %-18s| %s\n", r.CycleID, exp, r.Action, label, r.Trend, match)
	}
}

func resultMatches(r replay.ReplayResult, e replay.FixtureExpectedResult) bool {
	if string(r.Action) != e.Action {
		return false
	}
	if e.Label != "" && r.State.DominantLabel != e.Label {
		return false
	}
	return e.Trend == "" || string(r.Trend) == e.Trend
}

// #endregion replay
