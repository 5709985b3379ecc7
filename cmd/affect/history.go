package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/affect-state/internal/analytics"
	"github.com/danielpatrickdp/affect-state/internal/emotion"
	"github.com/danielpatrickdp/affect-state/internal/logging"
)

// #region filter-flags

type filterOptions struct {
	profileID string
	sessionID string
	from      string
	to        string
}

func (o *filterOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.profileID, "profile", "", "profile to read")
	f.StringVar(&o.sessionID, "session", "", "restrict to one session")
	f.StringVar(&o.from, "from", "", "first day to include (YYYY-MM-DD or RFC 3339)")
	f.StringVar(&o.to, "to", "", "first day to exclude (YYYY-MM-DD or RFC 3339)")
	_ = cmd.MarkFlagRequired("profile")
}

func (o *filterOptions) filter() (analytics.Filter, error) {
	f := analytics.Filter{SessionID: o.sessionID}
	var err error
	if f.From, err = parseTime(o.from); err != nil {
		return f, fmt.Errorf("--from: %w", err)
	}
	if f.To, err = parseTime(o.to); err != nil {
		return f, fmt.Errorf("--to: %w", err)
	}
	return f, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// #endregion filter-flags

// #region history
func newHistoryCmd(a *app) *cobra.Command {
	var (
		opts  filterOptions
		audit bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Decrypt and list stored states",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := opts.filter()
			if err != nil {
				return err
			}
			store, err := a.openUnlocked(cmd.Context(), opts.profileID)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tSEQ\tLABEL\tCONFIDENCE\tFLAGS\tFUSED AT")
			var flagged int
			for entry, err := range store.Query(cmd.Context(), opts.profileID, filter) {
				if err != nil {
					var recErr *analytics.RecordError
					if !errors.As(err, &recErr) {
						tw.Flush()
						return err
					}
					flagged++
					fmt.Fprintf(tw, "%s\t%d\t-\t-\tunreadable\t-\n", recErr.SessionID, recErr.Seq)
					continue
				}
				st := entry.State
				fmt.Fprintf(tw, "%s\t%d\t%s\t%.2f\t%s\t%s\n",
					entry.SessionID, entry.Seq, st.DominantLabel, st.FusedConfidence, stateFlags(st), st.FusedAt.Format(time.RFC3339))
			}
			tw.Flush()
			if flagged > 0 {
				fmt.Fprintf(out, "%d record(s) could not be authenticated\n", flagged)
			}

			if audit {
				entries, err := logging.NewAuditLog(store.DB()).List(cmd.Context(), opts.profileID, opts.sessionID, 0)
				if err != nil {
					return err
				}
				printAudit(out, entries)
			}
			return nil
		},
	}
	opts.register(cmd)
	cmd.Flags().BoolVar(&audit, "audit", false, "also list the cycle log")
	return cmd
}

func stateFlags(st emotion.FusedState) string {
	switch {
	case st.Manual:
		return "manual"
	case st.LowConfidence:
		return "low"
	}
	return "-"
}

func printAudit(out io.Writer, entries []logging.CycleEntry) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nAT\tSESSION\tSEQ\tEVENT\tREASON")
	for _, e := range entries {
		reason := e.Detail.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.SessionID, e.Seq, e.Event, reason)
	}
	tw.Flush()
}

// #endregion history

// #region summary

type summaryReport struct {
	Records    int                    `json:"records"`
	Unreadable int                    `json:"unreadable"`
	Labels     []analytics.LabelShare `json:"labels"`
	Daily      []analytics.DailyTrend `json:"daily"`
}

func newSummaryCmd(a *app) *cobra.Command {
	var (
		opts   filterOptions
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Label distribution and daily confidence trends",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := opts.filter()
			if err != nil {
				return err
			}
			store, err := a.openUnlocked(cmd.Context(), opts.profileID)
			if err != nil {
				return err
			}
			defer store.Close()

			states, flagged, err := analytics.Collect(store.Query(cmd.Context(), opts.profileID, filter))
			if err != nil {
				return err
			}
			report := summaryReport{
				Records:    len(states),
				Unreadable: flagged,
				Labels:     analytics.Summarize(states),
				Daily:      analytics.DailyTrends(states),
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Fprintf(out, "%d record(s), %d unreadable\n\n", report.Records, report.Unreadable)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LABEL\tCOUNT\tSHARE")
			for _, l := range report.Labels {
				fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", l.Label, l.Count, l.Percentage)
			}
			fmt.Fprintln(tw, "\nDATE\tLABEL\tCOUNT\tMEAN CONFIDENCE")
			for _, d := range report.Daily {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%.2f\n", d.Date, d.Label, d.Count, d.MeanConfidence)
			}
			return tw.Flush()
		},
	}
	opts.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

// #endregion summary
