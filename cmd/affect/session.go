package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/affect-state/internal/collector"
	"github.com/danielpatrickdp/affect-state/internal/emotion"
	"github.com/danielpatrickdp/affect-state/internal/forecast"
	"github.com/danielpatrickdp/affect-state/internal/fusion"
	"github.com/danielpatrickdp/affect-state/internal/gate"
	"github.com/danielpatrickdp/affect-state/internal/logging"
	"github.com/danielpatrickdp/affect-state/internal/orchestrator"
	"github.com/danielpatrickdp/affect-state/internal/replay"
)

// #region session-cmd

type sessionOptions struct {
	profileID string
	sessionID string
	input     string
	cycles    int
	interval  time.Duration
	onLow     string
}

func newSessionCmd(a *app) *cobra.Command {
	var opts sessionOptions
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Run detection cycles for a profile and store the fused states",
		Long: `session runs detection cycles against the configured gRPC collectors
and, with --input, a recorded cycle file. States below the confidence
threshold are discarded, accepted or resolved by a typed label depending
on --on-low; overrides recorded in the input file always win.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch opts.onLow {
			case "discard", "accept", "prompt":
			default:
				return fmt.Errorf("--on-low must be discard, accept or prompt, got %q", opts.onLow)
			}
			return a.runSession(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.profileID, "profile", "", "profile to record under")
	f.StringVar(&opts.sessionID, "session", "", "session id (default: new UUID)")
	f.StringVar(&opts.input, "input", "", "recorded cycles (replay fixture format) to feed as collectors")
	f.IntVar(&opts.cycles, "cycles", 0, "cycles to run (default: one per input cycle, else 1)")
	f.DurationVar(&opts.interval, "interval", 0, "pause between cycles")
	f.StringVar(&opts.onLow, "on-low", "discard", "low-confidence handling: discard, accept or prompt")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

// #endregion session-cmd

// #region run-session

func (a *app) runSession(ctx context.Context, out io.Writer, opts sessionOptions) error {
	var (
		candidates []collector.Collector
		overrides  []string
	)
	for _, m := range emotion.Modalities {
		addr, ok := a.cfg.CollectorAddresses()[m]
		if !ok {
			continue
		}
		gc, err := collector.DialGRPC(addr, m)
		if err != nil {
			a.logger.Warn("collector dial failed", slog.String("modality", string(m)), slog.Any("error", err))
			continue
		}
		defer gc.Close()
		candidates = append(candidates, gc)
	}
	if opts.input != "" {
		fx, err := replay.LoadFixture(opts.input)
		if err != nil {
			return err
		}
		scripted, ov := scriptedCollectors(fx)
		candidates = append(candidates, scripted...)
		overrides = ov
		if opts.cycles == 0 {
			opts.cycles = len(fx.Cycles)
		}
	}
	if opts.cycles == 0 {
		opts.cycles = 1
	}

	store, err := a.openUnlocked(ctx, opts.profileID)
	if err != nil {
		return err
	}
	defer store.Close()
	defer store.Lock(opts.profileID)

	forecaster, err := forecast.NewForecaster(a.cfg.ForecastParams())
	if err != nil {
		return err
	}
	gateCfg := gate.DefaultGateConfig()
	gateCfg.MinConfidence = a.cfg.Fusion.MinConfidence
	orch, err := orchestrator.NewOrchestrator(orchestrator.Deps{
		Store:      store,
		Audit:      logging.NewAuditLog(store.DB()),
		Engine:     fusion.NewEngine(a.cfg.FusionParams()),
		Gate:       gate.NewGate(gateCfg),
		Forecaster: forecaster,
	}, a.cfg.OrchestratorParams(), a.logger)
	if err != nil {
		return err
	}

	stopMetrics := a.serveMetrics()
	defer stopMetrics()

	sess := orch.NewSession(ctx, opts.profileID, opts.sessionID, candidates)
	fmt.Fprintf(out, "session %s (unavailable: %s)\n", sess.ID(), joinModalities(sess.Unavailable()))

	for i := 0; i < opts.cycles; i++ {
		if i > 0 && opts.interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.interval):
			}
		}

		res, err := sess.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "cycle %d: %v\n", i+1, err)
			continue
		}
		if res.Warning != nil {
			override := ""
			if i < len(overrides) {
				override = overrides[i]
			}
			res, err = a.resolveLow(ctx, out, sess, *res.Warning, override, opts.onLow)
			if err != nil {
				fmt.Fprintf(out, "cycle %d: %v\n", i+1, err)
				continue
			}
		}
		printCycle(out, i+1, res)
	}
	return nil
}

// resolveLow settles a pending low-confidence state.
func (a *app) resolveLow(ctx context.Context, out io.Writer, sess *orchestrator.Session, w orchestrator.LowConfidenceWarning, override, mode string) (orchestrator.CycleResult, error) {
	if override != "" {
		return sess.Override(ctx, override)
	}
	switch mode {
	case "accept":
		return sess.AcceptPending(ctx)
	case "prompt":
		pending, _ := sess.Pending()
		fmt.Fprintf(out, "%s (fused: %s). label, or empty to discard: ", w, pending.DominantLabel)
		label, err := a.readLine()
		label = strings.TrimSpace(label)
		if label != "" {
			res, oerr := sess.Override(ctx, label)
			if oerr == nil {
				return res, nil
			}
			fmt.Fprintf(out, "%v\n", oerr)
		} else if err != nil && !errors.Is(err, io.EOF) {
			return orchestrator.CycleResult{}, err
		}
	}
	if err := sess.DiscardPending(ctx); err != nil {
		return orchestrator.CycleResult{}, err
	}
	return orchestrator.CycleResult{}, nil
}

func printCycle(out io.Writer, n int, res orchestrator.CycleResult) {
	if !res.Persisted() {
		fmt.Fprintf(out, "cycle %d: discarded\n", n)
		return
	}
	st := res.State
	fw := res.Forecast
	fmt.Fprintf(out, "cycle %d: seq=%d label=%s confidence=%.2f low=%t manual=%t missing=%s trend=%s next=%s alert=%s\n",
		n, res.Seq, st.DominantLabel, st.FusedConfidence, st.LowConfidence, st.Manual,
		joinModalities(res.Missing), fw.Trend, fw.ProjectedLabel, fw.Alert)
}

// #endregion run-session

// #region scripted-input

// scriptedCollectors turns recorded cycles into one Scripted collector per
// modality that appears in them. A cycle without a reading for a modality
// scripts an absent result. The second return value holds each cycle's
// recorded override label.
func scriptedCollectors(fx *replay.Fixture) ([]collector.Collector, []string) {
	cycles := fx.ToCycles(time.Now().UTC())
	seen := make(map[emotion.Modality]bool)
	for _, c := range cycles {
		for _, o := range c.Observations {
			seen[o.Modality] = true
		}
	}

	var out []collector.Collector
	for _, m := range emotion.Modalities {
		if !seen[m] {
			continue
		}
		s := collector.NewScripted(m)
		for _, c := range cycles {
			var pick *emotion.Observation
			for i := range c.Observations {
				if c.Observations[i].Modality == m {
					o := c.Observations[i]
					pick = &o
				}
			}
			s.Push(pick)
		}
		out = append(out, s)
	}

	overrides := make([]string, len(cycles))
	for i, c := range cycles {
		overrides[i] = c.Override
	}
	return out, overrides
}

func joinModalities(ms []emotion.Modality) string {
	if len(ms) == 0 {
		return "none"
	}
	names := make([]string, len(ms))
	for i, m := range ms {
		names[i] = string(m)
	}
	return strings.Join(names, ",")
}

// #endregion scripted-input
