package replay

import (
	"time"

	"github.com/danielpatrickdp/affect-state/internal/analytics"
	"github.com/danielpatrickdp/affect-state/internal/emotion"
	"github.com/danielpatrickdp/affect-state/internal/forecast"
	"github.com/danielpatrickdp/affect-state/internal/fusion"
	"github.com/danielpatrickdp/affect-state/internal/gate"
)

// #region types

// Action is the outcome of replaying one cycle.
type Action string

const (
	ActionPersist  Action = "persist"
	ActionHold     Action = "hold"
	ActionOverride Action = "override"
	ActionReject   Action = "reject"
	ActionEmpty    Action = "empty"
)

// Cycle is one recorded detection cycle. Override, when set, resolves a
// held state the way a user would.
type Cycle struct {
	ID           string
	Observations []emotion.Observation
	Override     string
}

// ReplayConfig bundles fusion, gate and forecast policy for a replay run.
type ReplayConfig struct {
	Weights        map[emotion.Modality]float64
	FusionConfig   fusion.Config
	GateConfig     gate.GateConfig
	ForecastConfig forecast.Config
}

// DefaultReplayConfig returns the same defaults a live session uses.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		Weights:        fusion.DefaultWeights(),
		FusionConfig:   fusion.DefaultConfig(),
		GateConfig:     gate.DefaultGateConfig(),
		ForecastConfig: forecast.DefaultConfig(),
	}
}

// ReplayResult captures the outcome of replaying one cycle through the pipeline.
type ReplayResult struct {
	CycleID string
	Action  Action
	Reason  string

	// zero for empty cycles
	State emotion.FusedState

	// nil for empty cycles
	GateDecision *gate.GateDecision

	// Forecast after this cycle; unchanged unless a state was persisted.
	Trend     forecast.Trend
	Projected string
	Alert     forecast.AlertLevel
}

// Persisted reports whether the cycle produced a stored state.
func (r ReplayResult) Persisted() bool {
	return r.Action == ActionPersist || r.Action == ActionOverride
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalCycles int
	Persisted   int
	Held        int
	Overrides   int
	Rejected    int
	Empty       int
	FinalTrend  forecast.Trend
	Labels      []analytics.LabelShare
}

// #endregion types

// #region replay

// Replay runs each cycle through fuse → gate → (override) → forecast.
// It operates entirely in memory; nothing is encrypted or stored.
func Replay(cycles []Cycle, config ReplayConfig) []ReplayResult {
	engine := fusion.NewEngine(config.FusionConfig)
	gateInst := gate.NewGate(config.GateConfig)
	var window forecast.Window
	results := make([]ReplayResult, 0, len(cycles))

	for _, c := range cycles {
		res := ReplayResult{CycleID: c.ID}

		state := engine.Fuse(c.Observations, config.Weights, config.GateConfig.MinConfidence)
		if len(state.Contributions) == 0 {
			res.Action = ActionEmpty
			res.Reason = "no usable observations"
			if c.Override != "" {
				res.resolve(c.Override, gateInst)
			}
		} else {
			decision := gateInst.Evaluate(state)
			res.State = state
			res.GateDecision = &decision
			res.Reason = decision.Reason
			switch decision.Action {
			case gate.ActionReject:
				res.Action = ActionReject
			case gate.ActionHold:
				res.Action = ActionHold
				res.State.LowConfidence = true
				if c.Override != "" {
					res.resolve(c.Override, gateInst)
				}
			default:
				res.Action = ActionPersist
			}
		}

		if res.Persisted() {
			window = forecast.Observe(window, res.State, config.ForecastConfig)
		}
		res.Trend = window.Trend
		res.Projected = window.ProjectedLabel
		res.Alert = window.Alert
		results = append(results, res)
	}
	return results
}

// resolve swaps the cycle's state for a manual one. An unknown label
// leaves the result as it was.
func (r *ReplayResult) resolve(label string, g *gate.Gate) {
	manual, err := emotion.ManualState(label, time.Now())
	if err != nil {
		r.Reason = err.Error()
		return
	}
	decision := g.Evaluate(manual)
	if decision.Action != gate.ActionPersist {
		r.Reason = decision.Reason
		return
	}
	r.Action = ActionOverride
	r.Reason = decision.Reason
	r.State = manual
	r.GateDecision = &decision
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult) ReplaySummary {
	s := ReplaySummary{TotalCycles: len(results)}
	var persisted []emotion.FusedState
	for _, r := range results {
		switch r.Action {
		case ActionPersist:
			s.Persisted++
		case ActionOverride:
			s.Persisted++
			s.Overrides++
		case ActionHold:
			s.Held++
		case ActionReject:
			s.Rejected++
		case ActionEmpty:
			s.Empty++
		}
		if r.Persisted() {
			persisted = append(persisted, r.State)
		}
	}
	if len(results) > 0 {
		s.FinalTrend = results[len(results)-1].Trend
	}
	s.Labels = analytics.Summarize(persisted)
	return s
}

// #endregion replay
