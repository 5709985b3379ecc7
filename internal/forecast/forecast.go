package forecast

import "github.com/danielpatrickdp/affect-state/internal/emotion"

// #region forecaster

// Forecaster applies a fixed Config to session windows.
type Forecaster struct {
	config Config
}

// NewForecaster validates config and returns a Forecaster.
func NewForecaster(config Config) (*Forecaster, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Forecaster{config: config}, nil
}

// Observe appends state to window under the forecaster's config.
func (f *Forecaster) Observe(window Window, state emotion.FusedState) Window {
	return Observe(window, state, f.config)
}

// #endregion forecaster

// #region observe

// Observe is a pure function: it returns a new window holding state appended
// to window's history (oldest evicted past Horizon) with trend and one-step
// projection recomputed. window is not modified. Out-of-range config fields
// are clamped, see Config.Clamp.
func Observe(window Window, state emotion.FusedState, config Config) Window {
	config = config.Clamp()
	states := make([]emotion.FusedState, 0, len(window.States)+1)
	states = append(states, window.States...)
	states = append(states, state)
	if config.Horizon > 0 && len(states) > config.Horizon {
		states = states[len(states)-config.Horizon:]
	}

	history := smooth(states, config.Alpha)
	n := len(states)
	latest := make(map[string]float64, len(emotion.Vocabulary))
	for _, l := range emotion.Vocabulary {
		latest[l] = history[l][n-1]
	}

	out := Window{
		States:   states,
		Smoothed: latest,
	}

	if n < config.MinHistory || n <= config.Lookback {
		out.Trend = TrendInsufficient
		out.ProjectedLabel = state.DominantLabel
		out.ProjectedConfidence = state.FusedConfidence
		out.Alert = AlertFor(out.ProjectedLabel)
		return out
	}

	out.Trend = trend(states, history, state.DominantLabel, config)

	out.ProjectedLabel, out.ProjectedConfidence = project(latest)
	out.Alert = AlertFor(out.ProjectedLabel)
	return out
}

// #endregion observe

// #region helpers

// trend reads the direction of label over the last Lookback steps. A raw
// signal that moved strictly one way is rising or falling however small the
// steps; otherwise the smoothed delta is compared against the dead band.
func trend(states []emotion.FusedState, history map[string][]float64, label string, config Config) Trend {
	series, ok := history[label]
	if !ok {
		return TrendStable
	}
	n := len(states)
	switch monotone(states[n-1-config.Lookback:], label) {
	case 1:
		return TrendRising
	case -1:
		return TrendFalling
	}
	delta := series[n-1] - series[n-1-config.Lookback]
	switch {
	case delta > config.DeadBand:
		return TrendRising
	case delta < -config.DeadBand:
		return TrendFalling
	default:
		return TrendStable
	}
}

// monotone returns 1 when label's signal strictly increases across states,
// -1 when it strictly decreases and 0 otherwise.
func monotone(states []emotion.FusedState, label string) int {
	up, down := true, true
	for i := 1; i < len(states); i++ {
		prev, cur := signal(states[i-1], label), signal(states[i], label)
		if cur <= prev {
			up = false
		}
		if cur >= prev {
			down = false
		}
	}
	switch {
	case len(states) < 2:
		return 0
	case up:
		return 1
	case down:
		return -1
	}
	return 0
}

// signal is the per-label confidence a state contributes at its time step.
// The dominant label carries the (possibly boosted) fused confidence.
func signal(st emotion.FusedState, label string) float64 {
	if st.DominantLabel == label {
		return st.FusedConfidence
	}
	return st.Probabilities[label]
}

// smooth computes the EWMA series s_t = a*x_t + (1-a)*s_{t-1} per label,
// seeded with the first state's signal.
func smooth(states []emotion.FusedState, alpha float64) map[string][]float64 {
	out := make(map[string][]float64, len(emotion.Vocabulary))
	for _, l := range emotion.Vocabulary {
		series := make([]float64, len(states))
		for i, st := range states {
			x := signal(st, l)
			if i == 0 {
				series[i] = x
				continue
			}
			series[i] = alpha*x + (1-alpha)*series[i-1]
		}
		out[l] = series
	}
	return out
}

// project returns the smoothed-score argmax; ties go to the lexically smaller label.
func project(scores map[string]float64) (string, float64) {
	best := emotion.Vocabulary[0]
	for _, l := range emotion.Vocabulary[1:] {
		if scores[l] > scores[best] {
			best = l
		}
	}
	return best, clamp(scores[best])
}

// clamp restricts v to [0, 1].
func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
