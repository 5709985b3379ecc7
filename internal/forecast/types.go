package forecast

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/affect-state/internal/emotion"
)

// #region trend

// Trend is the direction of the current dominant label's smoothed score.
type Trend string

const (
	TrendRising       Trend = "rising"
	TrendFalling      Trend = "falling"
	TrendStable       Trend = "stable"
	TrendInsufficient Trend = "insufficient-data"
)

// #endregion trend

// #region config

// Config holds the forecaster's smoothing and windowing parameters.
type Config struct {
	Horizon    int     // W: max states kept in the window
	Alpha      float64 // EWMA weight of the newest observation, (0,1]
	MinHistory int     // below this many states the trend is insufficient-data
	Lookback   int     // k: steps back the trend compares against
	DeadBand   float64 // |delta| <= DeadBand reads as stable
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Horizon:    15,
		Alpha:      0.5,
		MinHistory: 3,
		Lookback:   2,
		DeadBand:   0.02,
	}
}

// Validate rejects parameter combinations the trend computation cannot honor.
func (c Config) Validate() error {
	if c.Alpha <= 0 || c.Alpha > 1 || math.IsNaN(c.Alpha) {
		return fmt.Errorf("alpha %.3f outside (0,1]", c.Alpha)
	}
	if c.Lookback < 1 {
		return fmt.Errorf("lookback must be >= 1, got %d", c.Lookback)
	}
	if c.MinHistory <= c.Lookback {
		return fmt.Errorf("min history %d must exceed lookback %d", c.MinHistory, c.Lookback)
	}
	if c.Horizon < c.MinHistory {
		return fmt.Errorf("horizon %d below min history %d", c.Horizon, c.MinHistory)
	}
	if c.DeadBand < 0 {
		return fmt.Errorf("dead band must be >= 0, got %.3f", c.DeadBand)
	}
	return nil
}

// Clamp pulls every field into the range Validate accepts. An alpha outside
// (0,1] falls back to the default.
func (c Config) Clamp() Config {
	if c.Alpha <= 0 || c.Alpha > 1 || math.IsNaN(c.Alpha) {
		c.Alpha = DefaultConfig().Alpha
	}
	if c.Lookback < 1 {
		c.Lookback = 1
	}
	if c.MinHistory <= c.Lookback {
		c.MinHistory = c.Lookback + 1
	}
	if c.Horizon > 0 && c.Horizon < c.MinHistory {
		c.Horizon = c.MinHistory
	}
	if c.DeadBand < 0 || math.IsNaN(c.DeadBand) {
		c.DeadBand = 0
	}
	return c
}

// #endregion config

// #region window

// Window is one session's bounded history plus the derived forecast.
// Callers replace their window with the one Observe returns.
type Window struct {
	States              []emotion.FusedState
	Trend               Trend
	ProjectedLabel      string
	ProjectedConfidence float64
	Smoothed            map[string]float64 // latest EWMA score per label
	Alert               AlertLevel
}

// Len returns the number of states in the window.
func (w Window) Len() int {
	return len(w.States)
}

// #endregion window
