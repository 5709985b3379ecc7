package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/affect-state/internal/emotion"
	"github.com/danielpatrickdp/affect-state/internal/forecast"
	"github.com/danielpatrickdp/affect-state/internal/fusion"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	Config          FixtureConfig           `json:"config"`
	Cycles          []FixtureCycle          `json:"cycles"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureObservation mirrors emotion.Observation with JSON tags. OffsetMS
// places it relative to the start of its cycle.
type FixtureObservation struct {
	Modality      string             `json:"modality"`
	Label         string             `json:"label"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
	OffsetMS      int64              `json:"offset_ms"`
}

// FixtureCycle is one recorded cycle.
type FixtureCycle struct {
	CycleID      string               `json:"cycle_id"`
	Observations []FixtureObservation `json:"observations"`
	Override     string               `json:"override,omitempty"`
}

// FixtureExpectedResult captures the expected outcome per cycle. Empty
// Label or Trend are not checked.
type FixtureExpectedResult struct {
	CycleID string `json:"cycle_id"`
	Action  string `json:"action"`
	Label   string `json:"label,omitempty"`
	Trend   string `json:"trend,omitempty"`
}

// FixtureConfig bundles every policy knob of a replay run. Zero values
// fall back to the defaults.
type FixtureConfig struct {
	Weights         map[string]float64    `json:"weights"`
	MinConfidence   float64               `json:"min_confidence"`
	AgreementFactor float64               `json:"agreement_factor"`
	Culture         string                `json:"culture"`
	Forecast        FixtureForecastConfig `json:"forecast"`
}

// FixtureForecastConfig mirrors forecast.Config with JSON tags.
type FixtureForecastConfig struct {
	Horizon    int     `json:"horizon"`
	Alpha      float64 `json:"alpha"`
	MinHistory int     `json:"min_history"`
	Lookback   int     `json:"lookback"`
	DeadBand   float64 `json:"dead_band"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToCycles converts the fixture's cycles to domain cycles. Cycle i starts
// i seconds after base.
func (f *Fixture) ToCycles(base time.Time) []Cycle {
	out := make([]Cycle, len(f.Cycles))
	for i, fc := range f.Cycles {
		start := base.Add(time.Duration(i) * time.Second)
		c := Cycle{ID: fc.CycleID, Override: fc.Override}
		for _, fo := range fc.Observations {
			c.Observations = append(c.Observations, emotion.Observation{
				Modality:      emotion.Modality(fo.Modality),
				Label:         fo.Label,
				Confidence:    fo.Confidence,
				Probabilities: fo.Probabilities,
				Timestamp:     start.Add(time.Duration(fo.OffsetMS) * time.Millisecond),
			})
		}
		out[i] = c
	}
	return out
}

// ToReplayConfig converts a FixtureConfig to a domain ReplayConfig.
func (fc *FixtureConfig) ToReplayConfig() ReplayConfig {
	cfg := DefaultReplayConfig()
	for name, w := range fc.Weights {
		cfg.Weights[emotion.Modality(name)] = w
	}
	if fc.MinConfidence > 0 {
		cfg.GateConfig.MinConfidence = fc.MinConfidence
	}
	cfg.FusionConfig = fusion.Config{
		AgreementFactor: fc.AgreementFactor,
		Culture:         fc.Culture,
	}
	if cfg.FusionConfig.AgreementFactor == 0 {
		cfg.FusionConfig.AgreementFactor = fusion.DefaultConfig().AgreementFactor
	}
	if fc.Forecast.Horizon > 0 {
		cfg.ForecastConfig = forecast.Config{
			Horizon:    fc.Forecast.Horizon,
			Alpha:      fc.Forecast.Alpha,
			MinHistory: fc.Forecast.MinHistory,
			Lookback:   fc.Forecast.Lookback,
			DeadBand:   fc.Forecast.DeadBand,
		}
	}
	return cfg
}

// Compare matches results against the fixture's expectations and returns
// one message per mismatch.
func (f *Fixture) Compare(results []ReplayResult) []string {
	var diffs []string
	if len(results) != len(f.ExpectedResults) {
		diffs = append(diffs, fmt.Sprintf("expected %d results, got %d", len(f.ExpectedResults), len(results)))
	}
	for i, exp := range f.ExpectedResults {
		if i >= len(results) {
			break
		}
		got := results[i]
		if got.CycleID != exp.CycleID {
			diffs = append(diffs, fmt.Sprintf("cycle %d: expected cycle_id=%s, got %s", i, exp.CycleID, got.CycleID))
		}
		if string(got.Action) != exp.Action {
			diffs = append(diffs, fmt.Sprintf("cycle %s: expected action=%s, got %s (reason: %s)", exp.CycleID, exp.Action, got.Action, got.Reason))
		}
		if exp.Label != "" && got.State.DominantLabel != exp.Label {
			diffs = append(diffs, fmt.Sprintf("cycle %s: expected label=%s, got %s", exp.CycleID, exp.Label, got.State.DominantLabel))
		}
		if exp.Trend != "" && string(got.Trend) != exp.Trend {
			diffs = append(diffs, fmt.Sprintf("cycle %s: expected trend=%s, got %s", exp.CycleID, exp.Trend, got.Trend))
		}
	}
	return diffs
}

// #endregion fixture-loader
