package replay

import (
	"testing"

	"github.com/danielpatrickdp/affect-state/internal/emotion"
	"github.com/danielpatrickdp/affect-state/internal/forecast"
)

func obs(m emotion.Modality, label string, conf float64) emotion.Observation {
	return emotion.Observation{
		Modality:      m,
		Label:         label,
		Confidence:    conf,
		Probabilities: map[string]float64{label: conf, "neutral": 1 - conf},
	}
}

func lowObs() emotion.Observation {
	return emotion.Observation{
		Modality:      emotion.Face,
		Label:         "fear",
		Confidence:    0.3,
		Probabilities: map[string]float64{"fear": 0.3, "sad": 0.25, "angry": 0.25, "neutral": 0.2},
	}
}

// 1. Confident cycle: persisted, forecast starts.
func TestReplay_Persist(t *testing.T) {
	results := Replay([]Cycle{{ID: "c1", Observations: []emotion.Observation{obs(emotion.Face, "happy", 0.9)}}}, DefaultReplayConfig())
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Action != ActionPersist {
		t.Errorf("expected persist, got %s (%s)", r.Action, r.Reason)
	}
	if r.GateDecision == nil {
		t.Error("expected GateDecision to be populated")
	}
	if r.Trend != forecast.TrendInsufficient {
		t.Errorf("expected insufficient-data after one state, got %s", r.Trend)
	}
	if r.Projected != "happy" {
		t.Errorf("expected happy projection, got %s", r.Projected)
	}
}

// 2. Low confidence without override: held, forecast untouched.
func TestReplay_HoldLeavesForecast(t *testing.T) {
	results := Replay([]Cycle{{ID: "c1", Observations: []emotion.Observation{lowObs()}}}, DefaultReplayConfig())
	r := results[0]
	if r.Action != ActionHold {
		t.Fatalf("expected hold, got %s", r.Action)
	}
	if !r.State.LowConfidence {
		t.Error("held state must be flagged low-confidence")
	}
	if r.Trend != "" || r.Projected != "" {
		t.Errorf("hold must not feed the forecaster, got trend=%q projected=%q", r.Trend, r.Projected)
	}
}

// 3. Override resolves a held state into a manual one.
func TestReplay_Override(t *testing.T) {
	results := Replay([]Cycle{{ID: "c1", Observations: []emotion.Observation{lowObs()}, Override: "anger"}}, DefaultReplayConfig())
	r := results[0]
	if r.Action != ActionOverride {
		t.Fatalf("expected override, got %s (%s)", r.Action, r.Reason)
	}
	if !r.State.Manual || r.State.DominantLabel != "angry" {
		t.Errorf("expected manual angry state, got %+v", r.State)
	}
	if r.Alert != forecast.AlertCritical {
		t.Errorf("expected critical alert for angry, got %s", r.Alert)
	}
}

// 4. Unknown override label keeps the hold.
func TestReplay_OverrideUnknownLabel(t *testing.T) {
	results := Replay([]Cycle{{ID: "c1", Observations: []emotion.Observation{lowObs()}, Override: "bored"}}, DefaultReplayConfig())
	if results[0].Action != ActionHold {
		t.Fatalf("expected hold to stand, got %s", results[0].Action)
	}
}

// 5. No usable observations: empty, with override still allowed.
func TestReplay_Empty(t *testing.T) {
	cycles := []Cycle{
		{ID: "c1"},
		{ID: "c2", Override: "neutral"},
	}
	results := Replay(cycles, DefaultReplayConfig())
	if results[0].Action != ActionEmpty {
		t.Errorf("expected empty, got %s", results[0].Action)
	}
	if results[1].Action != ActionOverride || results[1].State.DominantLabel != "neutral" {
		t.Errorf("expected neutral override, got %s %s", results[1].Action, results[1].State.DominantLabel)
	}
}

// 6. Raised threshold turns a persist into a hold.
func TestReplay_MinConfidenceFromConfig(t *testing.T) {
	cfg := DefaultReplayConfig()
	cfg.GateConfig.MinConfidence = 0.95
	results := Replay([]Cycle{{ID: "c1", Observations: []emotion.Observation{obs(emotion.Face, "happy", 0.9)}}}, cfg)
	if results[0].Action != ActionHold {
		t.Fatalf("expected hold under 0.95 threshold, got %s", results[0].Action)
	}
}

// 7. Summary counts every action kind.
func TestSummarize(t *testing.T) {
	results := []ReplayResult{
		{Action: ActionPersist, State: emotion.FusedState{DominantLabel: "happy"}, Trend: forecast.TrendInsufficient},
		{Action: ActionHold},
		{Action: ActionOverride, State: emotion.FusedState{DominantLabel: "sad"}},
		{Action: ActionEmpty},
		{Action: ActionReject, Trend: forecast.TrendStable},
	}
	s := Summarize(results)
	if s.TotalCycles != 5 || s.Persisted != 2 || s.Held != 1 || s.Overrides != 1 || s.Empty != 1 || s.Rejected != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if s.FinalTrend != forecast.TrendStable {
		t.Errorf("expected final trend from last result, got %s", s.FinalTrend)
	}
	if len(s.Labels) != 2 {
		t.Errorf("expected 2 labels, got %+v", s.Labels)
	}
}
