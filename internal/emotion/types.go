package emotion

import "time"

// #region modality

// Modality is an independent sensing channel.
type Modality string

const (
	Face  Modality = "face"
	Voice Modality = "voice"
	Text  Modality = "text"
)

// Modalities lists every supported modality in fusion order.
var Modalities = []Modality{Face, Voice, Text}

// Valid reports whether m is a known modality.
func (m Modality) Valid() bool {
	switch m {
	case Face, Voice, Text:
		return true
	}
	return false
}

// #endregion modality

// #region observation

// Observation is one modality's raw output for a detection cycle.
// Confidence is in [0,1]; Probabilities sums to 1 over Vocabulary after Normalize.
type Observation struct {
	Modality      Modality           `json:"modality"`
	Label         string             `json:"label"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
	Timestamp     time.Time          `json:"timestamp"`
	SourceLatency time.Duration      `json:"source_latency"`
}

// #endregion observation

// #region fused-state

// FusedState is the single trusted emotional state produced per detection cycle.
type FusedState struct {
	DominantLabel   string               `json:"dominant_label"`
	FusedConfidence float64              `json:"fused_confidence"`
	Contributions   map[Modality]float64 `json:"per_modality_contribution"`
	Missing         []Modality           `json:"missing_modalities"`
	Probabilities   map[string]float64   `json:"probabilities,omitempty"`
	LowConfidence   bool                 `json:"low_confidence"`
	Manual          bool                 `json:"manual"` // supplied via override, not fused
	FusedAt         time.Time            `json:"fusion_timestamp"`
}

// ManualState records a label supplied directly by the user, bypassing fusion.
func ManualState(label string, at time.Time) (FusedState, error) {
	canon, ok := CanonicalLabel(label)
	if !ok {
		return FusedState{}, &UnknownLabelError{Label: label}
	}
	return FusedState{
		DominantLabel:   canon,
		FusedConfidence: 1,
		Contributions:   map[Modality]float64{},
		Missing:         append([]Modality(nil), Modalities...),
		Manual:          true,
		FusedAt:         at.UTC(),
	}, nil
}

// #endregion fused-state
