package gate

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/affect-state/internal/emotion"
)

// #region gate
// Gate decides whether a fused state is stored, held for override, or rejected.
type Gate struct {
	config GateConfig
}

// NewGate creates a gate with the given configuration.
func NewGate(config GateConfig) *Gate {
	if config.SumTolerance <= 0 {
		config.SumTolerance = DefaultGateConfig().SumTolerance
	}
	return &Gate{config: config}
}

// Config returns the gate's thresholds.
func (g *Gate) Config() GateConfig {
	return g.config
}

// Evaluate checks hard vetoes first, then the confidence threshold.
// Manually supplied states skip the threshold but not the vetoes.
func (g *Gate) Evaluate(state emotion.FusedState) GateDecision {
	var (
		vetoes []VetoSignal
		checks []Check
	)

	// --- Hard veto pass ---

	// 1. Label must be in the vocabulary
	labelOK := emotion.InVocabulary(state.DominantLabel)
	checks = append(checks, Check{Name: "label", Value: boolValue(labelOK), Pass: labelOK})
	if !labelOK {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoVocabulary,
			Reason: fmt.Sprintf("label %q outside vocabulary", state.DominantLabel),
		})
	}

	// 2. Confidence in [0,1]
	c := state.FusedConfidence
	confOK := !math.IsNaN(c) && c >= 0 && c <= 1
	checks = append(checks, Check{Name: "confidence", Value: c, Pass: confOK})
	if !confOK {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoConfidenceRange,
			Reason: fmt.Sprintf("confidence %.4f outside [0,1]", c),
		})
	}

	// 3. Contributions sum to 1 over present modalities
	if !state.Manual {
		sum := sumContributions(state.Contributions)
		sumOK := len(state.Contributions) > 0 && math.Abs(sum-1) <= g.config.SumTolerance
		checks = append(checks, Check{Name: "contribution_sum", Value: sum, Pass: sumOK})
		if !sumOK {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoContribution,
				Reason: fmt.Sprintf("contributions sum %.6f, want 1", sum),
			})
		}
	}

	// 4. A modality cannot both contribute and be missing
	for _, m := range state.Missing {
		if _, ok := state.Contributions[m]; ok {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoMissing,
				Reason: fmt.Sprintf("modality %s both missing and contributing", m),
			})
			break
		}
	}

	// 5. Probability vector, when present, sums to 1
	if len(state.Probabilities) > 0 {
		sum := sumProbabilities(state.Probabilities)
		probOK := math.Abs(sum-1) <= g.config.SumTolerance
		checks = append(checks, Check{Name: "probability_sum", Value: sum, Pass: probOK})
		if !probOK {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoProbability,
				Reason: fmt.Sprintf("probabilities sum %.6f, want 1", sum),
			})
		}
	}

	// If any hard vetoes, reject immediately
	if len(vetoes) > 0 {
		return GateDecision{
			Action:      ActionReject,
			Reason:      fmt.Sprintf("hard veto: %s", vetoes[0].Reason),
			Vetoed:      true,
			VetoSignals: vetoes,
			Checks:      checks,
		}
	}

	// --- Threshold ---
	if state.Manual {
		return GateDecision{
			Action: ActionPersist,
			Reason: "manual label",
			Checks: checks,
		}
	}
	if state.LowConfidence || c < g.config.MinConfidence {
		return GateDecision{
			Action: ActionHold,
			Reason: fmt.Sprintf("confidence %.4f below %.4f", c, g.config.MinConfidence),
			Checks: checks,
		}
	}
	return GateDecision{
		Action: ActionPersist,
		Reason: fmt.Sprintf("passed gate: confidence=%.4f", c),
		Checks: checks,
	}
}

// #endregion gate

// #region helpers
// sumContributions adds in fixed modality order so the result is reproducible.
func sumContributions(m map[emotion.Modality]float64) float64 {
	var sum float64
	for _, mod := range emotion.Modalities {
		sum += m[mod]
	}
	return sum
}

func sumProbabilities(p map[string]float64) float64 {
	var sum float64
	for _, l := range emotion.Vocabulary {
		sum += p[l]
	}
	// labels outside the vocabulary still count against the total
	for l, v := range p {
		if !emotion.InVocabulary(l) {
			sum += v
		}
	}
	return sum
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// #endregion helpers
