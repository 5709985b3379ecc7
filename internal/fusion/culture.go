package fusion

import (
	"strings"

	"github.com/danielpatrickdp/affect-state/internal/emotion"
)

// #region cultures

// DefaultCulture applies no calibration.
const DefaultCulture = "global"

// cultureWeights holds per-modality label multipliers. Labels without an
// entry keep a multiplier of 1.
var cultureWeights = map[string]map[emotion.Modality]map[string]float64{
	"global": {},
	"indian": {
		emotion.Face:  {"neutral": 0.9, "happy": 1.1, "sad": 1.05, "angry": 0.95},
		emotion.Voice: {"neutral": 0.95, "happy": 1.05, "sad": 1.1, "angry": 0.9},
		emotion.Text:  {"neutral": 0.9, "happy": 1.05, "sad": 1.1},
	},
	"japanese": {
		emotion.Face:  {"neutral": 1.15, "happy": 0.95, "sad": 1.05},
		emotion.Voice: {"neutral": 1.1, "happy": 0.95, "sad": 1.05},
		emotion.Text:  {"neutral": 1.1, "happy": 0.95, "fear": 1.05},
	},
	"american": {
		emotion.Face:  {"happy": 1.1, "surprise": 1.05, "neutral": 0.95},
		emotion.Voice: {"happy": 1.1, "angry": 1.05, "neutral": 0.9},
		emotion.Text:  {"happy": 1.1, "surprise": 1.05, "fear": 0.95},
	},
}

// NormalizeCulture lower-cases code and maps unknown cultures to DefaultCulture.
func NormalizeCulture(code string) string {
	c := strings.ToLower(strings.TrimSpace(code))
	if _, ok := cultureWeights[c]; ok {
		return c
	}
	return DefaultCulture
}

// #endregion cultures

// #region calibrate

// Calibrate scales a modality's probability vector by the culture's
// multipliers and renormalizes it. The input map is not modified.
func Calibrate(probs map[string]float64, culture string, m emotion.Modality) map[string]float64 {
	mult := cultureWeights[NormalizeCulture(culture)][m]
	out := make(map[string]float64, len(emotion.Vocabulary))
	for _, l := range emotion.Vocabulary {
		p := probs[l]
		if f, ok := mult[l]; ok {
			p *= f
		}
		out[l] = p
	}
	if len(mult) == 0 {
		return out
	}
	return renormalize(out)
}

// #endregion calibrate
