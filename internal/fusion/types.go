package fusion

import "github.com/danielpatrickdp/affect-state/internal/emotion"

// #region config

// Config holds the fusion policy constants.
type Config struct {
	AgreementFactor float64 // multiplier applied when >=2 modalities agree; capped at 1.0
	Culture         string  // calibration profile, see NormalizeCulture
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		AgreementFactor: 1.15,
		Culture:         DefaultCulture,
	}
}

// DefaultWeights weights every modality equally.
func DefaultWeights() map[emotion.Modality]float64 {
	return map[emotion.Modality]float64{
		emotion.Face:  1.0,
		emotion.Voice: 1.0,
		emotion.Text:  1.0,
	}
}

// #endregion config

// tieEpsilon treats fused probabilities closer than this as equal.
const tieEpsilon = 1e-9
