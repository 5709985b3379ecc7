package fusion

import (
	"math"
	"time"

	"github.com/danielpatrickdp/affect-state/internal/emotion"
)

// #region engine

// Engine fuses per-modality observations into one FusedState.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	config Config
}

// NewEngine creates an engine with the given policy.
func NewEngine(config Config) *Engine {
	if config.AgreementFactor < 1 {
		config.AgreementFactor = 1
	}
	config.Culture = NormalizeCulture(config.Culture)
	return &Engine{config: config}
}

// Config returns the engine's policy.
func (e *Engine) Config() Config {
	return e.config
}

// #endregion engine

// #region fuse

// Fuse combines observations using weights. Absent modalities have their
// weight redistributed proportionally among present ones; a modality with no
// weight entry defaults to 1.0. Observations that cannot be normalized are
// treated as absent. Fuse never fails: a result below minConfidence is
// returned with LowConfidence set. FusedAt is the newest input timestamp.
func (e *Engine) Fuse(observations []emotion.Observation, weights map[emotion.Modality]float64, minConfidence float64) emotion.FusedState {
	latest := latestPerModality(observations)

	var present []emotion.Modality
	var missing []emotion.Modality
	for _, m := range emotion.Modalities {
		if _, ok := latest[m]; ok {
			present = append(present, m)
		} else {
			missing = append(missing, m)
		}
	}

	at := newest(observations)
	if len(present) == 0 {
		return emotion.FusedState{
			DominantLabel: "neutral",
			Contributions: map[emotion.Modality]float64{},
			Missing:       missing,
			LowConfidence: true,
			FusedAt:       at,
		}
	}

	r := e.combine(latest, present, weights)
	return emotion.FusedState{
		DominantLabel:   r.dominant,
		FusedConfidence: r.confidence,
		Contributions:   r.contrib,
		Missing:         missing,
		Probabilities:   r.fused,
		LowConfidence:   r.confidence < minConfidence,
		FusedAt:         at,
	}
}

// Fuse runs a one-off fusion with the default policy.
func Fuse(observations []emotion.Observation, weights map[emotion.Modality]float64, minConfidence float64) emotion.FusedState {
	return NewEngine(DefaultConfig()).Fuse(observations, weights, minConfidence)
}

// #endregion fuse

// #region combine

type combined struct {
	dominant   string
	confidence float64
	contrib    map[emotion.Modality]float64
	fused      map[string]float64
}

// combine fuses the observations of present. When two or more of them agree
// on the dominant label the confidence is boosted, and it never falls below
// what any agreeing subset would score on its own.
func (e *Engine) combine(latest map[emotion.Modality]emotion.Observation, present []emotion.Modality, weights map[emotion.Modality]float64) combined {
	contrib := redistribute(present, weights)

	// Weighted sum over the vocabulary.
	fused := make(map[string]float64, len(emotion.Vocabulary))
	rawConf := make(map[string]float64, len(emotion.Vocabulary))
	for _, m := range present {
		obs := latest[m]
		probs := Calibrate(obs.Probabilities, e.config.Culture, m)
		for _, l := range emotion.Vocabulary {
			fused[l] += contrib[m] * probs[l]
		}
		rawConf[obs.Label] += obs.Confidence
	}
	fused = renormalize(fused)

	dominant := argmax(fused, rawConf)
	confidence := fused[dominant]

	var agreeing []emotion.Modality
	var maxAgreeing float64
	for _, m := range present {
		obs := latest[m]
		if obs.Label == dominant {
			agreeing = append(agreeing, m)
			maxAgreeing = math.Max(maxAgreeing, obs.Confidence)
		}
	}
	if len(agreeing) >= 2 {
		confidence = math.Min(1, math.Max(confidence*e.config.AgreementFactor, maxAgreeing))
		for _, sub := range properSubsets(agreeing) {
			if r := e.combine(latest, sub, weights); r.dominant == dominant {
				confidence = math.Max(confidence, r.confidence)
			}
		}
	}

	return combined{
		dominant:   dominant,
		confidence: clamp(confidence),
		contrib:    contrib,
		fused:      fused,
	}
}

// properSubsets lists the subsets of ms with at least two and fewer than
// len(ms) members, in modality order.
func properSubsets(ms []emotion.Modality) [][]emotion.Modality {
	var out [][]emotion.Modality
	full := 1<<len(ms) - 1
	for mask := 1; mask < full; mask++ {
		var sub []emotion.Modality
		for i, m := range ms {
			if mask&(1<<i) != 0 {
				sub = append(sub, m)
			}
		}
		if len(sub) >= 2 {
			out = append(out, sub)
		}
	}
	return out
}

// #endregion combine

// #region helpers

// newest returns the latest timestamp among observations, zero when empty.
func newest(observations []emotion.Observation) time.Time {
	var at time.Time
	for _, o := range observations {
		if o.Timestamp.After(at) {
			at = o.Timestamp
		}
	}
	return at.UTC()
}

// latestPerModality keeps the newest valid observation for each modality.
// Equal timestamps resolve to the later position in the sequence.
func latestPerModality(observations []emotion.Observation) map[emotion.Modality]emotion.Observation {
	out := make(map[emotion.Modality]emotion.Observation, len(emotion.Modalities))
	for _, raw := range observations {
		if !raw.Modality.Valid() {
			continue
		}
		obs, err := raw.Normalize()
		if err != nil {
			continue
		}
		if prev, ok := out[obs.Modality]; ok && obs.Timestamp.Before(prev.Timestamp) {
			continue
		}
		out[obs.Modality] = obs
	}
	return out
}

// redistribute renormalizes weights over the present modalities so they sum to 1.
func redistribute(present []emotion.Modality, weights map[emotion.Modality]float64) map[emotion.Modality]float64 {
	raw := make(map[emotion.Modality]float64, len(present))
	var total float64
	for _, m := range present {
		w, ok := weights[m]
		if !ok {
			w = 1.0
		}
		if w < 0 || math.IsNaN(w) {
			w = 0
		}
		raw[m] = w
		total += w
	}
	out := make(map[emotion.Modality]float64, len(present))
	for _, m := range present {
		if total <= 0 {
			out[m] = 1 / float64(len(present))
			continue
		}
		out[m] = raw[m] / total
	}
	return out
}

// renormalize scales v over the vocabulary so it sums to 1. Summation runs
// in vocabulary order to keep results bit-for-bit deterministic.
func renormalize(v map[string]float64) map[string]float64 {
	var total float64
	for _, l := range emotion.Vocabulary {
		total += v[l]
	}
	out := make(map[string]float64, len(emotion.Vocabulary))
	for _, l := range emotion.Vocabulary {
		if total <= 0 {
			out[l] = 0
			continue
		}
		out[l] = v[l] / total
	}
	return out
}

// argmax picks the highest fused label; ties go to the higher combined raw
// confidence, then to the lexically smaller label.
func argmax(fused, rawConf map[string]float64) string {
	best := ""
	for _, l := range emotion.Vocabulary {
		if best == "" {
			best = l
			continue
		}
		d := fused[l] - fused[best]
		switch {
		case d > tieEpsilon:
			best = l
		case math.Abs(d) <= tieEpsilon && rawConf[l] > rawConf[best]+tieEpsilon:
			best = l
		}
	}
	return best
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
