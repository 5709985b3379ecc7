package emotion

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// #region vocabulary

// Vocabulary is the fixed, sorted set of emotion labels the core reasons over.
var Vocabulary = []string{"angry", "fear", "happy", "neutral", "sad", "surprise"}

var vocabSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(Vocabulary))
	for _, l := range Vocabulary {
		m[l] = struct{}{}
	}
	return m
}()

// aliases folds backend-specific class names into the vocabulary.
var aliases = map[string]string{
	"joy":        "happy",
	"positive":   "happy",
	"love":       "happy",
	"optimism":   "happy",
	"admiration": "happy",
	"gratitude":  "happy",
	"happiness":  "happy",
	"anger":      "angry",
	"annoyance":  "angry",
	"disgust":    "angry",
	"fearful":    "fear",
	"sadness":    "sad",
	"negative":   "sad",
	"pessimism":  "sad",
	"surprised":  "surprise",
	"calm":       "neutral",
	"other":      "neutral",
}

// #endregion vocabulary

// #region errors

// ErrUnknownLabel is matched by UnknownLabelError.
var ErrUnknownLabel = errors.New("unknown emotion label")

// UnknownLabelError reports a label that cannot be mapped onto the vocabulary.
type UnknownLabelError struct {
	Label string
}

func (e *UnknownLabelError) Error() string {
	return fmt.Sprintf("unknown emotion label %q", e.Label)
}

func (e *UnknownLabelError) Is(target error) bool {
	return target == ErrUnknownLabel
}

// #endregion errors

// #region canonical

// CanonicalLabel maps raw backend output onto the vocabulary.
func CanonicalLabel(raw string) (string, bool) {
	l := strings.ToLower(strings.TrimSpace(norm.NFC.String(raw)))
	if _, ok := vocabSet[l]; ok {
		return l, true
	}
	if mapped, ok := aliases[l]; ok {
		return mapped, true
	}
	return "", false
}

// InVocabulary reports whether label is already canonical.
func InVocabulary(label string) bool {
	_, ok := vocabSet[label]
	return ok
}

// #endregion canonical

// #region normalize

// Normalize returns a copy of o with a canonical label, confidence in [0,1]
// and a probability vector over Vocabulary that sums to 1. Confidence values
// above 1 are read as percentages. An empty or all-zero vector falls back to
// a one-hot vector on the label.
func (o Observation) Normalize() (Observation, error) {
	label, ok := CanonicalLabel(o.Label)
	if !ok {
		return Observation{}, &UnknownLabelError{Label: o.Label}
	}
	out := o
	out.Label = label
	out.Confidence = normalizeConfidence(o.Confidence)

	keys := make([]string, 0, len(o.Probabilities))
	for raw := range o.Probabilities {
		keys = append(keys, raw)
	}
	sort.Strings(keys)

	folded := make(map[string]float64, len(Vocabulary))
	var total float64
	for _, raw := range keys {
		p := o.Probabilities[raw]
		l, ok := CanonicalLabel(raw)
		if !ok || p <= 0 {
			continue
		}
		folded[l] += p
		total += p
	}

	probs := make(map[string]float64, len(Vocabulary))
	for _, l := range Vocabulary {
		probs[l] = 0
	}
	if total <= 0 {
		probs[label] = 1
	} else {
		for l, p := range folded {
			probs[l] = p / total
		}
	}
	out.Probabilities = probs
	return out, nil
}

func normalizeConfidence(c float64) float64 {
	if c > 1 {
		c /= 100
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// #endregion normalize
