package fusion

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/danielpatrickdp/affect-state/internal/emotion"
)

func obs(m emotion.Modality, label string, conf float64, probs map[string]float64) emotion.Observation {
	return emotion.Observation{
		Modality:      m,
		Label:         label,
		Confidence:    conf,
		Probabilities: probs,
		Timestamp:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestFuseRedistributesAbsentWeight(t *testing.T) {
	e := NewEngine(DefaultConfig())
	weights := map[emotion.Modality]float64{emotion.Face: 0.5, emotion.Voice: 0.3, emotion.Text: 0.2}
	observations := []emotion.Observation{
		obs(emotion.Face, "happy", 0.9, map[string]float64{"happy": 0.9, "sad": 0.1}),
		obs(emotion.Text, "happy", 0.6, map[string]float64{"happy": 0.6, "neutral": 0.4}),
	}

	st := e.Fuse(observations, weights, 0.4)

	if !approx(st.Contributions[emotion.Face], 0.5/0.7) {
		t.Fatalf("face weight: got %f", st.Contributions[emotion.Face])
	}
	if !approx(st.Contributions[emotion.Text], 0.2/0.7) {
		t.Fatalf("text weight: got %f", st.Contributions[emotion.Text])
	}
	if _, ok := st.Contributions[emotion.Voice]; ok {
		t.Fatal("absent modality must not carry a contribution")
	}
	if len(st.Missing) != 1 || st.Missing[0] != emotion.Voice {
		t.Fatalf("expected voice missing, got %v", st.Missing)
	}
	if st.DominantLabel != "happy" {
		t.Fatalf("expected happy, got %s", st.DominantLabel)
	}
	base := st.Probabilities["happy"]
	if st.FusedConfidence <= base {
		t.Fatalf("expected agreement boost above %f, got %f", base, st.FusedConfidence)
	}
	if st.FusedConfidence > 1 {
		t.Fatalf("confidence must be capped at 1, got %f", st.FusedConfidence)
	}
	if st.LowConfidence {
		t.Fatal("did not expect low confidence")
	}
}

func TestFuseContributionsSumToOne(t *testing.T) {
	e := NewEngine(DefaultConfig())
	weights := map[emotion.Modality]float64{emotion.Face: 2, emotion.Voice: 0.7}
	observations := []emotion.Observation{
		obs(emotion.Face, "sad", 0.5, nil),
		obs(emotion.Voice, "angry", 0.6, nil),
		obs(emotion.Text, "fear", 0.4, nil), // no weight entry: defaults to 1
	}
	st := e.Fuse(observations, weights, 0)
	var sum float64
	for _, w := range st.Contributions {
		sum += w
	}
	if !approx(sum, 1) {
		t.Fatalf("expected contributions to sum to 1, got %f", sum)
	}
	if !approx(st.Contributions[emotion.Text], 1/3.7) {
		t.Fatalf("text weight: got %f", st.Contributions[emotion.Text])
	}
}

func TestFuseSingleModalityNeverBoosted(t *testing.T) {
	e := NewEngine(Config{AgreementFactor: 2})
	st := e.Fuse([]emotion.Observation{
		obs(emotion.Voice, "sad", 0.7, map[string]float64{"sad": 0.7, "neutral": 0.3}),
	}, DefaultWeights(), 0.5)
	if !approx(st.FusedConfidence, 0.7) {
		t.Fatalf("expected unboosted 0.7, got %f", st.FusedConfidence)
	}
	if len(st.Missing) != 2 {
		t.Fatalf("expected two missing modalities, got %v", st.Missing)
	}
}

func TestFuseAgreementNotBelowAnySingleModality(t *testing.T) {
	e := NewEngine(DefaultConfig())
	// Text is confident but its vector is flat; agreement must not drag below it.
	observations := []emotion.Observation{
		obs(emotion.Face, "happy", 0.55, map[string]float64{"happy": 0.55, "sad": 0.45}),
		obs(emotion.Text, "happy", 0.95, map[string]float64{"happy": 0.4, "neutral": 0.3, "sad": 0.3}),
	}
	st := e.Fuse(observations, DefaultWeights(), 0)
	for _, o := range observations {
		if st.FusedConfidence < o.Confidence {
			t.Fatalf("fused %f below single modality %f", st.FusedConfidence, o.Confidence)
		}
	}
	single := e.Fuse(observations[:1], DefaultWeights(), 0)
	if st.FusedConfidence < single.FusedConfidence {
		t.Fatalf("all agreeing %f lower than subset %f", st.FusedConfidence, single.FusedConfidence)
	}
}

func TestFuseAgreementNotBelowAgreeingSubset(t *testing.T) {
	e := NewEngine(DefaultConfig())
	confident := map[string]float64{"happy": 0.9, "sad": 0.1}
	observations := []emotion.Observation{
		obs(emotion.Face, "happy", 0.9, confident),
		obs(emotion.Voice, "happy", 0.9, confident),
		obs(emotion.Text, "happy", 0.35, map[string]float64{"happy": 0.35, "sad": 0.33, "neutral": 0.32}),
	}
	all := e.Fuse(observations, DefaultWeights(), 0)
	if all.DominantLabel != "happy" {
		t.Fatalf("expected happy, got %s", all.DominantLabel)
	}

	subsets := [][]emotion.Observation{
		{observations[0], observations[1]},
		{observations[0], observations[2]},
		{observations[1], observations[2]},
		{observations[0]},
		{observations[2]},
	}
	for i, sub := range subsets {
		st := e.Fuse(sub, DefaultWeights(), 0)
		if st.DominantLabel != all.DominantLabel {
			continue
		}
		if all.FusedConfidence+1e-12 < st.FusedConfidence {
			t.Fatalf("subset %d: all agreeing %f lower than subset %f", i, all.FusedConfidence, st.FusedConfidence)
		}
	}
	if !approx(all.FusedConfidence, 1) {
		t.Fatalf("expected face+voice agreement to carry the result to 1, got %f", all.FusedConfidence)
	}
}

func TestFuseIsDeterministic(t *testing.T) {
	e := NewEngine(DefaultConfig())
	face := obs(emotion.Face, "sad", 0.8, map[string]float64{"sad": 0.8, "neutral": 0.2})
	text := obs(emotion.Text, "sad", 0.6, map[string]float64{"sad": 0.6, "fear": 0.4})
	text.Timestamp = face.Timestamp.Add(250 * time.Millisecond)
	observations := []emotion.Observation{face, text}

	a := e.Fuse(observations, DefaultWeights(), 0.5)
	time.Sleep(time.Millisecond)
	b := e.Fuse(observations, DefaultWeights(), 0.5)

	if !a.FusedAt.Equal(b.FusedAt) || a.FusedConfidence != b.FusedConfidence {
		t.Fatalf("identical inputs gave different states: %+v vs %+v", a, b)
	}
	if !a.FusedAt.Equal(text.Timestamp) {
		t.Fatalf("expected FusedAt at newest observation %v, got %v", text.Timestamp, a.FusedAt)
	}
}

func TestFuseTieBreakByRawConfidenceThenLexical(t *testing.T) {
	e := NewEngine(DefaultConfig())
	observations := []emotion.Observation{
		obs(emotion.Face, "sad", 0.9, map[string]float64{"sad": 0.5, "happy": 0.5}),
		obs(emotion.Voice, "happy", 0.4, map[string]float64{"sad": 0.5, "happy": 0.5}),
	}
	st := e.Fuse(observations, DefaultWeights(), 0)
	if st.DominantLabel != "sad" {
		t.Fatalf("expected raw-confidence tie-break to pick sad, got %s", st.DominantLabel)
	}

	observations[1].Confidence = 0.9
	st = e.Fuse(observations, DefaultWeights(), 0)
	if st.DominantLabel != "happy" {
		t.Fatalf("expected lexical tie-break to pick happy, got %s", st.DominantLabel)
	}
}

func TestFuseLowConfidenceStillReturnsState(t *testing.T) {
	e := NewEngine(DefaultConfig())
	st := e.Fuse([]emotion.Observation{
		obs(emotion.Face, "neutral", 0.3, map[string]float64{"neutral": 0.3, "sad": 0.25, "happy": 0.25, "fear": 0.2}),
	}, DefaultWeights(), 0.6)
	if !st.LowConfidence {
		t.Fatal("expected low confidence flag")
	}
	if st.DominantLabel != "neutral" {
		t.Fatalf("expected neutral, got %s", st.DominantLabel)
	}
}

func TestFuseLatestObservationPerModalityWins(t *testing.T) {
	e := NewEngine(DefaultConfig())
	early := obs(emotion.Face, "sad", 0.9, nil)
	late := obs(emotion.Face, "happy", 0.8, nil)
	late.Timestamp = early.Timestamp.Add(time.Second)
	st := e.Fuse([]emotion.Observation{late, early}, DefaultWeights(), 0)
	if st.DominantLabel != "happy" {
		t.Fatalf("expected the newer observation to win, got %s", st.DominantLabel)
	}
}

func TestFuseSkipsInvalidObservations(t *testing.T) {
	e := NewEngine(DefaultConfig())
	st := e.Fuse([]emotion.Observation{
		obs(emotion.Face, "???", 0.9, nil),
		obs("smell", "happy", 0.9, nil),
		obs(emotion.Text, "fear", 0.8, nil),
	}, DefaultWeights(), 0)
	if st.DominantLabel != "fear" {
		t.Fatalf("expected fear, got %s", st.DominantLabel)
	}
	if len(st.Contributions) != 1 {
		t.Fatalf("expected only text to contribute, got %v", st.Contributions)
	}
}

func TestFuseEmptyIsTotal(t *testing.T) {
	st := Fuse(nil, DefaultWeights(), 0.5)
	if !st.LowConfidence || st.FusedConfidence != 0 {
		t.Fatalf("expected zero-confidence state, got %+v", st)
	}
	if len(st.Missing) != len(emotion.Modalities) {
		t.Fatalf("expected all modalities missing, got %v", st.Missing)
	}
}

func TestFuseConcurrentCallsAreIndependent(t *testing.T) {
	e := NewEngine(DefaultConfig())
	observations := []emotion.Observation{
		obs(emotion.Face, "angry", 0.8, nil),
		obs(emotion.Voice, "angry", 0.7, nil),
	}
	want := e.Fuse(observations, DefaultWeights(), 0)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := e.Fuse(observations, DefaultWeights(), 0)
			if got.DominantLabel != want.DominantLabel || got.FusedConfidence != want.FusedConfidence {
				t.Errorf("non-deterministic fusion: %+v vs %+v", got, want)
			}
		}()
	}
	wg.Wait()
}

func TestCalibrateCulture(t *testing.T) {
	probs := map[string]float64{"neutral": 0.5, "happy": 0.5}
	out := Calibrate(probs, "Japanese", emotion.Face)
	if out["neutral"] <= out["happy"] {
		t.Fatalf("expected neutral boosted under japanese calibration, got %v", out)
	}
	if probs["neutral"] != 0.5 {
		t.Fatal("Calibrate must not mutate its input")
	}
	if NormalizeCulture("martian") != DefaultCulture {
		t.Fatal("unknown culture must fall back to global")
	}
	same := Calibrate(probs, "global", emotion.Face)
	if same["neutral"] != 0.5 || same["happy"] != 0.5 {
		t.Fatalf("global calibration must be identity, got %v", same)
	}
}
