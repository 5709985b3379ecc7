package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/affect-state/internal/emotion"
)

func obs(label string, conf float64) *emotion.Observation {
	return &emotion.Observation{Label: label, Confidence: conf}
}

type probed struct {
	*Scripted
	err error
}

func (p probed) Probe(context.Context) error { return p.err }

func TestGatherCollectsConcurrently(t *testing.T) {
	collectors := []Collector{
		NewScripted(emotion.Text, obs("happy", 0.6)),
		NewScripted(emotion.Face, obs("happy", 0.9)).WithDelay(20 * time.Millisecond),
		NewScripted(emotion.Voice, obs("sad", 0.4)).WithDelay(20 * time.Millisecond),
	}

	start := time.Now()
	res := Gather(context.Background(), collectors, time.Second, nil)
	require.Len(t, res.Observations, 3)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "collectors must run concurrently")

	// fusion order regardless of completion order
	assert.Equal(t, emotion.Face, res.Observations[0].Modality)
	assert.Equal(t, emotion.Voice, res.Observations[1].Modality)
	assert.Equal(t, emotion.Text, res.Observations[2].Modality)
	for _, o := range res.Observations {
		assert.False(t, o.Timestamp.IsZero(), "timestamp filled in")
	}
	assert.Empty(t, res.Missing())
	assert.Empty(t, res.Timeouts)
}

func TestGatherMarksStragglersAsTimeouts(t *testing.T) {
	block := Func{M: emotion.Voice, F: func(ctx context.Context) (*emotion.Observation, error) {
		// ignores cancellation entirely
		time.Sleep(300 * time.Millisecond)
		return obs("sad", 0.9), nil
	}}
	collectors := []Collector{
		NewScripted(emotion.Face, obs("happy", 0.9)),
		block,
	}

	start := time.Now()
	res := Gather(context.Background(), collectors, 50*time.Millisecond, nil)
	assert.Less(t, time.Since(start), 250*time.Millisecond, "Gather must not wait past the deadline")

	require.Len(t, res.Observations, 1)
	require.Len(t, res.Timeouts, 1)
	assert.Equal(t, emotion.Voice, res.Timeouts[0].Modality)
	assert.True(t, errors.Is(res.Timeouts[0], context.DeadlineExceeded))
	assert.Equal(t, []emotion.Modality{emotion.Voice, emotion.Text}, res.Missing())
	assert.Equal(t, []emotion.Modality{emotion.Voice}, res.TimedOut())
}

func TestGatherContextAwareCollectorTimesOut(t *testing.T) {
	slow := NewScripted(emotion.Text, obs("happy", 0.9)).WithDelay(time.Second)
	res := Gather(context.Background(), []Collector{slow}, 30*time.Millisecond, nil)
	require.Len(t, res.Timeouts, 1)
	assert.Empty(t, res.Observations)
	assert.Equal(t, 1, slow.Remaining(), "cancelled collect must not consume the script")
}

func TestGatherAbsentAndFailures(t *testing.T) {
	failing := Func{M: emotion.Face, F: func(context.Context) (*emotion.Observation, error) {
		return nil, errors.New("camera busy")
	}}
	wrong := Func{M: emotion.Text, F: func(context.Context) (*emotion.Observation, error) {
		return &emotion.Observation{Modality: emotion.Voice, Label: "sad"}, nil
	}}
	res := Gather(context.Background(), []Collector{failing, NewScripted(emotion.Voice), wrong}, time.Second, nil)

	assert.Empty(t, res.Observations)
	assert.Contains(t, res.Failures, emotion.Face)
	assert.Contains(t, res.Failures, emotion.Text)
	assert.Equal(t, []emotion.Modality{emotion.Voice}, res.Absent)
	assert.Len(t, res.Missing(), 3)
}

func TestSelectFirstAvailablePerModality(t *testing.T) {
	down := probed{Scripted: NewScripted(emotion.Face, obs("sad", 0.5)), err: ErrUnavailable}
	up := probed{Scripted: NewScripted(emotion.Face, obs("happy", 0.9))}
	text := NewScripted(emotion.Text, obs("happy", 0.6))
	textBackup := NewScripted(emotion.Text, obs("sad", 0.6))

	sel := Select(context.Background(), []Collector{down, up, text, textBackup}, time.Second, nil)
	require.Len(t, sel.Collectors, 2)
	assert.Equal(t, up, sel.Collectors[0])
	assert.Same(t, text, sel.Collectors[1])
	assert.Equal(t, []emotion.Modality{emotion.Voice}, sel.Unavailable)
}

func TestScriptedQueue(t *testing.T) {
	s := NewScripted(emotion.Face, obs("happy", 0.9), nil)
	s.Push(obs("sad", 0.4))

	first, err := s.Collect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, emotion.Face, first.Modality)

	second, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Nil(t, second, "nil entry scripts an absent cycle")

	third, _ := s.Collect(context.Background())
	require.NotNil(t, third)
	assert.Equal(t, "sad", third.Label)

	empty, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Nil(t, empty)
}
