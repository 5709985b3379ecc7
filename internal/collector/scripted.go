package collector

import (
	"context"
	"sync"
	"time"

	"github.com/danielpatrickdp/affect-state/internal/emotion"
)

// #region scripted

// Scripted replays queued observations, one per Collect call. An empty
// queue yields no observation. Used for input files and tests.
type Scripted struct {
	modality emotion.Modality
	delay    time.Duration

	mu    sync.Mutex
	queue []*emotion.Observation
}

// NewScripted returns a collector for m preloaded with obs. A nil entry
// scripts an absent cycle.
func NewScripted(m emotion.Modality, obs ...*emotion.Observation) *Scripted {
	return &Scripted{modality: m, queue: obs}
}

// WithDelay makes every Collect call wait d before answering.
func (s *Scripted) WithDelay(d time.Duration) *Scripted {
	s.delay = d
	return s
}

// Push appends obs to the queue.
func (s *Scripted) Push(obs *emotion.Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, obs)
}

// Remaining reports how many scripted cycles are left.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scripted) Modality() emotion.Modality { return s.modality }

func (s *Scripted) Collect(ctx context.Context) (*emotion.Observation, error) {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, nil
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	if next == nil {
		return nil, nil
	}
	obs := *next
	obs.Modality = s.modality
	return &obs, nil
}

// #endregion scripted

// #region func

// Func adapts a function to the Collector interface.
type Func struct {
	M emotion.Modality
	F func(ctx context.Context) (*emotion.Observation, error)
}

func (f Func) Modality() emotion.Modality { return f.M }

func (f Func) Collect(ctx context.Context) (*emotion.Observation, error) {
	return f.F(ctx)
}

// #endregion func
