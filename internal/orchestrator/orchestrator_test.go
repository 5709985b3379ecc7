package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danielpatrickdp/affect-state/internal/analytics"
	"github.com/danielpatrickdp/affect-state/internal/cipher"
	"github.com/danielpatrickdp/affect-state/internal/collector"
	"github.com/danielpatrickdp/affect-state/internal/emotion"
	"github.com/danielpatrickdp/affect-state/internal/forecast"
	"github.com/danielpatrickdp/affect-state/internal/logging"
)

// #region helpers
const profile = "alice"

func tempStore(t *testing.T) *analytics.Store {
	t.Helper()
	s, err := analytics.NewStore(filepath.Join(t.TempDir(), "test.db"), cipher.TestKDFParams, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.CreateProfile(context.Background(), profile, []byte("secret")); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	return s
}

func newOrchestrator(t *testing.T, store Store, audit Auditor) *Orchestrator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CollectTimeout = 100 * time.Millisecond
	o, err := NewOrchestrator(Deps{Store: store, Audit: audit}, cfg, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

// peaked builds an observation whose vector puts conf on label and spreads
// the remainder evenly over the other labels.
func peaked(label string, conf float64) *emotion.Observation {
	rest := (1 - conf) / float64(len(emotion.Vocabulary)-1)
	probs := make(map[string]float64, len(emotion.Vocabulary))
	for _, l := range emotion.Vocabulary {
		probs[l] = rest
	}
	probs[label] = conf
	return &emotion.Observation{Label: label, Confidence: conf, Probabilities: probs}
}

// #endregion

// #region cycle-tests
func TestRunCyclePersists(t *testing.T) {
	ctx := context.Background()
	store := tempStore(t)
	o := newOrchestrator(t, store, logging.NewAuditLog(store.DB()))

	s := o.NewSession(ctx, profile, "", []collector.Collector{
		collector.NewScripted(emotion.Face, peaked("happy", 0.9)),
		collector.NewScripted(emotion.Text, peaked("happy", 0.6)),
	})
	if s.ID() == "" {
		t.Fatal("expected generated session id")
	}
	if got := s.Unavailable(); len(got) != 1 || got[0] != emotion.Voice {
		t.Fatalf("expected voice unavailable, got %v", got)
	}

	res, err := s.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !res.Persisted() || res.Seq != 1 {
		t.Fatalf("expected seq 1 persisted, got %+v", res)
	}
	if res.Warning != nil {
		t.Fatalf("unexpected warning: %s", res.Warning)
	}
	if res.State.DominantLabel != "happy" || res.State.FusedConfidence < 0.9 {
		t.Fatalf("unexpected state: %+v", res.State)
	}
	if s.Phase() != PhaseCollecting {
		t.Fatalf("expected COLLECTING after cycle, got %s", s.Phase())
	}

	cur, ok := s.Current()
	if !ok || cur.DominantLabel != "happy" {
		t.Fatalf("expected current happy, got %+v %v", cur, ok)
	}
	history, flagged, err := s.History(ctx)
	if err != nil || flagged != 0 || len(history) != 1 {
		t.Fatalf("expected 1 stored state, got %d flagged=%d err=%v", len(history), flagged, err)
	}

	entries, err := logging.NewAuditLog(store.DB()).List(ctx, profile, s.ID(), 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Event != logging.EventPersisted || entries[0].Seq != 1 {
		t.Fatalf("expected persisted audit row, got %+v", entries)
	}
}

func TestRunCycleLowConfidenceOverride(t *testing.T) {
	ctx := context.Background()
	store := tempStore(t)
	o := newOrchestrator(t, store, nil)
	s := o.NewSession(ctx, profile, "s1", []collector.Collector{
		collector.NewScripted(emotion.Face, peaked("sad", 0.3), peaked("sad", 0.3)),
	})

	res, err := s.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Warning == nil || res.Persisted() {
		t.Fatalf("expected pending low-confidence state, got %+v", res)
	}
	if s.Phase() != PhasePending {
		t.Fatalf("expected pending phase, got %s", s.Phase())
	}
	if _, ok := s.Current(); ok {
		t.Fatal("pending state must not become current")
	}
	if _, err := s.RunCycle(ctx); !errors.Is(err, ErrPhase) {
		t.Fatalf("expected ErrPhase while pending, got %v", err)
	}

	res, err = s.Override(ctx, "Joy")
	if err != nil {
		t.Fatalf("Override: %v", err)
	}
	if res.Seq != 1 || !res.State.Manual || res.State.DominantLabel != "happy" {
		t.Fatalf("unexpected override result: %+v", res)
	}
	if len(res.State.Contributions) != 0 {
		t.Fatalf("manual state must have no contributions, got %v", res.State.Contributions)
	}
	if s.Phase() != PhaseCollecting {
		t.Fatalf("expected COLLECTING after override, got %s", s.Phase())
	}
	if _, ok := s.Pending(); ok {
		t.Fatal("override must clear pending state")
	}
}

func TestAcceptPending(t *testing.T) {
	ctx := context.Background()
	store := tempStore(t)
	o := newOrchestrator(t, store, nil)
	s := o.NewSession(ctx, profile, "s1", []collector.Collector{
		collector.NewScripted(emotion.Face, peaked("fear", 0.35)),
	})

	if _, err := s.AcceptPending(ctx); !errors.Is(err, ErrNoPendingState) {
		t.Fatalf("expected ErrNoPendingState, got %v", err)
	}
	if _, err := s.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	res, err := s.AcceptPending(ctx)
	if err != nil {
		t.Fatalf("AcceptPending: %v", err)
	}
	if res.Seq != 1 || !res.State.LowConfidence || res.State.DominantLabel != "fear" {
		t.Fatalf("unexpected accepted state: %+v", res.State)
	}
	history, _, _ := s.History(ctx)
	if len(history) != 1 || !history[0].LowConfidence {
		t.Fatalf("expected stored low-confidence state, got %+v", history)
	}
}

func TestDiscardPending(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, tempStore(t), nil)
	s := o.NewSession(ctx, profile, "s1", []collector.Collector{
		collector.NewScripted(emotion.Face, peaked("fear", 0.35)),
	})
	s.RunCycle(ctx)
	if err := s.DiscardPending(ctx); err != nil {
		t.Fatalf("DiscardPending: %v", err)
	}
	if s.Phase() != PhaseCollecting {
		t.Fatalf("expected COLLECTING, got %s", s.Phase())
	}
	history, _, _ := s.History(ctx)
	if len(history) != 0 {
		t.Fatalf("expected nothing stored, got %d", len(history))
	}
}

func TestRunCycleNoObservations(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, tempStore(t), nil)
	s := o.NewSession(ctx, profile, "s1", []collector.Collector{
		collector.NewScripted(emotion.Face),
		collector.NewScripted(emotion.Text),
	})
	res, err := s.RunCycle(ctx)
	if !errors.Is(err, ErrNoObservations) {
		t.Fatalf("expected ErrNoObservations, got %v", err)
	}
	if len(res.Missing) != 3 {
		t.Fatalf("expected all modalities missing, got %v", res.Missing)
	}

	// sensing unavailable: manual override still works
	res, err = s.Override(ctx, "neutral")
	if err != nil || res.Seq != 1 {
		t.Fatalf("expected override to persist, got %+v %v", res, err)
	}
}

func TestRunCycleTimeoutMarksModalityMissing(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, tempStore(t), nil)
	s := o.NewSession(ctx, profile, "s1", []collector.Collector{
		collector.NewScripted(emotion.Face, peaked("happy", 0.8)),
		collector.NewScripted(emotion.Voice, peaked("sad", 0.9)).WithDelay(time.Second),
	})

	start := time.Now()
	res, err := s.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("cycle blocked past the collect deadline")
	}
	if len(res.Timeouts) != 1 || res.Timeouts[0].Modality != emotion.Voice {
		t.Fatalf("expected voice timeout, got %v", res.Timeouts)
	}
	if res.State.Contributions[emotion.Face] != 1 {
		t.Fatalf("expected face to carry all weight, got %v", res.State.Contributions)
	}
}

func TestRunCycleCancelledWritesNothing(t *testing.T) {
	store := tempStore(t)
	o := newOrchestrator(t, store, logging.NewAuditLog(store.DB()))
	s := o.NewSession(context.Background(), profile, "s1", []collector.Collector{
		collector.NewScripted(emotion.Face, peaked("happy", 0.9)).WithDelay(20 * time.Millisecond),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.RunCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.Phase() != PhaseCollecting {
		t.Fatalf("expected COLLECTING after cancel, got %s", s.Phase())
	}
	history, _, _ := s.History(context.Background())
	if len(history) != 0 {
		t.Fatalf("cancelled cycle wrote %d records", len(history))
	}
	entries, _ := logging.NewAuditLog(store.DB()).List(context.Background(), profile, "s1", 10)
	if len(entries) != 1 || entries[0].Event != logging.EventDiscarded || entries[0].Detail.Reason != "cancelled" {
		t.Fatalf("expected discarded audit row, got %+v", entries)
	}
}

func TestForecastRisesOverCycles(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, tempStore(t), nil)
	s := o.NewSession(ctx, profile, "s1", []collector.Collector{
		collector.NewScripted(emotion.Face,
			peaked("happy", 0.55), peaked("happy", 0.7), peaked("happy", 0.85), peaked("happy", 0.95)),
	})

	var last CycleResult
	for i := 0; i < 4; i++ {
		res, err := s.RunCycle(ctx)
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if i == 0 && res.Forecast.Trend != forecast.TrendInsufficient {
			t.Fatalf("expected insufficient data after one cycle, got %s", res.Forecast.Trend)
		}
		last = res
	}
	if last.Forecast.Trend != forecast.TrendRising {
		t.Fatalf("expected rising, got %s", last.Forecast.Trend)
	}
	if s.Forecast().Len() != 4 {
		t.Fatalf("expected 4 states in window, got %d", s.Forecast().Len())
	}
}

func TestOverrideUnknownLabel(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, tempStore(t), nil)
	s := o.NewSession(ctx, profile, "s1", nil)
	if _, err := s.Override(ctx, "bored"); !errors.Is(err, emotion.ErrUnknownLabel) {
		t.Fatalf("expected ErrUnknownLabel, got %v", err)
	}
}

func TestSessionPurge(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, tempStore(t), nil)
	s := o.NewSession(ctx, profile, "s1", []collector.Collector{
		collector.NewScripted(emotion.Face, peaked("happy", 0.9)),
	})
	if _, err := s.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if err := s.Purge(ctx); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, ok := s.Current(); ok {
		t.Fatal("purge must clear the current state")
	}
	if s.Forecast().Len() != 0 {
		t.Fatal("purge must clear the forecast window")
	}
	history, _, err := s.History(ctx)
	if err != nil || len(history) != 0 {
		t.Fatalf("expected empty history, got %d %v", len(history), err)
	}
}

func TestParallelSessionsHaveDisjointSequences(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, tempStore(t), nil)

	const sessions, cycles = 4, 3
	var wg sync.WaitGroup
	errs := make(chan error, sessions*cycles)
	for i := 0; i < sessions; i++ {
		face := collector.NewScripted(emotion.Face)
		for j := 0; j < cycles; j++ {
			face.Push(peaked("happy", 0.9))
		}
		s := o.NewSession(ctx, profile, fmt.Sprintf("s%d", i), []collector.Collector{face})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < cycles; j++ {
				res, err := s.RunCycle(ctx)
				if err != nil {
					errs <- err
					return
				}
				if res.Seq != int64(j+1) {
					errs <- fmt.Errorf("session %s: expected seq %d, got %d", s.ID(), j+1, res.Seq)
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

// #endregion

// #region failure-tests
type failingStore struct {
	appendErr error
}

func (f failingStore) Append(context.Context, string, string, emotion.FusedState) (int64, error) {
	return 0, f.appendErr
}

func (f failingStore) Query(context.Context, string, analytics.Filter) iter.Seq2[analytics.Entry, error] {
	return func(func(analytics.Entry, error) bool) {}
}

func (f failingStore) Purge(context.Context, string) error { return nil }

func TestStoreFailureKeepsPendingState(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, failingStore{appendErr: analytics.ErrProfileLocked}, nil)
	s := o.NewSession(ctx, profile, "s1", []collector.Collector{
		collector.NewScripted(emotion.Face, peaked("sad", 0.3)),
	})
	if _, err := s.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if _, err := s.AcceptPending(ctx); !errors.Is(err, analytics.ErrProfileLocked) {
		t.Fatalf("expected store error, got %v", err)
	}
	if s.Phase() != PhasePending {
		t.Fatalf("failed accept must leave state pending, got %s", s.Phase())
	}
}

func TestNewOrchestratorValidation(t *testing.T) {
	if _, err := NewOrchestrator(Deps{}, DefaultConfig(), nil); err == nil {
		t.Fatal("expected error without store")
	}
	cfg := DefaultConfig()
	cfg.CollectTimeout = 0
	if _, err := NewOrchestrator(Deps{Store: failingStore{}}, cfg, nil); err == nil {
		t.Fatal("expected error for zero collect timeout")
	}
}

// #endregion
