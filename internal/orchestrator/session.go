package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/danielpatrickdp/affect-state/internal/analytics"
	"github.com/danielpatrickdp/affect-state/internal/collector"
	"github.com/danielpatrickdp/affect-state/internal/emotion"
	"github.com/danielpatrickdp/affect-state/internal/forecast"
	"github.com/danielpatrickdp/affect-state/internal/gate"
	"github.com/danielpatrickdp/affect-state/internal/logging"
	"github.com/danielpatrickdp/affect-state/internal/metrics"
)

// #endregion

// #region session-struct

// Session is the single writer for one (profile, session) sequence. It owns
// the last persisted state, any state pending override, and the forecast
// window. Methods are safe for concurrent use but serialize on the session.
type Session struct {
	o           *Orchestrator
	profileID   string
	id          string
	collectors  []collector.Collector
	unavailable []emotion.Modality
	logger      *slog.Logger

	mu      sync.Mutex
	phase   Phase
	current *emotion.FusedState
	pending *emotion.FusedState
	window  forecast.Window
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ProfileID returns the owning profile.
func (s *Session) ProfileID() string { return s.profileID }

// Unavailable lists modalities with no usable backend for this session.
func (s *Session) Unavailable() []emotion.Modality {
	return append([]emotion.Modality(nil), s.unavailable...)
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// #endregion

// #region run-cycle

// RunCycle collects from every selected backend under the configured
// deadline, fuses, gates and either persists the result or parks it for
// override. A cycle cancelled before append writes nothing.
func (s *Session) RunCycle(ctx context.Context) (CycleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhasePending {
		return CycleResult{}, fmt.Errorf("run cycle: %w: %s", ErrPhase, s.phase)
	}
	start := time.Now()
	cfg := s.o.config

	// --- COLLECTING ---
	s.phase = PhaseCollecting
	gathered := collector.Gather(ctx, s.collectors, cfg.CollectTimeout, s.logger)
	result := CycleResult{
		Timeouts: gathered.Timeouts,
		Missing:  gathered.Missing(),
	}
	detail := logging.CycleDetail{
		Missing:  modalityNames(result.Missing),
		TimedOut: modalityNames(gathered.TimedOut()),
	}

	if err := ctx.Err(); err != nil {
		return s.discard(ctx, start, result, detail, fmt.Errorf("cycle cancelled: %w", err))
	}
	if len(gathered.Observations) == 0 {
		result.Duration = time.Since(start)
		detail.DurationMS = result.Duration.Milliseconds()
		s.o.record(ctx, s.entry(logging.EventEmpty, 0, detail))
		metrics.ObserveCycle(result.Duration, metrics.OutcomeEmpty)
		s.logger.Info("cycle empty", "timed_out", detail.TimedOut)
		return result, ErrNoObservations
	}

	// --- FUSING ---
	s.phase = PhaseFusing
	state := s.o.engine.Fuse(gathered.Observations, cfg.Weights, cfg.MinConfidence)
	metrics.ObserveConfidence(state.FusedConfidence)
	result.State = state
	result.Decision = s.o.gate.Evaluate(state)

	switch result.Decision.Action {
	case gate.ActionReject:
		detail.Reason = string(result.Decision.VetoSignals[0].Type)
		return s.discard(ctx, start, result, detail, fmt.Errorf("%w: %s", ErrRejected, result.Decision.Reason))

	case gate.ActionHold:
		pending := state
		pending.LowConfidence = true
		s.pending = &pending
		s.phase = PhasePending
		result.State = pending
		result.Warning = &LowConfidenceWarning{
			Confidence: state.FusedConfidence,
			Threshold:  s.o.gate.Config().MinConfidence,
		}
		result.Forecast = s.window
		result.Duration = time.Since(start)
		detail.Reason = "below_min_confidence"
		detail.DurationMS = result.Duration.Milliseconds()
		s.o.record(ctx, s.entry(logging.EventLowConfidence, 0, detail))
		metrics.ObserveCycle(result.Duration, metrics.OutcomePending)
		s.logger.Info("cycle pending override", "phase", string(s.phase))
		return result, nil
	}

	seq, err := s.persist(ctx, state)
	if err != nil {
		return s.discard(ctx, start, result, detail, err)
	}
	result.Seq = seq
	result.Forecast = s.window
	result.Duration = time.Since(start)
	detail.DurationMS = result.Duration.Milliseconds()
	s.o.record(ctx, s.entry(logging.EventPersisted, seq, detail))
	metrics.ObserveCycle(result.Duration, metrics.OutcomePersisted)
	s.logger.Info("cycle persisted", "seq", seq, "missing", detail.Missing)
	return result, nil
}

// #endregion

// #region override

// Override records label as this cycle's state, bypassing fusion. It
// resolves a pending low-confidence state, or stands in when sensing is
// unavailable. The label must be in the vocabulary.
func (s *Session) Override(ctx context.Context, label string) (CycleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhasePending && s.phase != PhaseCollecting {
		return CycleResult{}, fmt.Errorf("override: %w: %s", ErrPhase, s.phase)
	}
	state, err := emotion.ManualState(label, time.Now())
	if err != nil {
		return CycleResult{}, fmt.Errorf("override: %w", err)
	}
	decision := s.o.gate.Evaluate(state)
	if decision.Action != gate.ActionPersist {
		return CycleResult{}, fmt.Errorf("override: %w: %s", ErrRejected, decision.Reason)
	}
	return s.resolve(ctx, state, decision, logging.EventOverride)
}

// AcceptPending persists the pending low-confidence state unchanged. Its
// LowConfidence flag stays set on the stored record.
func (s *Session) AcceptPending(ctx context.Context) (CycleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhasePending || s.pending == nil {
		return CycleResult{}, ErrNoPendingState
	}
	decision := gate.GateDecision{Action: gate.ActionPersist, Reason: "accepted below threshold"}
	return s.resolve(ctx, *s.pending, decision, logging.EventAccepted)
}

// DiscardPending drops the pending state without storing anything.
func (s *Session) DiscardPending(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhasePending || s.pending == nil {
		return ErrNoPendingState
	}
	s.pending = nil
	s.phase = PhaseCollecting
	s.o.record(ctx, s.entry(logging.EventDiscarded, 0, logging.CycleDetail{Reason: "pending_dropped"}))
	return nil
}

func (s *Session) resolve(ctx context.Context, state emotion.FusedState, decision gate.GateDecision, event logging.Event) (CycleResult, error) {
	start := time.Now()
	seq, err := s.persist(ctx, state)
	if err != nil {
		// a failed resolve leaves the pending state in place
		if s.pending != nil {
			s.phase = PhasePending
		}
		return CycleResult{}, err
	}
	s.pending = nil

	result := CycleResult{
		State:    state,
		Seq:      seq,
		Decision: decision,
		Missing:  append([]emotion.Modality(nil), state.Missing...),
		Forecast: s.window,
		Duration: time.Since(start),
	}
	s.o.record(ctx, s.entry(event, seq, logging.CycleDetail{}))
	metrics.ObserveCycle(result.Duration, metrics.OutcomePersisted)
	s.logger.Info("state resolved", "event", string(event), "seq", seq)
	return result, nil
}

// #endregion

// #region persist

// persist appends state, then advances PERSISTED -> FORECASTING ->
// COLLECTING. On failure the phase returns to COLLECTING and nothing is
// recorded as current.
func (s *Session) persist(ctx context.Context, state emotion.FusedState) (int64, error) {
	if err := ctx.Err(); err != nil {
		s.phase = PhaseCollecting
		return 0, fmt.Errorf("persist: %w", err)
	}
	seq, err := s.o.store.Append(ctx, s.profileID, s.id, state)
	if err != nil {
		s.phase = PhaseCollecting
		return 0, fmt.Errorf("persist: %w", err)
	}
	s.phase = PhasePersisted
	st := state
	s.current = &st

	s.phase = PhaseForecast
	s.window = s.o.forecaster.Observe(s.window, state)

	s.phase = PhaseCollecting
	return seq, nil
}

func (s *Session) discard(ctx context.Context, start time.Time, result CycleResult, detail logging.CycleDetail, cause error) (CycleResult, error) {
	s.phase = PhaseCollecting
	result.Duration = time.Since(start)
	if detail.Reason == "" {
		detail.Reason = discardReason(cause)
	}
	detail.DurationMS = result.Duration.Milliseconds()
	s.o.record(ctx, s.entry(logging.EventDiscarded, 0, detail))
	metrics.ObserveCycle(result.Duration, metrics.OutcomeError)
	s.logger.Warn("cycle discarded", "reason", detail.Reason, "err", cause)
	return result, cause
}

// #endregion

// #region accessors

// Current returns the last persisted state of this session.
func (s *Session) Current() (emotion.FusedState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return emotion.FusedState{}, false
	}
	return *s.current, true
}

// Pending returns the state awaiting override, if any.
func (s *Session) Pending() (emotion.FusedState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return emotion.FusedState{}, false
	}
	return *s.pending, true
}

// Forecast returns the session's current forecast window.
func (s *Session) Forecast() forecast.Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// History reads this session's stored states back from the store. The
// second return value counts records that could not be opened.
func (s *Session) History(ctx context.Context) ([]emotion.FusedState, int, error) {
	return analytics.Collect(s.o.store.Query(ctx, s.profileID, analytics.Filter{SessionID: s.id}))
}

// Purge removes every record of the session's profile and resets the
// session. On failure the session is untouched.
func (s *Session) Purge(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.o.Purge(ctx, s.profileID); err != nil {
		return err
	}
	s.current = nil
	s.pending = nil
	s.window = forecast.Window{}
	s.phase = PhaseCollecting
	return nil
}

// #endregion

// #region helpers

func (s *Session) entry(event logging.Event, seq int64, detail logging.CycleDetail) logging.CycleEntry {
	return logging.CycleEntry{
		ProfileID: s.profileID,
		SessionID: s.id,
		Seq:       seq,
		Event:     event,
		Detail:    detail,
	}
}

func discardReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	case errors.Is(err, analytics.ErrProfileLocked):
		return "profile_locked"
	}
	return "store_error"
}

func modalityNames(ms []emotion.Modality) []string {
	if len(ms) == 0 {
		return nil
	}
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = string(m)
	}
	return out
}

// #endregion
