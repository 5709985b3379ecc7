package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/danielpatrickdp/affect-state/internal/analytics"
	"github.com/danielpatrickdp/affect-state/internal/collector"
	"github.com/danielpatrickdp/affect-state/internal/emotion"
	"github.com/danielpatrickdp/affect-state/internal/forecast"
	"github.com/danielpatrickdp/affect-state/internal/fusion"
	"github.com/danielpatrickdp/affect-state/internal/gate"
	"github.com/danielpatrickdp/affect-state/internal/logging"
)

// #endregion

// #region phase

// Phase is where a session sits in its detection cycle.
type Phase string

const (
	PhaseCollecting Phase = "COLLECTING"
	PhaseFusing     Phase = "FUSING"
	PhasePersisted  Phase = "PERSISTED"
	PhasePending    Phase = "LOW_CONFIDENCE_PENDING_OVERRIDE"
	PhaseForecast   Phase = "FORECASTING"
)

// #endregion

// #region errors

var (
	// ErrNoObservations is returned when no modality produced anything this
	// cycle. Fusion is not attempted.
	ErrNoObservations = errors.New("no observations collected")
	// ErrNoPendingState is returned by AcceptPending outside the pending phase.
	ErrNoPendingState = errors.New("no low-confidence state pending")
	// ErrPhase is returned when an operation does not fit the current phase.
	ErrPhase = errors.New("operation not allowed in current phase")
	// ErrRejected is returned when the gate vetoes a fused state.
	ErrRejected = errors.New("fused state rejected")
)

// LowConfidenceWarning is attached to a cycle whose fused state fell below
// the threshold. It is not an error: the caller should offer a manual
// override or accept the state as-is.
type LowConfidenceWarning struct {
	Confidence float64
	Threshold  float64
}

func (w LowConfidenceWarning) String() string {
	return fmt.Sprintf("confidence %.2f below %.2f: override or accept", w.Confidence, w.Threshold)
}

// #endregion

// #region cycle-result

// CycleResult describes one detection cycle.
type CycleResult struct {
	State    emotion.FusedState
	Seq      int64 // 0 unless the state was persisted
	Decision gate.GateDecision
	Warning  *LowConfidenceWarning
	Timeouts []*collector.TimeoutError
	Missing  []emotion.Modality
	Forecast forecast.Window
	Duration time.Duration
}

// Persisted reports whether the cycle wrote a record.
func (r CycleResult) Persisted() bool {
	return r.Seq > 0
}

// #endregion

// #region config

// Config holds the per-cycle policy.
type Config struct {
	Weights        map[emotion.Modality]float64
	MinConfidence  float64
	CollectTimeout time.Duration // deadline for all collectors of one cycle
	ProbeTimeout   time.Duration // per-backend capability probe at session start
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Weights:        fusion.DefaultWeights(),
		MinConfidence:  gate.DefaultGateConfig().MinConfidence,
		CollectTimeout: 3 * time.Second,
		ProbeTimeout:   time.Second,
	}
}

// #endregion

// #region collaborators

// Store is the slice of analytics.Store the orchestrator writes through.
type Store interface {
	Append(ctx context.Context, profileID, sessionID string, state emotion.FusedState) (int64, error)
	Query(ctx context.Context, profileID string, f analytics.Filter) iter.Seq2[analytics.Entry, error]
	Purge(ctx context.Context, profileID string) error
}

// Auditor records cycle outcomes. logging.AuditLog implements it.
type Auditor interface {
	Record(ctx context.Context, entry logging.CycleEntry) error
}

// Deps wires an Orchestrator. Store is required; nil Engine, Gate and
// Forecaster fall back to defaults, nil Audit disables the audit trail.
type Deps struct {
	Store      Store
	Audit      Auditor
	Engine     *fusion.Engine
	Gate       *gate.Gate
	Forecaster *forecast.Forecaster
}

// #endregion
