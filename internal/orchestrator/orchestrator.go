package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/affect-state/internal/collector"
	"github.com/danielpatrickdp/affect-state/internal/forecast"
	"github.com/danielpatrickdp/affect-state/internal/fusion"
	"github.com/danielpatrickdp/affect-state/internal/gate"
	"github.com/danielpatrickdp/affect-state/internal/logging"
)

// #endregion

// #region orchestrator-struct

// Orchestrator is the top-level coordinator: it opens sessions and holds the
// collaborators every session shares. Per-session state lives on Session.
type Orchestrator struct {
	store      Store
	audit      Auditor
	engine     *fusion.Engine
	gate       *gate.Gate
	forecaster *forecast.Forecaster
	config     Config
	logger     *slog.Logger
}

// #endregion

// #region constructor

// NewOrchestrator creates a fully wired orchestrator.
func NewOrchestrator(deps Deps, config Config, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if config.CollectTimeout <= 0 {
		return nil, fmt.Errorf("orchestrator: collect timeout must be positive, got %s", config.CollectTimeout)
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if config.Weights == nil {
		config.Weights = fusion.DefaultWeights()
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		store:      deps.Store,
		audit:      deps.Audit,
		engine:     deps.Engine,
		gate:       deps.Gate,
		forecaster: deps.Forecaster,
		config:     config,
		logger:     logger.With("component", "orchestrator"),
	}
	if o.engine == nil {
		o.engine = fusion.NewEngine(fusion.DefaultConfig())
	}
	if o.gate == nil {
		gc := gate.DefaultGateConfig()
		gc.MinConfidence = config.MinConfidence
		o.gate = gate.NewGate(gc)
	}
	if o.forecaster == nil {
		f, err := forecast.NewForecaster(forecast.DefaultConfig())
		if err != nil {
			return nil, err
		}
		o.forecaster = f
	}
	return o, nil
}

// #endregion

// #region new-session

// NewSession opens a session for profileID. An empty sessionID gets a fresh
// UUID. Collector backends are chosen here, once, from candidates.
func (o *Orchestrator) NewSession(ctx context.Context, profileID, sessionID string, candidates []collector.Collector) *Session {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sel := collector.Select(ctx, candidates, o.config.ProbeTimeout, o.logger)
	s := &Session{
		o:           o,
		profileID:   profileID,
		id:          sessionID,
		collectors:  sel.Collectors,
		unavailable: sel.Unavailable,
		phase:       PhaseCollecting,
		logger:      o.logger.With("profile", profileID, "session", sessionID),
	}
	s.logger.Info("session opened", "collectors", len(sel.Collectors), "unavailable", modalityNames(sel.Unavailable))
	return s
}

// #endregion

// #region purge

// Purge irreversibly removes every record of profileID. Open sessions of
// the profile should be discarded or purged through Session.Purge.
func (o *Orchestrator) Purge(ctx context.Context, profileID string) error {
	if err := o.store.Purge(ctx, profileID); err != nil {
		return err
	}
	o.logger.Info("profile purged", "profile", profileID)
	return nil
}

// #endregion

// #region audit

// record writes an audit entry; a failed write is logged, never fatal.
func (o *Orchestrator) record(ctx context.Context, entry logging.CycleEntry) {
	if o.audit == nil {
		return
	}
	// audit rows outlive a cancelled cycle
	if err := o.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Warn("audit write failed", "event", string(entry.Event), "err", err)
	}
}

// #endregion
