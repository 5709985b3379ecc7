package gate

// #region action
// Action is the gate's verdict on a fused state.
type Action string

const (
	ActionPersist Action = "persist"
	ActionHold    Action = "hold"   // low confidence: offer manual override
	ActionReject  Action = "reject" // invariant violated: never store
)

// #endregion action

// #region veto-type
// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoConfidenceRange VetoType = "confidence_range"
	VetoContribution    VetoType = "contribution_sum"
	VetoProbability     VetoType = "probability_sum"
	VetoVocabulary      VetoType = "unknown_label"
	VetoMissing         VetoType = "missing_overlap"
)

// #endregion veto-type

// #region veto-signal
// VetoSignal represents a detected hard veto condition.
type VetoSignal struct {
	Type   VetoType
	Reason string
}

// #endregion veto-signal

// #region gate-config
// GateConfig holds thresholds for gate decisions.
type GateConfig struct {
	MinConfidence float64 // below this a fused state is held for override
	SumTolerance  float64 // allowed drift of contribution/probability sums from 1
}

// DefaultGateConfig returns sensible defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MinConfidence: 0.5,
		SumTolerance:  1e-6,
	}
}

// #endregion gate-config

// #region check
// Check captures a single validation check result.
type Check struct {
	Name  string
	Value float64
	Pass  bool
}

// #endregion check

// #region gate-decision
// GateDecision is the output of the gate evaluation.
type GateDecision struct {
	Action      Action
	Reason      string
	Vetoed      bool
	VetoSignals []VetoSignal // non-empty if vetoed
	Checks      []Check
}

// #endregion gate-decision
