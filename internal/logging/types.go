package logging

import "time"

// #region events

// Event names one step of a detection cycle's lifecycle.
type Event string

const (
	EventPersisted     Event = "persisted"
	EventLowConfidence Event = "low_confidence"
	EventOverride      Event = "override"
	EventAccepted      Event = "accepted"
	EventDiscarded     Event = "discarded"
	EventEmpty         Event = "empty"
	EventRotate        Event = "rotate"
)

// #endregion events

// #region cycle-entry

// CycleEntry is a single row in the cycle_log table. The log is stored in
// clear, so it carries outcomes and reasons only, never labels or scores.
type CycleEntry struct {
	ProfileID string
	SessionID string
	Seq       int64 // 0 when no record was written
	Event     Event
	Detail    CycleDetail
	CreatedAt time.Time
}

// CycleDetail is serialized as JSON into cycle_log.detail.
type CycleDetail struct {
	Reason     string   `json:"reason,omitempty"`
	Missing    []string `json:"missing,omitempty"`
	TimedOut   []string `json:"timed_out,omitempty"`
	DurationMS int64    `json:"duration_ms,omitempty"`
}

func (d CycleDetail) empty() bool {
	return d.Reason == "" && len(d.Missing) == 0 && len(d.TimedOut) == 0 && d.DurationMS == 0
}

// #endregion cycle-entry
