package analytics

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/affect-state/internal/emotion"
)

// #region entry

// Entry is one decrypted record yielded by Query.
type Entry struct {
	ProfileID string
	SessionID string
	Seq       int64
	KeyID     string
	State     emotion.FusedState
}

// Filter narrows a Query. Zero fields match everything. From is inclusive,
// To is exclusive, both compared against the state's fusion timestamp.
type Filter struct {
	SessionID string
	From      time.Time
	To        time.Time
}

func (f Filter) matches(at time.Time) bool {
	if !f.From.IsZero() && at.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !at.Before(f.To) {
		return false
	}
	return true
}

// #endregion entry

// #region errors

var (
	// ErrProfileExists is returned by CreateProfile for a taken profile id.
	ErrProfileExists = errors.New("profile already exists")
	// ErrProfileNotFound is returned when no key generation exists for a profile.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrProfileLocked is returned when a write needs a key that is not loaded.
	ErrProfileLocked = errors.New("profile locked")
	// ErrDuplicateSequence is returned when a (profile, session, seq) triple
	// is written twice.
	ErrDuplicateSequence = errors.New("duplicate sequence")
)

// RecordError flags one stored record that could not be returned. Query
// yields it and keeps going.
type RecordError struct {
	SessionID string
	Seq       int64
	Err       error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s/%d: %v", e.SessionID, e.Seq, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// PurgeError reports a purge that rolled back. Nothing was deleted and the
// profile's keys are still loaded.
type PurgeError struct {
	ProfileID string
	Err       error
}

func (e *PurgeError) Error() string {
	return fmt.Sprintf("purge %s: %v", e.ProfileID, e.Err)
}

func (e *PurgeError) Unwrap() error { return e.Err }

// #endregion errors

// #region summary-types

// LabelShare is one row of a label distribution.
type LabelShare struct {
	Label      string  `json:"label"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// DailyTrend is the mean confidence of one label on one UTC day.
type DailyTrend struct {
	Date           string  `json:"date"`
	Label          string  `json:"label"`
	Count          int     `json:"count"`
	MeanConfidence float64 `json:"mean_confidence"`
}

// #endregion summary-types
