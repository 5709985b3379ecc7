package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/affect-state/internal/emotion"
)

// #region interfaces

// Collector produces at most one observation per call for its modality.
// A nil observation with a nil error means the modality had nothing to
// report this cycle.
type Collector interface {
	Modality() emotion.Modality
	Collect(ctx context.Context) (*emotion.Observation, error)
}

// Prober is implemented by collectors that can report availability before
// a session starts.
type Prober interface {
	Probe(ctx context.Context) error
}

// #endregion interfaces

// #region errors

// ErrUnavailable is returned by probes of backends that cannot serve.
var ErrUnavailable = errors.New("collector unavailable")

// TimeoutError reports a collector that missed the cycle deadline. The
// modality is treated as missing; it is never fatal to the cycle.
type TimeoutError struct {
	Modality emotion.Modality
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("collector %s: no result within %s", e.Modality, e.Deadline)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// #endregion errors

// #region result

// Result is what one Gather call collected.
type Result struct {
	Observations []emotion.Observation
	Timeouts     []*TimeoutError
	Failures     map[emotion.Modality]error
	Absent       []emotion.Modality // returned nil without error
}

// Missing lists every modality without an observation, in fusion order.
func (r Result) Missing() []emotion.Modality {
	have := make(map[emotion.Modality]bool, len(r.Observations))
	for _, o := range r.Observations {
		have[o.Modality] = true
	}
	var out []emotion.Modality
	for _, m := range emotion.Modalities {
		if !have[m] {
			out = append(out, m)
		}
	}
	return out
}

// TimedOut lists the modalities that missed the deadline.
func (r Result) TimedOut() []emotion.Modality {
	out := make([]emotion.Modality, 0, len(r.Timeouts))
	for _, t := range r.Timeouts {
		out = append(out, t.Modality)
	}
	return out
}

// Selection is the backend set chosen once at session start.
type Selection struct {
	Collectors  []Collector
	Unavailable []emotion.Modality
}

// #endregion result
