package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/danielpatrickdp/affect-state/internal/emotion"
	"github.com/danielpatrickdp/affect-state/internal/metrics"
)

// #region select

// Select picks the first available candidate per modality, in candidate
// order. Candidates implementing Prober are probed under probeTimeout; a
// failed probe moves on to the next candidate for that modality. The choice
// is made once and reused for every cycle of a session.
func Select(ctx context.Context, candidates []Collector, probeTimeout time.Duration, logger *slog.Logger) Selection {
	if logger == nil {
		logger = slog.Default()
	}
	chosen := make(map[emotion.Modality]Collector, len(emotion.Modalities))
	for _, c := range candidates {
		m := c.Modality()
		if !m.Valid() {
			logger.Warn("collector skipped", "modality", string(m), "reason", "unknown modality")
			continue
		}
		if _, ok := chosen[m]; ok {
			continue
		}
		if p, ok := c.(Prober); ok {
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			err := p.Probe(pctx)
			cancel()
			if err != nil {
				logger.Warn("collector probe failed", "modality", string(m), "err", err)
				continue
			}
		}
		chosen[m] = c
	}

	var sel Selection
	for _, m := range emotion.Modalities {
		if c, ok := chosen[m]; ok {
			sel.Collectors = append(sel.Collectors, c)
		} else {
			sel.Unavailable = append(sel.Unavailable, m)
		}
	}
	return sel
}

// #endregion select

// #region gather

type outcome struct {
	index   int
	obs     *emotion.Observation
	err     error
	latency time.Duration
}

// Gather runs every collector concurrently and returns once all have
// answered or timeout has elapsed, whichever is first. Stragglers are
// reported as TimeoutErrors and their late results are dropped.
func Gather(ctx context.Context, collectors []Collector, timeout time.Duration, logger *slog.Logger) Result {
	if logger == nil {
		logger = slog.Default()
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// buffered so late collectors never block after Gather returns
	ch := make(chan outcome, len(collectors))
	for i, c := range collectors {
		go func(i int, c Collector) {
			start := time.Now()
			obs, err := c.Collect(cctx)
			ch <- outcome{index: i, obs: obs, err: err, latency: time.Since(start)}
		}(i, c)
	}

	res := Result{Failures: make(map[emotion.Modality]error)}
	pending := make(map[int]bool, len(collectors))
	for i := range collectors {
		pending[i] = true
	}

wait:
	for len(pending) > 0 {
		select {
		case o := <-ch:
			delete(pending, o.index)
			res.record(cctx, collectors[o.index], o, timeout)
		case <-cctx.Done():
			break wait
		}
	}

	stragglers := make([]int, 0, len(pending))
	for i := range pending {
		stragglers = append(stragglers, i)
	}
	sort.Ints(stragglers)
	for _, i := range stragglers {
		res.timeout(collectors[i].Modality(), timeout)
	}

	for _, t := range res.Timeouts {
		metrics.CollectorTimeout(string(t.Modality))
		logger.Warn("collector timed out", "modality", string(t.Modality), "deadline", timeout)
	}
	for m, err := range res.Failures {
		logger.Warn("collector failed", "modality", string(m), "err", err)
	}
	sort.Slice(res.Observations, func(i, j int) bool {
		return modalityRank(res.Observations[i].Modality) < modalityRank(res.Observations[j].Modality)
	})
	return res
}

func (r *Result) record(cctx context.Context, c Collector, o outcome, timeout time.Duration) {
	m := c.Modality()
	switch {
	case o.err != nil:
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			r.timeout(m, timeout)
			return
		}
		r.Failures[m] = o.err
	case o.obs == nil:
		r.Absent = append(r.Absent, m)
	default:
		obs := *o.obs
		if obs.Modality == "" {
			obs.Modality = m
		}
		if obs.Modality != m {
			r.Failures[m] = fmt.Errorf("collector %s returned %s observation", m, obs.Modality)
			return
		}
		if obs.Timestamp.IsZero() {
			obs.Timestamp = time.Now().UTC()
		}
		if obs.SourceLatency == 0 {
			obs.SourceLatency = o.latency
		}
		r.Observations = append(r.Observations, obs)
	}
}

func (r *Result) timeout(m emotion.Modality, d time.Duration) {
	r.Timeouts = append(r.Timeouts, &TimeoutError{Modality: m, Deadline: d})
}

func modalityRank(m emotion.Modality) int {
	for i, x := range emotion.Modalities {
		if x == m {
			return i
		}
	}
	return len(emotion.Modalities)
}

// #endregion gather
