package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second Register: %v", err)
	}
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(cyclesTotal.WithLabelValues(OutcomePersisted))
	ObserveCycle(120*time.Millisecond, OutcomePersisted)
	if got := testutil.ToFloat64(cyclesTotal.WithLabelValues(OutcomePersisted)); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}

	beforePurge := testutil.ToFloat64(purgesTotal.WithLabelValues(OutcomeFailure))
	ObservePurge(false)
	if got := testutil.ToFloat64(purgesTotal.WithLabelValues(OutcomeFailure)); got != beforePurge+1 {
		t.Fatalf("expected failed purge counted, got %v", got)
	}

	CollectorTimeout("voice")
	if got := testutil.ToFloat64(collectorTimeoutsTotal.WithLabelValues("voice")); got < 1 {
		t.Fatalf("expected voice timeout counted, got %v", got)
	}
}
