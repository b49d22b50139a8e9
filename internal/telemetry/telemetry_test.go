package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistry_RegistersAllMetrics(t *testing.T) {
	reg := Registry()
	count := testutil.CollectAndCount(reg)
	if count == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestClaimSpan_RecordsOutcomeMetric(t *testing.T) {
	ClaimsTotal.Reset()
	_, span := StartClaimSpan(context.Background(), "agent-a")
	EndClaimSpan(span, true, "job-1")

	if got := testutil.ToFloat64(ClaimsTotal.WithLabelValues("claimed")); got != 1 {
		t.Fatalf("claimed count = %v, want 1", got)
	}
}

func TestCompleteSpan_RecordsStatusAndDuration(t *testing.T) {
	CompletesTotal.Reset()
	_, span := StartCompleteSpan(context.Background(), "job-1", "build")
	EndCompleteSpan(span, "build", "succeeded", 250*time.Millisecond)

	if got := testutil.ToFloat64(CompletesTotal.WithLabelValues("succeeded")); got != 1 {
		t.Fatalf("succeeded count = %v, want 1", got)
	}
}

func TestInitTraceProvider_ShutdownIsSafe(t *testing.T) {
	shutdown := InitTraceProvider()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
