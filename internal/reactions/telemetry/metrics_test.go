package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(togglesTotal.WithLabelValues("added"))
	RecordToggle("added", time.Millisecond)
	if got := testutil.ToFloat64(togglesTotal.WithLabelValues("added")); got != before+1 {
		t.Fatalf("toggles added: got %v want %v", got, before+1)
	}

	beforeRL := testutil.ToFloat64(rateLimitedTotal)
	RecordRateLimited()
	if got := testutil.ToFloat64(rateLimitedTotal); got != beforeRL+1 {
		t.Fatalf("rate limited: got %v", got)
	}

	beforeEvt := testutil.ToFloat64(eventsProcessedTotal.WithLabelValues("removed", OutcomeNoop))
	RecordEvent("removed", OutcomeNoop)
	if got := testutil.ToFloat64(eventsProcessedTotal.WithLabelValues("removed", OutcomeNoop)); got != beforeEvt+1 {
		t.Fatalf("events: got %v", got)
	}

	beforeReplay := testutil.ToFloat64(replayedTotal.WithLabelValues("error"))
	RecordReplayed(false)
	if got := testutil.ToFloat64(replayedTotal.WithLabelValues("error")); got != beforeReplay+1 {
		t.Fatalf("replayed error: got %v", got)
	}
}

func TestServeEmptyAddrIsNoop(t *testing.T) {
	if err := Serve(context.Background(), "", nil); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestSpanHelpersWithoutSDK(t *testing.T) {
	_, span := StartSpan(context.Background(), "test", attribute.String("k", "v"))
	EndSpan(span, errors.New("boom"))
}
