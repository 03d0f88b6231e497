package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rwproxy/rwproxy/internal/logging"
)

func TestMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	rule := 2
	decision := logging.Decision{
		Listener:   ":8080",
		TLS:        "none",
		InitialURL: "http://a.com",
		Outcome:    logging.OutcomeResponding,
		StatusCode: 508,
		Steps:      17,
		Rule:       &rule,
		DurationMS: 12,
	}
	metrics.Observe(decision, true)

	if got := testutil.ToFloat64(metrics.connectionsTotal.WithLabelValues(":8080", "none", "responding", "508")); got != 1 {
		t.Fatalf("expected 1 connection, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.ruleHitsTotal.WithLabelValues("2")); got != 1 {
		t.Fatalf("expected 1 rule hit, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.loopsTotal); got != 1 {
		t.Fatalf("expected 1 loop, got %v", got)
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("expected metrics gather to succeed: %v", err)
	}
}

func TestMetricsRateLimitedSkipsResolution(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	metrics.Observe(logging.Decision{Listener: ":443", TLS: "none", Outcome: logging.OutcomeRejected, RateLimited: true}, false)

	if got := testutil.ToFloat64(metrics.ratelimitHitsTotal.WithLabelValues(":443")); got != 1 {
		t.Fatalf("expected 1 rate limit hit, got %v", got)
	}
	if got := testutil.CollectAndCount(metrics.ruleHitsTotal); got != 0 {
		t.Fatalf("expected no rule hits, got %d", got)
	}
}

func TestMetricsHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	metrics.ConnOpened()
	metrics.ConnOpened()
	metrics.ConnClosed()
	metrics.CacheLookup(true)
	metrics.CacheLookup(false)
	metrics.CacheLookup(false)
	metrics.CertReload(errors.New("bad pem"))
	metrics.HandshakeFailed(":443")
	metrics.DialFailed()

	if got := testutil.ToFloat64(metrics.activeConnections); got != 1 {
		t.Fatalf("expected 1 active connection, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.cacheLookupsTotal.WithLabelValues("miss")); got != 2 {
		t.Fatalf("expected 2 misses, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.certReloadsTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 failed reload, got %v", got)
	}

	var nilMetrics *Metrics
	nilMetrics.ConnOpened()
	nilMetrics.Observe(logging.Decision{}, false)
}
