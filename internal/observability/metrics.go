package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rwproxy/rwproxy/internal/logging"
)

type Metrics struct {
	connectionsTotal   *prometheus.CounterVec
	ruleHitsTotal      *prometheus.CounterVec
	loopsTotal         prometheus.Counter
	handshakeFailures  *prometheus.CounterVec
	dialErrorsTotal    prometheus.Counter
	ratelimitHitsTotal *prometheus.CounterVec
	cacheLookupsTotal  *prometheus.CounterVec
	certReloadsTotal   *prometheus.CounterVec
	activeConnections  prometheus.Gauge
	resolutionSteps    prometheus.Histogram
	connectionDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "rwproxy_connections_total", Help: "Total handled connections"},
			[]string{"listener", "tls", "outcome", "code"},
		),
		ruleHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "rwproxy_rule_hits_total", Help: "Connections whose resolution ended on a rule"},
			[]string{"rule"},
		),
		loopsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "rwproxy_rewrite_loops_total", Help: "Resolutions stopped by the step cap or a revisit"},
		),
		handshakeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "rwproxy_handshake_failures_total", Help: "Failed TLS handshakes"},
			[]string{"listener"},
		),
		dialErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "rwproxy_dial_errors_total", Help: "Failed destination connects"},
		),
		ratelimitHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "rwproxy_ratelimit_hits_total", Help: "Connections refused by admission control"},
			[]string{"listener"},
		),
		cacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "rwproxy_resolution_cache_lookups_total", Help: "Resolution cache lookups"},
			[]string{"result"},
		),
		certReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "rwproxy_cert_reloads_total", Help: "Certificate reload attempts"},
			[]string{"result"},
		),
		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "rwproxy_active_connections", Help: "Connections currently open"},
		),
		resolutionSteps: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rwproxy_resolution_steps",
				Help:    "Rule applications per resolution",
				Buckets: prometheus.LinearBuckets(0, 1, 17),
			},
		),
		connectionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rwproxy_connection_duration_seconds",
				Help:    "Connection lifetime in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.connectionsTotal,
		m.ruleHitsTotal,
		m.loopsTotal,
		m.handshakeFailures,
		m.dialErrorsTotal,
		m.ratelimitHitsTotal,
		m.cacheLookupsTotal,
		m.certReloadsTotal,
		m.activeConnections,
		m.resolutionSteps,
		m.connectionDuration,
	)

	return m
}

func (m *Metrics) Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Observe records a finished connection from its decision record.
func (m *Metrics) Observe(decision logging.Decision, loop bool) {
	if m == nil {
		return
	}

	m.connectionsTotal.WithLabelValues(decision.Listener, decision.TLS, decision.Outcome, intToString(decision.StatusCode)).Inc()
	m.connectionDuration.WithLabelValues(decision.Outcome).Observe((time.Duration(decision.DurationMS) * time.Millisecond).Seconds())

	if decision.Outcome == logging.OutcomeRejected && decision.RateLimited {
		m.ratelimitHitsTotal.WithLabelValues(decision.Listener).Inc()
		return
	}
	if decision.InitialURL != "" {
		m.resolutionSteps.Observe(float64(decision.Steps))
	}
	if decision.Rule != nil {
		rule := "default"
		if *decision.Rule >= 0 {
			rule = strconv.Itoa(*decision.Rule)
		}
		m.ruleHitsTotal.WithLabelValues(rule).Inc()
	}
	if loop {
		m.loopsTotal.Inc()
	}
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) HandshakeFailed(listener string) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(listener).Inc()
}

func (m *Metrics) DialFailed() {
	if m == nil {
		return
	}
	m.dialErrorsTotal.Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) CertReload(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.certReloadsTotal.WithLabelValues(result).Inc()
}

func intToString(code int) string {
	if code == 0 {
		return "0"
	}
	return strconv.Itoa(code)
}
