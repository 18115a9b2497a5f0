// Package metrics exposes the proxy's Prometheus metrics on a dedicated
// registry, covering session lifecycle, queries/results, and backend
// authentication outcomes across all protocol engines.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric this proxy registers.
type Collector struct {
	Registry *prometheus.Registry

	sessionsStarted  *prometheus.CounterVec
	sessionsEnded    *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	queriesTotal     *prometheus.CounterVec
	resultsTotal     *prometheus.CounterVec
	resultRows       *prometheus.HistogramVec
	authFailures     *prometheus.CounterVec
	framingErrors    *prometheus.CounterVec
	backendDialFails *prometheus.CounterVec
}

// New creates and registers all metrics against a fresh registry. Safe to
// call more than once (e.g. in tests); each call is independent.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krbdbproxy_sessions_started_total",
				Help: "Sessions that reached backend-ready, by protocol",
			},
			[]string{"protocol"},
		),
		sessionsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krbdbproxy_sessions_ended_total",
				Help: "Sessions that ended, by protocol and outcome",
			},
			[]string{"protocol", "outcome"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "krbdbproxy_session_duration_seconds",
				Help:    "Session duration from accept to close",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 18),
			},
			[]string{"protocol"},
		),
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krbdbproxy_queries_total",
				Help: "Client requests observed, by protocol and kind",
			},
			[]string{"protocol", "kind"},
		),
		resultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krbdbproxy_results_total",
				Help: "Backend results observed, by protocol and kind",
			},
			[]string{"protocol", "kind"},
		),
		resultRows: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "krbdbproxy_result_rows",
				Help:    "Affected/returned row counts reported in results",
				Buckets: prometheus.ExponentialBuckets(1, 4, 12),
			},
			[]string{"protocol"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krbdbproxy_backend_auth_failures_total",
				Help: "Backend Kerberos/GSSAPI authentication failures, by protocol and route",
			},
			[]string{"protocol", "route"},
		),
		framingErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krbdbproxy_framing_errors_total",
				Help: "Frame parsing/CRC errors terminating a connection, by protocol",
			},
			[]string{"protocol"},
		),
		backendDialFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krbdbproxy_backend_dial_failures_total",
				Help: "Backend dial/TLS failures, by protocol and route",
			},
			[]string{"protocol", "route"},
		),
	}

	reg.MustRegister(
		c.sessionsStarted,
		c.sessionsEnded,
		c.sessionDuration,
		c.queriesTotal,
		c.resultsTotal,
		c.resultRows,
		c.authFailures,
		c.framingErrors,
		c.backendDialFails,
	)

	return c
}

func (c *Collector) SessionStarted(protocol string) {
	if c == nil {
		return
	}
	c.sessionsStarted.WithLabelValues(protocol).Inc()
}

func (c *Collector) SessionEnded(protocol, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.sessionsEnded.WithLabelValues(protocol, outcome).Inc()
	c.sessionDuration.WithLabelValues(protocol).Observe(duration.Seconds())
}

func (c *Collector) Query(protocol, kind string) {
	if c == nil {
		return
	}
	c.queriesTotal.WithLabelValues(protocol, kind).Inc()
}

func (c *Collector) Result(protocol, kind string, rows int64) {
	if c == nil {
		return
	}
	c.resultsTotal.WithLabelValues(protocol, kind).Inc()
	if rows >= 0 {
		c.resultRows.WithLabelValues(protocol).Observe(float64(rows))
	}
}

func (c *Collector) AuthFailure(protocol, route string) {
	if c == nil {
		return
	}
	c.authFailures.WithLabelValues(protocol, route).Inc()
}

func (c *Collector) FramingError(protocol string) {
	if c == nil {
		return
	}
	c.framingErrors.WithLabelValues(protocol).Inc()
}

func (c *Collector) BackendDialFailure(protocol, route string) {
	if c == nil {
		return
	}
	c.backendDialFails.WithLabelValues(protocol, route).Inc()
}
