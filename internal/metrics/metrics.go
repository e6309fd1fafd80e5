// ABOUTME: Prometheus metrics for polling, submissions, and agent calls
// ABOUTME: Owns a private registry so tests and multiple servers never collide

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/ssi-portal/internal/agent"
	"github.com/2389/ssi-portal/internal/poller"
)

const namespace = "ssi_portal"

// Submission results
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds the portal's collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	pollTotal       *prometheus.CounterVec
	pollAttempts    *prometheus.HistogramVec
	pollFetchErrors *prometheus.CounterVec
	submissions     *prometheus.CounterVec
	agentCalls      *prometheus.CounterVec
	agentLatency    *prometheus.HistogramVec
	activeOps       prometheus.Gauge
}

// New creates and registers the portal's metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		pollTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_total",
				Help:      "Polling invocations by flow and outcome",
			},
			[]string{"flow", "outcome"},
		),

		pollAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_attempts",
				Help:      "Status fetches per polling invocation",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 30, 50},
			},
			[]string{"flow"},
		),

		pollFetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_fetch_errors_total",
				Help:      "Failed status fetches by flow",
			},
			[]string{"flow"},
		),

		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Agent submissions by flow and result",
			},
			[]string{"flow", "result"},
		),

		agentCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "requests_total",
				Help:      "Requests to the credential agent by operation and result",
			},
			[]string{"op", "result"},
		),

		agentLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "request_duration_seconds",
				Help:      "Latency of credential agent requests in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
			},
			[]string{"op"},
		),

		activeOps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "operations_active",
				Help:      "Operations currently being polled",
			},
		),
	}

	m.registry.MustRegister(
		m.pollTotal,
		m.pollAttempts,
		m.pollFetchErrors,
		m.submissions,
		m.agentCalls,
		m.agentLatency,
		m.activeOps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// PollObserver returns a poller.Observer that records under flow.
func (m *Metrics) PollObserver(flow string) poller.Observer {
	if m == nil {
		return nil
	}
	return flowObserver{m: m, flow: flow}
}

type flowObserver struct {
	m    *Metrics
	flow string
}

func (o flowObserver) ObservePoll(outcome poller.Outcome, attempts, fetchErrors int) {
	o.m.pollTotal.WithLabelValues(o.flow, string(outcome)).Inc()
	o.m.pollAttempts.WithLabelValues(o.flow).Observe(float64(attempts))
	if fetchErrors > 0 {
		o.m.pollFetchErrors.WithLabelValues(o.flow).Add(float64(fetchErrors))
	}
}

// RecordSubmission counts a submission to the agent for flow.
func (m *Metrics) RecordSubmission(flow string, err error) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(flow, result(err)).Inc()
}

// ObserveAgentCall implements agent.CallObserver.
func (m *Metrics) ObserveAgentCall(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	res := result(err)
	var agentErr *agent.Error
	if errors.As(err, &agentErr) && errors.Is(err, agent.ErrTransport) {
		res = "unreachable"
	}
	m.agentCalls.WithLabelValues(op, res).Inc()
	m.agentLatency.WithLabelValues(op).Observe(d.Seconds())
}

// OperationStarted increments the active operation gauge.
func (m *Metrics) OperationStarted() {
	if m != nil {
		m.activeOps.Inc()
	}
}

// OperationFinished decrements the active operation gauge.
func (m *Metrics) OperationFinished() {
	if m != nil {
		m.activeOps.Dec()
	}
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
