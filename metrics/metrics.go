// Package metrics exposes prometheus collectors for connections and calls.
//
// A nil *Metrics is valid and records nothing, so components can take it as an
// optional dependency.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "duplexrpc"

// Call outcomes, shared by outbound calls and inbound requests.
const (
	OutcomeOK           = "ok"
	OutcomeRemoteError  = "remote_error"
	OutcomeTimeout      = "timeout"
	OutcomeCanceled     = "canceled"
	OutcomeDisconnected = "disconnected"
	OutcomeLocalError   = "local_error"
)

type Metrics struct {
	Calls             *prometheus.CounterVec
	CallDuration      *prometheus.HistogramVec
	InboundRequests   *prometheus.CounterVec
	InboundInFlight   prometheus.Gauge
	ActiveConnections prometheus.Gauge
	Connects          *prometheus.CounterVec
	Evictions         prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Outbound calls by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Outbound call latency by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		InboundRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_requests_total",
			Help:      "Dispatched inbound requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		InboundInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbound_in_flight",
			Help:      "Inbound requests currently being handled.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Connections currently open.",
		}),
		Connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Connection attempts by result.",
		}, []string{"result"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_evictions_total",
			Help:      "Faulted connections evicted from the connection registry.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Calls, m.CallDuration, m.InboundRequests, m.InboundInFlight,
			m.ActiveConnections, m.Connects, m.Evictions)
	}
	return m
}

func (m *Metrics) ObserveCall(endpoint, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(endpoint, outcome).Inc()
	m.CallDuration.WithLabelValues(endpoint).Observe(seconds)
}

func (m *Metrics) InboundStarted() {
	if m == nil {
		return
	}
	m.InboundInFlight.Inc()
}

func (m *Metrics) InboundFinished(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.InboundInFlight.Dec()
	m.InboundRequests.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) ConnectAttempt(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Connects.WithLabelValues(result).Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}
