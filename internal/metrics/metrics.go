// Package metrics holds the Prometheus metrics of an agent process.
//
// A nil *Metrics is valid and records nothing, so components take an optional
// *Metrics without checking for it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "mqagent"

// Trigger labels for rule invocations
const (
	TriggerReceive = "receive"
	TriggerTick    = "tick"
)

// Metrics contains the agent's broker and rule metrics
type Metrics struct {
	messagesPublished *prometheus.CounterVec
	messagesReceived  prometheus.Counter
	connected         prometheus.Gauge
	connects          prometheus.Counter
	disconnects       *prometheus.CounterVec
	intervals         prometheus.Counter

	ruleInvocations *prometheus.CounterVec
	ruleErrors      *prometheus.CounterVec
	ruleDuration    *prometheus.HistogramVec
	unclaimed       prometheus.Counter
}

// NewRegistry creates a registry preloaded with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New creates and registers the agent metrics. A nil registerer returns nil.
func New(reg prometheus.Registerer, service string) *Metrics {
	if reg == nil {
		return nil
	}

	labels := prometheus.Labels{"service": service}
	m := &Metrics{
		messagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "broker",
			Name:        "messages_published_total",
			Help:        "Messages published, by mode (live or dryrun)",
			ConstLabels: labels,
		}, []string{"mode"}),

		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "broker",
			Name:        "messages_received_total",
			Help:        "Messages delivered on subscriptions",
			ConstLabels: labels,
		}),

		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "broker",
			Name:        "connected",
			Help:        "Broker connection status (0=disconnected, 1=connected)",
			ConstLabels: labels,
		}),

		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "broker",
			Name:        "connects_total",
			Help:        "Successful broker connections",
			ConstLabels: labels,
		}),

		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "broker",
			Name:        "disconnects_total",
			Help:        "Broker disconnections, by cleanliness",
			ConstLabels: labels,
		}, []string{"clean"}),

		intervals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "publisher",
			Name:        "intervals_total",
			Help:        "Publish intervals run while connected",
			ConstLabels: labels,
		}),

		ruleInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "rule",
			Name:        "invocations_total",
			Help:        "Rule expression invocations",
			ConstLabels: labels,
		}, []string{"rule", "trigger"}),

		ruleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "rule",
			Name:        "errors_total",
			Help:        "Rule expression failures",
			ConstLabels: labels,
		}, []string{"rule", "trigger"}),

		ruleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "rule",
			Name:        "evaluation_duration_seconds",
			Help:        "Time spent in rule expressions",
			Buckets:     []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			ConstLabels: labels,
		}, []string{"rule"}),

		unclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "rule",
			Name:        "unclaimed_messages_total",
			Help:        "Delivered messages no rule matched",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		m.messagesPublished,
		m.messagesReceived,
		m.connected,
		m.connects,
		m.disconnects,
		m.intervals,
		m.ruleInvocations,
		m.ruleErrors,
		m.ruleDuration,
		m.unclaimed,
	)

	return m
}

// Published records one publish.
func (m *Metrics) Published(dryRun bool) {
	if m == nil {
		return
	}
	mode := "live"
	if dryRun {
		mode = "dryrun"
	}
	m.messagesPublished.WithLabelValues(mode).Inc()
}

// Received records one delivered message.
func (m *Metrics) Received() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

// Connected records a successful connection.
func (m *Metrics) Connected() {
	if m == nil {
		return
	}
	m.connects.Inc()
	m.connected.Set(1)
}

// Disconnected records a disconnection.
func (m *Metrics) Disconnected(clean bool) {
	if m == nil {
		return
	}
	label := "false"
	if clean {
		label = "true"
	}
	m.disconnects.WithLabelValues(label).Inc()
	m.connected.Set(0)
}

// Interval records one interval run.
func (m *Metrics) Interval() {
	if m == nil {
		return
	}
	m.intervals.Inc()
}

// RuleInvoked records one expression invocation and how long it took.
func (m *Metrics) RuleInvoked(rule, trigger string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.ruleInvocations.WithLabelValues(rule, trigger).Inc()
	m.ruleDuration.WithLabelValues(rule).Observe(elapsed.Seconds())
	if err != nil {
		m.ruleErrors.WithLabelValues(rule, trigger).Inc()
	}
}

// Unclaimed records a message no rule matched.
func (m *Metrics) Unclaimed() {
	if m == nil {
		return
	}
	m.unclaimed.Inc()
}
