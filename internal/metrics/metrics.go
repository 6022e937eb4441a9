// Package metrics exposes entityd's Prometheus collectors. A *Metrics is
// handed to the host as its Observer and served on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/entityd/internal/entity"
	"github.com/roach88/entityd/internal/fault"
	"github.com/roach88/entityd/internal/host"
)

const namespace = "entityd"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	activations       *prometheus.CounterVec
	activationSeconds prometheus.Histogram
	replayedEvents    prometheus.Histogram
	commands          *prometheus.CounterVec
	commandSeconds    prometheus.Histogram
	events            prometheus.Counter
	snapshots         *prometheus.CounterVec
	passivations      *prometheus.CounterVec
	active            prometheus.Gauge
	refused           *prometheus.CounterVec
}

var _ host.Observer = (*Metrics)(nil)

// New creates and registers the collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Entity activations by recovery source (fresh, journal, snapshot).",
		}, []string{"source"}),
		activationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activation_duration_seconds",
			Help:      "Time spent recovering an entity.",
			Buckets:   prometheus.DefBuckets,
		}),
		replayedEvents: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activation_replayed_events",
			Help:      "Events replayed per activation.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands processed by outcome code (ok on success).",
		}, []string{"code"}),
		commandSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from dequeue to reply for processed commands.",
			Buckets:   prometheus.DefBuckets,
		}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_persisted_total",
			Help:      "Events appended to the journal.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshot writes by result (ok, failed).",
		}, []string{"result"}),
		passivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passivations_total",
			Help:      "Manager shutdowns by reason.",
		}, []string{"reason"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_entities",
			Help:      "Live entity managers on this node.",
		}),
		refused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refused_commands_total",
			Help:      "Commands turned away before reaching a manager, by code.",
		}, []string{"code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activations,
		m.activationSeconds,
		m.replayedEvents,
		m.commands,
		m.commandSeconds,
		m.events,
		m.snapshots,
		m.passivations,
		m.active,
		m.refused,
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Activated implements entity.Observer.
func (m *Metrics) Activated(fromSnapshot bool, replayed int, took time.Duration) {
	source := "journal"
	switch {
	case fromSnapshot:
		source = "snapshot"
	case replayed == 0:
		source = "fresh"
	}
	m.activations.WithLabelValues(source).Inc()
	m.activationSeconds.Observe(took.Seconds())
	m.replayedEvents.Observe(float64(replayed))
}

// CommandFinished implements entity.Observer.
func (m *Metrics) CommandFinished(code fault.Code, took time.Duration) {
	m.commands.WithLabelValues(label(code)).Inc()
	m.commandSeconds.Observe(took.Seconds())
}

// EventsPersisted implements entity.Observer.
func (m *Metrics) EventsPersisted(n int) {
	m.events.Add(float64(n))
}

// SnapshotWritten implements entity.Observer.
func (m *Metrics) SnapshotWritten(err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.snapshots.WithLabelValues(result).Inc()
}

// Passivated implements entity.Observer.
func (m *Metrics) Passivated(reason entity.Reason) {
	m.passivations.WithLabelValues(string(reason)).Inc()
}

// ActiveEntities implements host.Observer.
func (m *Metrics) ActiveEntities(n int) {
	m.active.Set(float64(n))
}

// Refused implements host.Observer.
func (m *Metrics) Refused(code fault.Code) {
	m.refused.WithLabelValues(label(code)).Inc()
}

func label(code fault.Code) string {
	if code == "" {
		return "ok"
	}
	return string(code)
}
