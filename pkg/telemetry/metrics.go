// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing for
// the management plane.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/hsu-mgmt/pkg/tasks"
)

// Metrics collects bus, task, effector and entity counts. A disabled
// instance accepts every call and records nothing.
type Metrics struct {
	enabled  bool
	registry *prometheus.Registry

	eventsPublished *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec

	tasksSubmitted *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	tasksInFlight  prometheus.Gauge

	effectorInvocations *prometheus.CounterVec
	effectorDuration    *prometheus.HistogramVec

	entitiesManaged prometheus.Gauge
}

// NewMetrics registers the collectors on a private registry
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	ns := cfg.Namespace

	m := &Metrics{
		enabled:  true,
		registry: prometheus.NewRegistry(),

		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "events_published_total",
			Help: "Sensor events delivered by the bus",
		}, []string{"sensor"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "event_handler_failures_total",
			Help: "Subscription handlers that panicked",
		}, []string{"sensor"}),

		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tasks_submitted_total",
			Help: "Root tasks submitted to the engine",
		}, []string{"task"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tasks_finished_total",
			Help: "Root tasks finished by outcome",
		}, []string{"task", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "task_duration_seconds",
			Help: "Root task duration from submission", Buckets: buckets,
		}, []string{"task", "outcome"}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "tasks_in_flight",
			Help: "Root tasks submitted and not yet finished",
		}),

		effectorInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "effector_invocations_total",
			Help: "Effector invocations by outcome",
		}, []string{"effector", "outcome"}),
		effectorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "effector_duration_seconds",
			Help: "Effector invocation duration", Buckets: buckets,
		}, []string{"effector"}),

		entitiesManaged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "entities_managed",
			Help: "Entities currently under management",
		}),
	}

	m.registry.MustRegister(
		m.eventsPublished, m.handlerFailures,
		m.tasksSubmitted, m.tasksFinished, m.taskDuration, m.tasksInFlight,
		m.effectorInvocations, m.effectorDuration,
		m.entitiesManaged,
	)
	return m
}

// Registry returns the registry backing the collectors, nil when disabled
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if !m.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) EventPublished(sensor string) {
	if m.enabled {
		m.eventsPublished.WithLabelValues(sensor).Inc()
	}
}

func (m *Metrics) HandlerFailed(sensor string) {
	if m.enabled {
		m.handlerFailures.WithLabelValues(sensor).Inc()
	}
}

func (m *Metrics) TaskSubmitted(name string) {
	if m.enabled {
		m.tasksSubmitted.WithLabelValues(name).Inc()
		m.tasksInFlight.Inc()
	}
}

func (m *Metrics) TaskFinished(name string, state tasks.State, cancelled bool, duration time.Duration) {
	if !m.enabled {
		return
	}
	outcome := "success"
	switch {
	case cancelled:
		outcome = "cancelled"
	case state == tasks.StateFailed:
		outcome = "error"
	}
	m.tasksFinished.WithLabelValues(name, outcome).Inc()
	m.taskDuration.WithLabelValues(name, outcome).Observe(duration.Seconds())
	m.tasksInFlight.Dec()
}

// EffectorInvoked records one effector call
func (m *Metrics) EffectorInvoked(effector string, err error, duration time.Duration) {
	if !m.enabled {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.effectorInvocations.WithLabelValues(effector, outcome).Inc()
	m.effectorDuration.WithLabelValues(effector).Observe(duration.Seconds())
}

// SetEntitiesManaged records the number of managed entities
func (m *Metrics) SetEntitiesManaged(count int) {
	if m.enabled {
		m.entitiesManaged.Set(float64(count))
	}
}
