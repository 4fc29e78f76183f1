// Package metrics owns the prometheus collectors for the task engine, the LLM
// gateway and the event bus. A nil *Metrics is valid and records nothing, so
// components can be constructed in tests without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "studyboard"

// Metrics groups every collector registered by the service.
type Metrics struct {
	registry *prometheus.Registry

	tasksSubmitted *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	tasksActive    *prometheus.GaugeVec
	tasksPending   *prometheus.GaugeVec
	taskDuration   *prometheus.HistogramVec

	llmCalls        *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec

	eventsDropped prometheus.Counter
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by a board expert, by task type.",
		}, []string{"type"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state, by type and outcome.",
		}, []string{"type", "outcome"}),
		tasksActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_active",
			Help:      "Tasks currently running, per board.",
		}, []string{"board_id"}),
		tasksPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_pending",
			Help:      "Tasks waiting for admission, per board.",
		}, []string{"board_id"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time from admission to terminal state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 300},
		}, []string{"type"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Outbound LLM calls by llm type and result kind (ok or error kind).",
		}, []string{"llm_type", "kind"}),
		llmCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "Outbound LLM call latency.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 180},
		}, []string{"llm_type"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Task events evicted from full subscriber inboxes.",
		}),
	}

	m.registry.MustRegister(
		m.tasksSubmitted,
		m.tasksFinished,
		m.tasksActive,
		m.tasksPending,
		m.taskDuration,
		m.llmCalls,
		m.llmCallDuration,
		m.eventsDropped,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// TaskSubmitted counts an accepted submission.
func (m *Metrics) TaskSubmitted(taskType string) {
	if m == nil {
		return
	}
	m.tasksSubmitted.WithLabelValues(taskType).Inc()
}

// TaskFinished counts a terminal transition and observes its run time.
func (m *Metrics) TaskFinished(taskType, outcome string, ran time.Duration) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(taskType, outcome).Inc()
	if ran > 0 {
		m.taskDuration.WithLabelValues(taskType).Observe(ran.Seconds())
	}
}

// QueueDepth publishes the active and pending counts of one board.
func (m *Metrics) QueueDepth(boardID string, active, pending int) {
	if m == nil {
		return
	}
	m.tasksActive.WithLabelValues(boardID).Set(float64(active))
	m.tasksPending.WithLabelValues(boardID).Set(float64(pending))
}

// ForgetBoard drops the per-board series when a board expert is torn down.
func (m *Metrics) ForgetBoard(boardID string) {
	if m == nil {
		return
	}
	m.tasksActive.DeleteLabelValues(boardID)
	m.tasksPending.DeleteLabelValues(boardID)
}

// LLMCall counts one gateway call. kind is "ok" on success.
func (m *Metrics) LLMCall(llmType, kind string, took time.Duration) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(llmType, kind).Inc()
	m.llmCallDuration.WithLabelValues(llmType).Observe(took.Seconds())
}

// EventDropped counts an inbox eviction.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
