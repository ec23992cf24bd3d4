// Package metrics holds the Prometheus collectors of the workflow service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeConflict = "conflict"
	OutcomeSkipped  = "skipped"
)

type Metrics struct {
	Registry      *prometheus.Registry
	transitions   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	casConflicts  *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_transitions_total",
			Help: "Workflow operations by entity, action and outcome.",
		}, []string{"entity", "action", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_notifications_total",
			Help: "Notifications emitted by event and outcome.",
		}, []string{"event", "outcome"}),
		casConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sm_cas_conflicts_total",
			Help: "Guarded updates that lost a race.",
		}, []string{"entity"}),
	}
	reg.MustRegister(m.transitions, m.notifications, m.casConflicts)
	return m
}

// Transition counts one workflow operation. Safe on a nil receiver.
func (m *Metrics) Transition(entity, action, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, action, outcome).Inc()
}

func (m *Metrics) Notification(event, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) CASConflict(entity string) {
	if m == nil {
		return
	}
	m.casConflicts.WithLabelValues(entity).Inc()
}
