package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contract_approvals"

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing, so services can run without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	requestsCreated   prometheus.Counter
	taskActions       *prometheus.CounterVec
	requestOutcomes   *prometheus.CounterVec
	auditAppends      *prometheus.CounterVec
	auditVerify       *prometheus.CounterVec
	magicLinks        *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	stageAdvancements prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_created_total",
			Help:      "Approval requests created.",
		}),
		taskActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_actions_total",
			Help:      "Task actions applied, by action.",
		}, []string{"action"}),
		requestOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_outcomes_total",
			Help:      "Requests reaching a terminal status, by status.",
		}, []string{"status"}),
		auditAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_appended_total",
			Help:      "Audit events appended to the hash chain, by event type.",
		}, []string{"event_type"}),
		auditVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_verifications_total",
			Help:      "Audit chain verifications, by result.",
		}, []string{"result"}),
		magicLinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "magic_links_total",
			Help:      "Magic link operations, by operation and result.",
		}, []string{"operation", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries, by event type and result.",
		}, []string{"event_type", "result"}),
		stageAdvancements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_advancements_total",
			Help:      "Stage boundaries crossed and announced to the next stage.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsCreated,
		m.taskActions,
		m.requestOutcomes,
		m.auditAppends,
		m.auditVerify,
		m.magicLinks,
		m.notifications,
		m.stageAdvancements,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RequestCreated() {
	if m == nil {
		return
	}
	m.requestsCreated.Inc()
}

func (m *Metrics) TaskAction(action string) {
	if m == nil {
		return
	}
	m.taskActions.WithLabelValues(action).Inc()
}

func (m *Metrics) RequestOutcome(status string) {
	if m == nil {
		return
	}
	m.requestOutcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) AuditAppended(eventType string) {
	if m == nil {
		return
	}
	m.auditAppends.WithLabelValues(eventType).Inc()
}

func (m *Metrics) AuditVerified(valid bool) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "invalid"
	}
	m.auditVerify.WithLabelValues(result).Inc()
}

func (m *Metrics) MagicLink(operation, result string) {
	if m == nil {
		return
	}
	m.magicLinks.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) Notification(eventType string, delivered bool) {
	if m == nil {
		return
	}
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	m.notifications.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) StageAdvanced() {
	if m == nil {
		return
	}
	m.stageAdvancements.Inc()
}
