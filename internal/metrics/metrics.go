// Package metrics exposes governance counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every adminguard collector. It is separate from the
// default registry so tests and embedders get a predictable set.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	AuditAppends = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adminguard",
		Name:      "audit_appends_total",
		Help:      "Ledger rows appended, by action.",
	}, []string{"action"})

	GateDenials = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adminguard",
		Name:      "gate_denials_total",
		Help:      "Destructive actions refused by the gate, by reason.",
	}, []string{"reason"})

	ApprovalDecisions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adminguard",
		Name:      "approval_decisions_total",
		Help:      "Approval requests decided, by outcome.",
	}, []string{"outcome"})

	ApprovalExecutions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adminguard",
		Name:      "approval_executions_total",
		Help:      "Approved actions executed, by result.",
	}, []string{"result"})

	EscalationsOpen = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "adminguard",
		Name:      "escalations_open",
		Help:      "Whether an escalation is open for a metric (1) or not (0).",
	}, []string{"metric"})

	AlertDeliveries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adminguard",
		Name:      "alert_deliveries_total",
		Help:      "Escalation alerts sent, by sink and result.",
	}, []string{"sink", "result"})

	MetricValue = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "adminguard",
		Name:      "control_metric_value",
		Help:      "Last sampled value of each control-health metric.",
	}, []string{"metric"})
)

// Handler serves the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
