package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebhookMetrics counts ingress outcomes per event type.
type WebhookMetrics struct {
	outcomes *prometheus.CounterVec
}

// Webhook ingress outcome labels.
const (
	WebhookOutcomeAdmitted   = "admitted"
	WebhookOutcomeDuplicate  = "duplicate"
	WebhookOutcomeSuperseded = "superseded"
	WebhookOutcomeRejected   = "rejected"
	WebhookOutcomeUnparsable = "unparsable"
)

// NewWebhookMetrics registers the webhook ingress counters.
func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	if reg == nil {
		return &WebhookMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Webhook deliveries by event type and ingress outcome.",
	}, []string{"event_type", "outcome"})
	reg.MustRegister(outcomes)
	return &WebhookMetrics{outcomes: outcomes}
}

// IncOutcome counts one delivery outcome.
func (m *WebhookMetrics) IncOutcome(eventType, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.outcomes.WithLabelValues(eventType, outcome).Inc()
}
