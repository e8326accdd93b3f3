package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrderMetrics counts state machine activity and gateway reconciliation.
type OrderMetrics struct {
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	replays     *prometheus.CounterVec
	gateway     *prometheus.CounterVec
	webhooks    *prometheus.CounterVec
}

func NewOrderMetrics(reg prometheus.Registerer) *OrderMetrics {
	if reg == nil {
		return &OrderMetrics{}
	}
	m := &OrderMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Committed order transitions.",
		}, []string{"event", "from", "to"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "transition_rejections_total",
			Help:      "Transitions refused by the state machine or preconditions.",
		}, []string{"event", "code"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "idempotent_replays_total",
			Help:      "Handler invocations that found the transition already applied.",
		}, []string{"event"}),
		gateway: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Payment gateway calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "events_total",
			Help:      "Gateway webhook deliveries by type and outcome.",
		}, []string{"type", "outcome"}),
	}
	reg.MustRegister(m.transitions, m.rejections, m.replays, m.gateway, m.webhooks)
	return m
}

func (m *OrderMetrics) Transition(event, from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(event), normalizeLabel(from), normalizeLabel(to)).Inc()
}

func (m *OrderMetrics) Rejection(event, code string) {
	if m == nil || m.rejections == nil {
		return
	}
	m.rejections.WithLabelValues(normalizeLabel(event), normalizeLabel(code)).Inc()
}

func (m *OrderMetrics) Replay(event string) {
	if m == nil || m.replays == nil {
		return
	}
	m.replays.WithLabelValues(normalizeLabel(event)).Inc()
}

func (m *OrderMetrics) GatewayCall(operation string, err error) {
	if m == nil || m.gateway == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.gateway.WithLabelValues(normalizeLabel(operation), outcome).Inc()
}

func (m *OrderMetrics) Webhook(eventType, outcome string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}
