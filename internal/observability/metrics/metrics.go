package metrics

import "github.com/prometheus/client_golang/prometheus"

// GatewayMetrics exposes counters/histograms for the WhatsApp gateway.
// All methods are safe on a nil receiver so metrics stay optional in
// tests and tools.
type GatewayMetrics struct {
	transitionsTotal    *prometheus.CounterVec
	bringUpSeconds      *prometheus.HistogramVec
	outboundTotal       *prometheus.CounterVec
	inboundWebhookTotal *prometheus.CounterVec
	webhookForwardTotal *prometheus.CounterVec
}

func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reserveja",
			Subsystem: "whatsapp",
			Name:      "session_transitions_total",
			Help:      "Total session state transitions",
		}, []string{"state"}),
		bringUpSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reserveja",
			Subsystem: "whatsapp",
			Name:      "session_bringup_seconds",
			Help:      "Duration of session bring-up attempts",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reserveja",
			Subsystem: "whatsapp",
			Name:      "outbound_send_total",
			Help:      "Total outbound message sends",
		}, []string{"status"}),
		inboundWebhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reserveja",
			Subsystem: "whatsapp",
			Name:      "inbound_webhook_total",
			Help:      "Total inbound webhook payloads processed",
		}, []string{"status"}),
		webhookForwardTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reserveja",
			Subsystem: "whatsapp",
			Name:      "webhook_forward_total",
			Help:      "Total tenant webhook forward attempts",
		}, []string{"status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.transitionsTotal,
		m.bringUpSeconds,
		m.outboundTotal,
		m.inboundWebhookTotal,
		m.webhookForwardTotal,
	)
	return m
}

func (m *GatewayMetrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(state).Inc()
}

func (m *GatewayMetrics) ObserveBringUp(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.bringUpSeconds.WithLabelValues(outcome).Observe(seconds)
}

func (m *GatewayMetrics) ObserveOutbound(status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(status).Inc()
}

func (m *GatewayMetrics) ObserveInboundWebhook(status string) {
	if m == nil {
		return
	}
	m.inboundWebhookTotal.WithLabelValues(status).Inc()
}

func (m *GatewayMetrics) ObserveWebhookForward(status string) {
	if m == nil {
		return
	}
	m.webhookForwardTotal.WithLabelValues(status).Inc()
}
