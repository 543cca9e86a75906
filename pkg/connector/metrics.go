// Copyright 2024-2026 Aiku AI

package connector

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bridge's Prometheus collectors.
type Metrics struct {
	WebhookEvents     *prometheus.CounterVec
	OutboundSends     *prometheus.CounterVec
	RoomsCreated      prometheus.Counter
	CorrelationMisses *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gupshup_bridge",
			Name:      "webhook_events_total",
			Help:      "Gupshup webhook events by type and result.",
		}, []string{"type", "result"}),
		OutboundSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gupshup_bridge",
			Name:      "outbound_sends_total",
			Help:      "Messages sent to Gupshup by kind and result.",
		}, []string{"kind", "result"}),
		RoomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gupshup_bridge",
			Name:      "rooms_created_total",
			Help:      "Portal rooms created.",
		}),
		CorrelationMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gupshup_bridge",
			Name:      "correlation_misses_total",
			Help:      "Lookups of bridged messages or reactions that found nothing.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.WebhookEvents, m.OutboundSends, m.RoomsCreated, m.CorrelationMisses)
	}
	return m
}

func (m *Metrics) outbound(kind string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.OutboundSends.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) miss(kind string) {
	m.CorrelationMisses.WithLabelValues(kind).Inc()
}
