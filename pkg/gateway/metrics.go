package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	MessagesSnooped  *prometheus.CounterVec
	ProcessingErrors *prometheus.CounterVec

	ActiveMappings      *prometheus.GaugeVec
	ConnectedConnectors *prometheus.GaugeVec
}

// NewMetrics creates the gateway's collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mapping_gateway",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages routed to a mapping",
			},
			[]string{"tenant", "mapping"},
		),
		MessagesSnooped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mapping_gateway",
				Subsystem: "messages",
				Name:      "snooped_total",
				Help:      "Total number of payloads captured while snooping",
			},
			[]string{"tenant", "mapping"},
		),
		ProcessingErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mapping_gateway",
				Subsystem: "processing",
				Name:      "errors_total",
				Help:      "Total number of failed processing runs",
			},
			[]string{"tenant", "mapping"},
		),
		ActiveMappings: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mapping_gateway",
				Subsystem: "mappings",
				Name:      "active",
				Help:      "Number of active mappings per tenant",
			},
			[]string{"tenant", "direction"},
		),
		ConnectedConnectors: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mapping_gateway",
				Subsystem: "connectors",
				Name:      "connected",
				Help:      "Number of connected connectors per tenant",
			},
			[]string{"tenant"},
		),
	}
}

// Register adds every collector to a Prometheus registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{
		m.MessagesReceived,
		m.MessagesSnooped,
		m.ProcessingErrors,
		m.ActiveMappings,
		m.ConnectedConnectors,
	} {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
