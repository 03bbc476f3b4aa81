package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ServerMetrics tracks the TCP and gRPC front ends.
type ServerMetrics struct {
	registry *Registry

	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec

	ProtocolErrors prometheus.Counter
}

func newServerMetrics(r *Registry) *ServerMetrics {
	m := &ServerMetrics{registry: r}

	m.ConnectionsActive = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "server",
		Name:      "connections_active",
		Help:      "Open client connections on the TCP listener",
	})

	m.ConnectionsTotal = r.newCounter(prometheus.CounterOpts{
		Subsystem: "server",
		Name:      "connections_total",
		Help:      "Accepted client connections on the TCP listener",
	})

	m.Requests = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "server",
		Name:      "requests_total",
		Help:      "Requests by transport, operation and result code",
	}, []string{"transport", "op", "code"})

	m.RequestLatency = r.newHistogramVec(prometheus.HistogramOpts{
		Subsystem: "server",
		Name:      "request_latency_seconds",
		Help:      "Time from decoded request to encoded response",
	}, []string{"transport", "op"})

	m.ProtocolErrors = r.newCounter(prometheus.CounterOpts{
		Subsystem: "server",
		Name:      "protocol_errors_total",
		Help:      "Connections closed because of malformed or oversized frames",
	})

	return m
}

func (m *ServerMetrics) on() bool {
	return m != nil && m.registry.enabled
}

// ConnectionOpened counts an accepted connection.
func (m *ServerMetrics) ConnectionOpened() {
	if !m.on() {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *ServerMetrics) ConnectionClosed() {
	if !m.on() {
		return
	}
	m.ConnectionsActive.Dec()
}

// RecordRequest records one handled request. code is "OK" or an error code.
func (m *ServerMetrics) RecordRequest(transport, op, code string, latency time.Duration) {
	if !m.on() {
		return
	}
	m.Requests.WithLabelValues(transport, op, code).Inc()
	m.RequestLatency.WithLabelValues(transport, op).Observe(latency.Seconds())
}

// RecordProtocolError counts a connection dropped for a framing error.
func (m *ServerMetrics) RecordProtocolError() {
	if !m.on() {
		return
	}
	m.ProtocolErrors.Inc()
}
