// Package metrics exposes Prometheus instrumentation for the gateway.
// A nil *Metrics is valid and records nothing, so components never need
// guard checks.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sensorgate"

// Frame outcomes recorded by the protocol handler.
const (
	FrameHandled    = "handled"
	FrameBinary     = "binary"
	FrameOversize   = "oversize"
	FrameMalformed  = "malformed"
	FrameUntrusted  = "untrusted"
	FrameUnknown    = "unknown_type"
	FrameUnwritable = "unwritable"
	FrameSendFailed = "send_failed"
)

// Metrics holds every collector the gateway updates.
type Metrics struct {
	frames         *prometheus.CounterVec
	publishes      *prometheus.CounterVec
	sensorReads    *prometheus.CounterVec
	connectivity   *prometheus.GaugeVec
	brokerFailures *prometheus.CounterVec
	clients        prometheus.Gauge
	pushes         prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_frames_total",
			Help:      "Inbound WebSocket frames by outcome.",
		}, []string{"outcome"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_publishes_total",
			Help:      "MQTT publishes by topic and result.",
		}, []string{"topic", "result"}),
		sensorReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_reads_total",
			Help:      "Sensor facade reads by sensor and result.",
		}, []string{"sensor", "result"}),
		connectivity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connectivity_state",
			Help:      "Connectivity state per link (0 disconnected, 1 connecting, 2 connected).",
		}, []string{"link"}),
		brokerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_connect_failures_total",
			Help:      "Failed broker handshakes by reason code.",
		}, []string{"reason_code"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Currently open WebSocket connections.",
		}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_pushes_total",
			Help:      "Telemetry push cycles that reached the broker.",
		}),
	}

	reg.MustRegister(m.frames, m.publishes, m.sensorReads, m.connectivity,
		m.brokerFailures, m.clients, m.pushes)
	return m
}

// Frame counts one inbound frame with the given outcome.
func (m *Metrics) Frame(outcome string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(outcome).Inc()
}

// Publish counts one MQTT publish attempt.
func (m *Metrics) Publish(topic string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.publishes.WithLabelValues(topic, result).Inc()
}

// SensorRead counts one facade read.
func (m *Metrics) SensorRead(sensor string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "invalid"
	}
	m.sensorReads.WithLabelValues(sensor, result).Inc()
}

// State records the state of a link ("network" or "broker").
func (m *Metrics) State(link string, state int) {
	if m == nil {
		return
	}
	m.connectivity.WithLabelValues(link).Set(float64(state))
}

// BrokerFailure counts a refused or failed broker handshake.
func (m *Metrics) BrokerFailure(code int) {
	if m == nil {
		return
	}
	m.brokerFailures.WithLabelValues(strconv.Itoa(code)).Inc()
}

// Clients records the number of open WebSocket connections.
func (m *Metrics) Clients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}

// Push counts a completed telemetry push cycle.
func (m *Metrics) Push() {
	if m == nil {
		return
	}
	m.pushes.Inc()
}
