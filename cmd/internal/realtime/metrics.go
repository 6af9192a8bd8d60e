package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the session collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connectAttempts *prometheus.CounterVec
	connected       prometheus.Gauge
	reconnects      *prometheus.CounterVec
	sends           *prometheus.CounterVec
	ackLatency      prometheus.Histogram
	events          *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	listenerPanics  prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg.
// A nil reg builds unregistered collectors (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskwire",
			Subsystem: "session",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by outcome.",
		}, []string{"outcome"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deskwire",
			Subsystem: "session",
			Name:      "connected",
			Help:      "1 while the session holds a connected handle.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskwire",
			Subsystem: "session",
			Name:      "disconnects_total",
			Help:      "Unexpected disconnects by close class.",
		}, []string{"class"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskwire",
			Subsystem: "send",
			Name:      "results_total",
			Help:      "Send results by reason category.",
		}, []string{"category"}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "deskwire",
			Subsystem: "send",
			Name:      "ack_seconds",
			Help:      "Time from write to message_ack.",
			Buckets:   prometheus.DefBuckets,
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskwire",
			Subsystem: "dispatcher",
			Name:      "events_total",
			Help:      "Dispatched inbound events by category.",
		}, []string{"category"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskwire",
			Subsystem: "dispatcher",
			Name:      "dropped_total",
			Help:      "Inbound events dropped by reason.",
		}, []string{"reason"}),
		listenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deskwire",
			Subsystem: "dispatcher",
			Name:      "listener_panics_total",
			Help:      "Recovered listener panics.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.connectAttempts,
			m.connected,
			m.reconnects,
			m.sends,
			m.ackLatency,
			m.events,
			m.dropped,
			m.listenerPanics,
		)
	}
	return m
}

func (m *Metrics) connectOutcome(outcome string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) disconnect(class CloseClass) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(class.String()).Inc()
}

func (m *Metrics) sendResult(c Category, seconds float64) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(string(c)).Inc()
	if seconds >= 0 {
		m.ackLatency.Observe(seconds)
	}
}

func (m *Metrics) event(category string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(category).Inc()
}

func (m *Metrics) drop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) panicked() {
	if m == nil {
		return
	}
	m.listenerPanics.Inc()
}
