// Package metrics exposes Prometheus collectors for sessions, rooms and
// event traffic. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	activeSessions   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	activeRooms      prometheus.Gauge
	eventsReceived   *prometheus.CounterVec
	eventsSent       prometheus.Counter
	eventsDropped    *prometheus.CounterVec
	handlerErrors    *prometheus.CounterVec
	protocolErrors   prometheus.Counter
	rejectedUpgrades *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg under namespace. If reg is also a
// Gatherer (a *prometheus.Registry), Handler serves it.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open WebSocket sessions",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions opened",
		}),
		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of rooms with at least one member",
		}),
		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Inbound events dispatched, by event name",
		}, []string{"event"}),
		eventsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_sent_total",
			Help:      "Frames written to clients",
		}),
		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Outbound frames discarded, by reason",
		}, []string{"reason"}),
		handlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Handler errors and panics, by event name",
		}, []string{"event"}),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Malformed inbound frames",
		}),
		rejectedUpgrades: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_upgrades_total",
			Help:      "Upgrade requests refused, by reason",
		}, []string{"reason"}),
		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent running handlers for one inbound event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// Handler serves the registered collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SessionOpened counts a session that reached the open state.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionsTotal.Inc()
}

// SessionClosed counts a session that reached the closed state.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// RoomsChanged records the current room count.
func (m *Metrics) RoomsChanged(n int) {
	if m == nil {
		return
	}
	m.activeRooms.Set(float64(n))
}

// EventReceived counts an inbound event.
func (m *Metrics) EventReceived(event string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(event).Inc()
}

// FrameSent counts a frame written to a client.
func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.eventsSent.Inc()
}

// FramesDropped counts discarded outbound frames.
func (m *Metrics) FramesDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Add(float64(n))
}

// HandlerError counts a failed or panicking handler.
func (m *Metrics) HandlerError(event string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(event).Inc()
}

// ProtocolError counts a malformed inbound frame.
func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

// UpgradeRejected counts a refused upgrade.
func (m *Metrics) UpgradeRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedUpgrades.WithLabelValues(reason).Inc()
}

// ObserveDispatch records how long the handlers for one event took.
func (m *Metrics) ObserveDispatch(event string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(event).Observe(d.Seconds())
}
