// Package telemetry exposes Prometheus metrics for the desk process and the
// push relay. A nil *Metrics is valid and records nothing, so components can
// be built without metrics in tests.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors.
type Metrics struct {
	registry *prometheus.Registry

	PushFramesReceived  *prometheus.CounterVec
	PushFramesMalformed prometheus.Counter
	PushHandlerErrors   *prometheus.CounterVec
	PushReconnects      prometheus.Counter
	PushConnected       prometheus.Gauge
	RelayClients        prometheus.Gauge
	RelayBroadcasts     *prometheus.CounterVec
	RelayFeedRecords    *prometheus.CounterVec
	AvailabilityFetches *prometheus.CounterVec
	BookingSubmissions  *prometheus.CounterVec
	QueuePolls          *prometheus.CounterVec
	QueueWaiting        prometheus.Gauge
	BreakerState        *prometheus.GaugeVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PushFramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicdesk_push_frames_received_total",
			Help: "Push frames received by the channel client, by topic",
		}, []string{"topic"}),
		PushFramesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinicdesk_push_frames_malformed_total",
			Help: "Push frames that could not be decoded",
		}),
		PushHandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicdesk_push_handler_errors_total",
			Help: "Subscription handler failures, by topic",
		}, []string{"topic"}),
		PushReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinicdesk_push_reconnects_total",
			Help: "Channel reconnect attempts after a dropped or failed connection",
		}),
		PushConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clinicdesk_push_connected",
			Help: "1 while the channel client holds a live connection",
		}),
		RelayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clinicdesk_relay_clients",
			Help: "Connected relay websocket clients",
		}),
		RelayBroadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicdesk_relay_broadcasts_total",
			Help: "Events broadcast by the relay hub, by topic",
		}, []string{"topic"}),
		RelayFeedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicdesk_relay_feed_records_total",
			Help: "Kafka records handled by the relay feed, by outcome",
		}, []string{"outcome"}),
		AvailabilityFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicdesk_availability_fetches_total",
			Help: "Availability fetches, by outcome",
		}, []string{"outcome"}),
		BookingSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicdesk_booking_submissions_total",
			Help: "Booking submissions, by kind and outcome",
		}, []string{"kind", "outcome"}),
		QueuePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicdesk_queue_reconciles_total",
			Help: "Queue reconciliations, by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		QueueWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clinicdesk_queue_waiting",
			Help: "Items currently in the waiting list",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clinicdesk_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	m.registry.MustRegister(
		m.PushFramesReceived,
		m.PushFramesMalformed,
		m.PushHandlerErrors,
		m.PushReconnects,
		m.PushConnected,
		m.RelayClients,
		m.RelayBroadcasts,
		m.RelayFeedRecords,
		m.AvailabilityFetches,
		m.BookingSubmissions,
		m.QueuePolls,
		m.QueueWaiting,
		m.BreakerState,
	)

	return m
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameReceived(topic string) {
	if m == nil {
		return
	}
	m.PushFramesReceived.WithLabelValues(topic).Inc()
}

func (m *Metrics) FrameMalformed() {
	if m == nil {
		return
	}
	m.PushFramesMalformed.Inc()
}

func (m *Metrics) HandlerFailed(topic string) {
	if m == nil {
		return
	}
	m.PushHandlerErrors.WithLabelValues(topic).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.PushReconnects.Inc()
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.PushConnected.Set(1)
		return
	}
	m.PushConnected.Set(0)
}

func (m *Metrics) SetRelayClients(n int) {
	if m == nil {
		return
	}
	m.RelayClients.Set(float64(n))
}

func (m *Metrics) RelayBroadcast(topic string) {
	if m == nil {
		return
	}
	m.RelayBroadcasts.WithLabelValues(topic).Inc()
}

func (m *Metrics) FeedRecord(outcome string) {
	if m == nil {
		return
	}
	m.RelayFeedRecords.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AvailabilityFetch(outcome string) {
	if m == nil {
		return
	}
	m.AvailabilityFetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BookingSubmission(kind, outcome string) {
	if m == nil {
		return
	}
	m.BookingSubmissions.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) QueueReconcile(trigger, outcome string) {
	if m == nil {
		return
	}
	m.QueuePolls.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) SetQueueWaiting(n int) {
	if m == nil {
		return
	}
	m.QueueWaiting.Set(float64(n))
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(state)
}
