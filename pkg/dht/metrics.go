package dht

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "overlay"

// Metrics exports the node's routing activity. A nil *Metrics records
// nothing.
type Metrics struct {
	received       *prometheus.CounterVec
	sent           *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	escalated      *prometheus.CounterVec
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	pending        prometheus.Gauge
	neighbours     *prometheus.GaugeVec
	friends        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Messages decoded from the transport, by kind.",
		}, []string{"kind"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Messages handed to the transport, by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_dropped_total",
			Help:      "Messages discarded, by reason.",
		}, []string{"reason"}),
		escalated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "escalations_total",
			Help:      "Messages handled locally as the closest node, by kind.",
		}, []string{"kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Completed caller requests, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time from issue to offer.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"kind"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_requests",
			Help:      "Requests awaiting a reply.",
		}),
		neighbours: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "neighbours",
			Help:      "Current neighbour set size, by side.",
		}, []string{"side"}),
		friends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "friends",
			Help:      "Known nodes in the friends cache.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.received, m.sent, m.dropped, m.escalated,
			m.requests, m.requestLatency, m.pending, m.neighbours, m.friends,
		)
	}
	return m
}

func (m *Metrics) messageReceived(kind string) {
	if m != nil {
		m.received.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) messageSent(kind string) {
	if m != nil {
		m.sent.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) messageDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) escalation(kind string) {
	if m != nil {
		m.escalated.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) requestDone(h *Handle, outcome string, now time.Time) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(h.Kind.String(), outcome).Inc()
	if outcome == StatusOffer.String() {
		m.requestLatency.WithLabelValues(h.Kind.String()).Observe(now.Sub(h.IssuedAt).Seconds())
	}
}

func (m *Metrics) tableSize(left, right, friends, pending int) {
	if m == nil {
		return
	}
	m.neighbours.WithLabelValues("left").Set(float64(left))
	m.neighbours.WithLabelValues("right").Set(float64(right))
	m.friends.Set(float64(friends))
	m.pending.Set(float64(pending))
}
