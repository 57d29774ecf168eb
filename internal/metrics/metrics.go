// Package metrics exposes the server's internal counters via Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons recorded on the drops counter.
const (
	DropReasonRateLimited    = "rate_limited"
	DropReasonServerFull     = "server_full"
	DropReasonNoActiveCall   = "no_active_call"
	DropReasonUnknownSender  = "unknown_sender"
	DropReasonNoPartnerAddr  = "no_partner_addr"
	DropReasonOversizedMedia = "oversized_media"
	DropReasonPushFailed     = "push_failed"
)

// Call event names recorded on the call events counter.
const (
	CallEventCall   = "call"
	CallEventAccept = "accept"
	CallEventReject = "reject"
	CallEventEnd    = "end"
)

// Metrics holds all server counters on a private Prometheus registry.
//
// A nil *Metrics is valid and records nothing, so tests can pass nil without
// constructing a registry.
type Metrics struct {
	registry *prometheus.Registry

	registrations prometheus.Counter
	clientsActive prometheus.Gauge
	callsActive   prometheus.Gauge
	callEvents    *prometheus.CounterVec
	drops         *prometheus.CounterVec
	relayPackets  prometheus.Counter
	relayBytes    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		registrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "registrations_total",
			Help:      "Successful client registrations.",
		}),
		clientsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Name:      "clients_active",
			Help:      "Currently registered clients.",
		}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Name:      "calls_active",
			Help:      "Call edges currently ringing or active.",
		}),
		callEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "call_events_total",
			Help:      "Call signaling transitions by event.",
		}, []string{"event"}),
		drops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "drops_total",
			Help:      "Dropped messages and datagrams by reason.",
		}, []string{"reason"}),
		relayPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "relay_packets_total",
			Help:      "Media datagrams forwarded to a call partner.",
		}),
		relayBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "relay_bytes_total",
			Help:      "Media payload bytes forwarded to a call partner.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registration() {
	if m == nil {
		return
	}
	m.registrations.Inc()
}

func (m *Metrics) SetClientsActive(n int) {
	if m == nil {
		return
	}
	m.clientsActive.Set(float64(n))
}

func (m *Metrics) SetCallsActive(n int) {
	if m == nil {
		return
	}
	m.callsActive.Set(float64(n))
}

func (m *Metrics) CallEvent(event string) {
	if m == nil {
		return
	}
	m.callEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Drop(reason string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) RelayForwarded(payloadBytes int) {
	if m == nil {
		return
	}
	m.relayPackets.Inc()
	m.relayBytes.Add(float64(payloadBytes))
}
