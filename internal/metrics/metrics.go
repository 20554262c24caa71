// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "officehours_relay"

// Connection kinds.
const (
	ConnPresence = "presence"
	ConnRoom     = "room"
	ConnRejected = "rejected"
)

// Datagram outcomes.
const (
	DatagramForwarded = "forwarded"
	DatagramNoPeer    = "no_peer"
	DatagramUnknown   = "unknown"
	DatagramPunch     = "punch"
)

// Gauges supplies the live values sampled at scrape time.
type Gauges struct {
	Users func() int
	Rooms func() int
}

// Metrics holds every relay collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Connections    *prometheus.CounterVec
	ProtocolErrors prometheus.Counter
	RoomsPaired    prometheus.Counter
	RoomsTimedOut  prometheus.Counter
	RoomsSwept     prometheus.Counter
	FramesRelayed  prometheus.Counter
	BytesRelayed   prometheus.Counter
	Datagrams      *prometheus.CounterVec
}

// New registers the relay collectors plus Go runtime collectors.
func New(g Gauges) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Accepted stream connections by first request kind.",
		}, []string{"kind"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Connections closed because of malformed or unknown frames.",
		}),
		RoomsPaired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_paired_total",
			Help:      "Rooms that reached two members.",
		}),
		RoomsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_timed_out_total",
			Help:      "Rooms deleted because nobody joined in time.",
		}),
		RoomsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_swept_total",
			Help:      "Stale rooms deleted by the periodic sweep.",
		}),
		FramesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_relayed_total",
			Help:      "Stream frames forwarded between room members.",
		}),
		BytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_relayed_total",
			Help:      "Payload bytes of forwarded stream frames.",
		}),
		Datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_total",
			Help:      "UDP datagrams received, by outcome.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.Connections, m.ProtocolErrors,
		m.RoomsPaired, m.RoomsTimedOut, m.RoomsSwept,
		m.FramesRelayed, m.BytesRelayed, m.Datagrams,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if g.Users != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_users",
			Help:      "Users currently registered in the presence directory.",
		}, func() float64 { return float64(g.Users()) }))
	}
	if g.Rooms != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_open",
			Help:      "Rooms currently held by the registry.",
		}, func() float64 { return float64(g.Rooms()) }))
	}

	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
