package core

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are registered on a per-server registry so several servers can
// live in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	Grants       prometheus.Counter
	Denies       prometheus.Counter
	Releases     prometheus.Counter
	Relayed      *prometheus.CounterVec // by channel
	Dropped      *prometheus.CounterVec // by reason
	Participants prometheus.Gauge
	Held         prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Grants: f.NewCounter(prometheus.CounterOpts{
			Name: "grabsync_grants_total",
			Help: "Grab requests granted by the authority",
		}),
		Denies: f.NewCounter(prometheus.CounterOpts{
			Name: "grabsync_denies_total",
			Help: "Grab requests denied because the object was held",
		}),
		Releases: f.NewCounter(prometheus.CounterOpts{
			Name: "grabsync_releases_total",
			Help: "Objects released, including releases on disconnect",
		}),
		Relayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grabsync_relayed_updates_total",
			Help: "Pose updates accepted from owners and relayed",
		}, []string{"channel"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grabsync_dropped_messages_total",
			Help: "Inbound messages dropped by the authority",
		}, []string{"reason"}),
		Participants: f.NewGauge(prometheus.GaugeOpts{
			Name: "grabsync_participants",
			Help: "Currently connected participants",
		}),
		Held: f.NewGauge(prometheus.GaugeOpts{
			Name: "grabsync_objects_held",
			Help: "Objects currently owned by a participant",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
