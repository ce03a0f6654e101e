package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EventsPublished     *prometheus.CounterVec
	EventsDropped       *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopline_realtime_events_published_total",
			Help: "Realtime events published, by event kind.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopline_realtime_events_dropped_total",
			Help: "Realtime events dropped before handler delivery, by reason.",
		}, []string{"reason"}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loopline_realtime_active_subscriptions",
			Help: "Live thread and user channel subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EventsPublished, m.EventsDropped, m.ActiveSubscriptions)
	}
	return m
}
