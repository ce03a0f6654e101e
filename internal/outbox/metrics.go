package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics covers the queue lifecycle: what came in, what drained, what was
// turned away.
type Metrics struct {
	Queued   *prometheus.CounterVec
	Synced   *prometheus.CounterVec
	Failed   *prometheus.CounterVec
	Rejected *prometheus.CounterVec
	Pending  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopline_outbox_queued_total",
			Help: "Entries accepted into the offline outbox.",
		}, []string{"kind"}),
		Synced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopline_outbox_synced_total",
			Help: "Entries successfully flushed to the network.",
		}, []string{"kind"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopline_outbox_failed_total",
			Help: "Flush attempts that failed and were kept for retry.",
		}, []string{"kind"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopline_outbox_rejected_total",
			Help: "Saves rejected by the entry or size limit.",
		}, []string{"reason"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loopline_outbox_pending",
			Help: "Entries currently waiting in the queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Queued, m.Synced, m.Failed, m.Rejected, m.Pending)
	}
	return m
}
