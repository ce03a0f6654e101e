package dm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts crypto failures on the message path, labeled by operation
// (encrypt, decrypt).
type Metrics struct {
	CryptoFailures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CryptoFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopline_crypto_failures_total",
			Help: "Message encrypt/decrypt operations that failed.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.CryptoFailures)
	}
	return m
}
