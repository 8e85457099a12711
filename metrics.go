package vaultfs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of a Vault. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Chunks       *prometheus.CounterVec
	AuthFailures *prometheus.CounterVec
	LockTimeouts prometheus.Counter
	Unlocks      *prometheus.CounterVec
	KDFDuration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Chunks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vaultfs",
				Name:      "chunks_total",
				Help:      "Total number of content chunks processed",
			},
			[]string{"op"}, // "encrypt" or "decrypt"
		),
		AuthFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vaultfs",
				Name:      "auth_failures_total",
				Help:      "Total number of failed authentication checks",
			},
			[]string{"kind"}, // "header", "chunk", "name", "dirid", "config"
		),
		LockTimeouts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "vaultfs",
				Name:      "lock_timeouts_total",
				Help:      "Total number of lock acquisitions that timed out",
			},
		),
		Unlocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vaultfs",
				Name:      "unlock_total",
				Help:      "Total number of unlock attempts",
			},
			[]string{"result"}, // "ok" or "failed"
		),
		KDFDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "vaultfs",
				Name:      "kdf_duration_seconds",
				Help:      "Passphrase key derivation duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
			},
			[]string{"algorithm"},
		),
	}
}

func (m *Metrics) chunks(op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Chunks.WithLabelValues(op).Add(float64(n))
}

func (m *Metrics) authFailure(kind string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) lockTimeout() {
	if m == nil {
		return
	}
	m.LockTimeouts.Inc()
}

func (m *Metrics) unlock(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	m.Unlocks.WithLabelValues(result).Inc()
}

func (m *Metrics) observeKDF(alg KDFAlgorithm, d time.Duration) {
	if m == nil {
		return
	}
	m.KDFDuration.WithLabelValues(alg.String()).Observe(d.Seconds())
}
