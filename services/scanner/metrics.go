package scanner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the scanner's prometheus collectors.
type Metrics struct {
	scans    *prometheus.CounterVec
	withCode prometheus.Counter
	duration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		scans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bhakti",
			Subsystem: "scanner",
			Name:      "scans_total",
			Help:      "Scans by outcome.",
		}, []string{"status"}),
		withCode: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bhakti",
			Subsystem: "scanner",
			Name:      "artifacts_with_code_total",
			Help:      "Artifacts whose Lambda layer carried an encoded function.",
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bhakti",
			Subsystem: "scanner",
			Name:      "scan_duration_seconds",
			Help:      "Time from request to stored analysis.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"status"}),
	}
}

func (m *Metrics) observe(status string, containsCode bool, d time.Duration) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(status).Inc()
	m.duration.WithLabelValues(status).Observe(d.Seconds())
	if containsCode {
		m.withCode.Inc()
	}
}
