package compaction

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	runs      prometheus.Counter
	failures  prometheus.Counter
	majors    prometheus.Counter
	processed prometheus.Counter
	removed   *prometheus.CounterVec
	duration  prometheus.Histogram
}

// NewMetrics builds the compaction metrics. A nil registerer skips registration.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.runs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runs_total",
		Help: "Total number of compaction runs.",
	})

	m.failures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "failures_total",
		Help: "Total number of compaction runs that failed.",
	})

	m.majors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "major_total",
		Help: "Total number of committed major compactions.",
	})

	m.processed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "processed_total",
		Help: "Total number of index entries examined.",
	})

	m.removed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "removed_total",
		Help: "Total number of index entries reclaimed, by reason.",
	}, []string{"reason"})

	m.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duration_seconds",
		Help:    "Duration of compaction runs.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	if registerer != nil {
		registerer = prometheus.WrapRegistererWithPrefix("guardian_compaction_", registerer)
		registerer.MustRegister(
			m.runs,
			m.failures,
			m.majors,
			m.processed,
			m.removed,
			m.duration,
		)
	}

	return m
}
