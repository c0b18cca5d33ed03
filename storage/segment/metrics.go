package segment

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	appends       prometheus.Counter
	appendBytes   prometheus.Counter
	rotations     prometheus.Counter
	readFailures  prometheus.Counter
	writesFailed  prometheus.Counter
	fsyncDuration prometheus.Summary
}

// NewMetrics builds the segment metrics. A nil registerer skips registration,
// which keeps throwaway managers such as compaction staging off the registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.appends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "appends_total",
		Help: "Total number of records appended to segments.",
	})

	m.appendBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "append_bytes_total",
		Help: "Total number of bytes appended to segments, length prefixes included.",
	})

	m.rotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotations_total",
		Help: "Total number of segment rotations.",
	})

	m.readFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "read_failures_total",
		Help: "Total number of record reads that failed.",
	})

	m.writesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writes_failed_total",
		Help: "Total number of segment writes that failed.",
	})

	m.fsyncDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "fsync_duration_seconds",
		Help:       "Duration of segment fsync.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	if registerer != nil {
		registerer = prometheus.WrapRegistererWithPrefix("guardian_segment_", registerer)
		registerer.MustRegister(
			m.appends,
			m.appendBytes,
			m.rotations,
			m.readFailures,
			m.writesFailed,
			m.fsyncDuration,
		)
	}

	return m
}
