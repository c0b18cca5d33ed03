package index

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	puts            prometheus.Counter
	tombstones      prometheus.Counter
	replayedEntries prometheus.Counter
	tornTails       prometheus.Counter
	writesFailed    prometheus.Counter
}

// NewMetrics builds the index metrics. A nil registerer skips registration.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.puts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "puts_total",
		Help: "Total number of put entries appended to the index log.",
	})

	m.tombstones = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tombstones_total",
		Help: "Total number of tombstone entries appended to the index log.",
	})

	m.replayedEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replayed_entries_total",
		Help: "Total number of entries applied while replaying the index log.",
	})

	m.tornTails = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "torn_tail_total",
		Help: "Total number of torn index log tails truncated on replay.",
	})

	m.writesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writes_failed_total",
		Help: "Total number of index log writes that failed.",
	})

	if registerer != nil {
		registerer = prometheus.WrapRegistererWithPrefix("guardian_index_", registerer)
		registerer.MustRegister(
			m.puts,
			m.tombstones,
			m.replayedEntries,
			m.tornTails,
			m.writesFailed,
		)
	}

	return m
}
