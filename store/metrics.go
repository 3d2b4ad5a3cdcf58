package store

import "github.com/prometheus/client_golang/prometheus"

// Counters required by spec §4.2.1, §7, §9: events_ignored and
// gaps_detected are named directly in the specification; buffer_overflows
// supplements them with the distinguishing signal spec §7 calls for
// ("BufferOverflow ... distinguishable in metrics by the coincidence of a
// zero buffer size with a recent sinceSeq=0 request").
var (
	eventsIgnoredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dex_realtime",
		Subsystem: "store",
		Name:      "events_ignored_total",
		Help:      "Number of dispatched events discarded as duplicates.",
	})

	gapsDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dex_realtime",
		Subsystem: "store",
		Name:      "gaps_detected_total",
		Help:      "Number of dispatched deltas observed with a sequence ahead of lastSeq+1.",
	})

	bufferOverflowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dex_realtime",
		Subsystem: "store",
		Name:      "buffer_overflows_total",
		Help:      "Number of times a per-stream delta buffer exceeded its cap and was cleared for a full resync.",
	})
)

func init() {
	prometheus.MustRegister(eventsIgnoredTotal, gapsDetectedTotal, bufferOverflowsTotal)
}
