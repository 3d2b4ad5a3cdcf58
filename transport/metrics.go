package transport

import "github.com/prometheus/client_golang/prometheus"

// reconnectsTotal counts successful reconnects (i.e. excludes the initial
// Connect). Supplements the spec's store-level metrics (spec §9) with
// transport-level operational visibility.
var reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "dex_realtime",
	Subsystem: "transport",
	Name:      "reconnects_total",
	Help:      "Number of times the client successfully re-established a connection after an unexpected loss.",
})

// serverErrorsTotal counts server-pushed error frames, labelled by code
// (spec §6.1, §7).
var serverErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dex_realtime",
	Subsystem: "transport",
	Name:      "server_errors_total",
	Help:      "Number of error frames received from the server, by code.",
}, []string{"code"})

func init() {
	prometheus.MustRegister(reconnectsTotal, serverErrorsTotal)
}
