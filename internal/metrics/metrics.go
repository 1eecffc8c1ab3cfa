// Package metrics exposes the Prometheus counters an external scraper
// collects. Grounded on services/blueprints/cmd/blueprints/
// main.go, which mounts promhttp.Handler() directly on the default
// registry; this package adds the gateway-specific series (queue depth,
// forwarder cycle outcomes, upstream submission outcomes).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth reports the current count of queue entries per state,
	// refreshed by the forwarder at the end of each drain cycle that claimed
	// entries. Ingestion does not update it.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "attendedge_queue_depth",
		Help: "Number of queue entries currently in each state.",
	}, []string{"state"})

	// ForwarderCycles counts drain-cycle outcomes by result.
	ForwarderCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendedge_forwarder_cycle_total",
		Help: "Drain cycle entry outcomes, by result.",
	}, []string{"result"})

	// UpstreamSubmissions counts ERP submission attempts by outcome.
	UpstreamSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendedge_upstream_submissions_total",
		Help: "Upstream ERP submission attempts, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(QueueDepth, ForwarderCycles, UpstreamSubmissions)
}

// Handler serves the default Prometheus registry for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
