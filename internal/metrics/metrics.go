// Package metrics exposes routing statistics to prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats holds the routing counters. All fields are safe for concurrent use.
type Stats struct {
	reg *prometheus.Registry

	BatchesReceived prometheus.Counter
	EventsForwarded prometheus.Counter
	BatchesDropped  prometheus.Counter
	NotesRewritten  prometheus.Counter
	SendErrors      prometheus.Counter
	Reconciles      prometheus.Counter
	ConnectedInputs prometheus.Gauge
	FwdDelay        prometheus.Histogram
}

// New creates a Stats registered in its own registry.
func New() *Stats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &Stats{
		reg: reg,

		BatchesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "blackkeys_batches_received",
			Help: "Total packet batches read from connected inputs",
		}),
		EventsForwarded: f.NewCounter(prometheus.CounterOpts{
			Name: "blackkeys_events_forwarded",
			Help: "Total events sent to the active output",
		}),
		BatchesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "blackkeys_batches_dropped",
			Help: "Batches dropped because no output was active",
		}),
		NotesRewritten: f.NewCounter(prometheus.CounterOpts{
			Name: "blackkeys_notes_rewritten",
			Help: "Total black key Note-On events with a rewritten velocity",
		}),
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "blackkeys_send_errors",
			Help: "Total failed sends to the active output",
		}),
		Reconciles: f.NewCounter(prometheus.CounterOpts{
			Name: "blackkeys_reconciles",
			Help: "Total device reconciliations",
		}),
		ConnectedInputs: f.NewGauge(prometheus.GaugeOpts{
			Name: "blackkeys_connected_inputs",
			Help: "Number of input devices currently connected",
		}),
		FwdDelay: f.NewHistogram(prometheus.HistogramOpts{
			Name: "blackkeys_fwd_delay_microseconds",
			Help: "Histogram of per-batch processing delay",
			Buckets: []float64{
				1, 5, 10, 25, 50, 100, 250, 500, 1_000, 5_000,
			},
		}),
	}
}

// Registry returns the registry holding the stats.
func (s *Stats) Registry() *prometheus.Registry {
	return s.reg
}

// Handler returns an http handler serving the stats.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}
