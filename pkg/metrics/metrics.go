// Package metrics exposes Prometheus metrics for the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provider owns the registry and the service's own collectors.
type Provider struct {
	reg *prometheus.Registry

	jobsCreated      prometheus.Counter
	jobsDeduplicated prometheus.Counter
	jobsFinished     *prometheus.CounterVec
	fetchUnits       *prometheus.CounterVec
	downloadSeconds  *prometheus.HistogramVec
}

// Init builds the registry with runtime collectors plus the job and
// fetch counters.
func Init(version string) *Provider {
	reg := prometheus.NewRegistry()

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	build := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "etmapd_build_info",
			Help: "Build info for this binary (value is always 1).",
		},
		[]string{"version"},
	)
	reg.MustRegister(build)
	if version == "" {
		version = "dev"
	}
	build.WithLabelValues(version).Set(1)

	p := &Provider{
		reg: reg,
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "etmapd_jobs_created_total",
			Help: "New jobs accepted via the API.",
		}),
		jobsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "etmapd_jobs_deduplicated_total",
			Help: "Requests answered with an existing job.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etmapd_jobs_finished_total",
			Help: "Jobs that reached a terminal state.",
		}, []string{"status"}),
		fetchUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etmapd_fetch_units_total",
			Help: "Fetched work units (scenes, days, hours) by dataset and result.",
		}, []string{"dataset", "result"}),
		downloadSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "etmapd_download_duration_seconds",
			Help:    "Wall time of individual provider downloads.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"dataset"}),
	}
	reg.MustRegister(p.jobsCreated, p.jobsDeduplicated, p.jobsFinished, p.fetchUnits, p.downloadSeconds)
	return p
}

// Handler serves the exposition endpoint.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

// Register adds extra collectors to the registry.
func (p *Provider) Register(cs ...prometheus.Collector) {
	for _, c := range cs {
		p.reg.MustRegister(c)
	}
}

func (p *Provider) JobCreated()      { p.jobsCreated.Inc() }
func (p *Provider) JobDeduplicated() { p.jobsDeduplicated.Inc() }

// JobFinished records a terminal status transition.
func (p *Provider) JobFinished(status string) {
	p.jobsFinished.WithLabelValues(status).Inc()
}

// FetchUnit records the outcome of one work unit. result is one of
// "downloaded", "cached" or "failed".
func (p *Provider) FetchUnit(dataset, result string) {
	p.fetchUnits.WithLabelValues(dataset, result).Inc()
}

// ObserveDownload records one download's duration.
func (p *Provider) ObserveDownload(dataset string, d time.Duration) {
	p.downloadSeconds.WithLabelValues(dataset).Observe(d.Seconds())
}
