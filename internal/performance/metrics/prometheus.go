package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes an Engine's live snapshot as Prometheus metrics.
// Every scrape derives a fresh Snapshot; nothing is double-counted.
type Collector struct {
	engine *Engine

	requests   *prometheus.Desc
	failed     *prometheus.Desc
	bytes      *prometheus.Desc
	iterations *prometheus.Desc
	vus        *prometheus.Desc
	duration   *prometheus.Desc
	checks     *prometheus.Desc
}

// NewCollector creates a collector for engine under the given namespace.
func NewCollector(engine *Engine, namespace string) *Collector {
	return &Collector{
		engine:     engine,
		requests:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "http_reqs_total"), "Total HTTP requests completed.", nil, nil),
		failed:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "http_req_failed_total"), "Total failed HTTP requests.", nil, nil),
		bytes:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "data_received_bytes_total"), "Total response bytes received.", nil, nil),
		iterations: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "iterations_total"), "Total completed scenario iterations.", nil, nil),
		vus:        prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "vus"), "Currently active virtual users.", nil, nil),
		duration:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "http_req_duration_seconds"), "HTTP request latency.", nil, nil),
		checks:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "checks_total"), "Check results by label.", []string{"check", "result"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.failed
	ch <- c.bytes
	ch <- c.iterations
	ch <- c.vus
	ch <- c.duration
	ch <- c.checks
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.engine.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(snap.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(snap.FailedRequests))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(snap.TotalBytes))
	ch <- prometheus.MustNewConstMetric(c.iterations, prometheus.CounterValue, float64(snap.Iterations))
	ch <- prometheus.MustNewConstMetric(c.vus, prometheus.GaugeValue, float64(snap.ActiveVUs))

	lat := snap.Latency
	sum := lat.Mean.Seconds() * float64(lat.Count)
	ch <- prometheus.MustNewConstSummary(c.duration, uint64(lat.Count), sum, map[float64]float64{
		0.5:  lat.P50.Seconds(),
		0.9:  lat.P90.Seconds(),
		0.95: lat.P95.Seconds(),
		0.99: lat.P99.Seconds(),
	})

	for label, stats := range snap.Checks {
		ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(stats.Passes), label, "pass")
		ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(stats.Fails), label, "fail")
	}
}

// Handler returns an HTTP handler serving only this engine's metrics.
func Handler(engine *Engine, namespace string) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(engine, namespace))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

var _ prometheus.Collector = (*Collector)(nil)
