// Package metrics exposes supervisor state to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nodex-sh/nodex/internal/record"
)

// Registry wraps a dedicated Prometheus registry with the supervisor's
// per-app gauges and counters.
type Registry struct {
	reg *prometheus.Registry

	cpuPercent *prometheus.GaugeVec
	rssBytes   *prometheus.GaugeVec
	diskIO     *prometheus.GaugeVec
	stateGauge *prometheus.GaugeVec
	restarts   *prometheus.CounterVec
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nodex", Subsystem: "app", Name: "cpu_percent",
			Help: "CPU usage of the managed app, 100 means one saturated core.",
		}, []string{"app"}),
		rssBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nodex", Subsystem: "app", Name: "memory_rss_bytes",
			Help: "Resident memory of the managed app in bytes.",
		}, []string{"app"}),
		diskIO: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nodex", Subsystem: "app", Name: "disk_io_bytes_total",
			Help: "Cumulative disk read+write bytes of the managed app.",
		}, []string{"app"}),
		stateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nodex", Subsystem: "app", Name: "state",
			Help: "Current lifecycle state, 1 on the active state label.",
		}, []string{"app", "state"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodex", Subsystem: "app", Name: "restarts_total",
			Help: "Restarts applied to the managed app, by trigger.",
		}, []string{"app", "reason"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.cpuPercent, r.rssBytes, r.diskIO, r.stateGauge, r.restarts,
	)
	return r
}

// Observe records one metric sample. Absent samples zero the gauges so a
// stopped app does not keep reporting its last live values.
func (r *Registry) Observe(sample record.MetricSample) {
	if sample.Absent() {
		r.cpuPercent.WithLabelValues(sample.Name).Set(0)
		r.rssBytes.WithLabelValues(sample.Name).Set(0)
		return
	}
	r.cpuPercent.WithLabelValues(sample.Name).Set(sample.CPUPercent)
	r.rssBytes.WithLabelValues(sample.Name).Set(float64(sample.RSSBytes))
	r.diskIO.WithLabelValues(sample.Name).Set(float64(sample.DiskIOBytes))
}

// SetState flips the per-state gauge for an app.
func (r *Registry) SetState(name string, state record.State) {
	for _, s := range record.AllStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		r.stateGauge.WithLabelValues(name, string(s)).Set(v)
	}
}

// IncRestart counts one applied restart.
func (r *Registry) IncRestart(name, reason string) {
	r.restarts.WithLabelValues(name, reason).Inc()
}

// Remove drops all series for a cleared app.
func (r *Registry) Remove(name string) {
	r.cpuPercent.DeleteLabelValues(name)
	r.rssBytes.DeleteLabelValues(name)
	r.diskIO.DeleteLabelValues(name)
	r.restarts.DeletePartialMatch(prometheus.Labels{"app": name})
	r.stateGauge.DeletePartialMatch(prometheus.Labels{"app": name})
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
