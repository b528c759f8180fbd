// Package metrics collects and exposes Prometheus metrics for resqued.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all resqued-specific Prometheus metrics. It is purely
// observational: nothing in the master, listener, or worker-record code
// paths blocks on it, mirroring the way the status sink is never
// load-bearing for supervision logic.
type Collector struct {
	registry *prometheus.Registry

	// Per-worker metrics.
	WorkerState    *prometheus.GaugeVec
	WorkerStartTotal *prometheus.CounterVec
	WorkerExitTotal  *prometheus.CounterVec
	BackoffWait      *prometheus.GaugeVec

	// Listener and master level metrics.
	ListenerGeneration     prometheus.Gauge
	ListenerUptime         *prometheus.GaugeVec
	QueueWorkerCount       *prometheus.GaugeVec
	ConfigReloadTotal      prometheus.Counter
	ConfigReloadErrorTotal prometheus.Counter
	BuildInfo              *prometheus.GaugeVec
}

// New creates and registers all resqued metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	// Register default Go runtime metrics.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		WorkerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resqued_worker_state",
				Help: "Current state of a worker record (0=idle, 1=running, 2=blocked, 3=disposed).",
			},
			[]string{"queue", "pid"},
		),

		WorkerStartTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resqued_worker_start_total",
				Help: "Total number of times a worker has been forked for a queue.",
			},
			[]string{"queue"},
		),

		WorkerExitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resqued_worker_exit_total",
				Help: "Total number of worker exits.",
			},
			[]string{"queue", "crashed"},
		),

		BackoffWait: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resqued_backoff_wait_seconds",
				Help: "Current backoff wait duration for a queue, in seconds.",
			},
			[]string{"queue"},
		),

		ListenerGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "resqued_listener_generation",
				Help: "Generation number of the current listener.",
			},
		),

		ListenerUptime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resqued_listener_uptime_seconds",
				Help: "Uptime of a listener process in seconds, keyed by pid.",
			},
			[]string{"pid"},
		),

		QueueWorkerCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resqued_queue_workers",
				Help: "Number of workers per queue, keyed by worker-record state.",
			},
			[]string{"queue", "state"},
		),

		ConfigReloadTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "resqued_config_reload_total",
				Help: "Total number of config reloads (HUP signals handled).",
			},
		),

		ConfigReloadErrorTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "resqued_config_reload_errors_total",
				Help: "Total number of failed config reloads.",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resqued_info",
				Help: "Build information about resqued.",
			},
			[]string{"version", "go_version", "fips"},
		),
	}

	reg.MustRegister(
		c.WorkerState,
		c.WorkerStartTotal,
		c.WorkerExitTotal,
		c.BackoffWait,
		c.ListenerGeneration,
		c.ListenerUptime,
		c.QueueWorkerCount,
		c.ConfigReloadTotal,
		c.ConfigReloadErrorTotal,
		c.BuildInfo,
	)

	return c
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo sets the constant build info gauge.
func (c *Collector) SetBuildInfo(version, goVersion, fips string) {
	c.BuildInfo.WithLabelValues(version, goVersion, fips).Set(1)
}

// SetWorkerState updates the state gauge for a worker record.
func (c *Collector) SetWorkerState(queue, pid string, stateCode int) {
	c.WorkerState.WithLabelValues(queue, pid).Set(float64(stateCode))
}

// IncWorkerStart increments the start counter for a queue.
func (c *Collector) IncWorkerStart(queue string) {
	c.WorkerStartTotal.WithLabelValues(queue).Inc()
}

// IncWorkerExit increments the exit counter for a queue.
func (c *Collector) IncWorkerExit(queue string, crashed bool) {
	label := "false"
	if crashed {
		label = "true"
	}
	c.WorkerExitTotal.WithLabelValues(queue, label).Inc()
}

// SetBackoffWait sets the current backoff wait for a queue.
func (c *Collector) SetBackoffWait(queue string, seconds float64) {
	c.BackoffWait.WithLabelValues(queue).Set(seconds)
}

// SetListenerGeneration sets the current listener generation gauge.
func (c *Collector) SetListenerGeneration(generation int64) {
	c.ListenerGeneration.Set(float64(generation))
}

// SetListenerUptime sets the uptime gauge for a listener pid.
func (c *Collector) SetListenerUptime(pid string, seconds float64) {
	c.ListenerUptime.WithLabelValues(pid).Set(seconds)
}

// SetQueueWorkerCount sets the count of workers in a given state for a queue.
func (c *Collector) SetQueueWorkerCount(queue, state string, count int) {
	c.QueueWorkerCount.WithLabelValues(queue, state).Set(float64(count))
}

// IncConfigReload increments the config reload counter.
func (c *Collector) IncConfigReload() {
	c.ConfigReloadTotal.Inc()
}

// IncConfigReloadError increments the config reload error counter.
func (c *Collector) IncConfigReloadError() {
	c.ConfigReloadErrorTotal.Inc()
}

// RemoveWorker cleans up metrics for a disposed worker record.
func (c *Collector) RemoveWorker(queue, pid string) {
	c.WorkerState.DeleteLabelValues(queue, pid)
}

// RemoveListener cleans up metrics for a retired listener generation.
func (c *Collector) RemoveListener(pid string) {
	c.ListenerUptime.DeleteLabelValues(pid)
}
