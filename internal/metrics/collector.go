// Package metrics exposes Prometheus collectors for migration runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry       *prometheus.Registry
	transitions    *prometheus.CounterVec
	phaseDuration  *prometheus.HistogramVec
	uploadBytes    prometheus.Counter
	uploadFailures prometheus.Counter
	conversionsCxl prometheus.Counter
	activeJobs     prometheus.Gauge
	activeUploads  prometheus.Gauge
	outcomes       *prometheus.CounterVec
}

// New creates a collector bound to its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rehost_phase_transitions_total",
				Help: "Phase transitions recorded, by strategy and phase",
			},
			[]string{"strategy", "phase"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rehost_phase_duration_seconds",
				Help:    "Time spent in a phase before the next transition",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"strategy", "phase"},
		),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rehost_upload_bytes_total",
			Help: "Bytes of volume images uploaded to object storage",
		}),
		uploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rehost_upload_failures_total",
			Help: "Volume upload workers that failed",
		}),
		conversionsCxl: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rehost_conversion_cancels_total",
			Help: "Best-effort conversion task cancellations issued",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rehost_active_jobs",
			Help: "Migration jobs currently running in this process",
		}),
		activeUploads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rehost_active_uploads",
			Help: "Upload workers currently running",
		}),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rehost_jobs_total",
				Help: "Finished migration jobs by outcome",
			},
			[]string{"strategy", "outcome"},
		),
	}
	c.registry.MustRegister(
		c.transitions, c.phaseDuration, c.uploadBytes, c.uploadFailures,
		c.conversionsCxl, c.activeJobs, c.activeUploads, c.outcomes,
	)
	return c
}

// ObserveTransition counts a transition into phase and the time spent in the previous one.
func (c *Collector) ObserveTransition(strategy, previous, phase string, spent time.Duration) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(strategy, phase).Inc()
	if previous != "" {
		c.phaseDuration.WithLabelValues(strategy, previous).Observe(spent.Seconds())
	}
}

func (c *Collector) AddUploadedBytes(n int64) {
	if c == nil {
		return
	}
	c.uploadBytes.Add(float64(n))
}

func (c *Collector) IncUploadFailure() {
	if c == nil {
		return
	}
	c.uploadFailures.Inc()
}

func (c *Collector) IncConversionCancel() {
	if c == nil {
		return
	}
	c.conversionsCxl.Inc()
}

func (c *Collector) SetActiveUploads(n int) {
	if c == nil {
		return
	}
	c.activeUploads.Set(float64(n))
}

// JobStarted and JobFinished bracket one run.
func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.activeJobs.Inc()
}

func (c *Collector) JobFinished(strategy, outcome string) {
	if c == nil {
		return
	}
	c.activeJobs.Dec()
	c.outcomes.WithLabelValues(strategy, outcome).Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collected metrics.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
