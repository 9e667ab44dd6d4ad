// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package commandrunner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "scheduler"

// Collector is a prometheus.Collector for the runner fleet. It also
// implements telemetry.Recorder, so one instance is shared by every
// runner in the process and registered once.
type Collector struct {
	claims          prometheus.Counter
	runs            *prometheus.CounterVec
	failures        *prometheus.CounterVec
	staleLeases     prometheus.Counter
	runDuration     prometheus.Histogram
	entitiesTouched prometheus.Histogram
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		claims: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "claims_total",
				Help:      "The number of commands claimed for execution.",
			},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "runs_total",
				Help:      "The number of finalized runs by outcome.",
			}, []string{"outcome"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "failures_total",
				Help:      "The number of failed runs by error code.",
			}, []string{"code"},
		),
		staleLeases: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stale_leases_total",
				Help:      "The number of expired leases released by sweeps.",
			},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "run_duration_seconds",
				Help:      "The wall-clock duration of finalized runs.",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
		),
		entitiesTouched: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "entities_touched",
				Help:      "The number of entity mutations per run.",
				Buckets:   []float64{0, 1, 5, 10, 50, 100, 1000},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.claims.Describe(ch)
	c.runs.Describe(ch)
	c.failures.Describe(ch)
	c.staleLeases.Describe(ch)
	c.runDuration.Describe(ch)
	c.entitiesTouched.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.claims.Collect(ch)
	c.runs.Collect(ch)
	c.failures.Collect(ch)
	c.staleLeases.Collect(ch)
	c.runDuration.Collect(ch)
	c.entitiesTouched.Collect(ch)
}

// IncClaims is part of the telemetry.Recorder interface.
func (c *Collector) IncClaims() {
	c.claims.Inc()
}

// ObserveRun is part of the telemetry.Recorder interface.
func (c *Collector) ObserveRun(outcome string, duration time.Duration, entitiesTouched int) {
	c.runs.WithLabelValues(outcome).Inc()
	c.runDuration.Observe(duration.Seconds())
	c.entitiesTouched.Observe(float64(entitiesTouched))
}

// IncFailure is part of the telemetry.Recorder interface.
func (c *Collector) IncFailure(code string) {
	c.failures.WithLabelValues(code).Inc()
}

// AddStaleLeases is part of the telemetry.Recorder interface.
func (c *Collector) AddStaleLeases(n int) {
	c.staleLeases.Add(float64(n))
}
