package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "timer_platform"

// Collector gathers engine and dispatcher metrics. It satisfies
// prometheus.Collector for registration and dispatch.Metrics for outcome
// counting.
type Collector struct {
	timersClaimed prometheus.Counter
	claimsLost    prometheus.Counter
	dispatches    *prometheus.CounterVec
	reaped        prometheus.Counter
	purged        prometheus.Counter
	loadFailures  prometheus.Counter
	cacheSize     prometheus.Gauge
	lastLoadSize  prometheus.Gauge
}

// NewCollector returns an unregistered collector.
func NewCollector() *Collector {
	return &Collector{
		timersClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "timers_claimed_total",
				Help:      "Timers claimed for dispatch.",
			},
		),
		claimsLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "claims_lost_total",
				Help:      "Due timers whose claim was lost to a cancel, reschedule, or another claimer.",
			},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dispatches_total",
				Help:      "Dispatch outcomes by callback kind.",
			}, []string{"kind", "outcome"},
		),
		reaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reaped_total",
				Help:      "Executing timers failed by crash recovery or housekeeping.",
			},
		),
		purged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "purged_total",
				Help:      "Terminal timers deleted by housekeeping.",
			},
		),
		loadFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "load_failures_total",
				Help:      "Window loads that failed and kept the previous cache.",
			},
		),
		cacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "cache_size",
				Help:      "Timers currently held in the near-term cache.",
			},
		),
		lastLoadSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "last_load_timers",
				Help:      "Timers returned by the most recent window load.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.timersClaimed.Describe(ch)
	c.claimsLost.Describe(ch)
	c.dispatches.Describe(ch)
	c.reaped.Describe(ch)
	c.purged.Describe(ch)
	c.loadFailures.Describe(ch)
	c.cacheSize.Describe(ch)
	c.lastLoadSize.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.timersClaimed.Collect(ch)
	c.claimsLost.Collect(ch)
	c.dispatches.Collect(ch)
	c.reaped.Collect(ch)
	c.purged.Collect(ch)
	c.loadFailures.Collect(ch)
	c.cacheSize.Collect(ch)
	c.lastLoadSize.Collect(ch)
}

// TimerClaimed counts a won claim.
func (c *Collector) TimerClaimed() {
	c.timersClaimed.Inc()
}

// ClaimLost counts a due timer whose durable row was no longer pending.
func (c *Collector) ClaimLost() {
	c.claimsLost.Inc()
}

// DispatchRecorded counts a recorded dispatch outcome.
func (c *Collector) DispatchRecorded(kind string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.dispatches.WithLabelValues(kind, outcome).Inc()
}

// TimersReaped counts rows failed by recovery or housekeeping.
func (c *Collector) TimersReaped(n int64) {
	c.reaped.Add(float64(n))
}

// TimersPurged counts terminal rows deleted by housekeeping.
func (c *Collector) TimersPurged(n int64) {
	c.purged.Add(float64(n))
}

// LoadFailed counts a window load error.
func (c *Collector) LoadFailed() {
	c.loadFailures.Inc()
}

// WindowLoaded records the size of a successful window load.
func (c *Collector) WindowLoaded(n int) {
	c.lastLoadSize.Set(float64(n))
}

// SetCacheSize tracks the cache population.
func (c *Collector) SetCacheSize(n int) {
	c.cacheSize.Set(float64(n))
}
