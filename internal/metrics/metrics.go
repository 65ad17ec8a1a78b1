// Package metrics exposes dispatcher counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the dispatcher reports to.
type Recorder interface {
	// RecordOutcome counts one action result. kind is "daily" or "weekly",
	// outcome is "fired", "failed" or "skipped".
	RecordOutcome(kind, outcome, reason string)
	RecordTick(mode string, users int, took time.Duration)
	SetActiveUsers(n int)
}

type Collector struct {
	outcomes     *prometheus.CounterVec
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	activeUsers  prometheus.Gauge
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gratibot_dispatch_outcomes_total",
			Help: "Trigger outcomes by kind, outcome and reason.",
		}, []string{"kind", "outcome", "reason"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gratibot_dispatch_ticks_total",
			Help: "Dispatcher ticks by mode.",
		}, []string{"mode"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gratibot_dispatch_tick_duration_seconds",
			Help:    "Wall time of one dispatcher tick.",
			Buckets: prometheus.DefBuckets,
		}),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gratibot_active_users",
			Help: "Active users seen by the last tick.",
		}),
	}
	reg.MustRegister(c.outcomes, c.ticks, c.tickDuration, c.activeUsers)
	return c
}

func (c *Collector) RecordOutcome(kind, outcome, reason string) {
	c.outcomes.WithLabelValues(kind, outcome, reason).Inc()
}

func (c *Collector) RecordTick(mode string, users int, took time.Duration) {
	c.ticks.WithLabelValues(mode).Inc()
	c.tickDuration.Observe(took.Seconds())
	c.activeUsers.Set(float64(users))
}

func (c *Collector) SetActiveUsers(n int) { c.activeUsers.Set(float64(n)) }

// Nop discards everything.
type Nop struct{}

func (Nop) RecordOutcome(string, string, string)  {}
func (Nop) RecordTick(string, int, time.Duration) {}
func (Nop) SetActiveUsers(int)                    {}

// Handler serves the registry for scraping.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
