// Package metrics collects operational counters for the study service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/reprohum/studypool/internal/services/study/storage"
)

// Collector tracks allocation lifecycle metrics and exposes them in
// Prometheus format. Each Collector owns a private registry so multiple
// instances can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	allocationsServed    prometheus.Counter
	allocationsExhausted prometheus.Counter
	completionsRecorded  prometheus.Counter
	completionsRejected  prometheus.Counter
	tasksExpired         prometheus.Counter

	tasksWaiting   prometheus.Gauge
	tasksAllocated prometheus.Gauge
	tasksCompleted prometheus.Gauge
}

// NewCollector creates and registers the study metric set.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		allocationsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "study_allocations_served_total",
			Help: "Total number of task allocations returned to participants",
		}),
		allocationsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "study_allocations_exhausted_total",
			Help: "Total number of allocation requests that found no available task",
		}),
		completionsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "study_completions_recorded_total",
			Help: "Total number of task results recorded",
		}),
		completionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "study_completions_rejected_total",
			Help: "Total number of completions rejected by the ownership check",
		}),
		tasksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "study_tasks_expired_total",
			Help: "Total number of abandoned allocations reset by the expiry sweep",
		}),
		tasksWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "study_tasks_waiting",
			Help: "Current number of waiting task replicas",
		}),
		tasksAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "study_tasks_allocated",
			Help: "Current number of allocated task replicas",
		}),
		tasksCompleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "study_tasks_completed",
			Help: "Current number of completed task replicas",
		}),
	}
	c.registry.MustRegister(
		c.allocationsServed,
		c.allocationsExhausted,
		c.completionsRecorded,
		c.completionsRejected,
		c.tasksExpired,
		c.tasksWaiting,
		c.tasksAllocated,
		c.tasksCompleted,
	)
	return c
}

// Handler returns the scrape endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// AllocationServed records one successful allocation (fresh or resumed).
func (c *Collector) AllocationServed() {
	if c == nil {
		return
	}
	c.allocationsServed.Inc()
}

// AllocationExhausted records one allocation request with no task left.
func (c *Collector) AllocationExhausted() {
	if c == nil {
		return
	}
	c.allocationsExhausted.Inc()
}

// CompletionRecorded records one accepted result submission.
func (c *Collector) CompletionRecorded() {
	if c == nil {
		return
	}
	c.completionsRecorded.Inc()
}

// CompletionRejected records one submission that failed the ownership
// or terminal-state check.
func (c *Collector) CompletionRejected() {
	if c == nil {
		return
	}
	c.completionsRejected.Inc()
}

// TasksExpired records the outcome of one expiry sweep.
func (c *Collector) TasksExpired(count int) {
	if c == nil || count <= 0 {
		return
	}
	c.tasksExpired.Add(float64(count))
}

// SetTaskCounts updates the lifecycle-state gauges from a snapshot.
func (c *Collector) SetTaskCounts(counts map[storage.TaskStatus]int) {
	if c == nil {
		return
	}
	c.tasksWaiting.Set(float64(counts[storage.StatusWaiting]))
	c.tasksAllocated.Set(float64(counts[storage.StatusAllocated]))
	c.tasksCompleted.Set(float64(counts[storage.StatusCompleted]))
}
