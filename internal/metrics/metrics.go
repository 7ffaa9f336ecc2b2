// Package metrics exposes prometheus collectors for the dispatch engine.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "leaddesk"

// Collector holds the engine's metric vectors.
type Collector struct {
	reg               prometheus.Registerer
	dispatchOutcomes  *prometheus.CounterVec
	dispatchDuration  prometheus.Histogram
	reasoningDuration *prometheus.HistogramVec
	deliveries        *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	leaseAcquisitions *prometheus.CounterVec
	followUps         *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	taskFailures      prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		dispatchOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Dispatch results by outcome.",
		}, []string{"outcome"}),
		dispatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of a dispatch while holding the lease.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		reasoningDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reasoning_duration_seconds",
			Help:      "Reasoning agent call latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45},
		}, []string{"variant", "status"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound SMS attempts by final status.",
		}, []string{"status"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "State transition attempts by source and result.",
		}, []string{"source", "result"}),
		leaseAcquisitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_acquisitions_total",
			Help:      "Conversation lease attempts by result.",
		}, []string{"result"}),
		followUps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "followup_candidates_total",
			Help:      "Batch follow-up candidates by result.",
		}, []string{"result"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Pending asynchronous dispatch tasks.",
		}),
		taskFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_task_failures_total",
			Help:      "Asynchronous dispatch tasks that errored or panicked.",
		}),
	}
}

// DispatchOutcome counts a finished dispatch.
func (c *Collector) DispatchOutcome(outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.dispatchOutcomes.WithLabelValues(outcome).Inc()
	c.dispatchDuration.Observe(took.Seconds())
}

// Reasoning records a reasoning call.
func (c *Collector) Reasoning(variant string, err error, took time.Duration) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.reasoningDuration.WithLabelValues(variant, status).Observe(took.Seconds())
}

// Delivery counts an outbound message reaching status.
func (c *Collector) Delivery(status string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(status).Inc()
}

// Transition counts a state change attempt.
func (c *Collector) Transition(source, result string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(source, result).Inc()
}

// Lease counts a lease attempt.
func (c *Collector) Lease(result string) {
	if c == nil {
		return
	}
	c.leaseAcquisitions.WithLabelValues(result).Inc()
}

// FollowUp counts a batch candidate result.
func (c *Collector) FollowUp(result string) {
	if c == nil {
		return
	}
	c.followUps.WithLabelValues(result).Inc()
}

// QueueDepth sets the current asynchronous queue depth.
func (c *Collector) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// TaskFailure counts a failed asynchronous task.
func (c *Collector) TaskFailure() {
	if c == nil {
		return
	}
	c.taskFailures.Inc()
}

// WatchHub exports the live event hub's subscriber count and the events it
// dropped for slow subscribers.
func (c *Collector) WatchHub(subscribers func() int, dropped func() uint64) {
	if c == nil {
		return
	}
	f := promauto.With(c.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_subscribers",
		Help:      "Connected live event stream subscribers.",
	}, func() float64 { return float64(subscribers()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped for slow live stream subscribers.",
	}, func() float64 { return float64(dropped()) })
}
