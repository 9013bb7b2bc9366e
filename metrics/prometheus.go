package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/redismux/redismux"
)

// StatsGetter provides a snapshot of multiplexer counters.
type StatsGetter interface {
	Stats() *redismux.Stats
}

// PromCollector collects command timings, connection events and, once a
// multiplexer is attached with Watch, its counters. It implements the
// prometheus.Collector interface.
type PromCollector struct {
	getter atomic.Pointer[StatsGetter]

	duration *prometheus.HistogramVec
	events   *prometheus.CounterVec

	redirectsDesc *prometheus.Desc
	fafDesc       *prometheus.Desc
	droppedDesc   *prometheus.Desc
	sinkAllocDesc *prometheus.Desc
	upDesc        *prometheus.Desc
	pendingDesc   *prometheus.Desc
}

var (
	_ prometheus.Collector = (*PromCollector)(nil)
	_ Observer             = (*PromCollector)(nil)
)

// NewPromCollector returns a new PromCollector. The given namespace and
// subsystem are used to build the fully qualified metric name, i.e.
// "{namespace}_{subsystem}_{metric}". The provided metrics are:
//   - command_duration_seconds
//   - connection_events_total
//   - redirects_total
//   - fire_and_forget_failures_total
//   - subscriber_dropped_total
//   - sink_allocs_total
//   - endpoint_up
//   - endpoint_pending_current
func NewPromCollector(namespace, subsystem string, constLabels prometheus.Labels) *PromCollector {
	return &PromCollector{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "command_duration_seconds",
			Help:        "Duration of commands from creation to completion",
			ConstLabels: constLabels,
			Buckets:     DefaultBuckets,
		}, []string{"command", "status"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "connection_events_total",
			Help:        "Number of connection failures and restores",
			ConstLabels: constLabels,
		}, []string{"addr", "kind", "event"}),
		redirectsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "redirects_total"),
			"Number of commands retransmitted after a MOVED or ASK redirection",
			nil, constLabels,
		),
		fafDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "fire_and_forget_failures_total"),
			"Number of fire-and-forget commands that failed",
			nil, constLabels,
		),
		droppedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "subscriber_dropped_total"),
			"Number of publications dropped because handlers fell behind",
			nil, constLabels,
		),
		sinkAllocDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "sink_allocs_total"),
			"Number of completion sinks allocated because the pool was empty",
			nil, constLabels,
		),
		upDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "endpoint_up"),
			"Whether the interactive connection to the endpoint is connected",
			[]string{"addr", "role"}, constLabels,
		),
		pendingDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "endpoint_pending_current"),
			"Current number of commands awaiting a reply on the endpoint",
			[]string{"addr"}, constLabels,
		),
	}
}

// Watch attaches the multiplexer whose counters are collected.
func (c *PromCollector) Watch(getter StatsGetter) {
	c.getter.Store(&getter)
}

// Record implements redismux.Profiler.
func (c *PromCollector) Record(cmd *redismux.ProfiledCommand) {
	c.duration.WithLabelValues(cmd.Command, status(cmd.Err)).Observe(cmd.ElapsedTime.Seconds())
}

func (c *PromCollector) ConnectionFailed(ev redismux.ConnectionEvent) {
	c.events.WithLabelValues(ev.Addr, ev.Kind, "failed").Inc()
}

func (c *PromCollector) ConnectionRestored(ev redismux.ConnectionEvent) {
	c.events.WithLabelValues(ev.Addr, ev.Kind, "restored").Inc()
}

// Describe implements the prometheus.Collector interface.
func (c *PromCollector) Describe(descs chan<- *prometheus.Desc) {
	c.duration.Describe(descs)
	c.events.Describe(descs)
	descs <- c.redirectsDesc
	descs <- c.fafDesc
	descs <- c.droppedDesc
	descs <- c.sinkAllocDesc
	descs <- c.upDesc
	descs <- c.pendingDesc
}

// Collect implements the prometheus.Collector interface.
func (c *PromCollector) Collect(metrics chan<- prometheus.Metric) {
	c.duration.Collect(metrics)
	c.events.Collect(metrics)

	getter := c.getter.Load()
	if getter == nil {
		return
	}
	stats := (*getter).Stats()

	metrics <- prometheus.MustNewConstMetric(c.redirectsDesc, prometheus.CounterValue, float64(stats.Redirects))
	metrics <- prometheus.MustNewConstMetric(c.fafDesc, prometheus.CounterValue, float64(stats.FireAndForgetFailures))
	metrics <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(stats.SubscriberDropped))
	metrics <- prometheus.MustNewConstMetric(c.sinkAllocDesc, prometheus.CounterValue, float64(stats.Sinks.Allocs))

	for _, ep := range stats.Endpoints {
		up := 0.0
		if ep.Interactive == redismux.StateConnected {
			up = 1
		}
		metrics <- prometheus.MustNewConstMetric(c.upDesc, prometheus.GaugeValue, up, ep.Addr, ep.Role.String())
		metrics <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue, float64(ep.Pending), ep.Addr)
	}
}
