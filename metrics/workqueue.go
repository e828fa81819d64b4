package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/client-go/util/workqueue"
)

const workQueueSubsystem = "workqueue"

var (
	depth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: workQueueSubsystem,
		Name:      "depth",
		Help:      "Current depth of the dispatch queue",
	}, []string{"name"})

	adds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: workQueueSubsystem,
		Name:      "adds_total",
		Help:      "Total number of events added to the dispatch queue",
	}, []string{"name"})

	latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: workQueueSubsystem,
		Name:      "queue_duration_seconds",
		Help:      "How long in seconds an event waits in the dispatch queue before its handler runs",
		Buckets:   prometheus.ExponentialBuckets(10e-9, 10, 12),
	}, []string{"name"})

	workDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: workQueueSubsystem,
		Name:      "work_duration_seconds",
		Help:      "How long in seconds an event handler takes",
		Buckets:   prometheus.ExponentialBuckets(10e-9, 10, 12),
	}, []string{"name"})

	unfinished = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: workQueueSubsystem,
		Name:      "unfinished_work_seconds",
		Help:      "Seconds of handler work in progress that has not been observed by work_duration",
	}, []string{"name"})

	longestRunningProcessor = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: workQueueSubsystem,
		Name:      "longest_running_processor_seconds",
		Help:      "How many seconds the longest running handler has been running",
	}, []string{"name"})

	retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: workQueueSubsystem,
		Name:      "retries_total",
		Help:      "Total number of requeued events",
	}, []string{"name"})
)

func init() {
	Registry.MustRegister(
		depth,
		adds,
		latency,
		workDuration,
		unfinished,
		longestRunningProcessor,
		retries,
	)
}

// WorkqueueProvider exposes client-go workqueue metrics through Registry.
// Pass it in a queue config rather than installing it globally, so that
// queues of other components keep their own provider.
type WorkqueueProvider struct{}

var _ workqueue.MetricsProvider = WorkqueueProvider{}

func (WorkqueueProvider) NewDepthMetric(name string) workqueue.GaugeMetric {
	return depth.WithLabelValues(name)
}

func (WorkqueueProvider) NewAddsMetric(name string) workqueue.CounterMetric {
	return adds.WithLabelValues(name)
}

func (WorkqueueProvider) NewLatencyMetric(name string) workqueue.HistogramMetric {
	return latency.WithLabelValues(name)
}

func (WorkqueueProvider) NewWorkDurationMetric(name string) workqueue.HistogramMetric {
	return workDuration.WithLabelValues(name)
}

func (WorkqueueProvider) NewUnfinishedWorkSecondsMetric(name string) workqueue.SettableGaugeMetric {
	return unfinished.WithLabelValues(name)
}

func (WorkqueueProvider) NewLongestRunningProcessorSecondsMetric(name string) workqueue.SettableGaugeMetric {
	return longestRunningProcessor.WithLabelValues(name)
}

func (WorkqueueProvider) NewRetriesMetric(name string) workqueue.CounterMetric {
	return retries.WithLabelValues(name)
}
