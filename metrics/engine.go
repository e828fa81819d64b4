package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "preview_operator"

var (
	// WatchEvents counts decoded watch records by resource id and event type.
	WatchEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watch",
		Name:      "events_total",
		Help:      "Total number of watch records received",
	}, []string{"resource", "type"})

	// WatchDecodeErrors counts stream lines that were not valid watch records.
	WatchDecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watch",
		Name:      "decode_errors_total",
		Help:      "Total number of watch stream lines that failed to decode",
	}, []string{"resource"})

	// WatchMalformedEvents counts records whose object lacked identity fields.
	WatchMalformedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watch",
		Name:      "malformed_events_total",
		Help:      "Total number of watch records dropped because the object could not be identified",
	}, []string{"resource"})

	WatchReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watch",
		Name:      "reconnects_total",
		Help:      "Total number of times a watch stream was re-established",
	}, []string{"resource"})

	WatchStreamsOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "watch",
		Name:      "streams_open",
		Help:      "Number of watch streams currently open",
	}, []string{"resource"})

	// StatusRequests counts out-of-band writes by method and result.
	StatusRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "updater",
		Name:      "requests_total",
		Help:      "Total number of status and finalizer requests by result",
	}, []string{"resource", "method", "result"})

	FinalizerActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "finalizer",
		Name:      "actions_total",
		Help:      "Total number of finalizer decisions by action",
	}, []string{"resource", "action"})

	// HandlerErrors counts failed event handler invocations by reason
	// ("error" or "panic").
	HandlerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "handler_errors_total",
		Help:      "Total number of event handler invocations that failed",
	}, []string{"reason"})
)

func init() {
	Registry.MustRegister(
		WatchEvents,
		WatchDecodeErrors,
		WatchMalformedEvents,
		WatchReconnects,
		WatchStreamsOpen,
		StatusRequests,
		FinalizerActions,
		HandlerErrors,
	)
}
