package edk

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors this package publishes. The
// counter/gauge set mirrors the teacher's counter set shape
// (sent/received/dropped/active), republished through
// github.com/prometheus/client_golang instead of expvar — the metrics
// library the rest of the example pack actually reaches for.
type Metrics struct {
	RoutesBound       prometheus.Counter
	RoutesUnbound     prometheus.Counter
	FramesForwarded   prometheus.Counter
	FramesBuffered    prometheus.Counter
	FramesDropped     prometheus.Counter
	HandlesClosedLeak prometheus.Counter
	ActiveChannels    prometheus.Gauge
}

// NewMetrics constructs and registers a Metrics set on reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across parallel test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoutesBound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edk_routes_bound_total",
			Help: "Total number of pipe routes bound via AddRoute.",
		}),
		RoutesUnbound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edk_routes_unbound_total",
			Help: "Total number of pipe routes removed via RemoveRoute.",
		}),
		FramesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edk_frames_forwarded_total",
			Help: "Total number of frames delivered to a bound dispatcher.",
		}),
		FramesBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edk_frames_buffered_total",
			Help: "Total number of frames buffered in the pending queue (no route bound yet).",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edk_frames_dropped_total",
			Help: "Total number of frames dropped due to a protocol violation.",
		}),
		HandlesClosedLeak: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edk_handles_closed_undelivered_total",
			Help: "Total number of platform handles closed without being delivered to an application.",
		}),
		ActiveChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edk_active_routed_channels",
			Help: "Number of RoutedChannels created and not yet self-destructed.",
		}),
	}
	reg.MustRegister(m.RoutesBound, m.RoutesUnbound, m.FramesForwarded, m.FramesBuffered,
		m.FramesDropped, m.HandlesClosedLeak, m.ActiveChannels)
	return m
}
