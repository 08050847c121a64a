// Package metrics exposes per-sensor Prometheus counters. Collector
// implements session.Observer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	transitions  *prometheus.CounterVec
	accepted     *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	measurements *prometheus.CounterVec
	cmdFailures  *prometheus.CounterVec
	lastReading  *prometheus.GaugeVec
	sinkLatency  *prometheus.HistogramVec
}

// New registers the collectors with reg, or with the default registerer when
// reg is nil.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aanderaa_state_transitions_total",
			Help: "Session state transitions, by target state.",
		}, []string{"sensor", "state"}),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aanderaa_frames_accepted_total",
			Help: "Data frames parsed successfully.",
		}, []string{"sensor"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aanderaa_frames_rejected_total",
			Help: "Data frames dropped as malformed.",
		}, []string{"sensor", "reason"}),
		measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aanderaa_measurements_total",
			Help: "Measurements emitted to sinks.",
		}, []string{"sensor"}),
		cmdFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aanderaa_command_failures_total",
			Help: "Terminal commands that timed out or were rejected.",
		}, []string{"sensor", "verb", "reason"}),
		lastReading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aanderaa_last_reading_timestamp_seconds",
			Help: "Unix time of the most recent reading.",
		}, []string{"sensor"}),
		sinkLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aanderaa_sink_latency_seconds",
			Help:    "Time spent handing one reading to a sink.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"sink"}),
	}
	reg.MustRegister(c.transitions, c.accepted, c.rejected, c.measurements, c.cmdFailures, c.lastReading, c.sinkLatency)
	return c
}

func (c *Collector) StateChanged(sensor, state string) {
	c.transitions.WithLabelValues(sensor, state).Inc()
}

func (c *Collector) FrameAccepted(sensor string) {
	c.accepted.WithLabelValues(sensor).Inc()
}

func (c *Collector) FrameRejected(sensor, reason string) {
	c.rejected.WithLabelValues(sensor, reason).Inc()
}

func (c *Collector) MeasurementsEmitted(sensor string, n int) {
	c.measurements.WithLabelValues(sensor).Add(float64(n))
	c.lastReading.WithLabelValues(sensor).Set(float64(time.Now().Unix()))
}

func (c *Collector) CommandFailed(sensor, verb, reason string) {
	c.cmdFailures.WithLabelValues(sensor, verb, reason).Inc()
}

// ObserveSink records how long a sink took to accept one reading.
func (c *Collector) ObserveSink(sink string, d time.Duration) {
	c.sinkLatency.WithLabelValues(sink).Observe(d.Seconds())
}
