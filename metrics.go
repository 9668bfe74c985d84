package ccsweep

// metrics.go keeps the sweep's Prometheus metrics. A sweep registers them on
// its own registry and may write them out in the text exposition format.

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ccsweep"

// SweepMetrics is the metric set of one sweep
type SweepMetrics struct {
	Iterations      *prometheus.CounterVec
	Throughput      *prometheus.GaugeVec
	Fairness        *prometheus.GaugeVec
	UndefinedPoints *prometheus.CounterVec
	IterationTime   *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewSweepMetrics creates the metric set and registers it on registry
func NewSweepMetrics(registry *prometheus.Registry) *SweepMetrics {
	m := &SweepMetrics{
		Iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "iterations_total",
			Help:      "Iterations run, by outcome",
		}, []string{"variant", "topology", "outcome"}),

		Throughput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "throughput_kbps",
			Help:      "Throughput of the last iteration at a packet size, in kilobits per second",
		}, []string{"variant", "topology", "direction", "packet_size"}),

		Fairness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "fairness_index",
			Help:      "Jain fairness index over the data flows at a packet size",
		}, []string{"variant", "topology", "packet_size"}),

		UndefinedPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "undefined_points_total",
			Help:      "Series points recorded as no data",
		}, []string{"variant", "topology", "series"}),

		IterationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "iteration_seconds",
			Help:      "Wall-clock time of an iteration",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"variant", "topology"}),

		registry: registry,
	}

	registry.MustRegister(
		m.Iterations,
		m.Throughput,
		m.Fairness,
		m.UndefinedPoints,
		m.IterationTime,
	)
	return m
}

// observe records one iteration's points
func (m *SweepMetrics) observe(variant, topology string, is IterationStats, seconds float64) {
	size := strconv.Itoa(is.PacketSize)
	m.Iterations.WithLabelValues(variant, topology, "ok").Inc()
	m.IterationTime.WithLabelValues(variant, topology).Observe(seconds)

	for _, dp := range []struct {
		dir Direction
		pt  MetricPoint
	}{{Forward, is.Forward}, {Reverse, is.Reverse}} {
		if dp.pt.Defined {
			m.Throughput.WithLabelValues(variant, topology, string(dp.dir), size).Set(dp.pt.Y)
		} else {
			m.UndefinedPoints.WithLabelValues(variant, topology, string(ThroughputMetric)+"_"+string(dp.dir)).Inc()
		}
	}
	if is.Fairness.Defined {
		m.Fairness.WithLabelValues(variant, topology, size).Set(is.Fairness.Y)
	} else {
		m.UndefinedPoints.WithLabelValues(variant, topology, string(FairnessMetric)+"_"+string(AllFlows)).Inc()
	}
}

func (m *SweepMetrics) failed(variant, topology string) {
	m.Iterations.WithLabelValues(variant, topology, "error").Inc()
}

// WriteToTextfile writes the registry's metrics to filename
func (m *SweepMetrics) WriteToTextfile(filename string) error {
	return prometheus.WriteToTextfile(filename, m.registry)
}
