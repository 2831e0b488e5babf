// Package metrics provides Prometheus metrics for Umbra.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "umbra"
)

// Metrics contains all Prometheus metrics for the engine.
type Metrics struct {
	// Cell metrics
	CellsSent     prometheus.Counter
	CellsReceived prometheus.Counter
	CellsByType   *prometheus.CounterVec

	// Circuit metrics
	CircuitsActive     prometheus.Gauge
	CircuitsBuilt      prometheus.Counter
	CircuitsDestroyed  *prometheus.CounterVec
	ProtocolViolations prometheus.Counter
	HopsExtended       prometheus.Counter
	HandshakeLatency   prometheus.Histogram

	// Stream metrics
	StreamsActive     prometheus.Gauge
	StreamsOpened     prometheus.Counter
	StreamsClosed     prometheus.Counter
	StreamOpenLatency prometheus.Histogram
	StreamErrors      *prometheus.CounterVec

	// Flow control metrics
	SendmesSent     prometheus.Counter
	SendmesReceived prometheus.Counter
	XoffsSent       prometheus.Counter
	XonsSent        prometheus.Counter
	WindowWaits     prometheus.Counter

	// Traffic-splitting metrics
	LegsActive       prometheus.Gauge
	LegsLinked       prometheus.Counter
	LegsFailed       *prometheus.CounterVec
	LegSwitches      prometheus.Counter
	ReorderDepth     prometheus.Histogram
	OutOfOrderCells  prometheus.Counter

	// Data transfer metrics
	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Cell metrics
		CellsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cells_sent_total",
			Help:      "Total cells written to channels",
		}),
		CellsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cells_received_total",
			Help:      "Total cells read from channels",
		}),
		CellsByType: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cells_by_type_total",
			Help:      "Total cells by command and direction",
		}, []string{"command", "direction"}),

		// Circuit metrics
		CircuitsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuits_active",
			Help:      "Number of currently open circuits",
		}),
		CircuitsBuilt: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuits_built_total",
			Help:      "Total circuits built",
		}),
		CircuitsDestroyed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuits_destroyed_total",
			Help:      "Total circuits destroyed by reason",
		}, []string{"reason"}),
		ProtocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Total protocol violations observed",
		}),
		HopsExtended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hops_extended_total",
			Help:      "Total successful hop extensions",
		}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of CREATE/EXTEND handshake latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		// Stream metrics
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active streams",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total number of streams opened",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of streams closed",
		}),
		StreamOpenLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_open_latency_seconds",
			Help:      "Histogram of stream open latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		StreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Total stream errors by type",
		}, []string{"error_type"}),

		// Flow control metrics
		SendmesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sendmes_sent_total",
			Help:      "Total SENDME acknowledgements sent",
		}),
		SendmesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sendmes_received_total",
			Help:      "Total SENDME acknowledgements received",
		}),
		XoffsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "xoffs_sent_total",
			Help:      "Total XOFF pause requests sent",
		}),
		XonsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "xons_sent_total",
			Help:      "Total XON resume requests sent",
		}),
		WindowWaits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_waits_total",
			Help:      "Total sender suspensions on an exhausted window",
		}),

		// Traffic-splitting metrics
		LegsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "legs_active",
			Help:      "Number of live legs across all multi-leg tunnels",
		}),
		LegsLinked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legs_linked_total",
			Help:      "Total legs that completed the link handshake",
		}),
		LegsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legs_failed_total",
			Help:      "Total leg failures by reason",
		}, []string{"reason"}),
		LegSwitches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leg_switches_total",
			Help:      "Total sending-leg switches",
		}),
		ReorderDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reorder_buffer_depth",
			Help:      "Histogram of reorder buffer depth at insertion",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		}),
		OutOfOrderCells: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "out_of_order_cells_total",
			Help:      "Total sequenced cells buffered ahead of their turn",
		}),

		// Data transfer metrics
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by type",
		}, []string{"type"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by type",
		}, []string{"type"}),
	}

	return m
}

// RecordCircuitOpen records a circuit build completing.
func (m *Metrics) RecordCircuitOpen() {
	m.CircuitsActive.Inc()
	m.CircuitsBuilt.Inc()
}

// RecordCircuitClose records a circuit teardown.
func (m *Metrics) RecordCircuitClose(reason string) {
	m.CircuitsActive.Dec()
	m.CircuitsDestroyed.WithLabelValues(reason).Inc()
}

// RecordStreamOpen records a stream being opened.
func (m *Metrics) RecordStreamOpen(latencySeconds float64) {
	m.StreamsActive.Inc()
	m.StreamsOpened.Inc()
	m.StreamOpenLatency.Observe(latencySeconds)
}

// RecordStreamClose records a stream being closed.
func (m *Metrics) RecordStreamClose() {
	m.StreamsActive.Dec()
	m.StreamsClosed.Inc()
}

// RecordStreamError records a stream error.
func (m *Metrics) RecordStreamError(errorType string) {
	m.StreamErrors.WithLabelValues(errorType).Inc()
}

// RecordBytesSent records bytes sent.
func (m *Metrics) RecordBytesSent(dataType string, bytes int) {
	m.BytesSent.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordBytesReceived records bytes received.
func (m *Metrics) RecordBytesReceived(dataType string, bytes int) {
	m.BytesReceived.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordHandshake records a successful hop handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HopsExtended.Inc()
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordLegLinked records a leg completing its link handshake.
func (m *Metrics) RecordLegLinked() {
	m.LegsActive.Inc()
	m.LegsLinked.Inc()
}

// RecordLegFailed records a leg failure.
func (m *Metrics) RecordLegFailed(reason string) {
	m.LegsActive.Dec()
	m.LegsFailed.WithLabelValues(reason).Inc()
}

// RecordSwitch records a sending-leg switch.
func (m *Metrics) RecordSwitch() {
	m.LegSwitches.Inc()
}

// RecordOutOfOrder records a sequenced cell arriving ahead of its turn.
func (m *Metrics) RecordOutOfOrder(bufferDepth int) {
	m.OutOfOrderCells.Inc()
	m.ReorderDepth.Observe(float64(bufferDepth))
}
