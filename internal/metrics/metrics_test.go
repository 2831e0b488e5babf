package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}

	// Verify metrics are registered
	if m.CellsSent == nil {
		t.Error("CellsSent metric is nil")
	}
	if m.StreamsActive == nil {
		t.Error("StreamsActive metric is nil")
	}
	if m.BytesSent == nil {
		t.Error("BytesSent metric is nil")
	}
	if m.LegsActive == nil {
		t.Error("LegsActive metric is nil")
	}
}

func TestRecordCircuitLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordCircuitOpen()
	m.RecordCircuitOpen()
	m.RecordCircuitClose("requested")

	active := testutil.ToFloat64(m.CircuitsActive)
	if active != 1 {
		t.Errorf("CircuitsActive = %v, want 1", active)
	}

	built := testutil.ToFloat64(m.CircuitsBuilt)
	if built != 2 {
		t.Errorf("CircuitsBuilt = %v, want 2", built)
	}

	destroyed := testutil.ToFloat64(m.CircuitsDestroyed.WithLabelValues("requested"))
	if destroyed != 1 {
		t.Errorf("CircuitsDestroyed[requested] = %v, want 1", destroyed)
	}
}

func TestRecordStreamOpenClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	// Open streams
	m.RecordStreamOpen(0.1)
	m.RecordStreamOpen(0.2)
	m.RecordStreamOpen(0.05)

	activeStreams := testutil.ToFloat64(m.StreamsActive)
	if activeStreams != 3 {
		t.Errorf("StreamsActive = %v, want 3", activeStreams)
	}

	// Close a stream
	m.RecordStreamClose()

	activeStreams = testutil.ToFloat64(m.StreamsActive)
	if activeStreams != 2 {
		t.Errorf("StreamsActive = %v, want 2", activeStreams)
	}

	// Verify streams opened counter
	streamsOpened := testutil.ToFloat64(m.StreamsOpened)
	if streamsOpened != 3 {
		t.Errorf("StreamsOpened = %v, want 3", streamsOpened)
	}

	streamsClosed := testutil.ToFloat64(m.StreamsClosed)
	if streamsClosed != 1 {
		t.Errorf("StreamsClosed = %v, want 1", streamsClosed)
	}
}

func TestRecordBytesTransfer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytesSent("stream", 1000)
	m.RecordBytesSent("stream", 500)
	m.RecordBytesSent("control", 100)

	m.RecordBytesReceived("stream", 2000)
	m.RecordBytesReceived("control", 50)

	// Check bytes sent
	streamSent := testutil.ToFloat64(m.BytesSent.WithLabelValues("stream"))
	if streamSent != 1500 {
		t.Errorf("BytesSent[stream] = %v, want 1500", streamSent)
	}

	controlSent := testutil.ToFloat64(m.BytesSent.WithLabelValues("control"))
	if controlSent != 100 {
		t.Errorf("BytesSent[control] = %v, want 100", controlSent)
	}

	// Check bytes received
	streamRecv := testutil.ToFloat64(m.BytesReceived.WithLabelValues("stream"))
	if streamRecv != 2000 {
		t.Errorf("BytesReceived[stream] = %v, want 2000", streamRecv)
	}
}

func TestRecordHandshake(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHandshake(0.5)
	m.RecordHandshake(0.3)

	extended := testutil.ToFloat64(m.HopsExtended)
	if extended != 2 {
		t.Errorf("HopsExtended = %v, want 2", extended)
	}
}

func TestRecordLegLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordLegLinked()
	m.RecordLegLinked()
	m.RecordLegFailed("link_timeout")

	active := testutil.ToFloat64(m.LegsActive)
	if active != 1 {
		t.Errorf("LegsActive = %v, want 1", active)
	}

	linked := testutil.ToFloat64(m.LegsLinked)
	if linked != 2 {
		t.Errorf("LegsLinked = %v, want 2", linked)
	}

	failed := testutil.ToFloat64(m.LegsFailed.WithLabelValues("link_timeout"))
	if failed != 1 {
		t.Errorf("LegsFailed[link_timeout] = %v, want 1", failed)
	}
}

func TestRecordOutOfOrder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordOutOfOrder(3)
	m.RecordOutOfOrder(7)
	m.RecordSwitch()

	outOfOrder := testutil.ToFloat64(m.OutOfOrderCells)
	if outOfOrder != 2 {
		t.Errorf("OutOfOrderCells = %v, want 2", outOfOrder)
	}

	switches := testutil.ToFloat64(m.LegSwitches)
	if switches != 1 {
		t.Errorf("LegSwitches = %v, want 1", switches)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}

	if m1 == nil {
		t.Error("Default() returned nil")
	}
}

func TestStreamErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordStreamError("timeout")
	m.RecordStreamError("reset")
	m.RecordStreamError("timeout")

	timeoutErrors := testutil.ToFloat64(m.StreamErrors.WithLabelValues("timeout"))
	if timeoutErrors != 2 {
		t.Errorf("StreamErrors[timeout] = %v, want 2", timeoutErrors)
	}

	resetErrors := testutil.ToFloat64(m.StreamErrors.WithLabelValues("reset"))
	if resetErrors != 1 {
		t.Errorf("StreamErrors[reset] = %v, want 1", resetErrors)
	}
}
