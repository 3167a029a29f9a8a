package metrics

import (
	"log/slog"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"deye-go-cloud/internal/poller"
	"deye-go-cloud/internal/reading"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSnapshotUpdatesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	bus := poller.NewEventBus(newTestLogger())
	off := m.Attach(bus)
	defer off()

	bus.Emit(poller.Event{Type: poller.EventSnapshotUpdated, Data: reading.Snapshot{
		"grid_power":    {ID: "grid_power", Name: "Grid Power", Value: reading.Int(1500), Unit: "W"},
		"battery_soc":   {ID: "battery_soc", Name: "Battery SOC", Value: reading.Float(85.5), Unit: "%"},
		"device_online": {ID: "device_online", Name: "Device Online", Value: reading.Bool(true)},
		"serial":        {ID: "serial", Name: "Serial", Value: reading.Text("SN123")},
	}})

	if got := testutil.ToFloat64(m.readingValue.WithLabelValues("grid_power", "W")); got != 1500 {
		t.Errorf("grid_power gauge = %v, want 1500", got)
	}
	if got := testutil.ToFloat64(m.readingValue.WithLabelValues("battery_soc", "%")); got != 85.5 {
		t.Errorf("battery_soc gauge = %v, want 85.5", got)
	}
	if got := testutil.ToFloat64(m.readingValue.WithLabelValues("device_online", "")); got != 1 {
		t.Errorf("device_online gauge = %v, want 1", got)
	}
	// Text readings carry no gauge series.
	if n := testutil.CollectAndCount(m.readingValue); n != 3 {
		t.Errorf("reading series = %d, want 3", n)
	}
	if got := testutil.ToFloat64(m.connectionFailure); got != 0 {
		t.Errorf("connection_failure = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.lastRefreshTimestamp); got == 0 {
		t.Error("last_refresh_timestamp not set")
	}
	if got := testutil.ToFloat64(m.pollsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("polls_total{success} = %v, want 1", got)
	}
}

func TestStaleSeriesDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	bus := poller.NewEventBus(newTestLogger())
	defer m.Attach(bus)()

	bus.Emit(poller.Event{Type: poller.EventSnapshotUpdated, Data: reading.Snapshot{
		"a": {ID: "a", Value: reading.Int(1)},
		"b": {ID: "b", Value: reading.Int(2)},
	}})
	bus.Emit(poller.Event{Type: poller.EventSnapshotUpdated, Data: reading.Snapshot{
		"a": {ID: "a", Value: reading.Int(3)},
	}})

	if n := testutil.CollectAndCount(m.readingValue); n != 1 {
		t.Errorf("reading series = %d, want 1 after b vanished", n)
	}
}

func TestFailureSetsGaugeAndCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	bus := poller.NewEventBus(newTestLogger())
	defer m.Attach(bus)()

	bus.Emit(poller.Event{Type: poller.EventUpdateFailed, Data: poller.UpdateFailure{Error: "down", Attempts: 3}})

	if got := testutil.ToFloat64(m.connectionFailure); got != 1 {
		t.Errorf("connection_failure = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.pollsTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("polls_total{failure} = %v, want 1", got)
	}

	// Recovery clears the failure gauge.
	bus.Emit(poller.Event{Type: poller.EventSnapshotUpdated, Data: reading.Snapshot{}})
	if got := testutil.ToFloat64(m.connectionFailure); got != 0 {
		t.Errorf("connection_failure after recovery = %v, want 0", got)
	}
}
