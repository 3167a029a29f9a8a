// Package metrics exports the polling state as Prometheus gauges and
// counters. Numeric readings become one gauge series per reading ID;
// non-numeric readings are skipped.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"deye-go-cloud/internal/poller"
	"deye-go-cloud/internal/reading"
)

// Metrics holds the registered collectors. One instance per process.
type Metrics struct {
	readingValue         *prometheus.GaugeVec
	connectionFailure    prometheus.Gauge
	lastRefreshTimestamp prometheus.Gauge
	pollsTotal           *prometheus.CounterVec
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		readingValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "inverter_reading_value",
				Help: "Current value of a numeric inverter reading",
			},
			[]string{"id", "unit"},
		),
		connectionFailure: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "inverter_connection_failure",
				Help: "1 if the last refresh cycle failed terminally, 0 if successful",
			},
		),
		lastRefreshTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "inverter_last_refresh_timestamp_seconds",
				Help: "Unix timestamp of the last successful data refresh",
			},
		),
		pollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inverter_polls_total",
				Help: "Refresh cycles by outcome",
			},
			[]string{"result"},
		),
	}
	reg.MustRegister(m.readingValue, m.connectionFailure, m.lastRefreshTimestamp, m.pollsTotal)
	return m
}

// Attach registers the metric-updating handlers on the event bus. Returns
// an unsubscribe function.
func (m *Metrics) Attach(bus *poller.EventBus) func() {
	offs := []func(){
		bus.On(poller.EventSnapshotUpdated, m.onSnapshot),
		bus.On(poller.EventUpdateFailed, m.onFailure),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (m *Metrics) onSnapshot(e poller.Event) {
	snap, ok := e.Data.(reading.Snapshot)
	if !ok {
		return
	}
	// Reset before repopulating so readings that vanished from the feed do
	// not linger as stale series.
	m.readingValue.Reset()
	for _, r := range snap {
		var val float64
		switch r.Value.Kind() {
		case reading.KindInt:
			i, _ := r.Value.Int64()
			val = float64(i)
		case reading.KindFloat:
			val, _ = r.Value.Float64()
		case reading.KindBool:
			if b, _ := r.Value.Bool(); b {
				val = 1
			}
		default:
			continue
		}
		m.readingValue.WithLabelValues(r.ID, r.Unit).Set(val)
	}
	m.connectionFailure.Set(0)
	m.lastRefreshTimestamp.Set(float64(time.Now().Unix()))
	m.pollsTotal.WithLabelValues("success").Inc()
}

func (m *Metrics) onFailure(e poller.Event) {
	m.connectionFailure.Set(1)
	m.pollsTotal.WithLabelValues("failure").Inc()
}
