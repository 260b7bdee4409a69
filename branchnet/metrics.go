package branchnet

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *netMetrics
)

type netMetrics struct {
	connections prometheus.Gauge
	handshakes  *prometheus.CounterVec
	records     *prometheus.CounterVec
	kills       *prometheus.CounterVec

	meter            metric.Meter
	handshakeCounter metric.Int64Counter
	recordCounter    metric.Int64Counter
}

func newNetMetrics() *netMetrics {
	metricsInitOnce.Do(func() {
		nm := &netMetrics{
			connections: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "branchsync_net_connections",
				Help: "Currently registered branch connections.",
			}),
			handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "branchsync_net_handshakes_total",
				Help: "Total handshake outcomes.",
			}, []string{"result"}),
			records: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "branchsync_net_records_total",
				Help: "Count of protocol records by direction.",
			}, []string{"direction"}),
			kills: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "branchsync_net_kills_total",
				Help: "Connections force-closed by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(nm.connections, nm.handshakes, nm.records, nm.kills)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *netMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("branchsync/branchnet")
	counter, err := meter.Int64Counter("branchsync.net.handshakes")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("branchsync/branchnet")
		counter, _ = fallback.Int64Counter("branchsync.net.handshakes")
		meter = fallback
	}
	recordCounter, err := meter.Int64Counter("branchsync.net.records")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("branchsync/branchnet")
		recordCounter, _ = fallback.Int64Counter("branchsync.net.records")
		meter = fallback
	}
	m.meter = meter
	m.handshakeCounter = counter
	m.recordCounter = recordCounter
}

func (m *netMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
	if m.handshakeCounter != nil {
		m.handshakeCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *netMetrics) recordRecord(direction string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(direction).Inc()
	if m.recordCounter != nil {
		m.recordCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("direction", direction)))
	}
}

func (m *netMetrics) recordKill(reason string) {
	if m == nil {
		return
	}
	m.kills.WithLabelValues(reason).Inc()
}

func (m *netMetrics) setConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}
