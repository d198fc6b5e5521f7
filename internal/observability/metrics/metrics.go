package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "solarcloud_"

	// IngestResultSuccess labels a fully processed message.
	IngestResultSuccess = "success"
	// IngestResultPartial labels a batch with at least one rejected entry.
	IngestResultPartial = "partial"
	// IngestResultError labels a message that produced nothing.
	IngestResultError = "error"
)

var (
	registerOnce sync.Once

	ingestMessages *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	entryErrors *prometheus.CounterVec

	broadcastPushes  *prometheus.CounterVec
	connectedClients prometheus.Gauge
	deviceInterests  prometheus.Gauge

	brokerReconnects prometheus.Counter
)

// Init registers observability metrics and DB-backed gauges. Safe to call
// more than once.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		ingestMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_messages_total",
				Help: "Total ingested messages by kind and result",
			},
			[]string{"kind", "result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total ingest errors by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Message handling latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		)

		entryErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "parse_entry_errors_total",
				Help: "Total rejected batch entries by device",
			},
			[]string{"device"},
		)

		broadcastPushes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "broadcast_pushes_total",
				Help: "Total realtime pushes by result",
			},
			[]string{"result"},
		)
		connectedClients = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "realtime_connected_clients",
				Help: "Currently connected realtime clients",
			},
		)
		deviceInterests = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "realtime_device_interests",
				Help: "Currently registered device interests",
			},
		)

		brokerReconnects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "broker_reconnects_total",
				Help: "Total broker reconnects",
			},
		)

		prometheus.MustRegister(
			ingestMessages,
			ingestErrors,
			ingestLatency,
			entryErrors,
			broadcastPushes,
			connectedClients,
			deviceInterests,
			brokerReconnects,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records one handled message.
func ObserveIngest(kind, result string, duration time.Duration) {
	if ingestMessages == nil {
		return
	}
	ingestMessages.WithLabelValues(kind, result).Inc()
	ingestLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// IncIngestError counts an ingest error by reason.
func IncIngestError(reason string) {
	if ingestErrors == nil {
		return
	}
	ingestErrors.WithLabelValues(reason).Inc()
}

// AddEntryErrors counts rejected batch entries for a device.
func AddEntryErrors(deviceID string, count int) {
	if entryErrors == nil || count <= 0 {
		return
	}
	entryErrors.WithLabelValues(deviceID).Add(float64(count))
}

// IncBroadcast counts one realtime push by result.
func IncBroadcast(result string) {
	if broadcastPushes == nil {
		return
	}
	broadcastPushes.WithLabelValues(result).Inc()
}

// SetConnectedClients updates the connected clients gauge.
func SetConnectedClients(count int) {
	if connectedClients == nil {
		return
	}
	connectedClients.Set(float64(count))
}

// SetDeviceInterests updates the device interest gauge.
func SetDeviceInterests(count int) {
	if deviceInterests == nil {
		return
	}
	deviceInterests.Set(float64(count))
}

// IncBrokerReconnect counts one broker reconnect.
func IncBrokerReconnect() {
	if brokerReconnects == nil {
		return
	}
	brokerReconnects.Inc()
}
