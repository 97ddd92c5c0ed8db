// kafka/consumer/metrics.go
package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

// -----------------------------------------------------------------------------
// Service label (заполняется из serviceid.InitServiceName)
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel задаёт единое имя сервиса для метрик.
func SetServiceLabel(name string) { serviceLabel = name }

// -----------------------------------------------------------------------------
// Prometheus-метрики
// -----------------------------------------------------------------------------

var metrics = struct {
	Deliveries  *prometheus.CounterVec
	Drops       *prometheus.CounterVec
	PollErrors  *prometheus.CounterVec
	Commits     *prometheus.CounterVec
	QueueDepth  *prometheus.GaugeVec
	Transitions *prometheus.CounterVec
	Lost        *prometheus.CounterVec
}{
	Deliveries: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asynkaf", Subsystem: "consumer", Name: "deliveries_total",
			Help: "Deliveries queued by the poll driver, by kind",
		},
		[]string{"service", "kind"},
	),
	Drops: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asynkaf", Subsystem: "consumer", Name: "dropped_total",
			Help: "Deliveries dropped by the on-full policy",
		},
		[]string{"service", "policy"},
	),
	PollErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asynkaf", Subsystem: "consumer", Name: "native_errors_total",
			Help: "Error events reported by the native client",
		},
		[]string{"service", "fatal"},
	),
	Commits: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asynkaf", Subsystem: "consumer", Name: "commits_total",
			Help: "Commit requests by mode and result",
		},
		[]string{"service", "mode", "result"},
	),
	QueueDepth: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "asynkaf", Subsystem: "consumer", Name: "queue_depth",
			Help: "Deliveries buffered in the bridge queue",
		},
		[]string{"service", "client_id"},
	),
	Transitions: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asynkaf", Subsystem: "consumer", Name: "state_transitions_total",
			Help: "Lifecycle state transitions",
		},
		[]string{"service", "from", "to"},
	),
	Lost: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asynkaf", Subsystem: "consumer", Name: "shutdown_lost_total",
			Help: "Deliveries lost or discarded during shutdown",
		},
		[]string{"service", "stage"},
	),
}

// -----------------------------------------------------------------------------
// Tracing
// -----------------------------------------------------------------------------

var tracer = otel.Tracer("asynkaf/consumer")
