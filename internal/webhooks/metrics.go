package webhooks

import (
	"github.com/bissquit/webhook-garden/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = metrics.Namespace

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of webhook queue items by status",
		},
		[]string{"status"},
	)

	itemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Total processing attempts by source and result",
		},
		[]string{"source", "result"},
	)

	processingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processing_duration_seconds",
			Help:      "Time spent in webhook handlers",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"source"},
	)

	itemsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claimed_total",
			Help:      "Total items claimed by the processor. Sum of processed_total should match this.",
		},
	)

	itemsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total webhooks accepted into the queue",
		},
		[]string{"source"},
	)

	maintenanceRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "maintenance_rows_total",
			Help:      "Rows touched by rebalance and cleanup runs",
		},
		[]string{"operation"},
	)
)

// MetricsSink records queue events as Prometheus metrics.
type MetricsSink struct{}

// HandleEvent implements EventSink.
func (MetricsSink) HandleEvent(event Event) {
	if !event.Attempted && event.Kind != EventProcessed && event.Kind != EventFailed {
		return
	}

	source := string(event.Source)
	result := "success"
	switch event.Kind {
	case EventFailed:
		result = "retry"
	case EventCritical:
		result = "failed"
	}

	itemsProcessed.WithLabelValues(source, result).Inc()
	processingDuration.WithLabelValues(source).Observe(event.Duration.Seconds())
}

func recordClaimed(count int) {
	itemsClaimed.Add(float64(count))
}

func recordEnqueued(source string) {
	itemsEnqueued.WithLabelValues(source).Inc()
}

func recordMaintenance(operation string, rows int64) {
	maintenanceRows.WithLabelValues(operation).Add(float64(rows))
}

// RecordQueueCounts updates queue size metrics.
func RecordQueueCounts(counts *QueueCounts) {
	queueSize.WithLabelValues("pending").Set(float64(counts.Pending))
	queueSize.WithLabelValues("processing").Set(float64(counts.Processing))
	queueSize.WithLabelValues("completed").Set(float64(counts.Completed))
	queueSize.WithLabelValues("failed").Set(float64(counts.Failed))
}
