package alerts

import (
	"github.com/bissquit/webhook-garden/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var alertsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "alerts",
		Name:      "published_total",
		Help:      "Critical alerts handed to the publisher by result.",
	},
	[]string{"result"},
)

func recordAlert(result string) {
	alertsTotal.WithLabelValues(result).Inc()
}
