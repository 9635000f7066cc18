package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	qcRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annoqc",
		Name:      "qc_group_results_total",
		Help:      "QC group outcomes by resulting state.",
	}, []string{"state"})

	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annoqc",
		Name:      "webhook_events_total",
		Help:      "Annotation tool webhook deliveries by disposition.",
	}, []string{"disposition"})

	datasetRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "annoqc",
		Name:      "dataset_run_duration_seconds",
		Help:      "Wall time of dataset generation runs.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	datasetRowsWritten = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "annoqc",
		Name:      "dataset_rows_last_run",
		Help:      "Row count of the most recently written dataset artifact.",
	})
)

// CountGroupResult records one QC group outcome.
func CountGroupResult(state string) {
	qcRunsTotal.WithLabelValues(state).Inc()
}

// CountWebhookEvent records one webhook delivery. Dispositions are
// "processed", "duplicate", and "rejected".
func CountWebhookEvent(disposition string) {
	webhookEventsTotal.WithLabelValues(disposition).Inc()
}

// ObserveDatasetRun records the duration and output size of a dataset
// generation run.
func ObserveDatasetRun(d time.Duration, rows int) {
	datasetRunDuration.Observe(d.Seconds())
	datasetRowsWritten.Set(float64(rows))
}
