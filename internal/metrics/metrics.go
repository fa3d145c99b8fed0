package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ActivityRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ranking_activity_recorded_total",
			Help: "Score updates processed, by category and outcome",
		},
		[]string{"category", "result"},
	)
	RecalculationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ranking_recalculation_duration_seconds",
			Help:    "Duration of completed recalculation passes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"category"},
	)
	RecalculationRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ranking_recalculation_records",
			Help: "Records ranked by the last completed pass",
		},
		[]string{"category"},
	)
	RecalculationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ranking_recalculation_failures_total",
			Help: "Recalculation passes that did not commit, by reason",
		},
		[]string{"category", "reason"},
	)
	IngestMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ranking_ingest_messages_total",
			Help: "Activity events consumed from the message bus, by outcome",
		},
		[]string{"result"},
	)
)

// Register adds the ranking collectors to reg. Call this from main.go.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ActivityRecorded,
		RecalculationDuration,
		RecalculationRecords,
		RecalculationFailures,
		IngestMessages,
	)
}
