package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task metrics
var (
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailscan_tasks_total",
			Help: "Total number of scanned tasks by resulting action",
		},
		[]string{"action"},
	)

	TasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailscan_tasks_active",
			Help: "Number of tasks currently being processed",
		},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailscan_task_duration_seconds",
			Help:    "Wall clock duration of a complete scan",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailscan_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages",
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"stage"},
	)

	MessageBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailscan_message_bytes",
			Help:    "Size of scanned messages in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		},
	)

	LoadErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailscan_load_errors_total",
			Help: "Total number of message load failures by source",
		},
		[]string{"source"},
	)

	FilterExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailscan_filter_executions_total",
			Help: "Total number of filter script executions by hook and outcome",
		},
		[]string{"hook", "outcome"},
	)
)

// Classifier metrics
var (
	ClassifierLearnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailscan_classifier_learns_total",
			Help: "Total number of learn operations by class",
		},
		[]string{"class"},
	)

	ClassifierErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailscan_classifier_errors_total",
			Help: "Total number of classifier failures",
		},
	)
)
