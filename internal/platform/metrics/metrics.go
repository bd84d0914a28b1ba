package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_runs_total",
			Help: "Total activity runs by outcome.",
		},
		[]string{"outcome"},
	)
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "activity_run_duration_seconds",
			Help:    "Wall time of a full activity run.",
			Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 120, 300},
		},
	)
	PollAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_poll_attempts_total",
			Help: "Bulk export status polls by HTTP status.",
		},
		[]string{"status"},
	)
	Messages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "activity_messages_total",
			Help: "Activity messages produced.",
		},
	)
	SkippedResources = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_skipped_resources_total",
			Help: "Resources dropped during processing by reason.",
		},
		[]string{"reason"},
	)
	JobDeletes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_job_deletes_total",
			Help: "Bulk export job deletions by result.",
		},
		[]string{"result"},
	)
	Panics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_http_panics_total",
			Help: "Recovered handler panics by route.",
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(Runs, RunDuration, PollAttempts, Messages, SkippedResources, JobDeletes, Panics)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
