package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	uploadsInitiated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filegate_uploads_initiated_total",
			Help: "Number of resumable upload sessions created",
		},
	)

	uploadsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filegate_uploads_completed_total",
			Help: "Number of resumable uploads promoted to their destination",
		},
	)

	chunksWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filegate_chunks_written_total",
			Help: "Number of chunk writes accepted",
		},
	)

	chunkBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filegate_chunk_bytes_total",
			Help: "Bytes received through chunk writes",
		},
	)

	sessionsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filegate_sessions_swept_total",
			Help: "Number of expired upload sessions removed by the sweeper",
		},
	)

	requestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_request_errors_total",
			Help: "Number of failed requests by error kind",
		},
		[]string{"kind"},
	)

	downloadsServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filegate_downloads_total",
			Help: "Number of file downloads served",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(uploadsInitiated)
	prometheus.MustRegister(uploadsCompleted)
	prometheus.MustRegister(chunksWritten)
	prometheus.MustRegister(chunkBytes)
	prometheus.MustRegister(sessionsSwept)
	prometheus.MustRegister(requestErrors)
	prometheus.MustRegister(downloadsServed)
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

func handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"server":           "filegate",
		"version":          Version,
		"uptime":           timeSinceStart().String(),
		"root":             sandbox.Root(),
		"max_upload_bytes": config.MaxUploadBytes,
		"session_max_age":  config.SessionMaxAge.String(),
		"active_sessions":  sessions.Count(),
	}
	writeJSON(w, stats)
}
