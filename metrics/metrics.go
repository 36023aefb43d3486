package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Pipeline metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_runs_total",
			Help: "Pipeline runs by outcome",
		},
		[]string{"outcome"}, // finished, failed, rejected, cancelled
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docchat_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docchat_active_sessions",
			Help: "Open chat sessions",
		},
	)

	// Catalog metrics
	CatalogReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docchat_catalog_reloads_total",
			Help: "Source catalog reloads triggered by file changes",
		},
		[]string{"result"}, // ok, error
	)

	CatalogDocuments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docchat_catalog_documents",
			Help: "Documents currently served by the source catalog",
		},
	)
)
