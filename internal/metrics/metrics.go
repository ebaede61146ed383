// Package metrics exposes Prometheus collectors for the serial protocol
// layer and the web server. Scraped at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts frame exchange outcomes, labelled ok / timeout /
	// garbage.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thd_frames_total",
			Help: "Total frame exchanges by outcome",
		},
		[]string{"outcome"},
	)

	// SessionsTotal counts finished retrieval sessions by outcome.
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thd_sessions_total",
			Help: "Total retrieval sessions by outcome",
		},
		[]string{"outcome"},
	)

	// RecordsFetched counts measurement records downloaded from devices.
	RecordsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "thd_records_fetched_total",
			Help: "Total measurement records downloaded",
		},
	)

	// SessionDuration observes end-to-end retrieval time.
	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "thd_session_duration_seconds",
			Help:    "Retrieval session duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// WSClients tracks connected WebSocket clients.
	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_clients",
			Help: "Currently connected WebSocket clients",
		},
	)
)
