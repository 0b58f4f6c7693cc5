// Package metrics содержит Prometheus-метрики конвейера приёма событий.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed итоги применения событий: applied, duplicate, rejected, failed
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_events_processed_total",
			Help: "Total number of tracked events by outcome",
		},
		[]string{"outcome"},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analytics_batch_size",
			Help:    "Number of events per /track request",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	ApplyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analytics_apply_duration_seconds",
			Help:    "Duration of a single event counter transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	// GeoLookups источник геолокации: provider, cache, fallback
	GeoLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_geo_lookups_total",
			Help: "Geolocation resolutions by source and reason",
		},
		[]string{"source", "reason"},
	)

	GeoBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analytics_geo_breaker_state",
			Help: "Geo provider circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	ArchiveDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_archive_dropped_total",
			Help: "Events dropped because the archive buffer was full or the insert failed",
		},
	)

	LedgerPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_ledger_purged_total",
			Help: "Ledger entries removed by retention",
		},
	)
)
