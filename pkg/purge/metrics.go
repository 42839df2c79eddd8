package purge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PurgeRequests counts PURGE calls by result ("ok", "failed").
	PurgeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "varnish_purge_requests_total",
			Help: "Total number of PURGE requests sent to the cache server",
		},
		[]string{"result"},
	)

	// PurgedTags counts tags sent in PURGE calls.
	PurgedTags = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "varnish_purge_tags_total",
			Help: "Total number of tags sent for purging",
		},
	)

	// PurgeDuration tracks how long PURGE calls take.
	PurgeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "varnish_purge_duration_seconds",
			Help:    "Duration of PURGE requests in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)
)
