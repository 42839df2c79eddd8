package varnishcontroller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheDecisions counts responses by eligibility result: "cacheable" or the
// name of the check that ruled caching out.
var CacheDecisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "varnish_cache_decisions_total",
		Help: "Total number of cache eligibility decisions by result",
	},
	[]string{"result"},
)
