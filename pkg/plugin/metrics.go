package plugin

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	autocompleteCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grafana",
		Subsystem: "datadog",
		Name:      "autocomplete_cache_requests_total",
		Help:      "Autocomplete candidate lookups by cache result.",
	}, []string{"result"})

	interpolationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grafana",
		Subsystem: "datadog",
		Name:      "interpolation_failures_total",
		Help:      "Template variable interpolations that were rolled back.",
	})

	suggestionsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grafana",
		Subsystem: "datadog",
		Name:      "suggestions_total",
		Help:      "Autocomplete suggestion requests by detected query context.",
	}, []string{"context"})
)
