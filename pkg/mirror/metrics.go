package mirror

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mirror_events_processed_total",
	Help: "The number of gateway events processed, by kind and source",
}, []string{"kind", "source"})

var eventsMalformed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mirror_events_malformed_total",
	Help: "The number of events dropped for missing required fields",
}, []string{"kind"})

var eventsUnknownKind = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mirror_events_unknown_kind_total",
	Help: "The number of events ignored due to an unrecognized kind",
})

var unknownReferences = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mirror_unknown_references_total",
	Help: "The number of deltas skipped because a parent entity could not be resolved",
}, []string{"kind"})

var storageConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mirror_storage_conflicts_total",
	Help: "The number of unique-constraint races retried on upsert",
})

var reconnects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mirror_gateway_reconnects_total",
	Help: "The number of gateway reconnect attempts",
})

var connState = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "mirror_gateway_state",
	Help: "Current gateway connection state (0=disconnected 1=connecting 2=authenticated 3=streaming 4=reconnecting)",
})

var backfillPages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mirror_backfill_pages_total",
	Help: "The number of history pages fetched during backfill",
}, []string{"outcome"})

var backfillRequeues = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mirror_backfill_requeues_total",
	Help: "The number of backfill jobs requeued after rate limiting",
})

var applyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "mirror_apply_duration_seconds",
	Help:    "The time spent applying a normalized delta to storage",
	Buckets: prometheus.DefBuckets,
}, []string{"kind"})
