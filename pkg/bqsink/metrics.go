package bqsink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "bqsink_queue_depth",
	Help: "The current depth of the BigQuery record buffer",
}, []string{"table"})

var recordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bqsink_records_processed",
	Help: "The number of message records enqueued for export",
}, []string{"table"})

var batchSubmissionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "bqsink_batch_submission_duration",
	Help:    "The duration of time it takes to submit a batch of records to BigQuery",
	Buckets: prometheus.DefBuckets,
}, []string{"table"})

var batchSizeHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "bqsink_batch_size",
	Help:    "The size of a batch of records submitted to BigQuery",
	Buckets: prometheus.ExponentialBuckets(1, 2, 20),
}, []string{"table"})
