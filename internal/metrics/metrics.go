// Package metrics registers the Prometheus collectors exposed on
// /metrics by both the API and worker binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestStageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docvault",
		Subsystem: "ingest",
		Name:      "stage_total",
		Help:      "Ingestion stage executions by stage and outcome.",
	}, []string{"stage", "outcome"})

	IngestDocumentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docvault",
		Subsystem: "ingest",
		Name:      "documents_total",
		Help:      "Documents reaching a terminal pipeline state.",
	}, []string{"status"})

	SearchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "docvault",
		Subsystem: "search",
		Name:      "latency_seconds",
		Help:      "End-to-end search latency.",
		Buckets:   prometheus.DefBuckets,
	})

	SearchResultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docvault",
		Subsystem: "search",
		Name:      "queries_total",
		Help:      "Search queries served.",
	})

	KeyRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docvault",
		Subsystem: "keys",
		Name:      "rotations_total",
		Help:      "Completed tenant key rotations.",
	})
)
