// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExportCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memgraph_export_cache_hits_total",
		Help: "Graph exports served from the policy-fingerprinted cache.",
	})
	ExportComputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memgraph_export_computed_total",
		Help: "Graph exports assembled from the relational store.",
	})
	AuditWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memgraph_audit_writes_total",
		Help: "Audit rows written, by flagged outcome.",
	}, []string{"flagged"})
	SanitizerRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memgraph_sanitizer_rejections_total",
		Help: "Writes rejected by content screening.",
	})
	TombstonesQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memgraph_tombstones_queued_total",
		Help: "Vector-index failures recorded as tombstones.",
	})
	TombstonesRetired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memgraph_tombstones_retired_total",
		Help: "Tombstones cleared by a successful retry.",
	})
	VectorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memgraph_vector_failures_total",
		Help: "Failed calls to the vector-index collaborator, by operation.",
	}, []string{"op"})
)
