// Package mutation executes cascading graph mutations and keeps the external
// vector index eventually consistent through the tombstone queue.
package mutation

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/memgraph/internal/metrics"
	"github.com/mohammad-safakhou/memgraph/internal/store"
	"github.com/mohammad-safakhou/memgraph/internal/vector"
)

// Store is the slice of the relational store the engine mutates.
type Store interface {
	DeleteEntityCascade(ctx context.Context, tenantID, name string, dryRun bool) (store.DeleteCounts, error)
	RemoveObservations(ctx context.Context, tenantID, entityName string, contents []string, dryRun bool) (int, []string, error)
	UpdateObservation(ctx context.Context, tenantID, id string, contents []string, messageType *string, sensitive *bool, dryRun bool) error
	GetObservation(ctx context.Context, tenantID, id string) (store.ObservationRecord, bool, error)
	InsertTombstone(ctx context.Context, tenantID, externalID, lastError string) error
}

// Result reports what a mutation did. The vector-index counters are named
// after the collaborator so callers can detect degraded-but-successful
// mutations.
type Result struct {
	Entities         int  `json:"entities,omitempty"`
	Observations     int  `json:"observations,omitempty"`
	Relations        int  `json:"relations,omitempty"`
	Updated          int  `json:"updated,omitempty"`
	DryRun           bool `json:"dryRun,omitempty"`
	WeaviateCleanup  int  `json:"weaviateCleanup"`
	WeaviateFailures int  `json:"weaviateFailures"`
}

type Engine struct {
	store   Store
	index   vector.Index // nil when the collaborator is disabled
	timeout time.Duration
	logger  *log.Logger
}

func NewEngine(st Store, index vector.Index, timeout time.Duration, logger *log.Logger) *Engine {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[MUTATE] ", log.LstdFlags)
	}
	return &Engine{store: st, index: index, timeout: timeout, logger: logger}
}

// DeleteEntity removes the entity with its observations and relations in one
// transaction, then best-effort mirrors the removals to the vector index.
func (e *Engine) DeleteEntity(ctx context.Context, tenantID, name string, dryRun bool) (Result, error) {
	counts, err := e.store.DeleteEntityCascade(ctx, tenantID, name, dryRun)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Entities:     counts.Entities,
		Observations: counts.Observations,
		Relations:    counts.Relations,
		DryRun:       dryRun,
	}
	if dryRun {
		return res, nil
	}
	res.WeaviateCleanup, res.WeaviateFailures = e.mirrorDeletes(ctx, tenantID, counts.RemovedIDs)
	return res, nil
}

// RemoveObservations deletes the matching observation rows and mirrors the
// removals.
func (e *Engine) RemoveObservations(ctx context.Context, tenantID, entityName string, contents []string, dryRun bool) (Result, error) {
	removed, removedIDs, err := e.store.RemoveObservations(ctx, tenantID, entityName, contents, dryRun)
	if err != nil {
		return Result{}, err
	}
	res := Result{Observations: removed, DryRun: dryRun}
	if dryRun {
		return res, nil
	}
	res.WeaviateCleanup, res.WeaviateFailures = e.mirrorDeletes(ctx, tenantID, removedIDs)
	return res, nil
}

// UpdateObservation rewrites an observation's contents, then mirrors the new
// content into the vector index. A failed mirror tombstones the id so the
// stale vector entry is at least removed by the sweep.
func (e *Engine) UpdateObservation(ctx context.Context, tenantID, id string, contents []string, messageType *string, sensitive *bool, dryRun bool) (Result, error) {
	if err := e.store.UpdateObservation(ctx, tenantID, id, contents, messageType, sensitive, dryRun); err != nil {
		return Result{}, err
	}
	res := Result{Updated: 1, DryRun: dryRun}
	if dryRun || e.index == nil {
		return res, nil
	}

	rec, found, err := e.store.GetObservation(ctx, tenantID, id)
	if err != nil || !found {
		if err != nil {
			e.logger.Printf("reload observation %s for mirror: %v", id, err)
		}
		return res, nil
	}
	res.WeaviateCleanup, res.WeaviateFailures = e.IndexObservation(ctx, rec)
	return res, nil
}

// IndexObservation pushes one observation into the vector index. A failure
// tombstones the id so the sweep eventually removes the stale entry; it is
// never surfaced as an error.
func (e *Engine) IndexObservation(ctx context.Context, rec store.ObservationRecord) (cleanup, failures int) {
	if e.index == nil {
		return 0, 0
	}
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	err := e.index.Store(callCtx, vector.Record{
		ID:         rec.ID,
		TenantID:   rec.TenantID,
		EntityName: rec.EntityName,
		Content:    strings.Join(rec.Contents, "\n"),
	})
	cancel()
	if err != nil {
		metrics.VectorFailures.WithLabelValues("store").Inc()
		e.tombstone(ctx, rec.TenantID, rec.ID, err)
		return 0, 1
	}
	return 1, 0
}

// mirrorDeletes attempts a vector delete per id. Failures degrade to
// tombstones; they never fail the mutation.
func (e *Engine) mirrorDeletes(ctx context.Context, tenantID string, ids []string) (cleanup, failures int) {
	if e.index == nil || len(ids) == 0 {
		return 0, 0
	}
	for _, id := range ids {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		err := e.index.Delete(callCtx, tenantID, id)
		cancel()
		if err != nil {
			metrics.VectorFailures.WithLabelValues("delete").Inc()
			e.tombstone(ctx, tenantID, id, err)
			failures++
			continue
		}
		cleanup++
	}
	return cleanup, failures
}

func (e *Engine) tombstone(ctx context.Context, tenantID, id string, cause error) {
	if err := e.store.InsertTombstone(ctx, tenantID, id, cause.Error()); err != nil {
		// Losing the tombstone means losing eventual consistency for this id,
		// which is worth a loud log line, but still must not fail the caller.
		e.logger.Printf("tombstone insert failed for %s: %v (original: %v)", id, err, cause)
		return
	}
	metrics.TombstonesQueued.Inc()
}
