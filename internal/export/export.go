// Package export assembles paginated, permission-filtered graph snapshots
// with policy-fingerprinted cache tokens.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/mohammad-safakhou/memgraph/internal/authz"
	"github.com/mohammad-safakhou/memgraph/internal/metrics"
	"github.com/mohammad-safakhou/memgraph/internal/sensitivity"
	"github.com/mohammad-safakhou/memgraph/internal/store"
)

var (
	// ErrInvalidCursor reports a cursor that does not decode.
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrLimitExceeded reports a limit above the allowed maximum.
	ErrLimitExceeded = errors.New("limit exceeds maximum")
	// ErrEntityNotFound reports an unknown entity in entity-scoped mode.
	ErrEntityNotFound = errors.New("entity not found")
)

// GraphStore is the slice of the relational store the engine reads from.
type GraphStore interface {
	ListEntitiesPage(ctx context.Context, tenantID string, after *store.PageKey, limit int) ([]store.EntityRecord, error)
	ListRelationsFrom(ctx context.Context, tenantID string, fromNames []string) ([]store.RelationRecord, error)
	ListObservationsPage(ctx context.Context, tenantID, entityName string, after *store.PageKey, limit int) ([]store.ObservationRecord, error)
	ListObservationsForEntities(ctx context.Context, tenantID string, names []string) ([]store.ObservationRecord, error)
	CountGraph(ctx context.Context, tenantID string) (store.GraphTotals, error)
	GetEntity(ctx context.Context, tenantID, name string) (store.EntityRecord, bool, error)
}

// Params describe one export request. Permissions must be the caller's
// effective set as resolved by authz; the engine trusts it.
type Params struct {
	TenantID            string
	Limit               int
	Cursor              string
	IncludeObservations bool
	EntityName          string
	Permissions         authz.PermissionSet
}

type Node struct {
	Name             string    `json:"name"`
	EntityType       string    `json:"entityType"`
	ObservationCount int       `json:"observationCount"`
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Link endpoints are entity names, not internal ids. This is the public
// contract boundary.
type Link struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	RelationType string `json:"relationType"`
}

type Observation struct {
	ID          string    `json:"id"`
	EntityName  string    `json:"entityName"`
	Contents    []string  `json:"contents"`
	MessageType string    `json:"messageType,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type FullTotals struct {
	Entities     int `json:"entities"`
	Relations    int `json:"relations"`
	Observations int `json:"observations"`
}

// FullExport is the full-mode response shape. Permissions never change the
// topology shape, only whether observations appear.
type FullExport struct {
	Nodes        []Node        `json:"nodes"`
	Links        []Link        `json:"links"`
	Observations []Observation `json:"observations,omitempty"`
	Totals       FullTotals    `json:"totals"`
	NextCursor   *string       `json:"nextCursor"`
}

type EntityTotals struct {
	Observations int `json:"observations"`
}

// EntityExport is the entity-scoped response shape: observations only,
// no nodes or links at all.
type EntityExport struct {
	Observations []Observation `json:"observations"`
	Totals       EntityTotals  `json:"totals"`
	NextCursor   *string       `json:"nextCursor"`
}

// Result carries the canonical response body and its policy-fingerprinted
// cache token.
type Result struct {
	Body []byte
	ETag string
}

type cached struct {
	result Result
	stored time.Time
}

// Engine computes exports and memoizes them briefly so conditional requests
// can short-circuit without recomputation.
type Engine struct {
	store    GraphStore
	cache    *ristretto.Cache
	cacheTTL time.Duration
	maxLimit int
	defLimit int
	logger   *log.Logger
}

type Config struct {
	DefaultLimit int
	MaxLimit     int
	CacheTTL     time.Duration
}

func NewEngine(st GraphStore, cfg Config, logger *log.Logger) (*Engine, error) {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 200
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 1000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EXPORT] ", log.LstdFlags)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     32 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("export cache: %w", err)
	}
	return &Engine{
		store:    st,
		cache:    cache,
		cacheTTL: cfg.CacheTTL,
		maxLimit: cfg.MaxLimit,
		defLimit: cfg.DefaultLimit,
		logger:   logger,
	}, nil
}

// Export assembles the snapshot for the given parameters, serving from the
// short-lived memo when possible.
func (e *Engine) Export(ctx context.Context, p Params) (Result, error) {
	if p.Limit == 0 {
		p.Limit = e.defLimit
	}
	if p.Limit < 0 {
		return Result{}, fmt.Errorf("%w: limit must be positive", ErrLimitExceeded)
	}
	if p.Limit > e.maxLimit {
		return Result{}, fmt.Errorf("%w: limit %d > %d", ErrLimitExceeded, p.Limit, e.maxLimit)
	}

	key := e.memoKey(p)
	if raw, ok := e.cache.Get(key); ok {
		if c, ok := raw.(cached); ok && time.Since(c.stored) < e.cacheTTL {
			metrics.ExportCacheHits.Inc()
			return c.result, nil
		}
	}

	var (
		payload interface{}
		err     error
	)
	if p.EntityName != "" {
		payload, err = e.exportEntity(ctx, p)
	} else {
		payload, err = e.exportFull(ctx, p)
	}
	if err != nil {
		return Result{}, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal export: %w", err)
	}
	res := Result{Body: body, ETag: Fingerprint(body, p.Permissions)}
	metrics.ExportComputed.Inc()
	e.cache.SetWithTTL(key, cached{result: res, stored: time.Now()}, int64(len(body)), e.cacheTTL)
	// Flush the write buffer so an immediate conditional request sees the memo.
	e.cache.Wait()
	return res, nil
}

// CachedETag returns the memoized cache token for the parameters, if the
// memo is still warm. It never recomputes.
func (e *Engine) CachedETag(p Params) (string, bool) {
	if p.Limit == 0 {
		p.Limit = e.defLimit
	}
	raw, ok := e.cache.Get(e.memoKey(p))
	if !ok {
		return "", false
	}
	c, ok := raw.(cached)
	if !ok || time.Since(c.stored) >= e.cacheTTL {
		return "", false
	}
	return c.result.ETag, true
}

func (e *Engine) exportFull(ctx context.Context, p Params) (*FullExport, error) {
	after, err := decodeCursor(p.Cursor)
	if err != nil {
		return nil, err
	}

	// One extra row decides whether another page exists.
	entities, err := e.store.ListEntitiesPage(ctx, p.TenantID, after, p.Limit+1)
	if err != nil {
		return nil, err
	}
	var nextCursor *string
	if len(entities) > p.Limit {
		entities = entities[:p.Limit]
		last := entities[len(entities)-1]
		c := encodeCursor(store.PageKey{CreatedAt: last.CreatedAt, ID: last.ID})
		nextCursor = &c
	}

	out := &FullExport{Nodes: []Node{}, Links: []Link{}, NextCursor: nextCursor}
	names := make([]string, 0, len(entities))
	for _, ent := range entities {
		names = append(names, ent.Name)
		out.Nodes = append(out.Nodes, Node{
			Name:             ent.Name,
			EntityType:       ent.EntityType,
			ObservationCount: ent.ObservationCount,
			ID:               ent.ID,
			CreatedAt:        ent.CreatedAt,
		})
	}

	relations, err := e.store.ListRelationsFrom(ctx, p.TenantID, names)
	if err != nil {
		return nil, err
	}
	for _, rel := range relations {
		out.Links = append(out.Links, Link{Source: rel.From, Target: rel.To, RelationType: rel.RelationType})
	}

	if p.IncludeObservations {
		records, err := e.store.ListObservationsForEntities(ctx, p.TenantID, names)
		if err != nil {
			return nil, err
		}
		out.Observations = filterObservations(records, p.Permissions)
	}

	totals, err := e.store.CountGraph(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}
	out.Totals = FullTotals{Entities: totals.Entities, Relations: totals.Relations, Observations: totals.Observations}
	return out, nil
}

func (e *Engine) exportEntity(ctx context.Context, p Params) (*EntityExport, error) {
	after, err := decodeCursor(p.Cursor)
	if err != nil {
		return nil, err
	}
	_, found, err := e.store.GetEntity(ctx, p.TenantID, p.EntityName)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, p.EntityName)
	}

	records, err := e.store.ListObservationsPage(ctx, p.TenantID, p.EntityName, after, p.Limit+1)
	if err != nil {
		return nil, err
	}
	var nextCursor *string
	if len(records) > p.Limit {
		records = records[:p.Limit]
		last := records[len(records)-1]
		c := encodeCursor(store.PageKey{CreatedAt: last.CreatedAt, ID: last.ID})
		nextCursor = &c
	}

	visible := filterObservations(records, p.Permissions)
	return &EntityExport{
		Observations: visible,
		Totals:       EntityTotals{Observations: len(visible)},
		NextCursor:   nextCursor,
	}, nil
}

// filterObservations applies the visibility rule: the caller must hold
// graph:observations:view, and sensitive records additionally require
// graph:sensitive:view.
func filterObservations(records []store.ObservationRecord, perms authz.PermissionSet) []Observation {
	out := []Observation{}
	if !perms.Has(authz.PermObservationsView) {
		return out
	}
	canSeeSensitive := perms.Has(authz.PermSensitiveView)
	for _, rec := range records {
		sensitive := sensitivity.Classify(sensitivity.Observation{
			MessageType: rec.MessageType,
			Sensitive:   rec.Sensitive,
			Contents:    rec.Contents,
		})
		if sensitive && !canSeeSensitive {
			continue
		}
		out = append(out, Observation{
			ID:          rec.ID,
			EntityName:  rec.EntityName,
			Contents:    rec.Contents,
			MessageType: rec.MessageType,
			CreatedAt:   rec.CreatedAt,
		})
	}
	return out
}

// Fingerprint hashes the canonical body together with the caller's sorted,
// deduplicated permission set, so two callers with identical data but
// different permissions can never share a cache token.
func Fingerprint(body []byte, perms authz.PermissionSet) string {
	h := sha256.New()
	h.Write(body)
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(perms.Sorted(), ",")))
	return `"` + hex.EncodeToString(h.Sum(nil)) + `"`
}

func (e *Engine) memoKey(p Params) string {
	return strings.Join([]string{
		p.TenantID,
		p.EntityName,
		p.Cursor,
		fmt.Sprint(p.Limit),
		fmt.Sprint(p.IncludeObservations),
		strings.Join(p.Permissions.Sorted(), ","),
	}, "|")
}

type cursorPayload struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

func encodeCursor(k store.PageKey) string {
	raw, _ := json.Marshal(cursorPayload{CreatedAt: k.CreatedAt, ID: k.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (*store.PageKey, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var p cursorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	return &store.PageKey{CreatedAt: p.CreatedAt, ID: p.ID}, nil
}
