package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/memgraph/internal/audit"
	"github.com/mohammad-safakhou/memgraph/internal/authz"
	"github.com/mohammad-safakhou/memgraph/internal/export"
	"github.com/mohammad-safakhou/memgraph/internal/metrics"
	"github.com/mohammad-safakhou/memgraph/internal/mutation"
	"github.com/mohammad-safakhou/memgraph/internal/runtime"
	"github.com/mohammad-safakhou/memgraph/internal/sanitize"
	"github.com/mohammad-safakhou/memgraph/internal/store"
	"github.com/mohammad-safakhou/memgraph/internal/vector"
)

// GraphWriteStore is the slice of the store the write endpoints use.
type GraphWriteStore interface {
	UpsertEntity(ctx context.Context, tenantID, name, entityType, createdBy string) (store.EntityRecord, bool, error)
	AddObservation(ctx context.Context, rec store.ObservationRecord) (store.ObservationRecord, error)
	CreateRelation(ctx context.Context, rec store.RelationRecord) (store.RelationRecord, error)
}

type GraphHandler struct {
	Engine   *export.Engine
	Store    GraphWriteStore
	Mutator  *mutation.Engine
	Screener *sanitize.Screener
	Audit    *audit.Recorder
	Index    vector.Index
	Rdb      *redis.Client
	CacheTTL time.Duration
	Opts     authz.Options
}

func (h *GraphHandler) Register(g *echo.Group, auth echo.MiddlewareFunc) {
	g.Use(auth)
	g.GET("/export", h.export)
	g.GET("/recall", h.recall)
	g.POST("/entities", h.createEntities)
	g.POST("/observations", h.addObservations)
	g.POST("/relations", h.createRelations)
}

func (h *GraphHandler) export(c echo.Context) error {
	rc, ok := runtime.RequestContextFrom(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	dec := authz.AuthorizeRead(rc, h.Opts)
	if !dec.Authorized {
		return echo.NewHTTPError(http.StatusForbidden, "no graph permissions")
	}

	p := export.Params{
		TenantID:    rc.TenantID,
		Cursor:      c.QueryParam("cursor"),
		EntityName:  c.QueryParam("entityName"),
		Permissions: dec.Permissions,
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		p.Limit = n
	}
	if raw := c.QueryParam("includeObservations"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "includeObservations must be a boolean")
		}
		p.IncludeObservations = v
	}
	// Entity-scoped mode returns observation content only, so it needs the
	// same permission as includeObservations; an empty page would otherwise
	// hide the shortfall from the caller.
	if (p.IncludeObservations || p.EntityName != "") && !dec.Permissions.Has(authz.PermObservationsView) {
		return echo.NewHTTPError(http.StatusForbidden, "observations not permitted for this credential")
	}

	ifNoneMatch := c.Request().Header.Get("If-None-Match")

	// Conditional requests short-circuit on the in-process ETag memo.
	if ifNoneMatch != "" {
		if etag, ok := h.Engine.CachedETag(p); ok && etagMatch(ifNoneMatch, etag) {
			metrics.ExportCacheHits.Inc()
			c.Response().Header().Set("ETag", etag)
			return c.NoContent(http.StatusNotModified)
		}
	}

	// Shared response cache so replicas converge on one computed export.
	cacheKey := exportCacheKey(p)
	if h.Rdb != nil {
		if raw, err := h.Rdb.Get(c.Request().Context(), cacheKey).Result(); err == nil {
			if etag, body, ok := strings.Cut(raw, "\n"); ok {
				metrics.ExportCacheHits.Inc()
				c.Response().Header().Set("ETag", etag)
				if etagMatch(ifNoneMatch, etag) {
					return c.NoContent(http.StatusNotModified)
				}
				return c.JSONBlob(http.StatusOK, []byte(body))
			}
		}
	}

	res, err := h.Engine.Export(c.Request().Context(), p)
	if err != nil {
		switch {
		case errors.Is(err, export.ErrInvalidCursor), errors.Is(err, export.ErrLimitExceeded):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, export.ErrEntityNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	if h.Rdb != nil {
		ttl := h.CacheTTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		_ = h.Rdb.Set(c.Request().Context(), cacheKey, res.ETag+"\n"+string(res.Body), ttl).Err()
	}
	c.Response().Header().Set("ETag", res.ETag)
	if etagMatch(ifNoneMatch, res.ETag) {
		return c.NoContent(http.StatusNotModified)
	}
	return c.JSONBlob(http.StatusOK, res.Body)
}

// recall runs a similarity search over the tenant's mirrored observations.
// Results are raw observation snippets, so the caller needs the same
// permission that gates includeObservations on export.
func (h *GraphHandler) recall(c echo.Context) error {
	rc, ok := runtime.RequestContextFrom(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	dec := authz.AuthorizeRead(rc, h.Opts)
	if !dec.Authorized || !dec.Permissions.Has(authz.PermObservationsView) {
		return echo.NewHTTPError(http.StatusForbidden, "observations not permitted for this credential")
	}
	if h.Index == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "vector index disabled")
	}
	query := strings.TrimSpace(c.QueryParam("q"))
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q required")
	}
	topK := 8
	if raw := c.QueryParam("topK"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 50 {
			return echo.NewHTTPError(http.StatusBadRequest, "topK must be between 1 and 50")
		}
		topK = n
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	hits, err := h.Index.Search(ctx, rc.TenantID, query, topK)
	if err != nil {
		metrics.VectorFailures.WithLabelValues("search").Inc()
		return echo.NewHTTPError(http.StatusBadGateway, "vector search failed")
	}
	results := make([]RecallHit, 0, len(hits))
	for _, hit := range hits {
		results = append(results, RecallHit{
			ID:         hit.ID,
			EntityName: hit.Metadata["entity_name"],
			Content:    hit.Content,
			Similarity: hit.Similarity,
		})
	}
	return c.JSON(http.StatusOK, RecallResponse{Results: results})
}

func (h *GraphHandler) createEntities(c echo.Context) error {
	rc, dec, err := h.authorizeWrite(c, "entities.create")
	if err != nil {
		return err
	}
	var req EntitiesCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Entities) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "entities required")
	}
	for _, e := range req.Entities {
		if e.Name == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "entity name required")
		}
	}

	ctx := c.Request().Context()
	created, existing := 0, 0
	names := make([]string, 0, len(req.Entities))
	for _, e := range req.Entities {
		_, isNew, err := h.Store.UpsertEntity(ctx, rc.TenantID, e.Name, e.EntityType, rc.UserID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if isNew {
			created++
		} else {
			existing++
		}
		names = append(names, e.Name)
	}
	h.Audit.Record(ctx, audit.Event{
		Operation:   "entities.create",
		TenantID:    rc.TenantID,
		ActorID:     actorID(rc, dec),
		Contents:    names,
		TargetCount: created,
	})
	return c.JSON(http.StatusCreated, map[string]int{"created": created, "existing": existing})
}

func (h *GraphHandler) addObservations(c echo.Context) error {
	rc, dec, err := h.authorizeWrite(c, "observations.add")
	if err != nil {
		return err
	}
	var req ObservationsAddRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Observations) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "observations required")
	}

	ctx := c.Request().Context()
	var all []string
	for _, o := range req.Observations {
		if o.EntityName == "" || len(o.Contents) == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "entityName and contents required")
		}
		all = append(all, o.Contents...)
	}
	if reason := h.Screener.Screen(all); reason != "" {
		metrics.SanitizerRejections.Inc()
		h.Audit.Record(ctx, audit.Event{
			Operation:  "observations.add",
			TenantID:   rc.TenantID,
			ActorID:    actorID(rc, dec),
			Contents:   all,
			Flagged:    true,
			FlagReason: reason,
		})
		return echo.NewHTTPError(http.StatusUnprocessableEntity, reason)
	}

	added := 0
	failures := 0
	for _, o := range req.Observations {
		rec, err := h.Store.AddObservation(ctx, store.ObservationRecord{
			TenantID:    rc.TenantID,
			EntityName:  o.EntityName,
			Contents:    o.Contents,
			MessageType: o.MessageType,
			Sensitive:   o.Sensitive,
			CreatedBy:   rc.UserID,
		})
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		added++
		if h.Mutator != nil {
			_, f := h.Mutator.IndexObservation(ctx, rec)
			failures += f
		}
	}
	h.Audit.Record(ctx, audit.Event{
		Operation:   "observations.add",
		TenantID:    rc.TenantID,
		ActorID:     actorID(rc, dec),
		Contents:    all,
		TargetCount: added,
	})
	return c.JSON(http.StatusCreated, MutationResponse{
		Status:           "ok",
		Observations:     added,
		WeaviateFailures: failures,
	})
}

func (h *GraphHandler) createRelations(c echo.Context) error {
	rc, dec, err := h.authorizeWrite(c, "relations.create")
	if err != nil {
		return err
	}
	var req RelationsCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Relations) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "relations required")
	}

	ctx := c.Request().Context()
	created := 0
	summaries := make([]string, 0, len(req.Relations))
	for _, r := range req.Relations {
		if r.From == "" || r.To == "" || r.RelationType == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "from, to and relationType required")
		}
		// Endpoint names are soft references; dangling names are legal.
		if _, err := h.Store.CreateRelation(ctx, store.RelationRecord{
			TenantID:     rc.TenantID,
			From:         r.From,
			To:           r.To,
			RelationType: r.RelationType,
			CreatedBy:    rc.UserID,
		}); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		created++
		summaries = append(summaries, fmt.Sprintf("%s-[%s]->%s", r.From, r.RelationType, r.To))
	}
	h.Audit.Record(ctx, audit.Event{
		Operation:   "relations.create",
		TenantID:    rc.TenantID,
		ActorID:     actorID(rc, dec),
		Contents:    summaries,
		TargetCount: created,
	})
	return c.JSON(http.StatusCreated, map[string]int{"created": created})
}

func (h *GraphHandler) authorizeWrite(c echo.Context, action string) (authz.RequestContext, authz.MutationDecision, error) {
	rc, ok := runtime.RequestContextFrom(c.Request().Context())
	if !ok {
		return rc, authz.MutationDecision{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	dec := authz.AuthorizeMutation(action, rc, h.Opts)
	if !dec.Authorized {
		return rc, dec, echo.NewHTTPError(http.StatusForbidden, dec.Reason)
	}
	return rc, dec, nil
}

func actorID(rc authz.RequestContext, dec authz.MutationDecision) string {
	if rc.AuthType == authz.AuthTypeAPIKey {
		if dec.LegacyPassthrough {
			return "legacy-key:" + rc.APIKeyID
		}
		return "key:" + rc.APIKeyID
	}
	return rc.UserID
}

func exportCacheKey(p export.Params) string {
	return strings.Join([]string{
		"export",
		p.TenantID,
		p.EntityName,
		p.Cursor,
		strconv.Itoa(p.Limit),
		strconv.FormatBool(p.IncludeObservations),
		strings.Join(p.Permissions.Sorted(), ","),
	}, ":")
}

func etagMatch(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		if strings.TrimSpace(candidate) == etag {
			return true
		}
	}
	return false
}
