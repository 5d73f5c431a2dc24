package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/memgraph/internal/audit"
	"github.com/mohammad-safakhou/memgraph/internal/authz"
	"github.com/mohammad-safakhou/memgraph/internal/metrics"
	"github.com/mohammad-safakhou/memgraph/internal/mutation"
	"github.com/mohammad-safakhou/memgraph/internal/runtime"
	"github.com/mohammad-safakhou/memgraph/internal/sanitize"
	"github.com/mohammad-safakhou/memgraph/internal/store"
)

// MutationsHandler exposes the destructive graph operations. Every call is
// audited; dry runs report counts without touching rows.
type MutationsHandler struct {
	Engine   *mutation.Engine
	Screener *sanitize.Screener
	Audit    *audit.Recorder
	Opts     authz.Options
}

func (h *MutationsHandler) Register(g *echo.Group, auth echo.MiddlewareFunc) {
	g.Use(auth)
	g.POST("/entities/delete", h.deleteEntity)
	g.POST("/observations/remove", h.removeObservations)
	g.POST("/observations/update", h.updateObservation)
}

func (h *MutationsHandler) deleteEntity(c echo.Context) error {
	rc, dec, err := h.authorize(c, "entities.delete")
	if err != nil {
		return err
	}
	var req EntityDeleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.EntityName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "entityName required")
	}

	ctx := c.Request().Context()
	res, err := h.Engine.DeleteEntity(ctx, rc.TenantID, req.EntityName, req.DryRun)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "entity not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !req.DryRun {
		h.Audit.Record(ctx, audit.Event{
			Operation:   "entities.delete",
			TenantID:    rc.TenantID,
			ActorID:     actorID(rc, dec),
			Contents:    []string{req.EntityName},
			TargetCount: res.Entities + res.Observations + res.Relations,
			Reason:      req.Reason,
		})
	}
	return c.JSON(http.StatusOK, toMutationResponse(res))
}

func (h *MutationsHandler) removeObservations(c echo.Context) error {
	rc, dec, err := h.authorize(c, "observations.remove")
	if err != nil {
		return err
	}
	var req ObservationsRemoveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.EntityName == "" || len(req.Contents) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "entityName and contents required")
	}

	ctx := c.Request().Context()
	res, err := h.Engine.RemoveObservations(ctx, rc.TenantID, req.EntityName, req.Contents, req.DryRun)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !req.DryRun {
		h.Audit.Record(ctx, audit.Event{
			Operation:   "observations.remove",
			TenantID:    rc.TenantID,
			ActorID:     actorID(rc, dec),
			Contents:    req.Contents,
			TargetCount: res.Observations,
			Reason:      req.Reason,
		})
	}
	return c.JSON(http.StatusOK, toMutationResponse(res))
}

func (h *MutationsHandler) updateObservation(c echo.Context) error {
	rc, dec, err := h.authorize(c, "observations.update")
	if err != nil {
		return err
	}
	var req ObservationUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ID == "" || len(req.Contents) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "id and contents required")
	}

	ctx := c.Request().Context()
	// Replacement contents go through the same screen as fresh writes, or an
	// update would launder content the add path rejects.
	if reason := h.Screener.Screen(req.Contents); reason != "" {
		metrics.SanitizerRejections.Inc()
		h.Audit.Record(ctx, audit.Event{
			Operation:  "observations.update",
			TenantID:   rc.TenantID,
			ActorID:    actorID(rc, dec),
			Contents:   req.Contents,
			Flagged:    true,
			FlagReason: reason,
		})
		return echo.NewHTTPError(http.StatusUnprocessableEntity, reason)
	}
	res, err := h.Engine.UpdateObservation(ctx, rc.TenantID, req.ID, req.Contents, req.MessageType, req.Sensitive, req.DryRun)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "observation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !req.DryRun {
		h.Audit.Record(ctx, audit.Event{
			Operation:   "observations.update",
			TenantID:    rc.TenantID,
			ActorID:     actorID(rc, dec),
			Contents:    req.Contents,
			TargetCount: res.Updated,
			Reason:      req.Reason,
		})
	}
	return c.JSON(http.StatusOK, toMutationResponse(res))
}

func (h *MutationsHandler) authorize(c echo.Context, action string) (authz.RequestContext, authz.MutationDecision, error) {
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

func toMutationResponse(res mutation.Result) MutationResponse {
	status := "ok"
	if res.WeaviateFailures > 0 {
		status = "degraded"
	}
	if res.DryRun {
		status = "dry-run"
	}
	return MutationResponse{
		Status:           status,
		Entities:         res.Entities,
		Observations:     res.Observations,
		Relations:        res.Relations,
		Updated:          res.Updated,
		DryRun:           res.DryRun,
		WeaviateCleanup:  res.WeaviateCleanup,
		WeaviateFailures: res.WeaviateFailures,
	}
}
