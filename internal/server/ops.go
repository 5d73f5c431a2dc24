package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/memgraph/internal/authz"
	"github.com/mohammad-safakhou/memgraph/internal/runtime"
	"github.com/mohammad-safakhou/memgraph/internal/store"
)

// OpsStore is the slice of the store the operational endpoints use.
type OpsStore interface {
	ListAuditEntries(ctx context.Context, tenantID string, limit int) ([]store.AuditEntry, error)
	TombstoneCount(ctx context.Context) (int, error)
}

// OpsHandler serves the audit trail and queue-depth status. Both endpoints
// are admin-gated: the audit log records every mutation in the tenant.
type OpsHandler struct {
	Store OpsStore
	Opts  authz.Options
}

func (h *OpsHandler) Register(g *echo.Group, auth echo.MiddlewareFunc) {
	g.Use(auth)
	g.GET("/audit", h.listAudit)
	g.GET("/status", h.status)
}

// AuditEntryView is one audit row as returned by the API. Contents are
// hashed at write time, so only the hash is available here.
type AuditEntryView struct {
	ID          int64     `json:"id"`
	Operation   string    `json:"operation"`
	ActorID     string    `json:"actorId"`
	ContentHash string    `json:"contentHash"`
	Flagged     bool      `json:"flagged"`
	FlagReason  string    `json:"flagReason,omitempty"`
	TargetCount int       `json:"targetCount"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (h *OpsHandler) listAudit(c echo.Context) error {
	rc, err := h.authorizeAdmin(c, "audit.view")
	if err != nil {
		return err
	}
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		limit = n
	}
	entries, err := h.Store.ListAuditEntries(c.Request().Context(), rc.TenantID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]AuditEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryView{
			ID:          e.ID,
			Operation:   e.Operation,
			ActorID:     e.ActorID,
			ContentHash: e.ContentHash,
			Flagged:     e.Flagged,
			FlagReason:  e.FlagReason,
			TargetCount: e.TargetCount,
			Reason:      e.Reason,
			CreatedAt:   e.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": out})
}

func (h *OpsHandler) status(c echo.Context) error {
	if _, err := h.authorizeAdmin(c, "ops.status"); err != nil {
		return err
	}
	n, err := h.Store.TombstoneCount(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"pendingTombstones": n})
}

func (h *OpsHandler) authorizeAdmin(c echo.Context, action string) (authz.RequestContext, error) {
	rc, ok := runtime.RequestContextFrom(c.Request().Context())
	if !ok {
		return rc, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	dec := authz.AuthorizeMutation(action, rc, h.Opts)
	if !dec.Authorized {
		return rc, echo.NewHTTPError(http.StatusForbidden, dec.Reason)
	}
	return rc, nil
}
