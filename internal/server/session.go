package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/memgraph/internal/audit"
	"github.com/mohammad-safakhou/memgraph/internal/authz"
	"github.com/mohammad-safakhou/memgraph/internal/metrics"
	"github.com/mohammad-safakhou/memgraph/internal/runtime"
	"github.com/mohammad-safakhou/memgraph/internal/sanitize"
	"github.com/mohammad-safakhou/memgraph/internal/sessionctx"
	"github.com/mohammad-safakhou/memgraph/internal/store"
)

// SessionStore covers handoff persistence and the message inbox.
type SessionStore interface {
	SaveHandoff(ctx context.Context, rec store.HandoffRecord) (store.HandoffRecord, error)
	SendMessage(ctx context.Context, rec store.MessageRecord) (string, error)
	MarkMessagesRead(ctx context.Context, tenantID, toAgent string) (int, error)
}

// SessionHandler serves bundle assembly and the handoff/message writes.
// Handoff summaries and message bodies are replayed into future bundles, so
// both writes are screened and audited like graph writes.
type SessionHandler struct {
	Assembler *sessionctx.Assembler
	Store     SessionStore
	Screener  *sanitize.Screener
	Audit     *audit.Recorder
	Opts      authz.Options
}

func (h *SessionHandler) Register(g *echo.Group, auth echo.MiddlewareFunc) {
	g.Use(auth)
	g.POST("/session/open", h.open)
	g.POST("/session/close", h.close)
	g.POST("/messages", h.sendMessage)
	g.POST("/messages/read", h.markRead)
}

func (h *SessionHandler) open(c echo.Context) error {
	rc, _, err := h.authenticated(c)
	if err != nil {
		return err
	}
	var req SessionOpenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AgentName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agentName required")
	}

	bundle, err := h.Assembler.Assemble(c.Request().Context(), sessionctx.Params{
		TenantID:  rc.TenantID,
		Agent:     req.AgentName,
		ProjectID: req.ProjectID,
		Tier:      sessionctx.Tier(req.Tier),
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, bundle)
}

func (h *SessionHandler) close(c echo.Context) error {
	rc, actor, err := h.authenticated(c)
	if err != nil {
		return err
	}
	var req SessionCloseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AgentName == "" || req.ProjectID == "" || req.Summary == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agentName, projectId and summary required")
	}

	ctx := c.Request().Context()
	contents := append([]string{req.Summary}, req.OpenItems...)
	if err := h.screen(ctx, "session.close", rc, actor, contents); err != nil {
		return err
	}

	rec, err := h.Store.SaveHandoff(ctx, store.HandoffRecord{
		TenantID:  rc.TenantID,
		ProjectID: req.ProjectID,
		FromAgent: req.AgentName,
		Summary:   req.Summary,
		OpenItems: req.OpenItems,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.Audit.Record(ctx, audit.Event{
		Operation:   "session.close",
		TenantID:    rc.TenantID,
		ActorID:     actor,
		Contents:    contents,
		TargetCount: 1,
	})
	return c.JSON(http.StatusCreated, map[string]string{"handoffId": rec.ID})
}

func (h *SessionHandler) sendMessage(c echo.Context) error {
	rc, actor, err := h.authenticated(c)
	if err != nil {
		return err
	}
	var req MessageSendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ToAgent == "" || req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "toAgent and content required")
	}
	from := req.FromAgent
	if from == "" {
		from = rc.UserID
	}

	ctx := c.Request().Context()
	if err := h.screen(ctx, "messages.send", rc, actor, []string{req.Content}); err != nil {
		return err
	}

	id, err := h.Store.SendMessage(ctx, store.MessageRecord{
		TenantID:  rc.TenantID,
		FromAgent: from,
		ToAgent:   req.ToAgent,
		Content:   req.Content,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.Audit.Record(ctx, audit.Event{
		Operation:   "messages.send",
		TenantID:    rc.TenantID,
		ActorID:     actor,
		Contents:    []string{req.Content},
		TargetCount: 1,
	})
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *SessionHandler) markRead(c echo.Context) error {
	rc, _, err := h.authenticated(c)
	if err != nil {
		return err
	}
	var req MessagesReadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AgentName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agentName required")
	}

	n, err := h.Store.MarkMessagesRead(c.Request().Context(), rc.TenantID, req.AgentName)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"read": n})
}

func (h *SessionHandler) screen(ctx context.Context, operation string, rc authz.RequestContext, actor string, contents []string) error {
	reason := h.Screener.Screen(contents)
	if reason == "" {
		return nil
	}
	metrics.SanitizerRejections.Inc()
	h.Audit.Record(ctx, audit.Event{
		Operation:  operation,
		TenantID:   rc.TenantID,
		ActorID:    actor,
		Contents:   contents,
		Flagged:    true,
		FlagReason: reason,
	})
	return echo.NewHTTPError(http.StatusUnprocessableEntity, reason)
}

func (h *SessionHandler) authenticated(c echo.Context) (authz.RequestContext, string, error) {
	rc, ok := runtime.RequestContextFrom(c.Request().Context())
	if !ok {
		return rc, "", echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	dec := authz.AuthorizeRead(rc, h.Opts)
	if !dec.Authorized {
		return rc, "", echo.NewHTTPError(http.StatusForbidden, "no graph permissions")
	}
	actor := actorID(rc, authz.MutationDecision{LegacyPassthrough: dec.LegacyPassthrough})
	return rc, actor, nil
}
