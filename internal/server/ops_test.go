package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/mohammad-safakhou/memgraph/internal/authz"
	"github.com/mohammad-safakhou/memgraph/internal/store"
)

type fakeOpsStore struct {
	entries    []store.AuditEntry
	tombstones int
	lastTenant string
	lastLimit  int
}

func (f *fakeOpsStore) ListAuditEntries(ctx context.Context, tenantID string, limit int) ([]store.AuditEntry, error) {
	f.lastTenant = tenantID
	f.lastLimit = limit
	return f.entries, nil
}

func (f *fakeOpsStore) TombstoneCount(ctx context.Context) (int, error) {
	return f.tombstones, nil
}

func TestListAuditScopedToTenant(t *testing.T) {
	st := &fakeOpsStore{entries: []store.AuditEntry{
		{ID: 1, Operation: "entities.delete", TenantID: "t1", ActorID: "u1", TargetCount: 3, Reason: "stale"},
		{ID: 2, Operation: "observations.add", TenantID: "t1", ActorID: "key:k1", Flagged: true, FlagReason: "injection heuristic"},
	}}
	h := &OpsHandler{Store: st}

	ctx, rec := newAuthedContext(t, http.MethodGet, "/api/ops/audit?limit=50", "",
		authz.RequestContext{TenantID: "t1", UserID: "u1", AuthType: authz.AuthTypeJWT, Roles: []string{"admin"}})
	if err := h.listAudit(ctx); err != nil {
		t.Fatalf("listAudit: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if st.lastTenant != "t1" || st.lastLimit != 50 {
		t.Fatalf("unexpected store call: tenant=%q limit=%d", st.lastTenant, st.lastLimit)
	}
	var resp struct {
		Entries []AuditEntryView `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(resp.Entries))
	}
	if !resp.Entries[1].Flagged || resp.Entries[1].FlagReason != "injection heuristic" {
		t.Fatalf("flagged entry not carried: %+v", resp.Entries[1])
	}
}

func TestListAuditForbiddenForMember(t *testing.T) {
	h := &OpsHandler{Store: &fakeOpsStore{}}
	ctx, _ := newAuthedContext(t, http.MethodGet, "/api/ops/audit", "",
		authz.RequestContext{TenantID: "t1", UserID: "u1", AuthType: authz.AuthTypeJWT, Roles: []string{"member"}})

	err := h.listAudit(ctx)
	assertHTTPStatus(t, err, http.StatusForbidden)
}

func TestStatusReportsQueueDepth(t *testing.T) {
	h := &OpsHandler{Store: &fakeOpsStore{tombstones: 4}}
	ctx, rec := newAuthedContext(t, http.MethodGet, "/api/ops/status", "",
		authz.RequestContext{TenantID: "t1", AuthType: authz.AuthTypeDev})

	if err := h.status(ctx); err != nil {
		t.Fatalf("status: %v", err)
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["pendingTombstones"] != 4 {
		t.Fatalf("unexpected status: %v", resp)
	}
}
