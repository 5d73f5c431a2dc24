// Package authz evaluates verified request identities against the graph
// permission vocabulary. It never touches the database: the inputs are the
// RequestContext built by the auth middleware and nothing else.
package authz

import (
	"fmt"
	"sort"
)

// AuthType identifies how the caller authenticated.
type AuthType string

const (
	AuthTypeDev    AuthType = "dev"
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeJWT    AuthType = "jwt"
)

// Permission is a single entry of the fixed graph permission vocabulary.
type Permission string

const (
	PermGraphView        Permission = "graph:view"
	PermObservationsView Permission = "graph:observations:view"
	PermSensitiveView    Permission = "graph:sensitive:view"
)

// Scopes understood on API keys.
const (
	ScopeAll        = "*"
	ScopeGraphWrite = "graph:write"
	ScopeGraphRead  = "graph:read"
	ScopeGraphView  = "graph:view"
)

// RequestContext is the trusted identity record for one inbound call.
// It is built exclusively by the auth middleware from verified credentials
// and is never derived from caller-supplied request fields.
type RequestContext struct {
	TenantID string
	UserID   string
	AuthType AuthType
	APIKeyID string
	Roles    []string
	Scopes   []string
}

// PermissionSet is the caller's effective read permissions.
type PermissionSet map[Permission]bool

func (p PermissionSet) Has(perm Permission) bool { return p[perm] }

// Sorted returns the deduplicated permissions in lexical order, the canonical
// form used by the export policy fingerprint.
func (p PermissionSet) Sorted() []string {
	out := make([]string, 0, len(p))
	for perm, ok := range p {
		if ok {
			out = append(out, string(perm))
		}
	}
	sort.Strings(out)
	return out
}

func allPermissions() PermissionSet {
	return PermissionSet{PermGraphView: true, PermObservationsView: true, PermSensitiveView: true}
}

// Options tunes authorization resolution.
type Options struct {
	// LegacyAPIKeyPassthrough resolves API keys with no scopes to full access
	// instead of rejecting them.
	LegacyAPIKeyPassthrough bool
}

// ReadDecision is the outcome of AuthorizeRead.
type ReadDecision struct {
	Authorized        bool
	Permissions       PermissionSet
	LegacyPassthrough bool
}

// AuthorizeRead resolves the caller's effective read permission set.
func AuthorizeRead(rc RequestContext, opts Options) ReadDecision {
	switch rc.AuthType {
	case AuthTypeDev:
		return ReadDecision{Authorized: true, Permissions: allPermissions()}
	case AuthTypeJWT:
		perms := jwtPermissions(rc.Roles)
		if len(perms) == 0 {
			return ReadDecision{}
		}
		return ReadDecision{Authorized: true, Permissions: perms}
	case AuthTypeAPIKey:
		perms, legacy := apiKeyPermissions(rc.Scopes, opts)
		if len(perms) == 0 {
			return ReadDecision{}
		}
		return ReadDecision{Authorized: true, Permissions: perms, LegacyPassthrough: legacy}
	default:
		return ReadDecision{}
	}
}

func jwtPermissions(roles []string) PermissionSet {
	perms := PermissionSet{}
	for _, role := range roles {
		switch role {
		case "admin", "owner":
			return allPermissions()
		case "member":
			perms[PermGraphView] = true
			perms[PermObservationsView] = true
		case "viewer":
			perms[PermGraphView] = true
		}
	}
	if len(perms) == 0 {
		return nil
	}
	return perms
}

func apiKeyPermissions(scopes []string, opts Options) (PermissionSet, bool) {
	if len(scopes) == 0 {
		if opts.LegacyAPIKeyPassthrough {
			return allPermissions(), true
		}
		return nil, false
	}
	perms := PermissionSet{}
	for _, scope := range scopes {
		switch scope {
		case ScopeAll, ScopeGraphWrite:
			return allPermissions(), false
		case ScopeGraphRead:
			perms[PermGraphView] = true
			perms[PermObservationsView] = true
		case ScopeGraphView:
			perms[PermGraphView] = true
		}
	}
	if len(perms) == 0 {
		return nil, false
	}
	return perms, false
}

// MutationDecision is the outcome of AuthorizeMutation.
type MutationDecision struct {
	Authorized        bool
	Reason            string
	LegacyPassthrough bool
}

// AuthorizeMutation applies the stricter write rule: dev, API keys carrying
// graph:write or *, or JWTs with an admin/owner role.
func AuthorizeMutation(action string, rc RequestContext, opts Options) MutationDecision {
	switch rc.AuthType {
	case AuthTypeDev:
		return MutationDecision{Authorized: true}
	case AuthTypeJWT:
		for _, role := range rc.Roles {
			if role == "admin" || role == "owner" {
				return MutationDecision{Authorized: true}
			}
		}
		return MutationDecision{Reason: fmt.Sprintf("%s requires admin or owner role", action)}
	case AuthTypeAPIKey:
		if len(rc.Scopes) == 0 {
			if opts.LegacyAPIKeyPassthrough {
				return MutationDecision{Authorized: true, LegacyPassthrough: true}
			}
			return MutationDecision{Reason: fmt.Sprintf("%s requires graph:write scope", action)}
		}
		for _, scope := range rc.Scopes {
			if scope == ScopeAll || scope == ScopeGraphWrite {
				return MutationDecision{Authorized: true}
			}
		}
		return MutationDecision{Reason: fmt.Sprintf("%s requires graph:write scope", action)}
	default:
		return MutationDecision{Reason: "unknown auth type"}
	}
}
