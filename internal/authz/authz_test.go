package authz

import (
	"reflect"
	"testing"
)

func TestAuthorizeReadDev(t *testing.T) {
	dec := AuthorizeRead(RequestContext{TenantID: "t1", AuthType: AuthTypeDev}, Options{})
	if !dec.Authorized {
		t.Fatalf("dev context must be authorized")
	}
	want := []string{"graph:observations:view", "graph:sensitive:view", "graph:view"}
	if got := dec.Permissions.Sorted(); !reflect.DeepEqual(got, want) {
		t.Fatalf("dev permissions = %v, want %v", got, want)
	}
}

func TestAuthorizeReadJWTRoles(t *testing.T) {
	cases := []struct {
		name       string
		roles      []string
		authorized bool
		perms      []string
	}{
		{"admin", []string{"admin"}, true, []string{"graph:observations:view", "graph:sensitive:view", "graph:view"}},
		{"owner", []string{"owner"}, true, []string{"graph:observations:view", "graph:sensitive:view", "graph:view"}},
		{"member", []string{"member"}, true, []string{"graph:observations:view", "graph:view"}},
		{"viewer", []string{"viewer"}, true, []string{"graph:view"}},
		{"viewer and member", []string{"viewer", "member"}, true, []string{"graph:observations:view", "graph:view"}},
		{"unknown role", []string{"auditor"}, false, nil},
		{"no roles", nil, false, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := AuthorizeRead(RequestContext{AuthType: AuthTypeJWT, Roles: tc.roles}, Options{})
			if dec.Authorized != tc.authorized {
				t.Fatalf("authorized = %v, want %v", dec.Authorized, tc.authorized)
			}
			if !tc.authorized {
				return
			}
			if got := dec.Permissions.Sorted(); !reflect.DeepEqual(got, tc.perms) {
				t.Fatalf("permissions = %v, want %v", got, tc.perms)
			}
		})
	}
}

func TestAuthorizeReadAPIKeyScopes(t *testing.T) {
	cases := []struct {
		name       string
		scopes     []string
		passtrough bool
		authorized bool
		perms      []string
	}{
		{"wildcard", []string{"*"}, false, true, []string{"graph:observations:view", "graph:sensitive:view", "graph:view"}},
		{"write implies full read", []string{"graph:write"}, false, true, []string{"graph:observations:view", "graph:sensitive:view", "graph:view"}},
		{"read", []string{"graph:read"}, false, true, []string{"graph:observations:view", "graph:view"}},
		{"view only", []string{"graph:view"}, false, true, []string{"graph:view"}},
		{"irrelevant scope", []string{"messages:send"}, false, false, nil},
		{"empty without passthrough", nil, false, false, nil},
		{"empty with passthrough", nil, true, true, []string{"graph:observations:view", "graph:sensitive:view", "graph:view"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := AuthorizeRead(RequestContext{AuthType: AuthTypeAPIKey, Scopes: tc.scopes}, Options{LegacyAPIKeyPassthrough: tc.passtrough})
			if dec.Authorized != tc.authorized {
				t.Fatalf("authorized = %v, want %v", dec.Authorized, tc.authorized)
			}
			if !tc.authorized {
				return
			}
			if got := dec.Permissions.Sorted(); !reflect.DeepEqual(got, tc.perms) {
				t.Fatalf("permissions = %v, want %v", got, tc.perms)
			}
		})
	}
}

func TestAuthorizeReadLegacyPassthroughFlagged(t *testing.T) {
	dec := AuthorizeRead(RequestContext{AuthType: AuthTypeAPIKey}, Options{LegacyAPIKeyPassthrough: true})
	if !dec.LegacyPassthrough {
		t.Fatalf("legacy passthrough resolution must be flagged for logging")
	}
}

func TestAuthorizeMutation(t *testing.T) {
	cases := []struct {
		name       string
		rc         RequestContext
		opts       Options
		authorized bool
	}{
		{"dev", RequestContext{AuthType: AuthTypeDev}, Options{}, true},
		{"jwt admin", RequestContext{AuthType: AuthTypeJWT, Roles: []string{"admin"}}, Options{}, true},
		{"jwt owner", RequestContext{AuthType: AuthTypeJWT, Roles: []string{"owner"}}, Options{}, true},
		{"jwt member", RequestContext{AuthType: AuthTypeJWT, Roles: []string{"member"}}, Options{}, false},
		{"jwt viewer", RequestContext{AuthType: AuthTypeJWT, Roles: []string{"viewer"}}, Options{}, false},
		{"api key write", RequestContext{AuthType: AuthTypeAPIKey, Scopes: []string{"graph:write"}}, Options{}, true},
		{"api key wildcard", RequestContext{AuthType: AuthTypeAPIKey, Scopes: []string{"*"}}, Options{}, true},
		{"api key read only", RequestContext{AuthType: AuthTypeAPIKey, Scopes: []string{"graph:read"}}, Options{}, false},
		{"api key empty", RequestContext{AuthType: AuthTypeAPIKey}, Options{}, false},
		{"api key empty legacy", RequestContext{AuthType: AuthTypeAPIKey}, Options{LegacyAPIKeyPassthrough: true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := AuthorizeMutation("delete_entity", tc.rc, tc.opts)
			if dec.Authorized != tc.authorized {
				t.Fatalf("authorized = %v, want %v (reason %q)", dec.Authorized, tc.authorized, dec.Reason)
			}
			if !dec.Authorized && dec.Reason == "" {
				t.Fatalf("denied mutation must carry a reason")
			}
		})
	}
}
