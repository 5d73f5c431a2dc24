// Package runtime carries request-scoped plumbing shared by the HTTP layer:
// token signing, credential verification and the echo middleware that turns
// a bearer token or API key into an authz.RequestContext.
package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/mohammad-safakhou/memgraph/internal/authz"
	"github.com/mohammad-safakhou/memgraph/internal/store"
)

// SignJWT issues a signed token. Tenant, roles and scopes ride along as
// custom claims so the middleware can rebuild the caller's context without
// a database round trip.
func SignJWT(subject, tenantID string, roles []string, secret []byte, ttl time.Duration, scopes ...string) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"tid": tenantID,
		"exp": time.Now().Add(ttl).Unix(),
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	if len(scopes) > 0 {
		claims["scopes"] = scopes
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// APIKeyStore is the credential slice of the store the middleware needs.
type APIKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (store.APIKeyRecord, bool, error)
	TouchAPIKey(ctx context.Context, id string) error
}

// AuthConfig controls how the middleware authenticates requests.
type AuthConfig struct {
	Secret  []byte
	Keys    APIKeyStore
	DevMode bool
	// DevTenant is the tenant every request is pinned to when DevMode is on.
	DevTenant string
}

type requestContextKey struct{}

// RequestContextFrom returns the authenticated caller context stored by the
// middleware.
func RequestContextFrom(ctx context.Context) (authz.RequestContext, bool) {
	if ctx == nil {
		return authz.RequestContext{}, false
	}
	if v := ctx.Value(requestContextKey{}); v != nil {
		if rc, ok := v.(authz.RequestContext); ok {
			return rc, true
		}
	}
	return authz.RequestContext{}, false
}

// WithRequestContext is used by tests to seed a caller context directly.
func WithRequestContext(ctx context.Context, rc authz.RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// EchoAuthMiddleware authenticates each request. Precedence: dev mode,
// X-API-Key header, then Bearer token or auth cookie.
func EchoAuthMiddleware(cfg AuthConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.DevMode {
				tenant := cfg.DevTenant
				if tenant == "" {
					tenant = "dev"
				}
				return install(c, next, authz.RequestContext{
					TenantID: tenant,
					UserID:   "dev",
					AuthType: authz.AuthTypeDev,
				})
			}
			if key := c.Request().Header.Get("X-API-Key"); key != "" {
				rc, err := authenticateAPIKey(c.Request().Context(), cfg.Keys, key)
				if err != nil {
					return err
				}
				return install(c, next, rc)
			}
			tok := extractToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
			}
			rc, err := parseJWT(tok, cfg.Secret)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			return install(c, next, rc)
		}
	}
}

func install(c echo.Context, next echo.HandlerFunc, rc authz.RequestContext) error {
	ctx := WithRequestContext(c.Request().Context(), rc)
	c.Set("tenant_id", rc.TenantID)
	c.Set("user_id", rc.UserID)
	c.SetRequest(c.Request().WithContext(ctx))
	return next(c)
}

func authenticateAPIKey(ctx context.Context, keys APIKeyStore, raw string) (authz.RequestContext, error) {
	if keys == nil {
		return authz.RequestContext{}, echo.NewHTTPError(http.StatusUnauthorized, "api keys not enabled")
	}
	prefix, err := KeyPrefix(raw)
	if err != nil {
		return authz.RequestContext{}, echo.NewHTTPError(http.StatusUnauthorized, "malformed api key")
	}
	rec, found, err := keys.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		return authz.RequestContext{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return authz.RequestContext{}, echo.NewHTTPError(http.StatusUnauthorized, "unknown api key")
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.KeyHash), []byte(raw)) != nil {
		return authz.RequestContext{}, echo.NewHTTPError(http.StatusUnauthorized, "unknown api key")
	}
	_ = keys.TouchAPIKey(ctx, rec.ID)
	return authz.RequestContext{
		TenantID: rec.TenantID,
		UserID:   rec.CreatedBy,
		AuthType: authz.AuthTypeAPIKey,
		APIKeyID: rec.ID,
		Scopes:   rec.Scopes,
	}, nil
}

func parseJWT(tok string, secret []byte) (authz.RequestContext, error) {
	parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) { return secret, nil },
		jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return authz.RequestContext{}, errors.New("invalid token")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return authz.RequestContext{}, errors.New("invalid claims")
	}
	sub, _ := claims["sub"].(string)
	tid, _ := claims["tid"].(string)
	if sub == "" || tid == "" {
		return authz.RequestContext{}, errors.New("missing subject or tenant")
	}
	return authz.RequestContext{
		TenantID: tid,
		UserID:   sub,
		AuthType: authz.AuthTypeJWT,
		Roles:    stringClaim(claims, "roles"),
		Scopes:   stringClaim(claims, "scopes"),
	}, nil
}

func stringClaim(claims jwt.MapClaims, key string) []string {
	raw, ok := claims[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Fields(v)
	default:
		return nil
	}
}

func extractToken(c echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	if ck, err := c.Cookie("auth"); err == nil {
		return ck.Value
	}
	return ""
}

const keyPrefixLen = 8

// NewAPIKey mints a raw key of the form mg_<hex>. The first keyPrefixLen
// characters after the marker form the lookup prefix; only the bcrypt hash
// of the full key is stored.
func NewAPIKey() (raw, prefix, hash string, err error) {
	buf := make([]byte, 24)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", err
	}
	raw = "mg_" + hex.EncodeToString(buf)
	prefix, err = KeyPrefix(raw)
	if err != nil {
		return "", "", "", err
	}
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", err
	}
	return raw, prefix, string(h), nil
}

// KeyPrefix extracts the indexed lookup prefix from a raw key.
func KeyPrefix(raw string) (string, error) {
	rest, ok := strings.CutPrefix(raw, "mg_")
	if !ok || len(rest) < keyPrefixLen {
		return "", errors.New("malformed key")
	}
	return rest[:keyPrefixLen], nil
}
