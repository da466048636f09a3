// Package credential translates the two inbound credential shapes — an
// opaque API key and a bearer JWT — into a single uniform Principal that
// every downstream component reads tenancy from.
package credential

import (
	"context"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/relaymesh/gateway/types"
)

// Kind distinguishes which credential shape produced a Principal.
type Kind string

const (
	KindOpaqueKey    Kind = "opaque_key"
	KindBearerToken  Kind = "bearer_token"
	headerAPIKey          = "X-API-Key"
	headerAuthorization   = "Authorization"
	bearerPrefix          = "Bearer "
)

// Principal is the authenticated caller after credential translation. It is
// never persisted; downstream code must read tenancy only from SubjectID.
type Principal struct {
	SubjectID  string
	Kind       Kind
	IssuedAt   time.Time
	ExpiresAt  *time.Time
	Scopes     []string
}

// HasScope reports whether the principal carries the named scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type principalContextKey struct{}

// WithContext attaches a resolved Principal to ctx so downstream
// middleware and handlers can read tenancy without re-resolving the
// credential.
func WithContext(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// FromContext retrieves the Principal attached by WithContext, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok
}

// IdentityClient is the external identity-provider collaborator: it
// validates an opaque key and returns the *user* subject the key belongs
// to — never the key's own identifier. Getting this backwards is the
// defect called out by the design notes; every caller of ValidateOpaqueKey
// must treat the returned SubjectID as the final word on tenancy.
type IdentityClient interface {
	ValidateOpaqueKey(ctx context.Context, key string) (OpaqueKeyClaims, error)
}

// OpaqueKeyClaims is what the identity service hands back for a valid key.
type OpaqueKeyClaims struct {
	SubjectID string
	Scopes    []string
	ExpiresAt *time.Time
}

// cacheEntry is memoised in the resolver's in-process LRU, keyed by the raw
// credential string so a repeated request with the same header skips the
// identity round-trip or signature re-verification.
type cacheEntry struct {
	principal Principal
	err       *types.Error
}

// Config configures a Resolver.
type Config struct {
	// CacheTTL bounds how long a validation result is memoised. Must be
	// <= 5 minutes; values above that are clamped.
	CacheTTL time.Duration
	// CacheSize bounds the number of distinct credentials memoised.
	CacheSize int
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{CacheTTL: 5 * time.Minute, CacheSize: 4096}
}

// Resolver normalises inbound credentials into a Principal.
type Resolver struct {
	identity IdentityClient
	jwt      *jwtVerifier
	cache    *lru.LRU[string, cacheEntry]
	logger   *zap.Logger
}

// NewResolver builds a Resolver. identity may be nil if opaque-key auth is
// disabled; jwtVerifier is always required since bearer tokens are the
// precedent credential whenever both are present.
func NewResolver(identity IdentityClient, jv *jwtVerifier, cfg Config, logger *zap.Logger) *Resolver {
	ttl := cfg.CacheTTL
	if ttl <= 0 || ttl > 5*time.Minute {
		ttl = 5 * time.Minute
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 4096
	}
	return &Resolver{
		identity: identity,
		jwt:      jv,
		cache:    lru.NewLRU[string, cacheEntry](size, nil, ttl),
		logger:   logger,
	}
}

// Resolve extracts and validates the caller's credential from the request.
// If both an opaque key and a bearer token are present, the bearer token
// wins and the key is ignored entirely — including for cache lookups.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*Principal, error) {
	bearer := extractBearer(req)
	if bearer != "" {
		return r.resolveBearer(ctx, bearer)
	}
	opaque := req.Header.Get(headerAPIKey)
	if opaque != "" {
		return r.resolveOpaque(ctx, opaque)
	}
	return nil, types.NewError(types.ErrMissingCredential, "no credential presented").
		WithHTTPStatus(http.StatusUnauthorized)
}

func extractBearer(req *http.Request) string {
	h := req.Header.Get(headerAuthorization)
	if !strings.HasPrefix(h, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
}

func (r *Resolver) resolveBearer(ctx context.Context, token string) (*Principal, error) {
	if cached, ok := r.cache.Get(token); ok {
		if cached.err != nil {
			return nil, cached.err
		}
		p := cached.principal
		return &p, nil
	}
	if r.jwt == nil {
		err := types.NewError(types.ErrMalformedCredential, "bearer authentication is not configured").
			WithHTTPStatus(http.StatusUnauthorized)
		r.cache.Add(token, cacheEntry{err: err})
		return nil, err
	}
	claims, err := r.jwt.Verify(ctx, token)
	if err != nil {
		pubErr := classifyJWTError(err)
		r.cache.Add(token, cacheEntry{err: pubErr})
		return nil, pubErr
	}
	p := Principal{
		SubjectID: claims.SubjectID,
		Kind:      KindBearerToken,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
		Scopes:    claims.Scopes,
	}
	r.cache.Add(token, cacheEntry{principal: p})
	return &p, nil
}

func (r *Resolver) resolveOpaque(ctx context.Context, key string) (*Principal, error) {
	if cached, ok := r.cache.Get(key); ok {
		if cached.err != nil {
			return nil, cached.err
		}
		p := cached.principal
		return &p, nil
	}
	if r.identity == nil {
		err := types.NewError(types.ErrMalformedCredential, "opaque key authentication is not configured").
			WithHTTPStatus(http.StatusUnauthorized)
		r.cache.Add(key, cacheEntry{err: err})
		return nil, err
	}
	claims, err := r.identity.ValidateOpaqueKey(ctx, key)
	if err != nil {
		pubErr := types.NewError(types.ErrUpstreamUnavailable, "identity service unavailable").
			WithHTTPStatus(http.StatusServiceUnavailable).WithRetryable(true).WithCause(err)
		// Do not memoise upstream-unavailable failures; they are transient
		// and must not poison the cache for the TTL window.
		return nil, pubErr
	}
	if claims.SubjectID == "" {
		err := types.NewError(types.ErrMalformedCredential, "identity service returned no subject").
			WithHTTPStatus(http.StatusUnauthorized)
		r.cache.Add(key, cacheEntry{err: err})
		return nil, err
	}
	p := Principal{
		SubjectID: claims.SubjectID,
		Kind:      KindOpaqueKey,
		ExpiresAt: claims.ExpiresAt,
		Scopes:    claims.Scopes,
	}
	r.cache.Add(key, cacheEntry{principal: p})
	return &p, nil
}

func classifyJWTError(err error) *types.Error {
	if ve, ok := err.(*jwtVerifyError); ok {
		switch ve.kind {
		case jwtErrExpired:
			return types.NewError(types.ErrExpiredCredential, "token expired").WithHTTPStatus(http.StatusUnauthorized)
		case jwtErrMalformed:
			return types.NewError(types.ErrMalformedCredential, "malformed token").WithHTTPStatus(http.StatusUnauthorized)
		}
	}
	return types.NewError(types.ErrMalformedCredential, "token validation failed").
		WithHTTPStatus(http.StatusUnauthorized).WithCause(err)
}
