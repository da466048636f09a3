package credential

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwtErrKind int

const (
	jwtErrMalformed jwtErrKind = iota
	jwtErrExpired
)

type jwtVerifyError struct {
	kind jwtErrKind
	err  error
}

func (e *jwtVerifyError) Error() string { return e.err.Error() }
func (e *jwtVerifyError) Unwrap() error { return e.err }

// JWTClaims is the subset of claims the resolver cares about once a token
// has passed signature verification.
type JWTClaims struct {
	SubjectID string
	IssuedAt  time.Time
	ExpiresAt *time.Time
	Scopes    []string
}

// JWTConfig configures bearer-token verification. Either Secret (HS256) or
// a static PublicKeyPEM (RS256) may be set; when neither is set the
// verifier falls back to the JWKSSource for per-kid RS256 keys.
type JWTConfig struct {
	Secret        string
	PublicKeyPEM  string
	Issuer        string
	Audience      string
	SubjectClaim  string // defaults to "sub"
	ScopesClaim   string // defaults to "scopes"
}

// JWKSSource resolves a key ID to its RSA public key, refreshing from the
// published key set on a cache miss. Implementations must never refetch
// more than once per verification call.
type JWKSSource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

type jwtVerifier struct {
	cfg        JWTConfig
	staticRSA  *rsa.PublicKey
	jwks       JWKSSource
	parserOpts []jwt.ParserOption
}

// NewJWTVerifier builds a verifier from config and an optional JWKS source
// used when no static RSA key is configured.
func NewJWTVerifier(cfg JWTConfig, jwks JWKSSource) (*jwtVerifier, error) {
	v := &jwtVerifier{cfg: cfg, jwks: jwks}
	if cfg.PublicKeyPEM != "" {
		block, _ := pem.Decode([]byte(cfg.PublicKeyPEM))
		if block == nil {
			return nil, fmt.Errorf("credential: failed to decode PEM block for RSA public key")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("credential: failed to parse RSA public key: %w", err)
		}
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("credential: configured public key is not RSA")
		}
		v.staticRSA = rsaKey
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "RS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	v.parserOpts = opts
	return v, nil
}

// Verify checks signature, issuer, audience, and expiry, returning the
// subject and scope claims on success.
func (v *jwtVerifier) Verify(ctx context.Context, raw string) (*JWTClaims, error) {
	keyFunc := func(token *jwt.Token) (any, error) {
		switch token.Method.Alg() {
		case "HS256":
			if v.cfg.Secret == "" {
				return nil, errors.New("HMAC secret not configured")
			}
			return []byte(v.cfg.Secret), nil
		case "RS256":
			if v.staticRSA != nil {
				return v.staticRSA, nil
			}
			if v.jwks == nil {
				return nil, errors.New("no RSA key source configured")
			}
			kid, _ := token.Header["kid"].(string)
			return v.jwks.Key(ctx, kid)
		default:
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
	}

	token, err := jwt.Parse(raw, keyFunc, v.parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &jwtVerifyError{kind: jwtErrExpired, err: err}
		}
		return nil, &jwtVerifyError{kind: jwtErrMalformed, err: err}
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, &jwtVerifyError{kind: jwtErrMalformed, err: errors.New("invalid token claims")}
	}

	subjectClaim := v.cfg.SubjectClaim
	if subjectClaim == "" {
		subjectClaim = "sub"
	}
	subject, _ := claims[subjectClaim].(string)
	if subject == "" {
		return nil, &jwtVerifyError{kind: jwtErrMalformed, err: errors.New("missing subject claim")}
	}

	out := &JWTClaims{SubjectID: subject}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		out.ExpiresAt = &t
	}

	scopesClaim := v.cfg.ScopesClaim
	if scopesClaim == "" {
		scopesClaim = "scopes"
	}
	if raw, ok := claims[scopesClaim].([]any); ok {
		scopes := make([]string, 0, len(raw))
		for _, s := range raw {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
		out.Scopes = scopes
	}
	return out, nil
}
