package credential

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/cache"
)

// jwkDocument mirrors the subset of RFC 7517 this gateway consumes.
type jwkDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// RedisJWKSSource fetches the identity provider's published key set over
// HTTP and caches the raw document in Redis with a bounded TTL, distinct
// from — and sharable across processes unlike — the Resolver's in-process
// credential LRU.
type RedisJWKSSource struct {
	endpoint string
	ttl      time.Duration
	client   *http.Client
	cache    *cache.Manager
	logger   *zap.Logger

	mu       sync.Mutex
	lastFetchFailed time.Time
}

const jwksCacheKey = "gateway:jwks:document"

// NewRedisJWKSSource builds a JWKS source. cache may be nil, in which case
// every call fetches from the identity provider directly (still bounded to
// at most one refetch per verification).
func NewRedisJWKSSource(endpoint string, ttl time.Duration, client *http.Client, mgr *cache.Manager, logger *zap.Logger) *RedisJWKSSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisJWKSSource{endpoint: endpoint, ttl: ttl, client: client, cache: mgr, logger: logger}
}

// Key resolves kid to an RSA public key, refreshing the document on a cache
// miss or unknown kid. Never refetches more than once per call.
func (s *RedisJWKSSource) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	doc, err := s.loadCached(ctx)
	if err == nil {
		if key := findKey(doc, kid); key != nil {
			return key, nil
		}
	}
	// Cache miss, or kid not present in the cached document: refetch once.
	doc, err = s.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("credential: fetching JWKS: %w", err)
	}
	s.storeCached(ctx, doc)
	key := findKey(doc, kid)
	if key == nil {
		return nil, fmt.Errorf("credential: kid %q not present in published key set", kid)
	}
	return key, nil
}

func (s *RedisJWKSSource) loadCached(ctx context.Context) (*jwkDocument, error) {
	if s.cache == nil {
		return nil, fmt.Errorf("no cache configured")
	}
	var doc jwkDocument
	if err := s.cache.GetJSON(ctx, jwksCacheKey, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *RedisJWKSSource) storeCached(ctx context.Context, doc *jwkDocument) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJSON(ctx, jwksCacheKey, doc, s.ttl); err != nil && s.logger != nil {
		s.logger.Warn("failed to cache JWKS document", zap.Error(err))
	}
}

func (s *RedisJWKSSource) fetch(ctx context.Context) (*jwkDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity provider returned status %d", resp.StatusCode)
	}
	var doc jwkDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func findKey(doc *jwkDocument, kid string) *rsa.PublicKey {
	if doc == nil {
		return nil
	}
	for _, k := range doc.Keys {
		if k.Kid != kid || k.Kty != "RSA" {
			continue
		}
		key, err := decodeRSAJWK(k)
		if err != nil {
			continue
		}
		return key
	}
	return nil
}

func decodeRSAJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}
