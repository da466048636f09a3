// Package ratelimit implements the Rate Limiter and CORS component
//: per-principal token buckets for authenticated callers, bucketed
// by remote address for anonymous ones, and locally-answered CORS
// preflight handling.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaymesh/gateway/internal/credential"
	"github.com/relaymesh/gateway/types"
)

// visitorTTL bounds how long an idle bucket is retained before its
// background sweep reclaims it.
const visitorTTL = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Config configures the per-principal and per-IP token buckets. Rates are
// expressed in requests per minute, matching config.RateLimitConfig.
type Config struct {
	AnonymousPerMinute     int
	AuthenticatedPerMinute int
}

// Limiter admits or denies requests under Config's quotas, keyed by
// Principal.SubjectID when present on the request context and by remote
// address otherwise.
type Limiter struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	anonymous     map[string]*visitor
	authenticated map[string]*visitor
}

// New builds a Limiter. Call Run to start the idle-bucket sweep; it exits
// when ctx is cancelled.
func New(cfg Config, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AnonymousPerMinute <= 0 {
		cfg.AnonymousPerMinute = 30
	}
	if cfg.AuthenticatedPerMinute <= 0 {
		cfg.AuthenticatedPerMinute = 300
	}
	return &Limiter{
		cfg:           cfg,
		logger:        logger.With(zap.String("component", "ratelimit")),
		anonymous:     make(map[string]*visitor),
		authenticated: make(map[string]*visitor),
	}
}

// Run sweeps idle buckets out of memory every minute until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for k, v := range l.anonymous {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(l.anonymous, k)
		}
	}
	for k, v := range l.authenticated {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(l.authenticated, k)
		}
	}
}

// Allow reports whether the request identified by key (a subject ID or a
// remote address) is within quota, consuming one token if so.
func (l *Limiter) Allow(key string, authenticated bool) bool {
	bucket := l.anonymous
	perMinute := l.cfg.AnonymousPerMinute
	if authenticated {
		bucket = l.authenticated
		perMinute = l.cfg.AuthenticatedPerMinute
	}

	l.mu.Lock()
	v, ok := bucket[key]
	if !ok {
		limit := rate.Limit(float64(perMinute) / 60.0)
		v = &visitor{limiter: rate.NewLimiter(limit, perMinute)}
		bucket[key] = v
	}
	v.lastSeen = time.Now()
	limiter := v.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Middleware wraps next with admission control: authenticated callers are
// bucketed by Principal.SubjectID (read from ctx via
// credential.FromContext), anonymous callers by remote address. Denials
// respond with too_many_requests and a Retry-After hint.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, authenticated := principalKey(r)
		if !l.Allow(key, authenticated) {
			writeTooManyRequests(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalKey(r *http.Request) (key string, authenticated bool) {
	if p, ok := credential.FromContext(r.Context()); ok {
		return p.SubjectID, true
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return ip, false
}

func writeTooManyRequests(w http.ResponseWriter) {
	apiErr := types.NewError(types.ErrTooManyRequests, "too many requests").
		WithHTTPStatus(http.StatusTooManyRequests).WithRetryable(true)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"detail":"` + apiErr.Message + `","type":"` + apiErr.PublicType() + `","status_code":429}`))
}

// CORSConfig is the allow-list of origins permitted to make credentialed
// cross-origin requests.
type CORSConfig struct {
	AllowOrigins []string
}

// CORS answers preflight requests locally and sets the access-control
// headers for allow-listed origins; non-allow-listed origins get no CORS
// headers at all. A preflight from a non-allow-listed origin is answered
// 403; its other requests are passed on without CORS headers, so the
// browser enforces the denial.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(cfg.AllowOrigins))
	for _, o := range cfg.AllowOrigins {
		allowed[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if _, ok := allowed[origin]; ok && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.Header().Set("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				if _, ok := allowed[origin]; !ok && origin != "" {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
