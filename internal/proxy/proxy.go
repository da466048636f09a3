// Package proxy implements the reverse proxy core: it forwards an inbound
// request to the backend named by a matched routetable.Entry, rewriting
// headers, pooling per-backend connections, and propagating cancellation
// and retries.
package proxy

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/rewriter"
	"github.com/relaymesh/gateway/internal/routetable"
	"github.com/relaymesh/gateway/types"
)

// Backend is a named upstream HTTP target with its own pooled client.
type Backend struct {
	Name    string
	BaseURL *url.URL
	Client  *http.Client
}

// NewBackend builds a Backend with a connection pool sized by
// maxConnsPerHost; HTTP/1.1 keep-alive is always enabled.
func NewBackend(name, rawBaseURL string, maxConnsPerHost int) (*Backend, error) {
	base, err := url.Parse(rawBaseURL)
	if err != nil {
		return nil, err
	}
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = 64
	}
	transport := &http.Transport{
		MaxIdleConns:        maxConnsPerHost * 2,
		MaxIdleConnsPerHost: maxConnsPerHost,
		MaxConnsPerHost:     maxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &Backend{
		Name:    name,
		BaseURL: base,
		Client:  &http.Client{Transport: transport},
	}, nil
}

// Config bounds buffered-body size and default upstream timeout.
type Config struct {
	MaxBufferedBodyBytes int64
	DefaultTimeout       time.Duration
	MaxRetries           int
	CancelPropagation    time.Duration
}

// DefaultConfig returns the spec defaults: 10MiB buffered body cap, 30s
// default timeout, 2 retries for idempotent routes.
func DefaultConfig() Config {
	return Config{
		MaxBufferedBodyBytes: 10 << 20,
		DefaultTimeout:       30 * time.Second,
		MaxRetries:           2,
		CancelPropagation:    50 * time.Millisecond,
	}
}

// Proxy forwards requests to named backends.
type Proxy struct {
	backends map[string]*Backend
	cfg      Config
	logger   *zap.Logger
}

// New builds a Proxy over the given named backends.
func New(backends map[string]*Backend, cfg Config, logger *zap.Logger) *Proxy {
	if cfg.MaxBufferedBodyBytes <= 0 {
		cfg.MaxBufferedBodyBytes = DefaultConfig().MaxBufferedBodyBytes
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	return &Proxy{backends: backends, cfg: cfg, logger: logger}
}

// PrincipalHeaders is the minimal information the proxy needs to inject the
// uniform internal headers; it deliberately does not depend on the
// credential package to avoid a layering cycle.
type PrincipalHeaders struct {
	SubjectID string
	Scopes    []string
}

// Forward proxies r to the backend named by entry, rewriting headers and
// streaming/buffering the body per entry.BodyPassthrough. The response is
// written directly to w. Idempotent routes are retried up to cfg.MaxRetries
// times on transport errors only.
func (p *Proxy) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, entry *routetable.Entry, captures map[string]string, principal PrincipalHeaders, requestID string) error {
	backend, ok := p.backends[entry.Backend]
	if !ok {
		return types.NewError(types.ErrNotFound, "unknown backend "+entry.Backend).
			WithHTTPStatus(http.StatusNotFound)
	}

	bodyBytes, bodyErr := p.readBody(r, entry.BodyPassthrough)
	if bodyErr != nil {
		return bodyErr
	}

	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}

	chain := rewriter.NewChain(
		rewriter.NewStripCredentials(),
		rewriter.NewInjectPrincipal(principal.SubjectID, principal.Scopes),
		rewriter.NewInjectRequestID(requestID),
	)

	maxAttempts := 1
	if entry.Idempotent {
		maxAttempts = 1 + p.cfg.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryJitter(attempt)
			select {
			case <-ctx.Done():
				return p.mapTransportError(ctx.Err())
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := p.doOnce(attemptCtx, r, backend, entry, captures, bodyBytes, chain)
		cancel()
		if err == nil {
			return p.copyResponse(w, resp)
		}
		lastErr = err
		if p.logger != nil {
			p.logger.Warn("upstream attempt failed",
				zap.String("backend", entry.Backend), zap.Int("attempt", attempt), zap.Error(err))
		}
		if !entry.Idempotent || !isTransportError(err) {
			break
		}
	}
	return p.mapTransportError(lastErr)
}

func (p *Proxy) readBody(r *http.Request, mode routetable.BodyPassthrough) (io.Reader, error) {
	switch mode {
	case routetable.BodyNone:
		return nil, nil
	case routetable.BodyStream:
		return r.Body, nil
	default: // buffer
		limited := io.LimitReader(r.Body, p.cfg.MaxBufferedBodyBytes+1)
		data, err := io.ReadAll(limited)
		if err != nil {
			return nil, types.NewError(types.ErrInternalError, "failed to buffer request body").
				WithHTTPStatus(http.StatusInternalServerError).WithCause(err)
		}
		if int64(len(data)) > p.cfg.MaxBufferedBodyBytes {
			return nil, types.NewError(types.ErrPayloadTooLarge, "request body exceeds buffer cap").
				WithHTTPStatus(http.StatusRequestEntityTooLarge)
		}
		return bytes.NewReader(data), nil
	}
}

func (p *Proxy) doOnce(ctx context.Context, r *http.Request, backend *Backend, entry *routetable.Entry, captures map[string]string, body io.Reader, chain *rewriter.Chain) (*http.Response, error) {
	upstreamURL := *backend.BaseURL
	upstreamURL.Path = entry.UpstreamPath(captures)
	upstreamURL.RawQuery = r.URL.RawQuery

	outReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL.String(), body)
	if err != nil {
		return nil, err
	}
	outReq.Header = r.Header.Clone()
	if err := chain.Execute(ctx, outReq); err != nil {
		return nil, err
	}
	return backend.Client.Do(outReq)
}

func (p *Proxy) copyResponse(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, err := io.Copy(w, resp.Body)
	return err
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	_, isHTTPErr := err.(*types.Error)
	return !isHTTPErr
}

func (p *Proxy) mapTransportError(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*types.Error); ok {
		return e
	}
	if ctxErr, ok := err.(interface{ Timeout() bool }); ok && ctxErr.Timeout() {
		return types.NewError(types.ErrGatewayTimeout, "upstream request timed out").
			WithHTTPStatus(http.StatusGatewayTimeout).WithRetryable(true).WithCause(err)
	}
	return types.NewError(types.ErrBadGateway, "upstream transport failure").
		WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithCause(err)
}

// retryJitter returns a bounded, linearly growing jittered delay
// (attempt*50ms plus up to 50ms) so repeated retries across concurrent
// requests do not synchronise.
func retryJitter(attempt int) time.Duration {
	base := time.Duration(attempt) * 50 * time.Millisecond
	jitter := time.Duration(rand.Intn(50)) * time.Millisecond
	return base + jitter
}
