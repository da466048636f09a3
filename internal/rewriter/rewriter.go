// Package rewriter chains header transformations applied to a proxied
// request before it is forwarded to a backend.
package rewriter

import (
	"context"
	"fmt"
	"net/http"
)

// HeaderRewriter mutates a request's headers in place before it is
// forwarded upstream.
type HeaderRewriter interface {
	Rewrite(ctx context.Context, req *http.Request) error
	Name() string
}

// Chain runs a sequence of HeaderRewriters in order, stopping at the first
// failure.
type Chain struct {
	rewriters []HeaderRewriter
}

// NewChain builds a Chain from the given rewriters, applied in order.
func NewChain(rewriters ...HeaderRewriter) *Chain {
	return &Chain{rewriters: rewriters}
}

// Execute applies every rewriter in sequence.
func (c *Chain) Execute(ctx context.Context, req *http.Request) error {
	if c == nil {
		return nil
	}
	for _, r := range c.rewriters {
		if err := r.Rewrite(ctx, req); err != nil {
			return fmt.Errorf("rewriter [%s] failed: %w", r.Name(), err)
		}
	}
	return nil
}

// Add appends a rewriter to the chain.
func (c *Chain) Add(r HeaderRewriter) {
	c.rewriters = append(c.rewriters, r)
}

// hopByHopHeaders are stripped from every forwarded request per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// stripCredentials removes the inbound authentication headers and any
// hop-by-hop headers so they never reach the backend.
type stripCredentials struct{}

// NewStripCredentials builds the rewriter that strips Authorization,
// X-API-Key, and hop-by-hop headers.
func NewStripCredentials() HeaderRewriter { return stripCredentials{} }

func (stripCredentials) Name() string { return "strip_credentials" }

func (stripCredentials) Rewrite(_ context.Context, req *http.Request) error {
	req.Header.Del("Authorization")
	req.Header.Del("X-Api-Key")
	for _, h := range hopByHopHeaders {
		req.Header.Del(h)
	}
	return nil
}

// injectPrincipal carries the resolved principal downstream via uniform
// internal headers; it never trusts inbound values with these names.
type injectPrincipal struct {
	subjectID string
	scopes    []string
}

// NewInjectPrincipal builds the rewriter that injects X-Principal-Subject
// and X-Principal-Scopes.
func NewInjectPrincipal(subjectID string, scopes []string) HeaderRewriter {
	return injectPrincipal{subjectID: subjectID, scopes: scopes}
}

func (injectPrincipal) Name() string { return "inject_principal" }

func (p injectPrincipal) Rewrite(_ context.Context, req *http.Request) error {
	req.Header.Del("X-Principal-Subject")
	req.Header.Del("X-Principal-Scopes")
	req.Header.Set("X-Principal-Subject", p.subjectID)
	if len(p.scopes) > 0 {
		joined := p.scopes[0]
		for _, s := range p.scopes[1:] {
			joined += "," + s
		}
		req.Header.Set("X-Principal-Scopes", joined)
	}
	return nil
}

// injectRequestID sets X-Request-Id if the inbound request did not already
// carry one.
type injectRequestID struct{ id string }

// NewInjectRequestID builds the rewriter that ensures X-Request-Id is set.
func NewInjectRequestID(id string) HeaderRewriter { return injectRequestID{id: id} }

func (injectRequestID) Name() string { return "inject_request_id" }

func (r injectRequestID) Rewrite(_ context.Context, req *http.Request) error {
	if req.Header.Get("X-Request-Id") == "" {
		req.Header.Set("X-Request-Id", r.id)
	}
	return nil
}
