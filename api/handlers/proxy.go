package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/credential"
	"github.com/relaymesh/gateway/internal/proxy"
	"github.com/relaymesh/gateway/internal/routetable"
	"github.com/relaymesh/gateway/types"
)

// ProxyHandler serves every route named in the static route table,
// enforcing each entry's auth policy before handing the request to the
// reverse proxy core.
type ProxyHandler struct {
	table  *routetable.Table
	proxy  *proxy.Proxy
	logger *zap.Logger
}

// NewProxyHandler builds a ProxyHandler over an already-built route table
// and proxy core.
func NewProxyHandler(table *routetable.Table, p *proxy.Proxy, logger *zap.Logger) *ProxyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProxyHandler{table: table, proxy: p, logger: logger}
}

// ServeHTTP matches the request against the route table, checks the
// matched entry's auth policy against the principal on the request
// context, and forwards to the named backend.
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	entry, captures, err := h.table.Match(r.Method, r.URL.Path)
	if err != nil {
		WriteGatewayError(w, types.NewError(types.ErrNotFound, "no route for "+r.Method+" "+r.URL.Path).WithHTTPStatus(http.StatusNotFound), h.logger)
		return
	}

	principal, _ := credential.FromContext(r.Context())
	if apiErr := checkAuthPolicy(entry.AuthPolicy, principal); apiErr != nil {
		WriteGatewayError(w, apiErr, h.logger)
		return
	}

	headers := proxy.PrincipalHeaders{}
	if principal != nil {
		headers.SubjectID = principal.SubjectID
		headers.Scopes = principal.Scopes
	}

	requestID := r.Header.Get("X-Request-ID")
	if err := h.proxy.Forward(r.Context(), w, r, entry, captures, headers, requestID); err != nil {
		if apiErr, ok := types.AsError(err); ok {
			WriteGatewayError(w, apiErr, h.logger)
			return
		}
		WriteGatewayError(w, types.NewError(types.ErrBadGateway, "upstream request failed").WithCause(err), h.logger)
	}
}

// checkAuthPolicy enforces a route's auth policy against the caller's
// resolved principal. A missing principal on a protected route and an
// insufficient scope both surface through the public error taxonomy.
func checkAuthPolicy(policy routetable.AuthPolicy, principal *credential.Principal) *types.Error {
	if policy.Kind == routetable.AuthPublic {
		return nil
	}
	if principal == nil {
		return types.NewError(types.ErrMissingCredential, "credential required").WithHTTPStatus(http.StatusUnauthorized)
	}
	if policy.Kind == routetable.AuthRequireScope && !principal.HasScope(policy.Scope) {
		return types.NewError(types.ErrInsufficientScope, "missing required scope").WithHTTPStatus(http.StatusForbidden)
	}
	return nil
}
