// Package kbclient implements orchestrator.KBClient against the
// knowledge-base service's RPC surface. The KB service itself (search
// index, storage engine) is out of scope — this is the thin HTTP
// collaborator the orchestrator's tool path calls into.
package kbclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaymesh/gateway/internal/tlsutil"
	"github.com/relaymesh/gateway/types"
)

// toolPaths maps a tool name offered to the provider to the KB RPC path it
// invokes. Every entry mirrors one of the forwarded routes the route table
// exposes to authenticated clients directly.
var toolPaths = map[string]string{
	"kb_search":     "/search",
	"kb_read":       "/read",
	"kb_list":       "/list",
	"kb_context":    "/context",
	"kb_synthesize": "/synthesize",
	"kb_threads":    "/threads",
}

// HTTPClient invokes KB RPC operations over HTTP, translating each
// orchestrator tool call into a POST against the matching KB endpoint.
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

// New builds an HTTPClient pointed at the KB service's base URL.
func New(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout, Transport: tlsutil.SecureTransport()},
	}
}

// Invoke posts call.Arguments to the KB path named by call.Name and
// returns the raw response body as the tool result text.
func (c *HTTPClient) Invoke(ctx context.Context, call types.ToolCall) (string, error) {
	path, ok := toolPaths[call.Name]
	if !ok {
		return "", types.NewError(types.ErrToolValidation, fmt.Sprintf("unknown KB tool %q", call.Name)).
			WithHTTPStatus(http.StatusBadRequest)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(call.Arguments))
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "failed to build KB request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", types.NewError(types.ErrUpstreamUnavailable, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", types.NewError(types.ErrBadGateway, "failed to read KB response").WithCause(err)
	}

	if resp.StatusCode >= 400 {
		return "", mapError(resp.StatusCode, body)
	}
	return string(body), nil
}

func mapError(status int, body []byte) *types.Error {
	var parsed struct {
		Detail string `json:"detail"`
	}
	msg := string(body)
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		msg = parsed.Detail
	}
	err := types.NewError(types.ErrToolFailure, msg).WithHTTPStatus(status)
	if status >= 500 {
		err = err.WithRetryable(true)
	}
	return err
}
