// Package llmprovider implements orchestrator.Provider against a single
// named upstream configured in config.ProviderConfig: a plain HTTP client
// speaking the OpenAI-compatible chat completions wire format, gated by a
// circuit breaker and wrapped in exponential-backoff retry.
package llmprovider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/circuitbreaker"
	"github.com/relaymesh/gateway/internal/orchestrator"
	"github.com/relaymesh/gateway/internal/retry"
	"github.com/relaymesh/gateway/internal/tlsutil"
	"github.com/relaymesh/gateway/types"
)

// Config holds everything one named provider needs: wire endpoint,
// credential, and the model to request when the caller does not pin one.
type Config struct {
	// Name identifies the provider in logs and error messages.
	Name string
	// Endpoint is the provider's base URL, e.g. "https://api.openai.com".
	Endpoint string
	// APIKey is injected by the gateway; never supplied by the client.
	APIKey string
	// Model is used when the orchestrator does not request a specific one.
	Model string
	// MaxConnsPerHost bounds the HTTP transport's per-host connection pool.
	MaxConnsPerHost int
	// Timeout is the per-request HTTP timeout. Defaults to 30s if zero.
	Timeout time.Duration
	// EndpointPath is the chat completions path. Defaults to
	// "/v1/chat/completions".
	EndpointPath string

	// Breaker overrides the circuit breaker config. Defaults to
	// circuitbreaker.DefaultConfig() if nil.
	Breaker *circuitbreaker.Config
	// RetryPolicy overrides the retry policy. Defaults to
	// retry.DefaultRetryPolicy() if nil.
	RetryPolicy *retry.RetryPolicy
}

// HTTPProvider implements orchestrator.Provider by issuing HTTP requests
// to a single OpenAI-compatible upstream.
type HTTPProvider struct {
	cfg     Config
	client  *http.Client
	breaker circuitbreaker.CircuitBreaker
	retryer retry.Retryer
	logger  *zap.Logger
}

// New builds an HTTPProvider for one named upstream.
func New(cfg Config, logger *zap.Logger) *HTTPProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("provider", cfg.Name))

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transportFor(cfg.MaxConnsPerHost),
	}

	breakerCfg := cfg.Breaker
	if breakerCfg == nil {
		breakerCfg = circuitbreaker.DefaultConfig()
	}
	retryPolicy := cfg.RetryPolicy
	if retryPolicy == nil {
		retryPolicy = retry.DefaultRetryPolicy()
	}

	return &HTTPProvider{
		cfg:     cfg,
		client:  client,
		breaker: circuitbreaker.NewCircuitBreaker(breakerCfg, logger),
		retryer: retry.NewBackoffRetryer(retryPolicy, logger),
		logger:  logger,
	}
}

// transportFor builds an http.Transport with the TLS hardening every
// outbound client in the gateway carries, sized to MaxConnsPerHost.
func transportFor(maxConnsPerHost int) *http.Transport {
	t := tlsutil.SecureTransport()
	if maxConnsPerHost > 0 {
		t.MaxConnsPerHost = maxConnsPerHost
		t.MaxIdleConnsPerHost = maxConnsPerHost
	}
	return t
}

// Name returns the configured provider name.
func (p *HTTPProvider) Name() string { return p.cfg.Name }

// Complete performs one non-streaming chat completion, retrying
// transient failures under circuit-breaker supervision.
func (p *HTTPProvider) Complete(ctx context.Context, messages []types.Message, tools []orchestrator.ToolSpec) (orchestrator.ProviderResponse, error) {
	var result orchestrator.ProviderResponse

	err := p.breaker.Call(ctx, func() error {
		return p.retryer.Do(ctx, func() error {
			resp, err := p.complete(ctx, messages, tools)
			if err != nil {
				return err
			}
			result = resp
			return nil
		})
	})
	if err != nil {
		return orchestrator.ProviderResponse{}, err
	}
	return result, nil
}

func (p *HTTPProvider) complete(ctx context.Context, messages []types.Message, tools []orchestrator.ToolSpec) (orchestrator.ProviderResponse, error) {
	body := chatRequest{
		Model:    p.cfg.Model,
		Messages: toWireMessages(messages),
		Tools:    toWireTools(tools),
	}

	httpResp, err := p.send(ctx, body)
	if err != nil {
		return orchestrator.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return orchestrator.ProviderResponse{}, mapHTTPError(httpResp.StatusCode, readErrorMessage(httpResp.Body), p.cfg.Name)
	}

	var wireResp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&wireResp); err != nil {
		return orchestrator.ProviderResponse{}, types.NewError(types.ErrBadGateway, "malformed upstream response").
			WithHTTPStatus(http.StatusBadGateway).WithCause(err)
	}
	if len(wireResp.Choices) == 0 {
		return orchestrator.ProviderResponse{}, types.NewError(types.ErrBadGateway, "upstream returned no choices").
			WithHTTPStatus(http.StatusBadGateway)
	}

	choice := wireResp.Choices[0]
	return orchestrator.ProviderResponse{
		Content:   choice.Message.Content,
		ToolCalls: toDomainToolCalls(choice.Message.ToolCalls),
	}, nil
}

// CompleteStream performs a streaming chat completion via SSE. A stream
// already underway is never retried; only the initial request is gated by
// the circuit breaker.
func (p *HTTPProvider) CompleteStream(ctx context.Context, messages []types.Message, tools []orchestrator.ToolSpec) (<-chan orchestrator.ProviderChunk, error) {
	body := chatRequest{
		Model:    p.cfg.Model,
		Messages: toWireMessages(messages),
		Tools:    toWireTools(tools),
		Stream:   true,
	}

	var httpResp *http.Response
	err := p.breaker.Call(ctx, func() error {
		resp, err := p.send(ctx, body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return mapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), p.cfg.Name)
		}
		httpResp = resp
		return nil
	})
	if err != nil {
		return nil, err
	}

	return streamChunks(ctx, httpResp.Body, p.cfg.Name), nil
}

func (p *HTTPProvider) send(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to encode chat request").WithCause(err)
	}

	endpoint := fmt.Sprintf("%s%s", strings.TrimRight(p.cfg.Endpoint, "/"), p.cfg.EndpointPath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to build upstream request").WithCause(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamUnavailable, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).WithCause(err)
	}
	return resp, nil
}

// streamChunks parses an OpenAI-compatible SSE body into provider chunks,
// closing body when the stream ends or the caller's context is done.
func streamChunks(ctx context.Context, body io.ReadCloser, providerName string) <-chan orchestrator.ProviderChunk {
	out := make(chan orchestrator.ProviderChunk)
	go func() {
		defer body.Close()
		defer close(out)

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					emit(ctx, out, orchestrator.ProviderChunk{Err: types.NewError(types.ErrUpstreamUnavailable, err.Error()).WithCause(err)})
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				emit(ctx, out, orchestrator.ProviderChunk{Err: types.NewError(types.ErrBadGateway, "malformed stream chunk").WithCause(err)})
				return
			}
			for _, choice := range chunk.Choices {
				if choice.Delta == nil {
					continue
				}
				pc := orchestrator.ProviderChunk{Text: choice.Delta.Content}
				if len(choice.Delta.ToolCalls) > 0 {
					pc.ToolCalls = toDomainToolCalls(choice.Delta.ToolCalls)
				}
				if !emit(ctx, out, pc) {
					return
				}
			}
		}
	}()
	return out
}

func emit(ctx context.Context, out chan<- orchestrator.ProviderChunk, chunk orchestrator.ProviderChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- chunk:
		return true
	}
}

// mapHTTPError maps an upstream HTTP status to the gateway's public error
// taxonomy, flagging the codes worth retrying.
func mapHTTPError(status int, msg string, providerName string) *types.Error {
	switch status {
	case http.StatusUnauthorized:
		return types.NewError(types.ErrUnauthorized, msg).WithHTTPStatus(status)
	case http.StatusForbidden:
		return types.NewError(types.ErrForbidden, msg).WithHTTPStatus(status)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrTooManyRequests, msg).WithHTTPStatus(status).WithRetryable(true)
	case http.StatusBadRequest:
		if containsAny(strings.ToLower(msg), "quota", "credit", "limit") {
			return types.NewError(types.ErrQuotaExceeded, msg).WithHTTPStatus(status)
		}
		return types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(status)
	case http.StatusGatewayTimeout:
		return types.NewError(types.ErrGatewayTimeout, msg).WithHTTPStatus(status).WithRetryable(true)
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return types.NewError(types.ErrUpstreamUnavailable, msg).WithHTTPStatus(status).WithRetryable(true)
	default:
		err := types.NewError(types.ErrBadGateway, msg).WithHTTPStatus(status)
		if status >= 500 {
			err = err.WithRetryable(true)
		}
		return err
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// readErrorMessage reads an error response body, preferring the nested
// {"error":{"message":...}} shape and falling back to raw text.
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read upstream error response"
	}
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error.Message != "" {
		if parsed.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", parsed.Error.Message, parsed.Error.Type)
		}
		return parsed.Error.Message
	}
	return string(data)
}
