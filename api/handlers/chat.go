package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/api"
	"github.com/relaymesh/gateway/internal/credential"
	"github.com/relaymesh/gateway/internal/eventbus"
	"github.com/relaymesh/gateway/internal/orchestrator"
	"github.com/relaymesh/gateway/internal/sse"
	"github.com/relaymesh/gateway/internal/streambuffer"
	"github.com/relaymesh/gateway/types"
)

// =============================================================================
// 💬 聊天接口 Handler
// =============================================================================

// ChatHandler drives the unified chat orchestrator over HTTP: a
// synchronous JSON completion endpoint and a streaming SSE endpoint.
type ChatHandler struct {
	orchestrator *orchestrator.Orchestrator
	bus          *eventbus.Bus
	logger       *zap.Logger
}

// NewChatHandler builds a ChatHandler. bus may be nil, in which case
// streamed responses carry no world_update events.
func NewChatHandler(orch *orchestrator.Orchestrator, bus *eventbus.Bus, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{orchestrator: orch, bus: bus, logger: logger}
}

// HandleCompletion 处理聊天补全请求
// @Summary 聊天完成
// @Description 发送聊天完成请求
// @Tags 聊天
// @Accept json
// @Produce json
// @Param request body api.ChatRequest true "聊天请求"
// @Success 200 {object} api.ChatResponse "聊天响应"
// @Failure 400 {object} Response "无效请求"
// @Failure 500 {object} Response "内部错误"
// @Security ApiKeyAuth
// @Router /v1/chat/completions [post]
func (h *ChatHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := h.validateChatRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	orchReq := orchestrator.Request{
		ConversationID: req.ConversationID,
		Message:        lastUserContent(req.Messages),
		ScenarioTag:    req.ScenarioTag,
	}

	result, err := h.orchestrator.ProcessChat(r.Context(), principal, orchReq)
	if err != nil {
		h.handleOrchestratorError(w, err)
		return
	}

	WriteSuccess(w, &api.ChatResponse{
		Model:          req.Model,
		ConversationID: result.ConversationID,
		Path:           string(result.Path),
		Choices: []api.ChatChoice{{
			Index:        0,
			FinishReason: "stop",
			Message:      api.Message{Role: "assistant", Content: result.Content},
		}},
		CreatedAt: time.Now().UTC(),
	})
}

// HandleStream 处理流式聊天请求
// @Summary 流式聊天完成
// @Description 发送流式聊天完成请求
// @Tags 聊天
// @Accept json
// @Produce text/event-stream
// @Param request body api.ChatRequest true "聊天请求"
// @Success 200 {string} string "SSE 流"
// @Failure 400 {object} Response "无效请求"
// @Failure 500 {object} Response "内部错误"
// @Security ApiKeyAuth
// @Router /v1/chat/completions/stream [post]
func (h *ChatHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := h.validateChatRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	sse.SetHeaders(w)
	stream, err := sse.NewStream(w, h.logger)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported").WithHTTPStatus(http.StatusInternalServerError), h.logger)
		return
	}

	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	orchReq := orchestrator.Request{
		ConversationID: req.ConversationID,
		Message:        lastUserContent(req.Messages),
		ScenarioTag:    req.ScenarioTag,
		Stream:         true,
	}

	start, err := h.orchestrator.ProcessChatStream(r.Context(), principal, orchReq)
	if err != nil {
		apiErr, ok := types.AsError(err)
		if !ok {
			apiErr = types.NewError(types.ErrInternalError, "failed to start chat stream").WithCause(err)
		}
		_ = stream.EmitError(apiErr.Message)
		return
	}

	_ = stream.EmitMetadata(map[string]interface{}{
		"conversation_id": start.ConversationID,
		"model":           req.Model,
		"path":            string(start.Path),
	})
	_ = stream.EmitStart(start.ConversationID)

	var (
		bus     *eventbus.Bus
		sub     *eventbus.SubscriptionHandle
		busMsgs <-chan []byte
	)
	if h.bus != nil {
		merge := sse.NewMergeChannel()
		subject := sse.SubjectForSubject(principal.SubjectID)
		handle, err := h.bus.Subscribe(subject, func(_ string, payload []byte) {
			merge.TrySend(payload)
		})
		if err == nil {
			bus, sub = h.bus, handle
			busMsgs = merge.Chan()
		}
	}

	buf := streambuffer.New(streambuffer.DefaultConfig())
	assembled, cancelled := stream.RunContent(r.Context(), start.Content, busMsgs, buf)
	if cancelled {
		stream.AbandonOnDisconnect(start.Persist, assembled, bus, sub, 5*time.Second)
		return
	}

	if err := stream.Complete(r.Context(), start.Persist, assembled, bus, sub); err != nil {
		h.logger.Warn("sse completion failed", zap.Error(err))
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func (h *ChatHandler) validateChatRequest(req *api.ChatRequest) *types.Error {
	if len(req.Messages) == 0 {
		return types.NewError(types.ErrInvalidRequest, "messages cannot be empty")
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return types.NewError(types.ErrInvalidRequest, "temperature must be between 0 and 2")
	}
	if req.TopP < 0 || req.TopP > 1 {
		return types.NewError(types.ErrInvalidRequest, "top_p must be between 0 and 1")
	}
	return nil
}

// lastUserContent returns the content of the last message in messages,
// which is what the orchestrator treats as the turn's input; the gateway
// is responsible for conversation history, not the caller.
func lastUserContent(messages []api.Message) string {
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Content
}

// requirePrincipal reads the Principal CredentialAuth resolved into the
// request context. Chat endpoints are not public routes, so a missing
// principal is a 401, not a fallback identity — tenancy must always come
// from the resolver's subject_id, never from request metadata such as the
// caller's own API key or remote address.
func (h *ChatHandler) requirePrincipal(w http.ResponseWriter, r *http.Request) (*credential.Principal, bool) {
	principal, ok := credential.FromContext(r.Context())
	if !ok || principal == nil {
		WriteGatewayError(w, types.NewError(types.ErrMissingCredential, "no credential presented").
			WithHTTPStatus(http.StatusUnauthorized), h.logger)
		return nil, false
	}
	return principal, true
}

// handleOrchestratorError maps an orchestrator error onto the gateway's
// public error envelope.
func (h *ChatHandler) handleOrchestratorError(w http.ResponseWriter, err error) {
	if apiErr, ok := types.AsError(err); ok {
		WriteGatewayError(w, apiErr, h.logger)
		return
	}
	WriteGatewayError(w, types.NewError(types.ErrInternalError, "chat request failed").WithCause(err), h.logger)
}
