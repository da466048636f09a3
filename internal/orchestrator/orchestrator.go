package orchestrator

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/credential"
	"github.com/relaymesh/gateway/internal/streambuffer"
	"github.com/relaymesh/gateway/types"
)

// Config bounds the orchestrator's tool loop, classifier, and the fast
// path's outgoing stream buffering.
type Config struct {
	ToolIterationsMax    int
	ClassifierDeadlineMS int
	StreamBuffer         streambuffer.Config
}

// Orchestrator implements ProcessChat: classification, conversation
// lifecycle, provider invocation across the fast/tool/multi_agent paths,
// and append-before-completion ordering.
type Orchestrator struct {
	cfg        Config
	classifier *Classifier
	provider   Provider
	kb         KBClient
	store      ConversationStore
	logger     *zap.Logger
}

// New builds an Orchestrator over its collaborators.
func New(cfg Config, classifier *Classifier, provider Provider, kb KBClient, store ConversationStore, logger *zap.Logger) *Orchestrator {
	if cfg.ToolIterationsMax <= 0 {
		cfg.ToolIterationsMax = 4
	}
	if cfg.StreamBuffer.WordBufferCeilingBytes <= 0 && cfg.StreamBuffer.DirectiveScanLimitBytes <= 0 {
		cfg.StreamBuffer = streambuffer.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		classifier: classifier,
		provider:   provider,
		kb:         kb,
		store:      store,
		logger:     logger.With(zap.String("component", "orchestrator")),
	}
}

// resolveConversation resolves the conversation for a request: it is
// created (or ownership-verified) before the provider is invoked, so its
// ID is available for the first streamed metadata event.
func (o *Orchestrator) resolveConversation(ctx context.Context, principal *credential.Principal, requested string) (string, error) {
	if requested == "" {
		return o.store.CreateConversation(ctx, principal.SubjectID, "")
	}
	if err := o.store.ConversationOwner(ctx, requested, principal.SubjectID); err != nil {
		return "", err
	}
	return requested, nil
}

// ProcessChat executes the full chat pipeline for a non-streaming
// request. Streaming callers use ProcessChatStream instead.
func (o *Orchestrator) ProcessChat(ctx context.Context, principal *credential.Principal, req Request) (*ChatResult, error) {
	conversationID, err := o.resolveConversation(ctx, principal, req.ConversationID)
	if err != nil {
		return nil, err
	}

	if _, err := o.store.AppendMessage(ctx, conversationID, principal.SubjectID, RoleUser, req.Message, ""); err != nil {
		return nil, err
	}

	cls := o.classifier.Classify(ctx, req)

	var (
		content string
		dirs    []Directive
	)
	switch cls.Path {
	case PathTool:
		content, err = o.runToolPath(ctx, req.Message)
	case PathMultiAgent:
		content, err = o.runMultiAgentPath(ctx, req)
	default:
		content, err = o.runFastPath(ctx, req.Message)
	}
	if err != nil {
		return nil, err
	}
	dirs = extractDirectives(content)

	directivePayload := ""
	if len(dirs) > 0 {
		directivePayload = dirs[len(dirs)-1].Raw
	}
	if _, err := o.store.AppendMessage(ctx, conversationID, principal.SubjectID, RoleAssistant, content, directivePayload); err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to persist assistant response").
			WithHTTPStatus(http.StatusInternalServerError).WithCause(err)
	}

	return &ChatResult{
		ConversationID: conversationID,
		Path:           cls.Path,
		Content:        content,
		Directives:     dirs,
	}, nil
}

func (o *Orchestrator) runFastPath(ctx context.Context, message string) (string, error) {
	resp, err := o.provider.Complete(ctx, []types.Message{types.NewUserMessage(message)}, nil)
	if err != nil {
		return "", classifyProviderError(err)
	}
	return resp.Content, nil
}

func (o *Orchestrator) runToolPath(ctx context.Context, message string) (string, error) {
	tools := []ToolSpec{
		{Name: "kb_search", Description: "search the knowledge base"},
		{Name: "kb_read", Description: "read a document by id"},
		{Name: "kb_list", Description: "list documents in a collection"},
	}

	messages := []types.Message{types.NewUserMessage(message)}

	for iter := 0; iter < o.cfg.ToolIterationsMax; iter++ {
		resp, err := o.provider.Complete(ctx, messages, tools)
		if err != nil {
			return "", classifyProviderError(err)
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, types.Message{Role: types.RoleAssistant, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result, err := o.kb.Invoke(ctx, call)
			if err != nil {
				o.logger.Warn("tool invocation failed", zap.String("tool", call.Name), zap.Error(err))
				result = "error: tool invocation failed"
			}
			messages = append(messages, types.NewToolMessage(call.ID, call.Name, result))
		}
	}

	return "", types.NewError(types.ErrToolFailure, "tool iteration limit exceeded").WithHTTPStatus(http.StatusBadGateway)
}

// runMultiAgentPath dispatches to the scenario's fixed panel: each role
// contributes one pass over the running transcript, and the final role's
// output is the aggregated response.
func (o *Orchestrator) runMultiAgentPath(ctx context.Context, req Request) (string, error) {
	scenario := resolveScenario(req.ScenarioTag)
	messages := []types.Message{
		types.NewSystemMessage(scenario.SystemPrompt),
		types.NewUserMessage(req.Message),
	}

	var last string
	iterations := scenario.MaxIterations
	if iterations <= 0 || iterations > len(scenario.Roles) {
		iterations = len(scenario.Roles)
	}
	for i := 0; i < iterations; i++ {
		role := scenario.Roles[i]
		resp, err := o.provider.Complete(ctx, append(messages, types.NewSystemMessage("respond as: "+role)), nil)
		if err != nil {
			return "", classifyProviderError(err)
		}
		last = resp.Content
		messages = append(messages, types.NewAssistantMessage(resp.Content))
	}
	return last, nil
}

// classifyProviderError maps a raw provider transport failure onto the
// public taxonomy; a *types.Error from the provider is passed through
// unchanged.
func classifyProviderError(err error) error {
	if apiErr, ok := types.AsError(err); ok {
		return apiErr
	}
	return types.NewError(types.ErrUpstreamUnavailable, "provider request failed").
		WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithCause(err)
}
