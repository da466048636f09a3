// Package orchestrator implements the unified chat orchestrator:
// request classification, conversation lifecycle, provider invocation
// (direct, tool-augmented, or multi-agent), and the append-before-signal
// completion ordering the rest of the gateway depends on.
package orchestrator

import (
	"context"

	"github.com/relaymesh/gateway/types"
)

// Path names the execution path a request was classified into.
type Path string

const (
	PathFast       Path = "fast"
	PathTool       Path = "tool"
	PathMultiAgent Path = "multi_agent"
)

// Request is the orchestrator's input, already stripped of transport
// concerns by the handler layer.
type Request struct {
	// ConversationID, if set, must belong to the calling principal.
	ConversationID string
	Message        string
	ScenarioTag    string
	Stream         bool
}

// Classification is the ephemeral per-request routing decision.
type Classification struct {
	Path       Path
	Confidence float64
	ToolsHint  []string
}

// Directive is one extracted JSON directive from an assistant response.
type Directive struct {
	Verb    string          `json:"m"`
	Payload map[string]any `json:"p,omitempty"`
	Raw     string          `json:"-"`
}

// ChatResult is the non-streaming return shape.
type ChatResult struct {
	ConversationID string
	Path           Path
	Content        string
	Directives     []Directive
}

// StreamChunk is one unit the orchestrator yields when Request.Stream is
// set; the SSE transport maps these onto wire events.
type StreamChunk struct {
	Kind    string // "start" | "content" | "tool_call" | "metadata" | "done"
	Text    string
	Payload any
}

// Provider is the orchestrator's collaborator for LLM completion. A
// single call may return tool calls instead of final content, in which
// case the orchestrator loops (tool path only).
type Provider interface {
	Complete(ctx context.Context, messages []types.Message, tools []ToolSpec) (ProviderResponse, error)
	CompleteStream(ctx context.Context, messages []types.Message, tools []ToolSpec) (<-chan ProviderChunk, error)
}

// ToolSpec describes one callable KB operation offered to the provider.
type ToolSpec struct {
	Name        string
	Description string
}

// ProviderResponse is a complete (non-streaming) provider turn.
type ProviderResponse struct {
	Content   string
	ToolCalls []types.ToolCall
}

// ProviderChunk is one piece of a streaming provider turn.
type ProviderChunk struct {
	Text      string
	ToolCalls []types.ToolCall
	Err       error
}

// KBClient executes tool calls against the knowledge-base RPC surface.
type KBClient interface {
	Invoke(ctx context.Context, call types.ToolCall) (result string, err error)
}

// ConversationStore is the subset of the Conversation Store Facade the
// orchestrator depends on.
type ConversationStore interface {
	CreateConversation(ctx context.Context, owner, title string) (string, error)
	AppendMessage(ctx context.Context, conversationID, owner string, role MessageRole, content, directivePayload string) (StoredMessage, error)
	ConversationOwner(ctx context.Context, conversationID, owner string) error
}

// MessageRole mirrors convstore.Role without creating an import cycle;
// the adapter in cmd/gateway maps between the two one-for-one.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// StoredMessage is the subset of a persisted message the orchestrator
// needs back from the store.
type StoredMessage struct {
	ID       string
	Sequence int
}
