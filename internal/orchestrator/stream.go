package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/credential"
	"github.com/relaymesh/gateway/internal/sse"
	"github.com/relaymesh/gateway/internal/streambuffer"
	"github.com/relaymesh/gateway/types"
)

// StreamStart is the bundle an SSE handler needs to drive one streaming
// chat turn: the resolved conversation ID (available immediately, before
// any provider output), the classified path, a channel
// of provider content, and a Persister that appends the assembled
// assistant response — to be invoked by the SSE transport's completion
// protocol, never by the orchestrator itself, since only the transport
// knows when the stream is actually closing.
type StreamStart struct {
	ConversationID string
	Path           Path
	Content        <-chan sse.ContentChunk
	Persist        sse.Persister
}

// ProcessChatStream resolves the conversation, appends the user message,
// classifies the request, and launches the provider call in the
// background, returning immediately with a StreamStart. The tool and
// multi_agent paths do not support token-level streaming; their full
// response is delivered as a single content chunk once the pipeline
// completes.
func (o *Orchestrator) ProcessChatStream(ctx context.Context, principal *credential.Principal, req Request) (*StreamStart, error) {
	conversationID, err := o.resolveConversation(ctx, principal, req.ConversationID)
	if err != nil {
		return nil, err
	}

	if _, err := o.store.AppendMessage(ctx, conversationID, principal.SubjectID, RoleUser, req.Message, ""); err != nil {
		return nil, err
	}

	cls := o.classifier.Classify(ctx, req)
	content := make(chan sse.ContentChunk, 8)

	go o.driveStream(ctx, req, cls, content)

	persist := func(persistCtx context.Context, assembled string) error {
		dirs := extractDirectives(assembled)
		directivePayload := ""
		if len(dirs) > 0 {
			directivePayload = dirs[len(dirs)-1].Raw
		}
		_, err := o.store.AppendMessage(persistCtx, conversationID, principal.SubjectID, RoleAssistant, assembled, directivePayload)
		return err
	}

	return &StreamStart{
		ConversationID: conversationID,
		Path:           cls.Path,
		Content:        content,
		Persist:        persist,
	}, nil
}

func (o *Orchestrator) driveStream(ctx context.Context, req Request, cls Classification, out chan<- sse.ContentChunk) {
	defer close(out)

	switch cls.Path {
	case PathFast:
		o.streamFastPath(ctx, req.Message, out)
	case PathTool:
		content, err := o.runToolPath(ctx, req.Message)
		o.emitWhole(ctx, content, err, out)
	case PathMultiAgent:
		content, err := o.runMultiAgentPath(ctx, req)
		o.emitWhole(ctx, content, err, out)
	}
}

func (o *Orchestrator) streamFastPath(ctx context.Context, message string, out chan<- sse.ContentChunk) {
	chunks, err := o.provider.CompleteStream(ctx, []types.Message{types.NewUserMessage(message)}, nil)
	if err != nil {
		o.logger.Error("provider stream failed to start", zap.Error(classifyProviderError(err)))
		return
	}

	buf := streambuffer.New(o.cfg.StreamBuffer)
	for chunk := range chunks {
		if chunk.Err != nil {
			o.logger.Error("provider stream chunk error", zap.Error(chunk.Err))
			return
		}
		for _, word := range buf.Push(chunk.Text) {
			select {
			case <-ctx.Done():
				return
			case out <- sse.ContentChunk{Text: word}:
			}
		}
	}
	for _, word := range buf.Flush() {
		select {
		case <-ctx.Done():
			return
		case out <- sse.ContentChunk{Text: word}:
		}
	}
}

func (o *Orchestrator) emitWhole(ctx context.Context, content string, err error, out chan<- sse.ContentChunk) {
	if err != nil {
		o.logger.Error("non-streaming path failed inside stream pipeline", zap.Error(err))
		return
	}
	select {
	case <-ctx.Done():
	case out <- sse.ContentChunk{Text: content, Final: true}:
	}
}
