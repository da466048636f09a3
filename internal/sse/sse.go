// Package sse frames the orchestrator's output as Server-Sent Events,
// merging the content stream (rebuffered through streambuffer.Buffer) with
// messages arriving on an event bus subscription, and enforces the
// completion protocol: flush, persist, done, [DONE],
// unsubscribe, close.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/channel"
	"github.com/relaymesh/gateway/internal/eventbus"
	"github.com/relaymesh/gateway/internal/streambuffer"
)

// EventKind closes the set of SSE event types the transport may emit.
type EventKind string

const (
	EventStart       EventKind = "start"
	EventMetadata    EventKind = "metadata"
	EventContent     EventKind = "content"
	EventToolCall    EventKind = "tool_call"
	EventWorldUpdate EventKind = "world_update"
	EventDone        EventKind = "done"
	EventError       EventKind = "error"
)

// Event is one frame written to the client.
type Event struct {
	Kind     EventKind   `json:"type"`
	Sequence int64       `json:"sequence_number"`
	Payload  interface{} `json:"payload,omitempty"`
}

// doneTerminator is the literal line that ends every SSE stream.
const doneTerminator = "data: [DONE]\n\n"

// ContentChunk is one piece of provider-emitted text from the
// orchestrator's content stream, ahead of streambuffer rebuffering.
type ContentChunk struct {
	Text  string
	Final bool
}

// Persister appends the final assistant message to the conversation store.
// Called once, after the content stream closes and before the done event,
// per the completion protocol.
type Persister func(ctx context.Context, assembledText string) error

// Stream drives one SSE response: it sets headers, merges content with
// event-bus messages, and executes the completion protocol in order.
type Stream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	logger  *zap.Logger
	seq     int64
}

// SetHeaders applies the mandated SSE response headers. Must be called
// before any WriteHeader/Write on w.
func SetHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// NewStream builds a Stream over w, returning an error if the
// ResponseWriter does not support flushing (streaming is structurally
// impossible without it).
func NewStream(w http.ResponseWriter, logger *zap.Logger) (*Stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: response writer does not support flushing")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{w: w, flusher: flusher, logger: logger}, nil
}

// emit writes one event frame and flushes immediately.
func (s *Stream) emit(kind EventKind, payload interface{}) error {
	s.seq++
	ev := Event{Kind: kind, Sequence: s.seq, Payload: payload}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// EmitStart sends the opening `start` event.
func (s *Stream) EmitStart(conversationID string) error {
	return s.emit(EventStart, map[string]string{"conversation_id": conversationID})
}

// EmitMetadata sends a `metadata` event, e.g. carrying which path served
// the request.
func (s *Stream) EmitMetadata(meta map[string]interface{}) error {
	return s.emit(EventMetadata, meta)
}

// EmitToolCall sends a `tool_call` event.
func (s *Stream) EmitToolCall(payload interface{}) error {
	return s.emit(EventToolCall, payload)
}

// EmitWorldUpdate sends a `world_update` event, typically sourced from the
// event bus rather than the content stream.
func (s *Stream) EmitWorldUpdate(payload interface{}) error {
	return s.emit(EventWorldUpdate, payload)
}

// EmitError sends a terminal `error` event. Callers must not call Complete
// after this.
func (s *Stream) EmitError(publicMessage string) error {
	return s.emit(EventError, map[string]string{"error": publicMessage})
}

// RunContent drains content, rebuffering it through buf and emitting
// `content` events at each safe boundary. It stops on ctx cancellation,
// on the content channel closing, or on a bus message arriving on busMsgs
// (which is forwarded as a world_update event without disturbing in-flight
// word/directive state, since streambuffer commit points are the only
// places content and bus events may interleave).
//
// Returns the full assembled text (for persistence) and whether ctx was
// cancelled before content finished.
func (s *Stream) RunContent(ctx context.Context, content <-chan ContentChunk, busMsgs <-chan []byte, buf *streambuffer.Buffer) (assembled string, cancelled bool) {
	for {
		select {
		case <-ctx.Done():
			return assembled, true
		case chunk, ok := <-content:
			if !ok {
				for _, piece := range buf.Flush() {
					assembled += piece
					_ = s.emit(EventContent, map[string]string{"text": piece})
				}
				return assembled, false
			}
			assembled += chunk.Text
			for _, piece := range buf.Push(chunk.Text) {
				_ = s.emit(EventContent, map[string]string{"text": piece})
			}
		case msg, ok := <-busMsgs:
			if !ok {
				busMsgs = nil
				continue
			}
			var payload interface{}
			if err := json.Unmarshal(msg, &payload); err != nil {
				payload = string(msg)
			}
			_ = s.emit(EventWorldUpdate, payload)
		}
	}
}

// Complete executes the mandated completion protocol: persist, emit
// `done`, emit the terminator, tear down the subscription. persist and
// unsubscribe are both best-effort against the shared ctx; callers
// wanting detached-context persistence on disconnect should pass a
// context derived independently of the client request.
func (s *Stream) Complete(ctx context.Context, persist Persister, assembled string, bus *eventbus.Bus, sub *eventbus.SubscriptionHandle) error {
	if persist != nil {
		if err := persist(ctx, assembled); err != nil {
			s.logger.Error("conversation append failed before stream completion", zap.Error(err))
			_ = s.EmitError("failed to save response")
			s.teardown(bus, sub)
			return err
		}
	}

	if err := s.emit(EventDone, nil); err != nil {
		s.teardown(bus, sub)
		return err
	}
	if _, err := fmt.Fprint(s.w, doneTerminator); err != nil {
		s.teardown(bus, sub)
		return err
	}
	s.flusher.Flush()
	s.teardown(bus, sub)
	return nil
}

// AbandonOnDisconnect runs best-effort persistence on a short-lived
// detached context and tears down the subscription, without emitting any
// further frames (the client is already gone).
func (s *Stream) AbandonOnDisconnect(persist Persister, assembled string, bus *eventbus.Bus, sub *eventbus.SubscriptionHandle, detachTimeout time.Duration) {
	s.teardown(bus, sub)
	if persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	if err := persist(ctx, assembled); err != nil {
		s.logger.Warn("best-effort persistence after client disconnect failed", zap.Error(err))
	}
}

func (s *Stream) teardown(bus *eventbus.Bus, sub *eventbus.SubscriptionHandle) {
	if bus == nil || sub == nil {
		return
	}
	if err := bus.Unsubscribe(sub); err != nil {
		s.logger.Warn("event bus unsubscribe failed", zap.Error(err))
	}
}

// SubjectForSubject returns the event bus subject a principal's
// world-update messages are published to. World updates are addressed to
// the subject, not the conversation, since a subject's world state is
// shared across every conversation they hold open.
func SubjectForSubject(subjectID string) string {
	return "world.updates.user." + subjectID
}

// NewMergeChannel builds an auto-sized channel suitable for fanning event
// bus messages into a stream's consumer goroutine.
func NewMergeChannel() *channel.TunableChannel[[]byte] {
	return channel.NewTunableChannel[[]byte](channel.DefaultTunableConfig())
}
