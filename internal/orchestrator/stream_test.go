package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gateway/internal/credential"
)

func TestProcessChatStream_FastPathEmitsContentAndPersists(t *testing.T) {
	provider := &fakeProvider{responses: []ProviderResponse{{Content: "streamed reply"}}}
	store := newFakeStore()
	o := New(Config{}, NewClassifier(0, nil), provider, &fakeKB{}, store, nil)

	principal := &credential.Principal{SubjectID: "user-1"}
	start, err := o.ProcessChatStream(context.Background(), principal, Request{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, PathFast, start.Path)
	assert.NotEmpty(t, start.ConversationID)

	// The fast path emits word-boundary chunks ("streamed ", then "reply"
	// on flush), so drain the channel until it closes.
	var assembled string
	deadline := time.After(time.Second)
	for open := true; open; {
		select {
		case chunk, ok := <-start.Content:
			open = ok
			assembled += chunk.Text
		case <-deadline:
			t.Fatal("timed out waiting for streamed chunk")
		}
	}
	require.Equal(t, "streamed reply", assembled)

	require.NoError(t, start.Persist(context.Background(), assembled))
	assert.Equal(t, []string{"hi", "streamed reply"}, store.messages)
}

func TestProcessChatStream_WrongOwnerIsRejectedBeforeStreaming(t *testing.T) {
	provider := &fakeProvider{responses: []ProviderResponse{{Content: "hi"}}}
	store := newFakeStore()
	store.conversations["conv-1"] = "owner-a"
	o := New(Config{}, NewClassifier(0, nil), provider, &fakeKB{}, store, nil)

	principal := &credential.Principal{SubjectID: "owner-b"}
	_, err := o.ProcessChatStream(context.Background(), principal, Request{ConversationID: "conv-1", Message: "hi"})
	require.Error(t, err)
}
