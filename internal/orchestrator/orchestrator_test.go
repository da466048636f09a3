package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gateway/internal/credential"
	"github.com/relaymesh/gateway/types"
)

// fakeProvider is a hand-written stub implementing Provider, grounded on
// the spec's mandate to fake external collaborators rather than mock
// them via reflection.
type fakeProvider struct {
	responses []ProviderResponse
	calls     int
	err       error
}

func (f *fakeProvider) Complete(ctx context.Context, messages []types.Message, tools []ToolSpec) (ProviderResponse, error) {
	if f.err != nil {
		return ProviderResponse{}, f.err
	}
	resp := f.responses[f.calls]
	if f.calls < len(f.responses)-1 {
		f.calls++
	}
	return resp, nil
}

func (f *fakeProvider) CompleteStream(ctx context.Context, messages []types.Message, tools []ToolSpec) (<-chan ProviderChunk, error) {
	ch := make(chan ProviderChunk, 1)
	if f.err != nil {
		close(ch)
		return ch, f.err
	}
	go func() {
		defer close(ch)
		ch <- ProviderChunk{Text: f.responses[0].Content}
	}()
	return ch, nil
}

type fakeKB struct {
	result string
	err    error
}

func (f *fakeKB) Invoke(ctx context.Context, call types.ToolCall) (string, error) {
	return f.result, f.err
}

type fakeStore struct {
	conversations map[string]string // id -> owner
	messages      []string
	nextID        int
}

func newFakeStore() *fakeStore {
	return &fakeStore{conversations: make(map[string]string)}
}

func (f *fakeStore) CreateConversation(ctx context.Context, owner, title string) (string, error) {
	f.nextID++
	id := "conv-" + string(rune('0'+f.nextID))
	f.conversations[id] = owner
	return id, nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, conversationID, owner string, role MessageRole, content, directivePayload string) (StoredMessage, error) {
	f.messages = append(f.messages, content)
	return StoredMessage{ID: "msg", Sequence: len(f.messages)}, nil
}

func (f *fakeStore) ConversationOwner(ctx context.Context, conversationID, owner string) error {
	got, ok := f.conversations[conversationID]
	if !ok || got != owner {
		return types.NewError(types.ErrNotFound, "conversation not found")
	}
	return nil
}

func TestOrchestrator_ProcessChat_FastPath(t *testing.T) {
	provider := &fakeProvider{responses: []ProviderResponse{{Content: "hello there"}}}
	store := newFakeStore()
	o := New(Config{}, NewClassifier(0, nil), provider, &fakeKB{}, store, nil)

	principal := &credential.Principal{SubjectID: "user-1"}
	result, err := o.ProcessChat(context.Background(), principal, Request{Message: "hi"})
	require.NoError(t, err)

	assert.Equal(t, PathFast, result.Path)
	assert.Equal(t, "hello there", result.Content)
	assert.NotEmpty(t, result.ConversationID)
	assert.Equal(t, []string{"hi", "hello there"}, store.messages)
}

func TestOrchestrator_ProcessChat_ToolPath(t *testing.T) {
	provider := &fakeProvider{responses: []ProviderResponse{
		{ToolCalls: []types.ToolCall{{ID: "1", Name: "kb_search"}}},
		{Content: "found it"},
	}}
	store := newFakeStore()
	o := New(Config{ToolIterationsMax: 4}, NewClassifier(0, nil), provider, &fakeKB{result: "doc contents"}, store, nil)

	principal := &credential.Principal{SubjectID: "user-1"}
	result, err := o.ProcessChat(context.Background(), principal, Request{Message: "search for the onboarding doc"})
	require.NoError(t, err)
	assert.Equal(t, PathTool, result.Path)
	assert.Equal(t, "found it", result.Content)
}

func TestOrchestrator_ProcessChat_ToolPathExhaustsIterations(t *testing.T) {
	provider := &fakeProvider{responses: []ProviderResponse{
		{ToolCalls: []types.ToolCall{{ID: "1", Name: "kb_search"}}},
	}}
	store := newFakeStore()
	o := New(Config{ToolIterationsMax: 2}, NewClassifier(0, nil), provider, &fakeKB{result: "x"}, store, nil)

	principal := &credential.Principal{SubjectID: "user-1"}
	_, err := o.ProcessChat(context.Background(), principal, Request{Message: "search for something"})
	require.Error(t, err)
	apiErr, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrToolFailure, apiErr.Code)
}

func TestOrchestrator_ProcessChat_ExplicitConversationWrongOwnerIsNotFound(t *testing.T) {
	provider := &fakeProvider{responses: []ProviderResponse{{Content: "hi"}}}
	store := newFakeStore()
	store.conversations["conv-1"] = "owner-a"
	o := New(Config{}, NewClassifier(0, nil), provider, &fakeKB{}, store, nil)

	principal := &credential.Principal{SubjectID: "owner-b"}
	_, err := o.ProcessChat(context.Background(), principal, Request{ConversationID: "conv-1", Message: "hi"})
	require.Error(t, err)
	apiErr, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrNotFound, apiErr.Code)
}

func TestOrchestrator_ProcessChat_ExtractsDirectivePayload(t *testing.T) {
	provider := &fakeProvider{responses: []ProviderResponse{{Content: `say hi {"m":"wave","p":{"a":1}} done`}}}
	store := newFakeStore()
	o := New(Config{}, NewClassifier(0, nil), provider, &fakeKB{}, store, nil)

	principal := &credential.Principal{SubjectID: "user-1"}
	result, err := o.ProcessChat(context.Background(), principal, Request{Message: "hi"})
	require.NoError(t, err)
	require.Len(t, result.Directives, 1)
	assert.Equal(t, "wave", result.Directives[0].Verb)
}

func TestOrchestrator_ProcessChat_ScenarioTagRoutesToMultiAgent(t *testing.T) {
	provider := &fakeProvider{responses: []ProviderResponse{{Content: "panel output"}}}
	store := newFakeStore()
	o := New(Config{}, NewClassifier(0, nil), provider, &fakeKB{}, store, nil)

	principal := &credential.Principal{SubjectID: "user-1"}
	result, err := o.ProcessChat(context.Background(), principal, Request{Message: "plan a campaign", ScenarioTag: "gamemaster"})
	require.NoError(t, err)
	assert.Equal(t, PathMultiAgent, result.Path)
}
