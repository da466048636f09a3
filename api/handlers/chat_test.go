package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaymesh/gateway/api"
	"github.com/relaymesh/gateway/internal/credential"
	"github.com/relaymesh/gateway/internal/orchestrator"
	"github.com/relaymesh/gateway/types"
)

// fakeProvider, fakeKB and fakeStore are hand-written stand-ins for the
// orchestrator's collaborators, defined once here and reused by every
// handler test in this package.

type fakeProvider struct {
	response orchestrator.ProviderResponse
	err      error
}

func (f *fakeProvider) Complete(ctx context.Context, messages []types.Message, tools []orchestrator.ToolSpec) (orchestrator.ProviderResponse, error) {
	if f.err != nil {
		return orchestrator.ProviderResponse{}, f.err
	}
	return f.response, nil
}

func (f *fakeProvider) CompleteStream(ctx context.Context, messages []types.Message, tools []orchestrator.ToolSpec) (<-chan orchestrator.ProviderChunk, error) {
	ch := make(chan orchestrator.ProviderChunk, 1)
	defer close(ch)
	if f.err != nil {
		return ch, f.err
	}
	ch <- orchestrator.ProviderChunk{Text: f.response.Content}
	return ch, nil
}

type fakeKB struct{}

func (fakeKB) Invoke(ctx context.Context, call types.ToolCall) (string, error) { return "", nil }

type fakeStore struct {
	owners map[string]string
}

func newFakeStore() *fakeStore { return &fakeStore{owners: make(map[string]string)} }

func (f *fakeStore) CreateConversation(ctx context.Context, owner, title string) (string, error) {
	id := "conv-1"
	f.owners[id] = owner
	return id, nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, conversationID, owner string, role orchestrator.MessageRole, content, directivePayload string) (orchestrator.StoredMessage, error) {
	return orchestrator.StoredMessage{ID: "msg-1", Sequence: 1}, nil
}

func (f *fakeStore) ConversationOwner(ctx context.Context, conversationID, owner string) error {
	if got, ok := f.owners[conversationID]; !ok || got != owner {
		return types.NewError(types.ErrNotFound, "conversation not found")
	}
	return nil
}

func newTestChatHandler(t *testing.T, response orchestrator.ProviderResponse) *ChatHandler {
	t.Helper()
	logger := zap.NewNop()
	provider := &fakeProvider{response: response}
	orch := orchestrator.New(orchestrator.Config{}, orchestrator.NewClassifier(0, nil), provider, fakeKB{}, newFakeStore(), logger)
	return NewChatHandler(orch, nil, logger)
}

func TestChatHandler_HandleCompletion_Success(t *testing.T) {
	handler := newTestChatHandler(t, orchestrator.ProviderResponse{Content: "Hi there!"})

	req := api.ChatRequest{
		Model:    "gpt-4",
		Messages: []api.Message{{Role: "user", Content: "Hello"}},
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r = r.WithContext(credential.WithContext(r.Context(), &credential.Principal{SubjectID: "user-1"}))

	handler.HandleCompletion(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)

	dataBytes, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var chatResp api.ChatResponse
	require.NoError(t, json.Unmarshal(dataBytes, &chatResp))
	assert.NotEmpty(t, chatResp.ConversationID)
	require.Len(t, chatResp.Choices, 1)
	assert.Equal(t, "Hi there!", chatResp.Choices[0].Message.Content)
}

func TestChatHandler_HandleCompletion_EmptyMessages(t *testing.T) {
	handler := newTestChatHandler(t, orchestrator.ProviderResponse{})

	req := api.ChatRequest{Model: "gpt-4", Messages: []api.Message{}}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	handler.HandleCompletion(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatHandler_HandleCompletion_InvalidTemperature(t *testing.T) {
	handler := newTestChatHandler(t, orchestrator.ProviderResponse{})

	req := api.ChatRequest{
		Model:       "gpt-4",
		Messages:    []api.Message{{Role: "user", Content: "Hello"}},
		Temperature: 3.0,
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	handler.HandleCompletion(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatHandler_HandleStream_Success(t *testing.T) {
	handler := newTestChatHandler(t, orchestrator.ProviderResponse{Content: "Hello world"})

	req := api.ChatRequest{
		Model:    "gpt-4",
		Messages: []api.Message{{Role: "user", Content: "Hello"}},
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions/stream", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r = r.WithContext(credential.WithContext(r.Context(), &credential.Principal{SubjectID: "user-1"}))

	handler.HandleStream(w, r)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "data: [DONE]")
	assert.Contains(t, w.Body.String(), `"type":"start"`)
}

func TestChatHandler_HandleStream_InvalidRequest(t *testing.T) {
	handler := newTestChatHandler(t, orchestrator.ProviderResponse{})

	req := api.ChatRequest{Messages: []api.Message{}}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions/stream", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	handler.HandleStream(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatHandler_ValidateChatRequest(t *testing.T) {
	handler := newTestChatHandler(t, orchestrator.ProviderResponse{})

	tests := []struct {
		name    string
		request *api.ChatRequest
		wantErr bool
	}{
		{
			name: "valid request",
			request: &api.ChatRequest{
				Messages:    []api.Message{{Role: "user", Content: "Hello"}},
				Temperature: 0.7,
				TopP:        0.9,
			},
		},
		{
			name:    "empty messages",
			request: &api.ChatRequest{Messages: []api.Message{}},
			wantErr: true,
		},
		{
			name: "temperature too low",
			request: &api.ChatRequest{
				Messages:    []api.Message{{Role: "user", Content: "Hello"}},
				Temperature: -0.1,
			},
			wantErr: true,
		},
		{
			name: "temperature too high",
			request: &api.ChatRequest{
				Messages:    []api.Message{{Role: "user", Content: "Hello"}},
				Temperature: 2.1,
			},
			wantErr: true,
		},
		{
			name: "top_p too low",
			request: &api.ChatRequest{
				Messages: []api.Message{{Role: "user", Content: "Hello"}},
				TopP:     -0.1,
			},
			wantErr: true,
		},
		{
			name: "top_p too high",
			request: &api.ChatRequest{
				Messages: []api.Message{{Role: "user", Content: "Hello"}},
				TopP:     1.1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := handler.validateChatRequest(tt.request)
			if tt.wantErr {
				assert.NotNil(t, err)
			} else {
				assert.Nil(t, err)
			}
		})
	}
}

func TestRequirePrincipal_DoesNotFallBackToAPIKey(t *testing.T) {
	handler := newTestChatHandler(t, orchestrator.ProviderResponse{})
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("X-API-Key", "secret-key")
	w := httptest.NewRecorder()

	p, ok := handler.requirePrincipal(w, r)
	assert.Nil(t, p)
	assert.False(t, ok)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLastUserContent(t *testing.T) {
	assert.Equal(t, "", lastUserContent(nil))
	assert.Equal(t, "world", lastUserContent([]api.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "world"},
	}))
}
