package sse

import (
	"bufio"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gateway/internal/streambuffer"
)

func TestSetHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SetHeaders(w)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", w.Header().Get("Connection"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))
}

func TestStream_EmitStart_WritesDataLine(t *testing.T) {
	w := httptest.NewRecorder()
	s, err := NewStream(w, nil)
	require.NoError(t, err)

	require.NoError(t, s.EmitStart("conv-1"))
	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "data: "))
	assert.True(t, strings.HasSuffix(body, "\n\n"))
	assert.Contains(t, body, "conv-1")
	assert.Contains(t, body, `"type":"start"`)
}

func TestStream_RunContent_EmitsWordBoundaryChunksAndAssembles(t *testing.T) {
	w := httptest.NewRecorder()
	s, err := NewStream(w, nil)
	require.NoError(t, err)

	content := make(chan ContentChunk, 4)
	content <- ContentChunk{Text: "hello "}
	content <- ContentChunk{Text: "world"}
	close(content)

	buf := streambuffer.New(streambuffer.DefaultConfig())
	assembled, cancelled := s.RunContent(context.Background(), content, nil, buf)

	assert.False(t, cancelled)
	assert.Equal(t, "hello world", assembled)
	assert.Contains(t, w.Body.String(), `"text":"hello "`)
}

func TestStream_RunContent_CancelledContextStopsEarly(t *testing.T) {
	w := httptest.NewRecorder()
	s, err := NewStream(w, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	content := make(chan ContentChunk)
	buf := streambuffer.New(streambuffer.DefaultConfig())
	_, cancelled := s.RunContent(ctx, content, nil, buf)
	assert.True(t, cancelled)
}

func TestStream_Complete_OrdersDoneBeforeTerminator(t *testing.T) {
	w := httptest.NewRecorder()
	s, err := NewStream(w, nil)
	require.NoError(t, err)

	var persistedAt, doneAt int
	call := 0
	persist := func(_ context.Context, text string) error {
		call++
		persistedAt = call
		assert.Equal(t, "hi", text)
		return nil
	}

	require.NoError(t, s.Complete(context.Background(), persist, "hi", nil, nil))
	call++
	doneAt = call

	assert.Less(t, persistedAt, doneAt)

	lines := splitLines(w.Body.String())
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Contains(t, lines[len(lines)-2], `"type":"done"`)
	assert.Equal(t, "data: [DONE]", lines[len(lines)-1])
}

func TestStream_Complete_PersistFailureEmitsErrorAndSkipsDone(t *testing.T) {
	w := httptest.NewRecorder()
	s, err := NewStream(w, nil)
	require.NoError(t, err)

	persist := func(_ context.Context, _ string) error {
		return assert.AnError
	}

	err = s.Complete(context.Background(), persist, "hi", nil, nil)
	assert.Error(t, err)
	assert.Contains(t, w.Body.String(), `"type":"error"`)
	assert.NotContains(t, w.Body.String(), "[DONE]")
}

func splitLines(s string) []string {
	var out []string
	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			out = append(out, line)
		}
	}
	return out
}
