package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relaymesh/gateway/internal/tokenizer"
)

// fakeTokenizer is a hand-written stand-in for tokenizer.Tokenizer that
// counts words instead of BPE tokens, enough to exercise the complexity
// threshold without pulling in the real tiktoken ranks.
type fakeTokenizer struct{}

func (f fakeTokenizer) CountTokens(text string) (int, error) {
	return len(strings.Fields(text)), nil
}
func (f fakeTokenizer) CountMessages(messages []tokenizer.Message) (int, error) {
	return 0, nil
}
func (f fakeTokenizer) Encode(text string) ([]int, error)   { return nil, nil }
func (f fakeTokenizer) Decode(tokens []int) (string, error) { return "", nil }
func (f fakeTokenizer) MaxTokens() int                      { return 8000 }
func (f fakeTokenizer) Name() string                        { return "fake" }

func TestClassifier_KeywordRoutesToTool(t *testing.T) {
	c := NewClassifier(0, nil)
	cls := c.Classify(context.Background(), Request{Message: "please search for the onboarding doc"})
	assert.Equal(t, PathTool, cls.Path)
}

func TestClassifier_ExplicitScenarioTagRoutesToMultiAgent(t *testing.T) {
	c := NewClassifier(0, nil)
	cls := c.Classify(context.Background(), Request{Message: "hello", ScenarioTag: "research"})
	assert.Equal(t, PathMultiAgent, cls.Path)
}

func TestClassifier_ShortPlainMessageRoutesToFast(t *testing.T) {
	c := NewClassifier(0, nil)
	cls := c.Classify(context.Background(), Request{Message: "how are you"})
	assert.Equal(t, PathFast, cls.Path)
}

func TestClassifier_DeadlineElapsedFallsBackToFast(t *testing.T) {
	c := NewClassifier(time.Nanosecond, nil)
	cls := c.Classify(context.Background(), Request{Message: "anything at all"})
	assert.Equal(t, PathFast, cls.Path)
	assert.Zero(t, cls.Confidence)
}

func TestClassifier_NilTokenizerNeverRoutesToMultiAgentOnLength(t *testing.T) {
	c := NewClassifier(0, nil)
	long := strings.Repeat("word ", 1000)
	cls := c.Classify(context.Background(), Request{Message: long})
	assert.Equal(t, PathFast, cls.Path)
}

func TestClassifier_LongMessageWithTokenizerRoutesToMultiAgent(t *testing.T) {
	c := NewClassifier(0, fakeTokenizer{})
	long := strings.Repeat("word ", 500)
	cls := c.Classify(context.Background(), Request{Message: long})
	assert.Equal(t, PathMultiAgent, cls.Path)
}
