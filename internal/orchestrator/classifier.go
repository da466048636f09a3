package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/relaymesh/gateway/internal/tokenizer"
)

// defaultClassifierDeadline bounds how long classification may take before
// the orchestrator falls back to PathFast, when NewClassifier is given no
// positive deadline.
const defaultClassifierDeadline = 150 * time.Millisecond

// kbKeywords are the terms that route a message to the tool path: the
// message references a knowledge-base operation.
var kbKeywords = []string{
	"search for", "look up", "find documents", "read the file", "summarize the",
	"synthesize", "list all", "navigate to", "what does the doc", "in the knowledge base",
}

// complexityTokenThreshold is the tiktoken-counted length above which a
// message is routed to multi_agent absent an explicit scenario tag.
const complexityTokenThreshold = 400

// Classifier maps an inbound message to an execution path.
type Classifier struct {
	deadline  time.Duration
	tokenizer tokenizer.Tokenizer
}

// NewClassifier builds a Classifier. tok may be nil, in which case the
// complexity heuristic always reports PathFast-eligible length.
func NewClassifier(deadline time.Duration, tok tokenizer.Tokenizer) *Classifier {
	if deadline <= 0 {
		deadline = defaultClassifierDeadline
	}
	return &Classifier{deadline: deadline, tokenizer: tok}
}

// Classify decides the execution path for req. On any failure, or if the
// deadline elapses, it returns PathFast per the spec's default-safe
// behaviour.
func (c *Classifier) Classify(ctx context.Context, req Request) Classification {
	if req.ScenarioTag != "" {
		return Classification{Path: PathMultiAgent, Confidence: 1.0}
	}

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	result := make(chan Classification, 1)
	go func() {
		result <- c.classify(req.Message)
	}()

	select {
	case cls := <-result:
		return cls
	case <-ctx.Done():
		return Classification{Path: PathFast, Confidence: 0}
	}
}

func (c *Classifier) classify(message string) Classification {
	lower := strings.ToLower(message)
	for _, kw := range kbKeywords {
		if strings.Contains(lower, kw) {
			return Classification{Path: PathTool, Confidence: 0.8, ToolsHint: []string{"kb_search"}}
		}
	}

	if c.tokenizer != nil {
		if count, err := c.tokenizer.CountTokens(message); err == nil && count > complexityTokenThreshold {
			return Classification{Path: PathMultiAgent, Confidence: 0.6}
		}
	}

	return Classification{Path: PathFast, Confidence: 0.9}
}
