package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractDirectives_NoneFound(t *testing.T) {
	dirs := extractDirectives("just a plain reply")
	assert.Empty(t, dirs)
}

func TestExtractDirectives_SingleDirective(t *testing.T) {
	dirs := extractDirectives(`here you go {"m":"highlight","p":{"target":"row-3"}} thanks`)
	require.Len(t, dirs, 1)
	assert.Equal(t, "highlight", dirs[0].Verb)
	assert.Equal(t, "row-3", dirs[0].Payload["target"])
	assert.Equal(t, `{"m":"highlight","p":{"target":"row-3"}}`, dirs[0].Raw)
}

func TestExtractDirectives_MultipleDirectives(t *testing.T) {
	dirs := extractDirectives(`{"m":"a","p":{}} middle {"m":"b","p":{"x":1}}`)
	require.Len(t, dirs, 2)
	assert.Equal(t, "a", dirs[0].Verb)
	assert.Equal(t, "b", dirs[1].Verb)
}

func TestExtractDirectives_BracesInsideStringValuesDoNotConfuseScanner(t *testing.T) {
	dirs := extractDirectives(`{"m":"note","p":{"text":"use { and } carefully"}}`)
	require.Len(t, dirs, 1)
	assert.Equal(t, "note", dirs[0].Verb)
	assert.Equal(t, "use { and } carefully", dirs[0].Payload["text"])
}

func TestExtractDirectives_EscapedQuoteInsideString(t *testing.T) {
	dirs := extractDirectives(`{"m":"note","p":{"text":"she said \"hi\" to {me}"}}`)
	require.Len(t, dirs, 1)
	assert.Equal(t, `she said "hi" to {me}`, dirs[0].Payload["text"])
}

func TestExtractDirectives_UnterminatedObjectIsSkipped(t *testing.T) {
	dirs := extractDirectives(`trailing garbage {"m":"broken","p":{`)
	assert.Empty(t, dirs)
}

func TestExtractDirectives_MalformedJSONAfterOpenerIsSkipped(t *testing.T) {
	dirs := extractDirectives(`{"m":"ok","p":{}} then {"m": not json at all}`)
	require.Len(t, dirs, 1)
	assert.Equal(t, "ok", dirs[0].Verb)
}
