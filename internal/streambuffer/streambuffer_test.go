package streambuffer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func concat(chunks []string) string {
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c)
	}
	return sb.String()
}

func TestBuffer_WordBoundary_HoldsUntilBoundaryChar(t *testing.T) {
	b := New(DefaultConfig())

	out := b.Push("hel")
	assert.Empty(t, out)

	out = b.Push("lo ")
	require.Len(t, out, 1)
	assert.Equal(t, "hello ", out[0])
}

func TestBuffer_WordBoundary_OneRuneAtATime(t *testing.T) {
	b := New(DefaultConfig())
	var out []string
	for _, r := range "hi there!" {
		out = append(out, b.Push(string(r))...)
	}
	out = append(out, b.Flush()...)
	assert.Equal(t, "hi there!", concat(out))
	assert.Contains(t, out, "hi ")
}

func TestBuffer_Directive_EmittedWholeOnClose(t *testing.T) {
	b := New(DefaultConfig())

	out := b.Push(`say {"m":"wave","p":{"a":1}} now`)
	assert.Contains(t, out, "say ")
	assert.Contains(t, out, `{"m":"wave","p":{"a":1}}`)

	final := concat(append(out, b.Flush()...))
	assert.Equal(t, `say {"m":"wave","p":{"a":1}} now`, final)
}

func TestBuffer_Directive_SplitAcrossPushCalls(t *testing.T) {
	b := New(DefaultConfig())
	var out []string
	out = append(out, b.Push(`hello {"m":"w`)...)
	out = append(out, b.Push(`ave","p":{}}`)...)
	out = append(out, b.Flush()...)

	assert.Equal(t, `hello {"m":"wave","p":{}}`, concat(out))
	assert.Contains(t, out, `{"m":"wave","p":{}}`)
}

func TestBuffer_Directive_RespectsBracesInsideStrings(t *testing.T) {
	b := New(DefaultConfig())
	out := b.Push(`{"m":"say","p":{"text":"a } b"}} tail`)
	out = append(out, b.Flush()...)

	assert.Contains(t, out, `{"m":"say","p":{"text":"a } b"}}`)
	assert.Equal(t, `{"m":"say","p":{"text":"a } b"}} tail`, concat(out))
}

func TestBuffer_Directive_EscapedQuoteDoesNotEndString(t *testing.T) {
	b := New(DefaultConfig())
	out := b.Push(`{"m":"say","p":{"text":"a \" b"}}`)
	out = append(out, b.Flush()...)
	assert.Equal(t, `{"m":"say","p":{"text":"a \" b"}}`, concat(out))
}

func TestBuffer_Directive_FalsePositiveBailsOutAfterScanLimit(t *testing.T) {
	cfg := Config{WordBufferCeilingBytes: 256, DirectiveScanLimitBytes: 32}
	b := New(cfg)

	long := strings.Repeat("x", 100)
	out := b.Push(`{"m":` + long)
	out = append(out, b.Flush()...)

	assert.Equal(t, `{"m":`+long, concat(out))
}

func TestBuffer_PhraseBatching_CeilingForcesFlush(t *testing.T) {
	cfg := Config{WordBufferCeilingBytes: 8, DirectiveScanLimitBytes: DefaultDirectiveScanLimitBytes}
	b := New(cfg)

	out := b.Push("abcdefghij")
	require.NotEmpty(t, out)
	assert.True(t, len(out[0]) >= 8)
}

func TestBuffer_Unicode_NeverSplitsMultiByteRune(t *testing.T) {
	b := New(DefaultConfig())
	word := "café" // 'é' is 2 bytes in UTF-8
	data := word + " "

	var out []string
	for i := 0; i < len(data); i++ {
		out = append(out, b.Push(data[i:i+1])...)
	}
	out = append(out, b.Flush()...)
	assert.Equal(t, data, concat(out))
}

func TestBuffer_LosslessConcatenation_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		alphabet := []rune(`abc {}":,.!? 中文`)
		n := rapid.IntRange(0, 60).Draw(rt, "length")
		runes := make([]rune, n)
		for i := range runes {
			runes[i] = alphabet[rapid.IntRange(0, len(alphabet)-1).Draw(rt, "rune_idx")]
		}
		full := string(runes)

		chunkCount := rapid.IntRange(1, 8).Draw(rt, "chunk_count")
		cuts := make([]int, 0, chunkCount)
		for i := 0; i < chunkCount; i++ {
			cuts = append(cuts, rapid.IntRange(0, len(full)).Draw(rt, "cut"))
		}

		b := New(DefaultConfig())
		var out []string
		pos := 0
		for _, c := range cuts {
			if c < pos {
				continue
			}
			out = append(out, b.Push(full[pos:c])...)
			pos = c
		}
		out = append(out, b.Push(full[pos:])...)
		out = append(out, b.Flush()...)

		assert.Equal(t, full, concat(out))
	})
}
