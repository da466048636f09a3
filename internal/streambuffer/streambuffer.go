// Package streambuffer rebuffers raw provider text so word and embedded
// JSON-directive boundaries survive chunking, before the text reaches the
// SSE transport. The buffer is pure CPU: it never blocks and never
// drops input.
package streambuffer

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultWordBufferCeilingBytes bounds phrase-batching coalescence.
	DefaultWordBufferCeilingBytes = 256
	// DefaultDirectiveScanLimitBytes bounds how long an unterminated
	// directive opener is tolerated before it is treated as a false
	// positive.
	DefaultDirectiveScanLimitBytes = 4096
)

// directiveOpener is the substring that switches the buffer into directive
// mode; directives have the shape {"m":"<verb>","p":{...}}.
const directiveOpener = `{"m":`

// isWordBoundary reports whether r terminates a word: whitespace or
// terminal punctuation.
func isWordBoundary(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '.', '?', '!', ',', ':', ';':
		return true
	default:
		return false
	}
}

// Config bounds the buffer's coalescing and false-positive-detection
// behaviour.
type Config struct {
	WordBufferCeilingBytes  int
	DirectiveScanLimitBytes int
}

// DefaultConfig returns the spec defaults.
func DefaultConfig() Config {
	return Config{
		WordBufferCeilingBytes:  DefaultWordBufferCeilingBytes,
		DirectiveScanLimitBytes: DefaultDirectiveScanLimitBytes,
	}
}

type mode int

const (
	modeWord mode = iota
	modeDirective
)

// Buffer rebuffers a stream of text fragments, emitting complete words and
// complete JSON directives as they close. Push and Flush together preserve
// the lossless-concatenation invariant: the concatenation of every
// returned outgoing slice equals the concatenation of every pushed input.
//
// Not safe for concurrent use; callers own exactly one goroutine per
// conversation's content stream.
type Buffer struct {
	cfg Config
	m   mode

	// pending holds bytes not yet safe to emit: an in-progress word in
	// modeWord, or the directive-so-far (including the opener) in
	// modeDirective.
	pending strings.Builder

	// Directive-mode scanner state.
	braceDepth     int
	inString       bool
	escaped        bool
	directiveBytes int

	// incompleteRune holds a partial UTF-8 sequence split across Push
	// calls so multi-byte code points are never split on a chunk
	// boundary.
	incompleteRune []byte
}

// New builds a Buffer with the given configuration.
func New(cfg Config) *Buffer {
	if cfg.WordBufferCeilingBytes <= 0 {
		cfg.WordBufferCeilingBytes = DefaultWordBufferCeilingBytes
	}
	if cfg.DirectiveScanLimitBytes <= 0 {
		cfg.DirectiveScanLimitBytes = DefaultDirectiveScanLimitBytes
	}
	return &Buffer{cfg: cfg}
}

// Push feeds the next fragment of upstream text and returns zero or more
// chunks that are now safe to emit to the client.
func (b *Buffer) Push(text string) []string {
	if text == "" {
		return nil
	}

	data := text
	if len(b.incompleteRune) > 0 {
		data = string(b.incompleteRune) + text
		b.incompleteRune = nil
	}

	// Hold back a trailing partial rune so decoding below never splits a
	// multi-byte code point across Push calls.
	if n := trailingPartialRuneLen(data); n > 0 {
		b.incompleteRune = []byte(data[len(data)-n:])
		data = data[:len(data)-n]
	}

	var out []string
	for _, r := range data {
		if chunk := b.consume(r); chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}

// trailingPartialRuneLen returns the length in bytes of a trailing
// incomplete UTF-8 sequence at the end of s, or 0 if s ends on a rune
// boundary (or is empty / pure ASCII at the tail).
func trailingPartialRuneLen(s string) int {
	n := len(s)
	if n == 0 {
		return 0
	}
	limit := n - utf8.UTFMax
	if limit < 0 {
		limit = 0
	}
	for i := n - 1; i >= limit; i-- {
		c := s[i]
		if c < 0x80 {
			return 0
		}
		if c>>6 == 0b10 {
			continue // continuation byte, keep scanning back for its lead byte
		}
		want := leadByteSeqLen(c)
		if want > n-i {
			return n - i
		}
		return 0
	}
	return 0
}

// leadByteSeqLen returns the total encoded length of the UTF-8 sequence
// that starts with lead byte c.
func leadByteSeqLen(c byte) int {
	switch {
	case c&0xE0 == 0xC0:
		return 2
	case c&0xF0 == 0xE0:
		return 3
	case c&0xF8 == 0xF0:
		return 4
	default:
		return 1
	}
}

// consume processes one decoded rune, updating mode/pending state, and
// returns a chunk if this rune completed one.
func (b *Buffer) consume(r rune) string {
	if b.m == modeDirective {
		return b.advanceDirective(r)
	}
	return b.advanceWord(r)
}

// advanceWord handles one rune while in word mode.
func (b *Buffer) advanceWord(r rune) string {
	b.pending.WriteRune(r)

	// The opener is only ever detected the instant its final character is
	// appended, so pending never holds more than the opener itself at
	// that point; entering directive mode never needs to look past it.
	if strings.HasSuffix(b.pending.String(), directiveOpener) {
		full := b.pending.String()
		before := full[:len(full)-len(directiveOpener)]
		b.pending.Reset()
		b.pending.WriteString(directiveOpener)
		b.m = modeDirective
		b.braceDepth = 1 // the opener's leading '{'
		b.inString = false
		b.escaped = false
		b.directiveBytes = len(directiveOpener)
		return before
	}

	if isWordBoundary(r) {
		word := b.pending.String()
		b.pending.Reset()
		return word
	}
	if b.pending.Len() >= b.cfg.WordBufferCeilingBytes {
		word := b.pending.String()
		b.pending.Reset()
		return word
	}
	return ""
}

// advanceDirective handles one rune while already inside a directive
// (opener already consumed on a prior call).
func (b *Buffer) advanceDirective(r rune) string {
	b.pending.WriteRune(r)
	b.directiveBytes += utf8.RuneLen(r)

	if b.escaped {
		b.escaped = false
	} else if b.inString {
		switch r {
		case '\\':
			b.escaped = true
		case '"':
			b.inString = false
		}
	} else {
		switch r {
		case '"':
			b.inString = true
		case '{':
			b.braceDepth++
		case '}':
			b.braceDepth--
			if b.braceDepth <= 0 {
				directive := b.pending.String()
				b.resetDirectiveState()
				return directive
			}
		}
	}

	if b.directiveBytes > b.cfg.DirectiveScanLimitBytes {
		content := b.pending.String()
		b.resetDirectiveState()
		return content
	}
	return ""
}

func (b *Buffer) resetDirectiveState() {
	b.pending.Reset()
	b.m = modeWord
	b.braceDepth = 0
	b.inString = false
	b.escaped = false
	b.directiveBytes = 0
}

// Flush emits any residual buffered content regardless of boundary state:
// an in-progress word, an unterminated directive, or a held-back partial
// rune.
func (b *Buffer) Flush() []string {
	var out []string
	// pending always precedes incompleteRune in input order: incompleteRune
	// holds bytes held back from the most recent Push, which were the last
	// bytes received, so they must be emitted last.
	if b.pending.Len() > 0 {
		out = append(out, b.pending.String())
		b.pending.Reset()
	}
	if len(b.incompleteRune) > 0 {
		out = append(out, string(b.incompleteRune))
		b.incompleteRune = nil
	}
	b.m = modeWord
	b.braceDepth = 0
	b.inString = false
	b.escaped = false
	b.directiveBytes = 0
	return out
}
