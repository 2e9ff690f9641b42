package turn

import "strings"

// Chunker boundaries. Fragments are cut at sentence punctuation so the TTS
// engine gets prosodically complete units; a run-on with no punctuation is
// cut at the last word boundary before maxFragmentRunes so synthesis can
// start without waiting for the full reply.
const (
	minFragmentRunes = 12
	maxFragmentRunes = 140
)

// sentenceEnd reports whether r terminates a sentence or clause.
func sentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', ';', ':', '\n':
		return true
	}
	return false
}

// Chunker accumulates streamed LLM text and cuts it into fragments suitable
// for incremental speech synthesis. Not safe for concurrent use; the
// pipeline owns one per turn.
type Chunker struct {
	buf []rune
}

// Push adds streamed text and returns any complete fragments.
func (c *Chunker) Push(text string) []string {
	var out []string
	emit := func(n int) {
		if s := c.cut(n); s != "" {
			out = append(out, s)
		}
	}
	for _, r := range text {
		c.buf = append(c.buf, r)
		if sentenceEnd(r) && len(c.buf) >= minFragmentRunes {
			emit(len(c.buf))
			continue
		}
		if len(c.buf) >= maxFragmentRunes {
			if i := lastSpace(c.buf); i > 0 {
				emit(i + 1)
			} else {
				emit(len(c.buf))
			}
		}
	}
	return out
}

// Flush returns the remaining buffered text, if any.
func (c *Chunker) Flush() (string, bool) {
	s := strings.TrimSpace(string(c.buf))
	c.buf = c.buf[:0]
	return s, s != ""
}

// cut removes the first n runes from the buffer and returns them trimmed.
func (c *Chunker) cut(n int) string {
	s := strings.TrimSpace(string(c.buf[:n]))
	c.buf = append(c.buf[:0], c.buf[n:]...)
	return s
}

func lastSpace(buf []rune) int {
	for i := len(buf) - 1; i >= 0; i-- {
		if buf[i] == ' ' {
			return i
		}
	}
	return -1
}
