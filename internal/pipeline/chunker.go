package pipeline

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var abbreviations = []string{
	"dr.", "mr.", "mrs.", "ms.", "jr.", "sr.", "prof.", "st.",
	"inc.", "ltd.", "co.", "vs.", "etc.", "i.e.", "e.g.", "a.m.", "p.m.",
}

// SentenceChunker buffers streamed text and releases whole sentences
type SentenceChunker struct {
	terminators string
	buf         strings.Builder
}

// NewSentenceChunker splits on any rune in terminators
func NewSentenceChunker(terminators string) *SentenceChunker {
	return &SentenceChunker{terminators: terminators}
}

// Add appends text and returns the sentences it completes
func (c *SentenceChunker) Add(text string) []string {
	c.buf.WriteString(text)
	content := c.buf.String()

	var sentences []string
	last := 0
	for i, r := range content {
		if !c.isBoundary(content, i, r) {
			continue
		}
		end := i + utf8.RuneLen(r)
		if s := strings.TrimSpace(content[last:end]); s != "" {
			sentences = append(sentences, s)
		}
		last = end
	}

	if last > 0 {
		c.buf.Reset()
		c.buf.WriteString(content[last:])
	}
	return sentences
}

// Flush returns whatever is left and empties the buffer
func (c *SentenceChunker) Flush() string {
	rest := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return rest
}

// isBoundary decides whether the terminator r at byte offset i ends a
// sentence. ASCII terminators need following whitespace, so "3.14" arriving
// as "3." then "14" is not split; full-width ones end immediately.
func (c *SentenceChunker) isBoundary(s string, i int, r rune) bool {
	if !strings.ContainsRune(c.terminators, r) {
		return false
	}
	if r >= utf8.RuneSelf {
		return true
	}

	next := i + 1
	if next >= len(s) {
		return false
	}
	nr, _ := utf8.DecodeRuneInString(s[next:])
	if !unicode.IsSpace(nr) {
		return false
	}
	return r != '.' || !isAbbreviation(s, i)
}

// isAbbreviation reports whether the period at i closes a known
// abbreviation or a single-letter initial
func isAbbreviation(s string, i int) bool {
	start := i
	for start > 0 && s[start-1] != ' ' && s[start-1] != '\n' {
		start--
	}
	word := strings.ToLower(s[start : i+1])
	for _, abbr := range abbreviations {
		if word == abbr {
			return true
		}
	}
	return i-start == 1 && s[start] >= 'A' && s[start] <= 'Z'
}
