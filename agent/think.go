package agent

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// thinkFilter withholds <think> blocks from streamed text. Push returns only
// the part of the normal text not yet returned.
type thinkFilter struct {
	raw  bool
	buf  strings.Builder
	sent int
}

func newThinkFilter(includeThink bool) *thinkFilter {
	return &thinkFilter{raw: includeThink}
}

func (f *thinkFilter) Push(fragment string) string {
	f.buf.WriteString(fragment)
	if f.raw {
		f.sent = f.buf.Len()
		return fragment
	}
	return f.advance(false)
}

// Flush releases text held back only because it might open a tag.
func (f *thinkFilter) Flush() string {
	if f.raw {
		return ""
	}
	return f.advance(true)
}

// Text is the full normal text seen so far.
func (f *thinkFilter) Text() string {
	if f.raw {
		return f.buf.String()
	}
	return normalText(f.buf.String(), true)
}

func (f *thinkFilter) Reset() {
	f.buf.Reset()
	f.sent = 0
}

func (f *thinkFilter) advance(final bool) string {
	normal := normalText(f.buf.String(), final)
	if len(normal) <= f.sent {
		return ""
	}
	out := normal[f.sent:]
	f.sent = len(normal)
	return out
}

// normalText strips closed think blocks and cuts at an unclosed one. Unless
// final, a trailing prefix of the opening tag is held back too.
func normalText(s string, final bool) string {
	var out strings.Builder
	rest := s
	for {
		i := strings.Index(rest, thinkOpen)
		if i < 0 {
			if !final {
				rest = rest[:len(rest)-partialTagSuffix(rest, thinkOpen)]
			}
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:i])
		j := strings.Index(rest[i:], thinkClose)
		if j < 0 {
			break
		}
		rest = rest[i+j+len(thinkClose):]
	}
	return strings.TrimLeft(out.String(), " \t\r\n")
}

// partialTagSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialTagSuffix(s, tag string) int {
	for n := len(tag) - 1; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
