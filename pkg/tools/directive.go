package tools

import (
	"strings"
)

// Directive is one parsed inline tool macro of the form
// [TOOL:name:k1=v1,k2=v2].
type Directive struct {
	Name string
	Args map[string]string
	// Raw is the directive text as it appeared in the stream.
	Raw string
}

const directivePrefix = "[TOOL:"

// maxDirectiveLen bounds how much text the scanner buffers while
// waiting for a closing bracket. Anything longer is flushed as
// literal output.
const maxDirectiveLen = 4096

// DirectiveScanner extracts tool directives from streaming output.
// A directive may span chunk boundaries; the scanner buffers a
// candidate from '[' until the closing ']' and re-emits malformed
// candidates as literal text.
type DirectiveScanner struct {
	candidate strings.Builder
	buffering bool
}

// NewDirectiveScanner builds a scanner in the normal state.
func NewDirectiveScanner() *DirectiveScanner {
	return &DirectiveScanner{}
}

// Feed consumes one chunk and returns the literal text to pass
// through plus any complete directives found, in stream order
// relative to the text.
func (s *DirectiveScanner) Feed(chunk string) (string, []Directive) {
	var text strings.Builder
	var directives []Directive

	for i := 0; i < len(chunk); i++ {
		c := chunk[i]
		if !s.buffering {
			if c == '[' {
				s.buffering = true
				s.candidate.WriteByte(c)
			} else {
				text.WriteByte(c)
			}
			continue
		}

		if c == '[' {
			// A fresh open bracket restarts the candidate; what came
			// before it cannot be a directive anymore.
			text.WriteString(s.candidate.String())
			s.candidate.Reset()
			s.candidate.WriteByte(c)
			continue
		}

		s.candidate.WriteByte(c)

		if c == ']' {
			raw := s.candidate.String()
			s.candidate.Reset()
			s.buffering = false
			if d, ok := parseDirective(raw); ok {
				directives = append(directives, d)
			} else {
				text.WriteString(raw)
			}
			continue
		}

		if !s.plausible() {
			text.WriteString(s.candidate.String())
			s.candidate.Reset()
			s.buffering = false
		}
	}

	return text.String(), directives
}

// Flush returns any buffered partial candidate as literal text. Call
// once when the stream ends.
func (s *DirectiveScanner) Flush() string {
	if !s.buffering {
		return ""
	}
	out := s.candidate.String()
	s.candidate.Reset()
	s.buffering = false
	return out
}

// plausible reports whether the current candidate can still become a
// well-formed directive.
func (s *DirectiveScanner) plausible() bool {
	cur := s.candidate.String()
	if len(cur) > maxDirectiveLen {
		return false
	}
	if len(cur) <= len(directivePrefix) {
		return strings.HasPrefix(directivePrefix, cur)
	}
	return strings.HasPrefix(cur, directivePrefix)
}

// parseDirective validates a complete bracketed candidate against the
// directive grammar. Malformed candidates are passed through as
// literal text by the caller.
func parseDirective(raw string) (Directive, bool) {
	if !strings.HasPrefix(raw, directivePrefix) || !strings.HasSuffix(raw, "]") {
		return Directive{}, false
	}
	body := raw[len(directivePrefix) : len(raw)-1]

	name, argList, ok := strings.Cut(body, ":")
	if !ok || !validToken(name) {
		return Directive{}, false
	}

	args := make(map[string]string)
	if argList != "" {
		for _, pair := range strings.Split(argList, ",") {
			key, value, found := strings.Cut(pair, "=")
			if !found || !validToken(key) {
				return Directive{}, false
			}
			args[key] = value
		}
	}

	return Directive{Name: name, Args: args, Raw: raw}, true
}

// validToken matches 1*(ALPHA / DIGIT / "_").
func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}
	return true
}
