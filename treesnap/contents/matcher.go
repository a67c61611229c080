package contents

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyPattern   = errors.New("search pattern cannot be empty")
	ErrInvalidPattern = errors.New("invalid search pattern")
)

// Matcher finds literal or regular expression matches in text.
type Matcher interface {
	// FindAll calls yield with the byte range of each non-empty,
	// non-overlapping match, leftmost first, until yield returns false.
	FindAll(text string, yield func(start, end int) bool)
	// FindEach calls yield for every position a match starts at, overlapping
	// matches included. Only meaningful when Local reports true.
	FindEach(text string, yield func(start, end int) bool)
	// MatchString reports whether text contains a match.
	MatchString(text string) bool
	// Local reports whether a match at some position depends only on the
	// text from that position on. Local matchers can scan a file piece by
	// piece; others need the whole text.
	Local() bool
	// Overlap is how far past a piece end a match starting in the piece may
	// extend. Zero for matchers that are not local.
	Overlap() int
}

// MatchOptions controls how a pattern is interpreted.
type MatchOptions struct {
	MatchCase bool
	Regex     bool
}

// NewMatcher compiles pattern.
func NewMatcher(pattern string, opts MatchOptions) (Matcher, error) {
	if pattern == "" {
		return nil, ErrEmptyPattern
	}
	if !opts.Regex && opts.MatchCase {
		return &literalMatcher{pattern: pattern}, nil
	}

	expr := pattern
	overlap := 0
	if !opts.Regex {
		expr = regexp.QuoteMeta(pattern)
		// case folding may change the byte length of a rune
		overlap = 4 * len(pattern)
	}
	if !opts.MatchCase {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPattern, err)
	}
	return &regexMatcher{re: re, local: !opts.Regex, overlap: overlap}, nil
}

type literalMatcher struct {
	pattern string
}

func (m *literalMatcher) FindAll(text string, yield func(start, end int) bool) {
	m.scan(text, len(m.pattern), yield)
}

func (m *literalMatcher) FindEach(text string, yield func(start, end int) bool) {
	m.scan(text, 1, yield)
}

func (m *literalMatcher) scan(text string, step int, yield func(start, end int) bool) {
	for off := 0; off <= len(text)-len(m.pattern); {
		i := strings.Index(text[off:], m.pattern)
		if i < 0 {
			return
		}
		start := off + i
		if !yield(start, start+len(m.pattern)) {
			return
		}
		off = start + step
	}
}

func (m *literalMatcher) MatchString(text string) bool {
	return strings.Contains(text, m.pattern)
}

func (m *literalMatcher) Local() bool { return true }

func (m *literalMatcher) Overlap() int { return len(m.pattern) - 1 }

type regexMatcher struct {
	re      *regexp.Regexp
	local   bool
	overlap int
}

func (m *regexMatcher) FindAll(text string, yield func(start, end int) bool) {
	for _, loc := range m.re.FindAllStringIndex(text, -1) {
		if loc[0] == loc[1] {
			continue
		}
		if !yield(loc[0], loc[1]) {
			return
		}
	}
}

func (m *regexMatcher) FindEach(text string, yield func(start, end int) bool) {
	for off := 0; off < len(text); {
		loc := m.re.FindStringIndex(text[off:])
		if loc == nil {
			return
		}
		start, end := off+loc[0], off+loc[1]
		if end > start && !yield(start, end) {
			return
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		off = start + max(size, 1)
	}
}

func (m *regexMatcher) MatchString(text string) bool {
	return m.re.MatchString(text)
}

func (m *regexMatcher) Local() bool { return m.local }

func (m *regexMatcher) Overlap() int { return m.overlap }

// NonOverlapping keeps the spans a leftmost, non-overlapping scan would
// report. spans must be sorted by position.
func NonOverlapping(spans []FilePositionSpan) []FilePositionSpan {
	out := spans[:0:0]
	end := -1
	for _, s := range spans {
		if s.Position < end {
			continue
		}
		out = append(out, s)
		end = s.End()
	}
	return out
}
