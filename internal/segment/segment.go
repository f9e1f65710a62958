// Package segment splits a document into bounded-size segments.
//
// Size is measured in units: CJK unified ideographs (U+4E00..U+9FFF).
// ASCII letters, digits, whitespace and punctuation are free, which matches
// the length budget the downstream model prompts are tuned for.
package segment

import (
	"errors"
	"strings"
)

// DefaultMaxUnits is used when a caller passes a non-positive limit.
const DefaultMaxUnits = 500

// ErrNoSegments is returned by SplitDocument when the input holds no text.
var ErrNoSegments = errors.New("segment: document contains no text")

// CountUnits returns the number of CJK ideographs in text.
func CountUnits(text string) int {
	n := 0
	for _, r := range text {
		if isUnit(r) {
			n++
		}
	}
	return n
}

func isUnit(r rune) bool {
	return r >= 0x4E00 && r <= 0x9FFF
}

func isTerminal(r rune) bool {
	switch r {
	case '。', '！', '？', '；', '.', '!', '?', ';':
		return true
	}
	return false
}

// Split breaks text into ordered, non-empty segments of at most maxUnits
// units. Paragraphs (hard newlines) are never merged. A paragraph over the
// limit is cut at sentence terminators and re-packed greedily; a single
// sentence longer than the limit is kept whole.
func Split(text string, maxUnits int) []string {
	if maxUnits <= 0 {
		maxUnits = DefaultMaxUnits
	}

	var segments []string
	for _, para := range strings.Split(text, "\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if CountUnits(para) <= maxUnits {
			segments = append(segments, para)
			continue
		}
		segments = append(segments, pack(sentences(para), maxUnits)...)
	}
	return segments
}

// SplitDocument is Split for session creation: it fails instead of
// returning an empty result.
func SplitDocument(text string, maxUnits int) ([]string, error) {
	segments := Split(text, maxUnits)
	if len(segments) == 0 {
		return nil, ErrNoSegments
	}
	return segments, nil
}

// sentences cuts para after each run of terminal punctuation. The
// terminators stay attached to the sentence they close.
func sentences(para string) []string {
	var out []string
	var cur strings.Builder
	runes := []rune(para)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if !isTerminal(runes[i]) {
			continue
		}
		for i+1 < len(runes) && isTerminal(runes[i+1]) {
			i++
			cur.WriteRune(runes[i])
		}
		out = append(out, cur.String())
		cur.Reset()
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func pack(parts []string, maxUnits int) []string {
	var out []string
	var buf strings.Builder
	bufUnits := 0

	flush := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			out = append(out, s)
		}
		buf.Reset()
		bufUnits = 0
	}

	for _, s := range parts {
		u := CountUnits(s)
		if buf.Len() > 0 && bufUnits+u > maxUnits {
			flush()
		}
		buf.WriteString(s)
		bufUnits += u
	}
	flush()
	return out
}
