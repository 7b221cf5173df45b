// Package segment splits long input text into request-sized pieces for the
// synthesis service.
package segment

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxChars is the per-request character budget of the Chatterbox Space.
const DefaultMaxChars = 250

const delimiter = ". "

// Segment is one bounded piece of text scheduled for a single synthesis call.
type Segment struct {
	Index int
	Text  string
	// Oversized marks a single sentence that alone exceeds the budget. It is
	// emitted whole rather than cut mid-sentence.
	Oversized bool
}

// Len returns the length of the segment in characters.
func (s Segment) Len() int { return utf8.RuneCountInString(s.Text) }

// Normalize folds line breaks into spaces and trims the result.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", " ")
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	return strings.TrimSpace(text)
}

// Split greedily packs sentence-like units (text separated by ". ") into
// segments. Units are accumulated into a buffer joined by ". "; when appending
// the next unit would make the buffer reach maxChars, the buffer is flushed and
// the unit starts a new one. The period consumed by a split point is restored
// to the segment before it. Empty units stay in the buffer and never start a
// segment of their own. A non-positive maxChars falls back to DefaultMaxChars.
// Split is pure: the same input always yields the same segments.
func Split(text string, maxChars int) []Segment {
	if maxChars < 1 {
		maxChars = DefaultMaxChars
	}
	normalized := Normalize(text)
	if normalized == "" {
		return nil
	}
	units := strings.Split(normalized, delimiter)

	var (
		segments []Segment
		buf      strings.Builder
		bufLen   int
		started  bool
	)
	// flush emits the buffer. last reports whether the buffer ends with the
	// final unit, which kept its own punctuation.
	flush := func(last bool) {
		chunk := buf.String()
		if !last {
			chunk += "."
		}
		oversized := bufLen >= maxChars
		buf.Reset()
		bufLen = 0
		started = false
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			return
		}
		segments = append(segments, Segment{
			Index:     len(segments),
			Text:      chunk,
			Oversized: oversized,
		})
	}

	for _, unit := range units {
		n := utf8.RuneCountInString(unit)
		if started && strings.TrimSpace(buf.String()) != "" && bufLen+len(delimiter)+n >= maxChars {
			flush(false)
		}
		if started {
			buf.WriteString(delimiter)
			bufLen += len(delimiter)
		}
		buf.WriteString(unit)
		bufLen += n
		started = true
	}
	flush(true)
	return segments
}

// Join reassembles segments into a single string. Join(Split(t, n)) equals
// Normalize(t) except for whitespace adjacent to a segment boundary.
func Join(segments []Segment) string {
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = s.Text
	}
	return strings.Join(parts, " ")
}

// Texts returns the payloads of segments in order.
func Texts(segments []Segment) []string {
	out := make([]string, len(segments))
	for i, s := range segments {
		out[i] = s.Text
	}
	return out
}
