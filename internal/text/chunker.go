package text

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Segment is one chunk of a document. StartWord and EndWord index the document's
// word sequence (half-open), so a segment can be mapped back to pages.
type Segment struct {
	Index     int
	Text      string
	StartWord int
	EndWord   int
}

// WordCount reports the number of words in the segment.
func (s Segment) WordCount() int {
	return s.EndWord - s.StartWord
}

// Chunker splits normalized text into overlapping word windows.
// Size and Overlap are in words; Overlap must be smaller than Size.
// Tolerance is how far before the hard limit a sentence or paragraph end may pull the cut.
type Chunker struct {
	Size      int
	Overlap   int
	Tolerance int
}

func NewChunker(size, overlap, tolerance int) Chunker {
	return Chunker{Size: size, Overlap: overlap, Tolerance: tolerance}
}

type word struct {
	text     string
	boundary bool // a sentence or paragraph ends after this word
}

// Split is deterministic: equal input and parameters give identical segments.
// The first segment plus every later segment minus its first Overlap words
// reproduces the input's word sequence.
func (c Chunker) Split(text string) []Segment {
	words := tokenize(text)
	if len(words) == 0 {
		return nil
	}

	size := c.Size
	if size <= 0 {
		size = len(words)
	}
	overlap := c.Overlap
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var segments []Segment
	start := 0
	for {
		end := start + size
		if end >= len(words) {
			end = len(words)
		} else {
			end = c.preferBoundary(words, start, end, overlap)
		}

		segments = append(segments, Segment{
			Index:     len(segments),
			Text:      join(words[start:end]),
			StartWord: start,
			EndWord:   end,
		})

		if end == len(words) {
			return segments
		}
		start = end - overlap
	}
}

// preferBoundary walks back from the hard limit looking for a boundary word.
// The cut never lands at or before start+overlap so every window makes progress.
func (c Chunker) preferBoundary(words []word, start, end, overlap int) int {
	floor := end - c.Tolerance
	if lowest := start + overlap + 1; floor < lowest {
		floor = lowest
	}
	for e := end; e >= floor; e-- {
		if words[e-1].boundary {
			return e
		}
	}
	return end
}

func tokenize(text string) []word {
	var words []word
	for _, para := range strings.Split(text, "\n\n") {
		fields := strings.Fields(para)
		for i, f := range fields {
			last := i == len(fields)-1
			words = append(words, word{
				text:     f,
				boundary: last || (endsSentence(f) && startsSentence(fields[i+1])),
			})
		}
	}
	return words
}

func endsSentence(w string) bool {
	w = strings.TrimRight(w, `"')]”’`)
	if w == "" {
		return false
	}
	switch w[len(w)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// startsSentence keeps abbreviations such as "e.g. metformin" from counting as breaks.
func startsSentence(w string) bool {
	r, _ := utf8.DecodeRuneInString(strings.TrimLeft(w, `"'([“‘`))
	return unicode.IsUpper(r) || unicode.IsDigit(r)
}

func join(words []word) string {
	var b strings.Builder
	for i, w := range words {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w.text)
	}
	return b.String()
}

// CountWords counts whitespace-separated words.
func CountWords(s string) int {
	return len(strings.Fields(s))
}
