// Package chunk splits paper text into overlapping fixed-size windows.
package chunk

import (
	"fmt"
	"strings"
)

const (
	DefaultSize    = 500
	DefaultOverlap = 50
)

// Splitter cuts text into windows of at most Size runes where consecutive
// windows share exactly Overlap runes.
type Splitter struct {
	Size    int
	Overlap int
}

// Default returns the splitter used by the index.
func Default() Splitter {
	return Splitter{Size: DefaultSize, Overlap: DefaultOverlap}
}

// Validate checks that 0 <= Overlap < Size.
func (s Splitter) Validate() error {
	if s.Size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", s.Size)
	}
	if s.Overlap < 0 || s.Overlap >= s.Size {
		return fmt.Errorf("chunk overlap must be in [0, %d), got %d", s.Size, s.Overlap)
	}
	return nil
}

// Split returns the windows of text after trimming surrounding whitespace.
// Blank input yields no chunks. An invalid splitter falls back to the defaults.
func (s Splitter) Split(text string) []string {
	if s.Validate() != nil {
		s = Default()
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	stride := s.Size - s.Overlap
	var out []string
	for start := 0; ; start += stride {
		end := start + s.Size
		if end >= len(runes) {
			out = append(out, string(runes[start:]))
			break
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
