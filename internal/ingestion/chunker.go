package ingestion

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const DefaultChunkSize = 600

// Chunker packs whole sentences into chunks shorter than Size characters.
type Chunker struct {
	Size int
}

// Split closes a chunk whenever the next sentence would bring it to Size
// characters or more, so every multi-sentence chunk is shorter than Size. A
// sentence of Size characters or more becomes a chunk of its own.
func (c Chunker) Split(text string) []string {
	size := c.Size
	if size <= 0 {
		size = DefaultChunkSize
	}

	var (
		chunks  []string
		current strings.Builder
		length  int
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
		length = 0
	}

	for _, sentence := range Sentences(text) {
		n := utf8.RuneCountInString(sentence)
		sep := 0
		if length > 0 {
			sep = 1
		}
		if length+sep+n < size {
			if sep > 0 {
				current.WriteByte(' ')
			}
			current.WriteString(sentence)
			length += sep + n
			continue
		}
		flush()
		current.WriteString(sentence)
		length = n
	}
	flush()

	return chunks
}

// Sentences splits text after '.', '!', '?' or the Arabic question mark when
// followed by whitespace. Terminators stay attached to their sentence.
func Sentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) || i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		start = j
		i = j - 1
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '؟':
		return true
	}
	return false
}
