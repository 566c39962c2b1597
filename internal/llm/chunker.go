package llm

import "strings"

// DefaultChunkSize is the soft ceiling on chunk length in characters.
// Content under a single heading is split so each stored fragment stays
// near this size; a single long sentence may overshoot it.
const DefaultChunkSize = 1500

// Chunker splits long content into fragments along sentence boundaries.
type Chunker struct {
	// MaxChunkSize is the soft ceiling per chunk in characters.
	MaxChunkSize int
}

// NewChunker creates a chunker with the default soft ceiling.
func NewChunker() *Chunker {
	return &Chunker{MaxChunkSize: DefaultChunkSize}
}

// Chunk splits content into pieces no larger than MaxChunkSize, preferring
// paragraph then sentence boundaries. Content at or under the ceiling is
// returned as a single chunk. Empty content yields no chunks.
func (c *Chunker) Chunk(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	max := c.MaxChunkSize
	if max <= 0 {
		max = DefaultChunkSize
	}
	if len(content) <= max {
		return []string{content}
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, paragraph := range strings.Split(content, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}

		// Whole paragraph fits into the current chunk.
		if current.Len()+len(paragraph)+2 <= max {
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(paragraph)
			continue
		}
		flush()

		if len(paragraph) <= max {
			current.WriteString(paragraph)
			continue
		}

		// Oversized paragraph: pack sentences.
		for _, sentence := range splitSentences(paragraph) {
			if current.Len()+len(sentence)+1 > max && current.Len() > 0 {
				flush()
			}
			if current.Len() > 0 {
				current.WriteString(" ")
			}
			current.WriteString(sentence)
		}
		flush()
	}
	flush()

	return chunks
}

// splitSentences breaks text at sentence-ending punctuation followed by
// whitespace. Good enough for prose; a run-on sentence simply stays whole.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch != '.' && ch != '!' && ch != '?' {
			continue
		}
		if i+1 < len(text) && text[i+1] != ' ' && text[i+1] != '\n' && text[i+1] != '\t' {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
