// Package chunker splits extracted text into ordered chunks. Chunking is
// deterministic: the same text and options always produce the same
// boundaries, so a document can be re-chunked after a crash without
// drifting from what was already embedded.
package chunker

import (
	"strings"
	"unicode/utf8"
)

type Options struct {
	ChunkSize int    // target chunk size in characters
	Overlap   int    // overlap between chunks, fixed strategy only
	Strategy  string // "fixed", "recursive", "sentence"
}

type Chunk struct {
	Content  string
	Sequence int
}

func DefaultOptions() Options {
	return Options{
		ChunkSize: 1000,
		Overlap:   200,
		Strategy:  "recursive",
	}
}

// Split chunks text. Non-blank input always yields at least one chunk;
// sequences are contiguous from 0.
func Split(text string, opts Options) []Chunk {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1000
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var parts []string
	switch opts.Strategy {
	case "sentence":
		parts = splitBySentence(text, opts.ChunkSize)
	case "fixed":
		parts = splitFixed(text, opts.ChunkSize, opts.Overlap)
	default:
		parts = splitRecursive(text, recursiveSeparators, opts.ChunkSize)
	}

	chunks := make([]Chunk, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		chunks = append(chunks, Chunk{Content: p, Sequence: len(chunks)})
	}
	if len(chunks) == 0 {
		chunks = append(chunks, Chunk{Content: strings.TrimSpace(text), Sequence: 0})
	}
	return chunks
}

var recursiveSeparators = []string{"\n\n", "\n", ". ", " "}

func splitFixed(text string, size, overlap int) []string {
	var parts []string
	runes := []rune(text)

	step := size - overlap
	if step <= 0 {
		step = size
	}

	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return parts
}

func splitRecursive(text string, separators []string, size int) []string {
	if utf8.RuneCountInString(text) <= size {
		return []string{text}
	}

	if len(separators) == 0 {
		return splitFixed(text, size, 0)
	}

	sep := separators[0]
	pieces := strings.Split(text, sep)
	var result []string
	var current strings.Builder

	for _, piece := range pieces {
		if current.Len() > 0 && utf8.RuneCountInString(current.String()+sep+piece) > size {
			result = append(result, splitRecursive(current.String(), separators[1:], size)...)
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(piece)
	}

	if current.Len() > 0 {
		result = append(result, splitRecursive(current.String(), separators[1:], size)...)
	}
	return result
}

func splitBySentence(text string, size int) []string {
	sentences := splitSentences(text)

	var parts []string
	var current strings.Builder

	for _, s := range sentences {
		if current.Len() > 0 && utf8.RuneCountInString(current.String()+s) > size {
			parts = append(parts, current.String())
			current.Reset()
		}
		current.WriteString(s)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for i, r := range text {
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && i+1 < len(text) && text[i+1] == ' ' {
			sentences = append(sentences, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		sentences = append(sentences, current.String())
	}
	return sentences
}
