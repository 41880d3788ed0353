package ingest

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// chunkTxt splits plain text into fixed-size overlapping character windows.
// Invalid UTF-8 input falls back to a Latin-1 interpretation so legacy files
// never fail outright.
func chunkTxt(data []byte, size, overlap int) []Chunk {
	text := decodeText(data)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if overlap >= size {
		overlap = size - 1
	}
	step := size - overlap
	if step < 1 {
		step = 1
	}

	runes := []rune(text)
	var chunks []Chunk
	for n, start := 0, 0; start < len(runes); n, start = n+1, start+step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{
			LocalID: chunkLocalID("chunk", n),
			Text:    string(runes[start:end]),
			Extra:   map[string]any{"chunk": n},
		})
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// decodeText returns the input as UTF-8, reading raw bytes as Latin-1 when
// the input is not valid UTF-8.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	var b strings.Builder
	b.Grow(len(data))
	for _, c := range data {
		b.WriteRune(rune(c))
	}
	return b.String()
}

func chunkLocalID(kind string, n int) string {
	return fmt.Sprintf("%s_%d", kind, n)
}
