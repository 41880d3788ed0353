package ingest

import (
	"bytes"

	"github.com/ledongthuc/pdf"
)

// chunkPDF emits one chunk per page, 1-based. Pages without extractable text
// yield empty chunks, which the record assembly skips. A file the parser
// cannot read at all produces no chunks, surfacing as no_text_extracted
// rather than a server error: broken uploads are a client problem.
func chunkPDF(data []byte) (chunks []Chunk, err error) {
	// The parser panics on some malformed files; treat that as "no text".
	defer func() {
		if recover() != nil {
			chunks, err = nil, nil
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil
	}

	for n := 1; n <= r.NumPage(); n++ {
		page := r.Page(n)
		var text string
		if !page.V.IsNull() {
			if t, err := page.GetPlainText(nil); err == nil {
				text = t
			}
		}
		chunks = append(chunks, Chunk{
			LocalID: chunkLocalID("page", n),
			Text:    text,
			Extra:   map[string]any{"page": n},
		})
	}
	return chunks, nil
}
