// Package ingest turns uploaded files into indexed documents: derive a
// docid, dispatch a chunker by file type, merge metadata, and hand the
// resulting records to the collection store as one atomic replace.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"patchvec/internal/engine"
	"patchvec/internal/logging"
	"patchvec/internal/store"
)

var (
	// ErrNoTextExtracted means the file produced no indexable chunks.
	ErrNoTextExtracted = errors.New("no text could be extracted from the file")

	// ErrInvalidCSVOptions flags unusable csv column or header options.
	ErrInvalidCSVOptions = errors.New("invalid csv options")
)

// Chunk is one unit of text produced by a chunker, before record assembly.
type Chunk struct {
	LocalID string
	Text    string
	Extra   map[string]any
}

// Config holds pipeline tuning.
type Config struct {
	// TxtChunkSize and TxtChunkOverlap drive the plain-text chunker.
	TxtChunkSize    int
	TxtChunkOverlap int

	Logger *slog.Logger
}

// Pipeline ingests files into a collection store.
type Pipeline struct {
	store   *store.Store
	size    int
	overlap int
	logger  *slog.Logger
}

func NewPipeline(s *store.Store, cfg Config) *Pipeline {
	size := cfg.TxtChunkSize
	if size <= 0 {
		size = 1000
	}
	overlap := cfg.TxtChunkOverlap
	if overlap < 0 {
		overlap = 0
	}
	return &Pipeline{
		store:   s,
		size:    size,
		overlap: overlap,
		logger:  logging.Default(cfg.Logger).With("component", "ingest"),
	}
}

// Request carries one ingest invocation.
type Request struct {
	Tenant     string
	Collection string
	Filename   string
	Data       []byte

	// DocID overrides the filename-derived document id when set.
	DocID string

	// Metadata is merged into every chunk's metadata.
	Metadata map[string]any

	// ContentType is the client-declared MIME type, used to recognize CSV
	// uploads without a .csv extension.
	ContentType string

	CSV CSVOptions
}

// Result reports what was indexed.
type Result struct {
	DocID  string
	Chunks int
	Purged int
}

// Ingest runs the full flow: resolve docid, purge any previous version,
// chunk, and index. Re-ingesting a docid is a full replace.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (Result, error) {
	docid := req.DocID
	if docid == "" {
		docid = DeriveDocID(req.Filename)
	}

	res := Result{DocID: docid}

	has, err := p.store.HasDoc(req.Tenant, req.Collection, docid)
	if err != nil {
		return res, fmt.Errorf("catalog check: %w", err)
	}
	if has {
		n, err := p.store.PurgeDoc(ctx, req.Tenant, req.Collection, docid)
		if err != nil {
			return res, fmt.Errorf("purge before re-ingest: %w", err)
		}
		res.Purged = n
	}

	chunks, err := p.chunk(req)
	if err != nil {
		return res, err
	}

	ingestedAt := time.Now().UTC().Format(time.RFC3339)
	records := make([]engine.Record, 0, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		meta := map[string]any{
			"docid":       docid,
			"filename":    req.Filename,
			"ingested_at": ingestedAt,
		}
		for k, v := range req.Metadata {
			meta[k] = v
		}
		for k, v := range c.Extra {
			meta[k] = v
		}
		records = append(records, engine.Record{ID: c.LocalID, Text: c.Text, Meta: meta})
	}
	if len(records) == 0 {
		return res, ErrNoTextExtracted
	}

	n, err := p.store.IndexRecords(ctx, req.Tenant, req.Collection, docid, records)
	if err != nil {
		return res, fmt.Errorf("index records: %w", err)
	}
	res.Chunks = n
	p.logger.Info("document ingested",
		"tenant", req.Tenant, "collection", req.Collection,
		"docid", docid, "chunks", n, "purged", res.Purged)
	return res, nil
}

// chunk dispatches by extension; CSV is also recognized by MIME type.
// Anything else is treated as plain text.
func (p *Pipeline) chunk(req Request) ([]Chunk, error) {
	ext := strings.ToLower(filepath.Ext(req.Filename))
	switch {
	case ext == ".pdf":
		return chunkPDF(req.Data)
	case ext == ".csv" || strings.HasPrefix(req.ContentType, "text/csv"):
		return chunkCSV(req.Data, req.CSV)
	default:
		return chunkTxt(req.Data, p.size, p.overlap), nil
	}
}

// DeriveDocID builds a document id from a filename: uppercase, every rune
// outside [A-Z0-9_] becomes an underscore, runs collapse, edges trim. An
// unusable result falls back to a random id.
func DeriveDocID(filename string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(filename) {
		if unicode.IsUpper(r) || unicode.IsDigit(r) || r == '_' {
			if r > unicode.MaxASCII {
				b.WriteByte('_')
				continue
			}
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := collapseUnderscores(b.String())
	out = strings.Trim(out, "_")
	if out == "" {
		return "PVDOC_" + uuid.NewString()
	}
	return out
}

func collapseUnderscores(s string) string {
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return s
}
