package ingest

import (
	"context"
	"strings"
	"testing"

	"patchvec/internal/engine"
	"patchvec/internal/engine/embed"
	"patchvec/internal/engine/memdex"
	"patchvec/internal/logging"
	"patchvec/internal/store"
)

func TestDeriveDocID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"v.txt", "V_TXT"},
		{"Report Final.pdf", "REPORT_FINAL_PDF"},
		{"a..b", "A_B"},
		{"__x__", "X"},
		{"data-2024.csv", "DATA_2024_CSV"},
	}
	for _, tt := range tests {
		if got := DeriveDocID(tt.in); got != tt.want {
			t.Errorf("DeriveDocID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	// Nothing usable falls back to a generated id.
	if got := DeriveDocID("...---..."); !strings.HasPrefix(got, "PVDOC_") {
		t.Errorf("fallback: %q", got)
	}
}

func TestChunkTxtWindows(t *testing.T) {
	text := strings.Repeat("abcdefghij", 3) // 30 chars
	chunks := chunkTxt([]byte(text), 10, 2)

	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	if chunks[0].LocalID != "chunk_0" || chunks[0].Text != "abcdefghij" {
		t.Errorf("first chunk: %+v", chunks[0])
	}
	// step = size - overlap = 8
	if chunks[1].Text != "ijabcdefgh" {
		t.Errorf("second chunk: %q", chunks[1].Text)
	}
	if chunks[1].Extra["chunk"] != 1 {
		t.Errorf("chunk extra: %v", chunks[1].Extra)
	}

	last := chunks[len(chunks)-1]
	if !strings.HasSuffix(text, last.Text) {
		t.Errorf("last chunk not a suffix: %q", last.Text)
	}
}

func TestChunkTxtEdgeCases(t *testing.T) {
	if got := chunkTxt([]byte("   \n\t  "), 100, 10); got != nil {
		t.Errorf("whitespace-only should yield no chunks: %v", got)
	}
	if got := chunkTxt(nil, 100, 10); got != nil {
		t.Errorf("empty should yield no chunks: %v", got)
	}

	// Overlap >= size must still advance.
	chunks := chunkTxt([]byte("abcdef"), 2, 5)
	if len(chunks) == 0 || len(chunks) > 6 {
		t.Errorf("degenerate overlap: %d chunks", len(chunks))
	}

	// Invalid UTF-8 is decoded as Latin-1, not dropped.
	chunks = chunkTxt([]byte{'c', 'a', 'f', 0xe9}, 100, 0)
	if len(chunks) != 1 || chunks[0].Text != "café" {
		t.Errorf("latin-1 fallback: %+v", chunks)
	}
}

func TestChunkCSVWithHeader(t *testing.T) {
	data := []byte("name,amount,dept\nwidget,5,toys\ngizmo,9,tools\n")
	chunks, err := chunkCSV(data, CSVOptions{MetaCols: "dept"})
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks: got %d, want 2", len(chunks))
	}
	c := chunks[0]
	if c.LocalID != "row_0" {
		t.Errorf("local id: %s", c.LocalID)
	}
	if c.Text != "name: widget\namount: 5" {
		t.Errorf("text: %q", c.Text)
	}
	if c.Extra["dept"] != "toys" || c.Extra["row"] != 1 || c.Extra["has_header"] != true {
		t.Errorf("extra: %v", c.Extra)
	}
}

func TestChunkCSVNoHeader(t *testing.T) {
	data := []byte("1,widget\n2,gizmo\n")
	chunks, err := chunkCSV(data, CSVOptions{})
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks: got %d, want 2 (numeric first row means no header)", len(chunks))
	}
	if chunks[0].Text != "col_0: 1\ncol_1: widget" {
		t.Errorf("text: %q", chunks[0].Text)
	}
	if chunks[0].Extra["has_header"] != false {
		t.Errorf("extra: %v", chunks[0].Extra)
	}
}

func TestChunkCSVColumnSpecs(t *testing.T) {
	data := []byte("a,b,c\nx,y,z\n")

	// 1-based numeric indexes.
	chunks, err := chunkCSV(data, CSVOptions{IncludeCols: "1,3"})
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if chunks[0].Text != "a: x\nc: z" {
		t.Errorf("indexed include: %q", chunks[0].Text)
	}

	// Name against headerless data is a client error.
	if _, err := chunkCSV([]byte("1,2\n3,4\n"), CSVOptions{HasHeader: "no", MetaCols: "name"}); err == nil {
		t.Error("name without header should fail")
	}
	// Unknown name.
	if _, err := chunkCSV(data, CSVOptions{IncludeCols: "ghost"}); err == nil {
		t.Error("unknown column should fail")
	}
	// Out-of-range index.
	if _, err := chunkCSV(data, CSVOptions{MetaCols: "9"}); err == nil {
		t.Error("out-of-range index should fail")
	}
	// Bad header mode.
	if _, err := chunkCSV(data, CSVOptions{HasHeader: "maybe"}); err == nil {
		t.Error("bad has_header should fail")
	}
}

func TestChunkCSVSniffsSemicolon(t *testing.T) {
	data := []byte("name;amount\nwidget;5\n")
	chunks, err := chunkCSV(data, CSVOptions{})
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "name: widget\namount: 5" {
		t.Errorf("semicolon dialect: %+v", chunks)
	}
}

func TestChunkPDFGarbage(t *testing.T) {
	chunks, err := chunkPDF([]byte("definitely not a pdf"))
	if err != nil {
		t.Fatalf("garbage pdf should not error: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("garbage pdf should yield no chunks: %d", len(chunks))
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store) {
	t.Helper()
	s, err := store.New(store.Config{
		DataDir: t.TempDir(),
		NewEngine: func(_, _ string) (engine.Engine, error) {
			return memdex.New(memdex.Config{Embedder: embed.NewHashing(0), Logger: logging.Discard()}), nil
		},
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return NewPipeline(s, Config{TxtChunkSize: 1000, TxtChunkOverlap: 200, Logger: logging.Discard()}), s
}

func TestPipelineIngestAndReplace(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	res, err := p.Ingest(ctx, Request{
		Tenant: "acme", Collection: "reup",
		Filename: "doc.txt", Data: []byte("alpha bravo charlie"),
		DocID: "R-42", Metadata: map[string]any{"source": "unit"},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.DocID != "R-42" || res.Chunks != 1 || res.Purged != 0 {
		t.Errorf("first ingest: %+v", res)
	}

	res, err = p.Ingest(ctx, Request{
		Tenant: "acme", Collection: "reup",
		Filename: "doc.txt", Data: []byte("delta echo foxtrot"),
		DocID: "R-42",
	})
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if res.Purged != 1 {
		t.Errorf("re-ingest should purge the old version: %+v", res)
	}

	matches, err := s.Search(ctx, "acme", "reup", "alpha", 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, m := range matches {
		if strings.Contains(m.Text, "alpha") {
			t.Errorf("stale content: %q", m.Text)
		}
	}
}

func TestPipelineDerivesDocIDAndMeta(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	res, err := p.Ingest(ctx, Request{
		Tenant: "acme", Collection: "docs",
		Filename: "v.txt", Data: []byte("Captain Nemo submarine voyage"),
		Metadata: map[string]any{"lang": "en"},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.DocID != "V_TXT" {
		t.Errorf("derived docid: %q", res.DocID)
	}

	matches, err := s.Search(ctx, "acme", "docs", "submarine", 1, nil)
	if err != nil || len(matches) == 0 {
		t.Fatalf("search: %v %v", matches, err)
	}
	meta := matches[0].Meta
	if meta["docid"] != "V_TXT" || meta["filename"] != "v.txt" {
		t.Errorf("meta: %v", meta)
	}
	if meta["lang"] != "en" {
		t.Errorf("client meta not merged: %v", meta)
	}
	if meta["ingested_at"] == nil {
		t.Errorf("ingested_at missing: %v", meta)
	}
	if meta["chunk"] == nil {
		t.Errorf("chunker extra missing: %v", meta)
	}
}

func TestPipelineNoTextExtracted(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.Ingest(context.Background(), Request{
		Tenant: "acme", Collection: "docs",
		Filename: "empty.txt", Data: []byte("   "),
	})
	if err != ErrNoTextExtracted {
		t.Fatalf("want ErrNoTextExtracted, got %v", err)
	}
}

func TestPipelineCSVOptionsPropagate(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.Ingest(context.Background(), Request{
		Tenant: "acme", Collection: "docs",
		Filename: "rows.csv", Data: []byte("1,2\n3,4\n"),
		CSV: CSVOptions{HasHeader: "no", MetaCols: "bogus_name"},
	})
	if err == nil || !strings.Contains(err.Error(), "header") {
		t.Fatalf("want invalid csv options, got %v", err)
	}
}
