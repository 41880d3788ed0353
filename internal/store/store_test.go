package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"patchvec/internal/engine"
	"patchvec/internal/engine/embed"
	"patchvec/internal/engine/memdex"
	"patchvec/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{
		DataDir: t.TempDir(),
		NewEngine: func(_, _ string) (engine.Engine, error) {
			return memdex.New(memdex.Config{Embedder: embed.NewHashing(0), Logger: logging.Discard()}), nil
		},
		MaxQueryChars: 512,
		Logger:        logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func mustIndex(t *testing.T, s *Store, tenant, collection, docid string, recs []engine.Record) int {
	t.Helper()
	n, err := s.IndexRecords(context.Background(), tenant, collection, docid, recs)
	if err != nil {
		t.Fatalf("index %s: %v", docid, err)
	}
	return n
}

func TestLoadOrInitIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.LoadOrInit(ctx, "acme", "invoices"); err != nil {
			t.Fatalf("load_or_init #%d: %v", i, err)
		}
	}
	dir := s.CollectionDir("acme", "invoices")
	for _, name := range []string{CatalogFile, MetaFile, ChunksDir, IndexDir} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestLoadOrInitCorruptIndexReinitializes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.LoadOrInit(ctx, "acme", "c"); err != nil {
		t.Fatalf("load_or_init: %v", err)
	}
	idx := filepath.Join(s.CollectionDir("acme", "c"), IndexDir, memdex.IndexFileName)
	if err := os.WriteFile(idx, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	// New store instance forces a fresh engine load.
	s2, err := New(Config{
		DataDir: s.DataDir(),
		NewEngine: func(_, _ string) (engine.Engine, error) {
			return memdex.New(memdex.Config{Embedder: embed.NewHashing(0), Logger: logging.Discard()}), nil
		},
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s2.LoadOrInit(ctx, "acme", "c"); err != nil {
		t.Fatalf("load_or_init on corrupt index should not fail: %v", err)
	}
}

func TestIndexRecordsSidecarRoundTrip(t *testing.T) {
	s := newTestStore(t)
	text := "line one\r\nline two\r\n\ttabbed"
	mustIndex(t, s, "acme", "docs", "R-1", []engine.Record{
		{ID: "chunk_0", Text: text, Meta: map[string]any{"kind": "memo"}},
	})

	chunks := filepath.Join(s.CollectionDir("acme", "docs"), ChunksDir)
	back, err := readChunkText(chunks, "R-1::chunk_0")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if back != text {
		t.Errorf("round-trip: got %q, want %q", back, text)
	}
}

func TestIndexRecordsNormalization(t *testing.T) {
	s := newTestStore(t)
	n := mustIndex(t, s, "acme", "docs", "DOC", []engine.Record{
		{ID: "chunk_0", Text: "hello", Meta: map[string]any{"good key!": "v", "text": "drop me", "docid": "spoofed"}},
		{ID: "", Text: "no id"},
		{ID: "chunk_2", Text: ""},
	})
	if n != 1 {
		t.Fatalf("indexed: got %d, want 1", n)
	}

	metaMap := MetaMap{}
	if err := readJSON(filepath.Join(s.CollectionDir("acme", "docs"), MetaFile), &metaMap); err != nil {
		t.Fatalf("read meta: %v", err)
	}
	meta := metaMap["DOC::chunk_0"]
	if meta == nil {
		t.Fatal("chunk id not prefixed with docid")
	}
	if meta["docid"] != "DOC" {
		t.Errorf("docid not forced: %v", meta["docid"])
	}
	if _, ok := meta["text"]; ok {
		t.Error("text key should be dropped")
	}
	if meta["goodkey"] != "v" {
		t.Errorf("key not sanitized: %v", meta)
	}
}

func TestHasDocAndPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustIndex(t, s, "acme", "docs", "R-9", []engine.Record{
		{ID: "chunk_0", Text: "alpha bravo"},
		{ID: "chunk_1", Text: "charlie delta"},
	})

	ok, err := s.HasDoc("acme", "docs", "R-9")
	if err != nil || !ok {
		t.Fatalf("has_doc: %v %v", ok, err)
	}

	n, err := s.PurgeDoc(ctx, "acme", "docs", "R-9")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 {
		t.Errorf("purged: got %d, want 2", n)
	}

	ok, _ = s.HasDoc("acme", "docs", "R-9")
	if ok {
		t.Error("has_doc should be false after purge")
	}

	matches, err := s.Search(ctx, "acme", "docs", "alpha", 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, m := range matches {
		if strings.HasPrefix(m.ChunkID, "R-9::") {
			t.Errorf("purged chunk still searchable: %s", m.ChunkID)
		}
	}

	// Purging a missing doc reports zero, not an error.
	n, err = s.PurgeDoc(ctx, "acme", "docs", "ghost")
	if err != nil || n != 0 {
		t.Errorf("purge missing: n=%d err=%v", n, err)
	}
}

func TestReingestReplacesContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustIndex(t, s, "acme", "reup", "R-42", []engine.Record{
		{ID: "chunk_0", Text: "alpha bravo charlie"},
	})
	if _, err := s.PurgeDoc(ctx, "acme", "reup", "R-42"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	mustIndex(t, s, "acme", "reup", "R-42", []engine.Record{
		{ID: "chunk_0", Text: "delta echo foxtrot"},
	})

	matches, err := s.Search(ctx, "acme", "reup", "delta", 5, map[string]any{"docid": "R-42"})
	if err != nil {
		t.Fatalf("search delta: %v", err)
	}
	found := false
	for _, m := range matches {
		if strings.Contains(m.Text, "delta") {
			found = true
		}
		if strings.Contains(m.Text, "alpha") {
			t.Errorf("stale content survived re-ingest: %q", m.Text)
		}
	}
	if !found {
		t.Error("new content not searchable")
	}
}

func TestSearchFilterSplitScenario(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustIndex(t, s, "acme", "rows", "D", []engine.Record{
		{ID: "chunk_0", Text: "foo row one", Meta: map[string]any{"name": "foobar", "size": 50}},
		{ID: "chunk_1", Text: "foo row two", Meta: map[string]any{"name": "fooqux", "size": 150}},
		{ID: "chunk_2", Text: "foo row three", Meta: map[string]any{"name": "bazbar", "size": 250}},
		{ID: "chunk_3", Text: "foo row four", Meta: map[string]any{"name": "zulu", "size": 5}},
	})

	matches, err := s.Search(ctx, "acme", "rows", "foo", 10, map[string]any{
		"name": []any{"foo*", "*bar"},
		"size": []any{">100"},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	got := map[string]bool{}
	for _, m := range matches {
		got[m.ChunkID] = true
	}
	if len(got) != 2 || !got["D::chunk_1"] || !got["D::chunk_2"] {
		t.Errorf("filter results: %v", got)
	}
}

func TestSearchHydratesAndReasons(t *testing.T) {
	s := newTestStore(t)
	mustIndex(t, s, "acme", "docs", "verne", []engine.Record{
		{ID: "chunk_0", Text: "Captain Nemo submarine voyage"},
	})

	matches, err := s.Search(context.Background(), "acme", "docs", "submarine", 2, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("no matches")
	}
	m := matches[0]
	if !strings.HasPrefix(m.ChunkID, "verne::") {
		t.Errorf("chunk id: %s", m.ChunkID)
	}
	if m.Score <= 0 {
		t.Errorf("score: %f", m.Score)
	}
	if m.Text == "" {
		t.Error("text not hydrated")
	}
	if !strings.Contains(m.MatchReason, "semantic similarity") {
		t.Errorf("match_reason: %q", m.MatchReason)
	}
	if m.Tenant != "acme" || m.Collection != "docs" {
		t.Errorf("envelope fields: %+v", m)
	}
}

func TestRenameCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustIndex(t, s, "acme", "old", "D", []engine.Record{{ID: "chunk_0", Text: "hello rename"}})

	if err := s.RenameCollection(ctx, "acme", "old", "old"); err != ErrRenameInvalid {
		t.Errorf("self-rename: %v", err)
	}
	if err := s.RenameCollection(ctx, "acme", "ghost", "x"); err != ErrNotFound {
		t.Errorf("missing source: %v", err)
	}

	if err := s.LoadOrInit(ctx, "acme", "taken"); err != nil {
		t.Fatalf("init taken: %v", err)
	}
	if err := s.RenameCollection(ctx, "acme", "old", "taken"); err != ErrExists {
		t.Errorf("existing target: %v", err)
	}

	if err := s.RenameCollection(ctx, "acme", "old", "fresh"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	matches, err := s.Search(ctx, "acme", "fresh", "rename", 5, nil)
	if err != nil || len(matches) == 0 {
		t.Fatalf("search after rename: %v %v", matches, err)
	}
	if matches[0].Collection != "fresh" {
		t.Errorf("collection field: %s", matches[0].Collection)
	}
}

func TestListCollectionsAndTenants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, c := range []string{"zeta", "alpha"} {
		if err := s.LoadOrInit(ctx, "acme", c); err != nil {
			t.Fatalf("init %s: %v", c, err)
		}
	}
	if err := s.LoadOrInit(ctx, "globex", "one"); err != nil {
		t.Fatalf("init: %v", err)
	}

	// A directory without a catalog file is not a collection.
	if err := os.MkdirAll(filepath.Join(s.DataDir(), "t_acme", "c_broken"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cols, err := s.ListCollections("acme")
	if err != nil {
		t.Fatalf("list collections: %v", err)
	}
	if len(cols) != 2 || cols[0] != "alpha" || cols[1] != "zeta" {
		t.Errorf("collections: %v", cols)
	}

	tenants, err := s.ListTenants()
	if err != nil {
		t.Fatalf("list tenants: %v", err)
	}
	if len(tenants) != 2 || tenants[0] != "acme" || tenants[1] != "globex" {
		t.Errorf("tenants: %v", tenants)
	}

	// Unknown tenant lists empty, not an error.
	cols, err = s.ListCollections("nobody")
	if err != nil || len(cols) != 0 {
		t.Errorf("unknown tenant: %v %v", cols, err)
	}
}

func TestDeleteCollectionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustIndex(t, s, "acme", "doomed", "D", []engine.Record{{ID: "chunk_0", Text: "bye"}})

	for i := 0; i < 2; i++ {
		if err := s.DeleteCollection(ctx, "acme", "doomed"); err != nil {
			t.Fatalf("delete #%d: %v", i, err)
		}
	}
	if _, err := os.Stat(s.CollectionDir("acme", "doomed")); !os.IsNotExist(err) {
		t.Error("collection directory should be gone")
	}
}

func TestCoerceRecords(t *testing.T) {
	recs := CoerceRecords([]any{
		engine.Record{ID: "a", Text: "t"},
		map[string]any{"rid": "b", "content": "text b", "tags": map[string]any{"x": "y"}},
		map[string]any{"id": "c", "text": "text c", "meta": `{"k":"v"}`},
		"not a record",
		map[string]any{"id": "d", "text": 42},
	})
	if len(recs) != 3 {
		t.Fatalf("coerced: got %d, want 3", len(recs))
	}
	if recs[1].ID != "b" || recs[1].Text != "text b" || recs[1].Meta["x"] != "y" {
		t.Errorf("mapping record: %+v", recs[1])
	}
	if recs[2].Meta["k"] != "v" {
		t.Errorf("json meta: %+v", recs[2])
	}
}

func TestChunkFileNameEscape(t *testing.T) {
	got := chunkFileName(`doc::chunk/0\x`)
	if strings.ContainsAny(got, `/\:`) {
		t.Errorf("unescaped separators in %q", got)
	}
	if !strings.HasSuffix(got, ".txt") {
		t.Errorf("missing suffix: %q", got)
	}
}
