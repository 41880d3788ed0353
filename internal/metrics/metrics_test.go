package metrics

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCountersAndSnapshot(t *testing.T) {
	r := NewRegistry(0)
	r.Incr(SearchTotal)
	r.Add(ChunksIndexedTotal, 7)
	r.SetLastError("engine search: boom")

	snap := r.Snapshot(map[string]any{"build": "test"})
	if snap[SearchTotal] != int64(1) {
		t.Errorf("search_total: %v", snap[SearchTotal])
	}
	if snap[ChunksIndexedTotal] != int64(7) {
		t.Errorf("chunks_indexed_total: %v", snap[ChunksIndexedTotal])
	}
	if snap["last_error"] != "engine search: boom" {
		t.Errorf("last_error: %v", snap["last_error"])
	}
	if snap["build"] != "test" {
		t.Errorf("extras not merged: %v", snap)
	}
	if _, ok := snap["uptime_seconds"].(float64); !ok {
		t.Errorf("uptime_seconds: %v", snap["uptime_seconds"])
	}
}

func TestLatencyPercentiles(t *testing.T) {
	r := NewRegistry(0)
	for i := 1; i <= 100; i++ {
		r.Observe(OpSearch, float64(i))
	}
	snap := r.Snapshot(nil)
	lat, ok := snap["search_latency"].(map[string]any)
	if !ok {
		t.Fatalf("search_latency: %v", snap["search_latency"])
	}
	if lat["count"] != 100 {
		t.Errorf("count: %v", lat["count"])
	}
	if lat["p50"] != 50.0 {
		t.Errorf("p50: %v", lat["p50"])
	}
	if lat["p95"] != 95.0 {
		t.Errorf("p95: %v", lat["p95"])
	}
	if lat["p99"] != 99.0 {
		t.Errorf("p99: %v", lat["p99"])
	}
}

func TestLatencyWindowEvicts(t *testing.T) {
	r := NewRegistry(10)
	for i := 0; i < 25; i++ {
		r.Observe(OpIngest, float64(i))
	}
	snap := r.Snapshot(nil)
	lat := snap["ingest_latency"].(map[string]any)
	if lat["count"] != 10 {
		t.Errorf("window: %v", lat["count"])
	}
	// Oldest samples are gone, so the median reflects the tail.
	if lat["p50"].(float64) < 15 {
		t.Errorf("p50 should cover recent samples only: %v", lat["p50"])
	}
}

func TestFlushLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	r := NewRegistry(5)
	r.Incr(RequestsTotal)
	r.Add(MatchesTotal, 3)
	r.SetLastError("oops")
	for i := 0; i < 9; i++ {
		r.Observe(OpSearch, float64(i))
	}
	if err := r.Flush(path); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// Second flush with no changes is a no-op.
	if err := r.Flush(path); err != nil {
		t.Fatalf("clean flush: %v", err)
	}

	r2 := NewRegistry(5)
	if err := r2.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := r2.Snapshot(nil)
	if snap[RequestsTotal] != int64(1) || snap[MatchesTotal] != int64(3) {
		t.Errorf("counters: %v", snap)
	}
	if snap["last_error"] != "oops" {
		t.Errorf("last_error: %v", snap["last_error"])
	}
	lat := snap["search_latency"].(map[string]any)
	if lat["count"].(int) > 5 {
		t.Errorf("latency window not truncated on load: %v", lat["count"])
	}
}

func TestLoadMissingFile(t *testing.T) {
	r := NewRegistry(0)
	if err := r.Load(filepath.Join(t.TempDir(), FileName)); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
}

func TestReset(t *testing.T) {
	r := NewRegistry(0)
	r.Incr(ErrorsTotal)
	r.Observe(OpSearch, 12)
	r.SetLastError("x")
	r.Reset()

	snap := r.Snapshot(nil)
	if _, ok := snap[ErrorsTotal]; ok {
		t.Errorf("counters survived reset: %v", snap)
	}
	if _, ok := snap["search_latency"]; ok {
		t.Errorf("latencies survived reset: %v", snap)
	}
	if _, ok := snap["last_error"]; ok {
		t.Errorf("last_error survived reset: %v", snap)
	}
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry(0)
	r.Incr(SearchTotal)
	r.Observe(OpSearch, 42)

	var sb strings.Builder
	if err := r.WritePrometheus(&sb, map[string]string{"version": "1.2.3", "commit": "abc"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := sb.String()

	for _, want := range []string{
		"patchvec_search_total 1",
		`patchvec_search_latency_ms{quantile="0.5"} 42`,
		"patchvec_search_latency_ms_count 1",
		"patchvec_uptime_seconds",
		`patchvec_build_info{commit="abc",version="1.2.3"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}
