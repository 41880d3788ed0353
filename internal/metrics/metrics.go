// Package metrics keeps process-wide operation counters and latency windows
// behind a single mutex, with JSON persistence across restarts and a
// Prometheus text exposition for scraping.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Counter names. The set is fixed; unknown names are still counted so the
// service layer can add extras without touching this package.
const (
	RequestsTotal           = "requests_total"
	SearchTotal             = "search_total"
	CollectionsCreatedTotal = "collections_created_total"
	DocumentsIndexedTotal   = "documents_indexed_total"
	DocumentsDeletedTotal   = "documents_deleted_total"
	ChunksIndexedTotal      = "chunks_indexed_total"
	PurgeTotal              = "purge_total"
	ErrorsTotal             = "errors_total"
	MatchesTotal            = "matches_total"
)

// Latency-tracked operations.
const (
	OpSearch = "search"
	OpIngest = "ingest"
)

// DefaultWindow is the latency ring capacity per operation.
const DefaultWindow = 1000

// FileName is the persistence file under data_dir.
const FileName = "metrics.json"

// Registry is the process-wide metrics store.
type Registry struct {
	mu        sync.Mutex
	counters  map[string]int64
	latencies map[string][]float64
	window    int
	lastError string
	started   time.Time
	dirty     bool
}

func NewRegistry(window int) *Registry {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Registry{
		counters:  map[string]int64{},
		latencies: map[string][]float64{},
		window:    window,
		started:   time.Now(),
	}
}

// Incr adds one to a counter.
func (r *Registry) Incr(name string) { r.Add(name, 1) }

// Add adds n to a counter.
func (r *Registry) Add(name string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += n
	r.dirty = true
}

// Observe records one latency sample, evicting the oldest past the window.
func (r *Registry) Observe(op string, ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	samples := append(r.latencies[op], ms)
	if len(samples) > r.window {
		samples = samples[len(samples)-r.window:]
	}
	r.latencies[op] = samples
	r.dirty = true
}

// SetLastError remembers the most recent error string.
func (r *Registry) SetLastError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastError = msg
	r.dirty = true
}

// Snapshot returns counters, uptime, last error, per-op percentiles, and any
// caller extras as one flat-ish map ready for JSON.
func (r *Registry) Snapshot(extras map[string]any) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := map[string]any{
		"uptime_seconds": time.Since(r.started).Seconds(),
	}
	for name, v := range r.counters {
		out[name] = v
	}
	if r.lastError != "" {
		out["last_error"] = r.lastError
	}
	for op, samples := range r.latencies {
		out[op+"_latency"] = map[string]any{
			"count": len(samples),
			"p50":   percentile(samples, 50),
			"p95":   percentile(samples, 95),
			"p99":   percentile(samples, 99),
		}
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}

// Reset zeroes counters, clears latency windows and the last error, and
// restarts the uptime baseline.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = map[string]int64{}
	r.latencies = map[string][]float64{}
	r.lastError = ""
	r.started = time.Now()
	r.dirty = true
}

// WritePrometheus renders the counters and percentiles in Prometheus text
// format, with an optional build_info metric carrying the given labels.
func (r *Registry) WritePrometheus(w io.Writer, buildInfo map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.counters))
	for name := range r.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "# TYPE patchvec_%s counter\npatchvec_%s %d\n", name, name, r.counters[name]); err != nil {
			return err
		}
	}

	ops := make([]string, 0, len(r.latencies))
	for op := range r.latencies {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		samples := r.latencies[op]
		if _, err := fmt.Fprintf(w, "# TYPE patchvec_%s_latency_ms summary\n", op); err != nil {
			return err
		}
		for _, q := range []struct {
			label string
			p     float64
		}{{"0.5", 50}, {"0.95", 95}, {"0.99", 99}} {
			if _, err := fmt.Fprintf(w, "patchvec_%s_latency_ms{quantile=%q} %g\n", op, q.label, percentile(samples, q.p)); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "patchvec_%s_latency_ms_count %d\n", op, len(samples)); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w, "patchvec_uptime_seconds %g\n", time.Since(r.started).Seconds()); err != nil {
		return err
	}

	if len(buildInfo) > 0 {
		keys := make([]string, 0, len(buildInfo))
		for k := range buildInfo {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		labels := ""
		for i, k := range keys {
			if i > 0 {
				labels += ","
			}
			labels += fmt.Sprintf("%s=%q", k, buildInfo[k])
		}
		if _, err := fmt.Fprintf(w, "# TYPE patchvec_build_info gauge\npatchvec_build_info{%s} 1\n", labels); err != nil {
			return err
		}
	}
	return nil
}

type persisted struct {
	Counters  map[string]int64     `json:"counters"`
	Latencies map[string][]float64 `json:"latencies"`
	LastError string               `json:"last_error,omitempty"`
	SavedAt   string               `json:"saved_at"`
}

// Flush writes the registry to path when dirty, atomically. A clean registry
// is a no-op.
func (r *Registry) Flush(path string) error {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	p := persisted{
		Counters:  make(map[string]int64, len(r.counters)),
		Latencies: make(map[string][]float64, len(r.latencies)),
		LastError: r.lastError,
		SavedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range r.counters {
		p.Counters[k] = v
	}
	for k, v := range r.latencies {
		p.Latencies[k] = append([]float64(nil), v...)
	}
	r.dirty = false
	r.mu.Unlock()

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, FileName+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Load restores a previous flush. Missing or unreadable files leave the
// registry empty; counters and latencies pick up where the last run stopped,
// with latency windows truncated to capacity.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range p.Counters {
		r.counters[k] = v
	}
	for k, v := range p.Latencies {
		if len(v) > r.window {
			v = v[len(v)-r.window:]
		}
		r.latencies[k] = v
	}
	r.lastError = p.LastError
	return nil
}

// percentile returns the p-th percentile (nearest-rank) of the samples.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
