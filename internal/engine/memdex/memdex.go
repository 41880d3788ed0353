// Package memdex is the default engine: an in-process cosine-similarity
// index with client-side embeddings and full content storage. It trades
// recall sophistication for zero external dependencies, which makes it the
// right default for single-node deployments and tests.
//
// Persistence is a single msgpack snapshot at <dir>/embeddings. That file is
// also the index marker: its absence means "start fresh".
package memdex

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"patchvec/internal/engine"
	"patchvec/internal/engine/embed"
	"patchvec/internal/logging"
)

// IndexFileName is the snapshot file within a collection's index directory.
const IndexFileName = "embeddings"

const snapshotVersion = 1

// Config holds engine construction parameters.
type Config struct {
	// Embedder encodes record and query text. Required.
	Embedder embed.Embedder

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Engine implements engine.Engine in memory.
type Engine struct {
	mu       sync.RWMutex
	embedder embed.Embedder
	records  map[string]*record
	logger   *slog.Logger
}

type record struct {
	Text string
	Meta map[string]any
	Vec  []float32
}

type snapshot struct {
	Version int            `msgpack:"version"`
	Dim     int            `msgpack:"dim"`
	Records []snapshotItem `msgpack:"records"`
}

type snapshotItem struct {
	ID   string         `msgpack:"id"`
	Text string         `msgpack:"text"`
	Meta map[string]any `msgpack:"meta"`
	Vec  []float32      `msgpack:"vec"`
}

// New creates an empty engine.
func New(cfg Config) *Engine {
	return &Engine{
		embedder: cfg.Embedder,
		records:  make(map[string]*record),
		logger:   logging.Default(cfg.Logger).With("component", "memdex"),
	}
}

// Load reads the snapshot under dir. Missing file starts fresh; a corrupt
// file is logged and replaced with an empty index, never surfaced as fatal.
func (e *Engine) Load(_ context.Context, dir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.records = make(map[string]*record)

	raw, err := os.ReadFile(filepath.Join(dir, IndexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snap snapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil || snap.Version != snapshotVersion {
		e.logger.Warn("index snapshot unreadable, reinitializing empty",
			"dir", dir, "error", err)
		return nil
	}
	for _, item := range snap.Records {
		e.records[item.ID] = &record{Text: item.Text, Meta: item.Meta, Vec: item.Vec}
	}
	return nil
}

// Save writes the snapshot atomically (temp file + rename in dir).
func (e *Engine) Save(_ context.Context, dir string) error {
	e.mu.RLock()
	snap := snapshot{Version: snapshotVersion, Dim: e.embedder.Dim()}
	snap.Records = make([]snapshotItem, 0, len(e.records))
	for id, r := range e.records {
		snap.Records = append(snap.Records, snapshotItem{ID: id, Text: r.Text, Meta: r.Meta, Vec: r.Vec})
	}
	e.mu.RUnlock()

	// Stable order keeps snapshots byte-comparable across saves.
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].ID < snap.Records[j].ID })

	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "embeddings-*.tmp")
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
	return os.Rename(tmpPath, filepath.Join(dir, IndexFileName))
}

// Upsert inserts or replaces full records keyed by id.
func (e *Engine) Upsert(_ context.Context, records []engine.Record) error {
	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Text
	}
	vecs := e.embedder.Encode(texts)

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range records {
		e.records[r.ID] = &record{Text: r.Text, Meta: r.Meta, Vec: vecs[i]}
	}
	return nil
}

// Delete removes records by id; unknown ids are ignored.
func (e *Engine) Delete(_ context.Context, ids []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(e.records, id)
	}
	return nil
}

// Lookup returns stored text for known ids.
func (e *Engine) Lookup(_ context.Context, ids []string) (map[string]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if r, ok := e.records[id]; ok {
			out[id] = r.Text
		}
	}
	return out, nil
}

// Count reports the number of indexed records.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.records)
}

// Search scores every record passing the pre-filter against the query vector
// and returns the top req.Limit hits. An empty query yields zero scores but
// still returns records, in stable id order, so pure-filter retrieval works.
func (e *Engine) Search(_ context.Context, req engine.SearchRequest) ([]engine.Hit, error) {
	var qvec []float32
	if req.Query != "" {
		qvec = e.embedder.Encode([]string{req.Query})[0]
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	type scored struct {
		id    string
		score float64
	}
	candidates := make([]scored, 0, len(e.records))
	for id, r := range e.records {
		if id == "" || !passesPre(r.Meta, req.Pre) {
			continue
		}
		var score float64
		if qvec != nil {
			score = embed.Cosine(qvec, r.Vec)
		}
		candidates = append(candidates, scored{id: id, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})
	if req.Limit > 0 && len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}

	hits := make([]engine.Hit, len(candidates))
	for i, c := range candidates {
		text := e.records[c.id].Text
		hits[i] = engine.Hit{ID: c.id, Score: c.score, Text: &text}
	}
	return hits, nil
}

// passesPre applies the engine-side filter: within a field the equality and
// inequality terms are OR'd (mirroring the SQL group the builder emits),
// across fields the groups are AND'd.
func passesPre(meta map[string]any, pre []engine.PreFilter) bool {
	for _, g := range pre {
		stored, ok := meta[g.Field]
		if !ok {
			return false
		}
		if !groupMatches(stored, g) {
			return false
		}
	}
	return true
}

func groupMatches(stored any, g engine.PreFilter) bool {
	values := []any{stored}
	if list, ok := stored.([]any); ok {
		values = list
	}
	for _, v := range values {
		have := valueString(v)
		for _, want := range g.Equals {
			if have == want {
				return true
			}
		}
		for _, not := range g.NotEquals {
			if have != not {
				return true
			}
		}
	}
	return false
}

func valueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return ""
	}
}
