// Package store owns persistent per-collection state: the engine index, the
// chunk-text sidecars, and the catalog/metadata JSON files. All mutations of
// a single collection are serialized under its registry lock, and sidecar
// writes are atomic, so readers never observe a partial document.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"patchvec/internal/engine"
	"patchvec/internal/logging"
)

// Directory prefixes under data_dir.
const (
	tenantPrefix     = "t_"
	collectionPrefix = "c_"
)

var (
	// ErrRenameInvalid is returned when old and new collection names match.
	ErrRenameInvalid = errors.New("old and new collection names are identical")

	// ErrNotFound is returned when the addressed collection does not exist.
	ErrNotFound = errors.New("collection not found")

	// ErrExists is returned when the rename target already exists.
	ErrExists = errors.New("collection already exists")
)

// EngineFactory builds the engine instance backing one collection.
type EngineFactory func(tenant, collection string) (engine.Engine, error)

// Match is one search result row.
type Match struct {
	ChunkID     string         `json:"chunk_id"`
	Score       float64        `json:"score"`
	Text        string         `json:"text"`
	Tenant      string         `json:"tenant"`
	Collection  string         `json:"collection"`
	Meta        map[string]any `json:"meta"`
	MatchReason string         `json:"match_reason"`
}

// Config holds store construction parameters.
type Config struct {
	// DataDir is the root of all persistent state.
	DataDir string

	// NewEngine builds the per-collection engine. Required.
	NewEngine EngineFactory

	// MaxQueryChars truncates similarity queries; <=0 disables.
	MaxQueryChars int

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Store manages every collection under a data directory.
type Store struct {
	dataDir       string
	newEngine     EngineFactory
	maxQueryChars int
	locks         *LockRegistry

	mu      sync.Mutex
	engines map[Key]engine.Engine

	logger *slog.Logger
}

func New(cfg Config) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("store: data dir required")
	}
	if cfg.NewEngine == nil {
		return nil, errors.New("store: engine factory required")
	}
	return &Store{
		dataDir:       cfg.DataDir,
		newEngine:     cfg.NewEngine,
		maxQueryChars: cfg.MaxQueryChars,
		locks:         NewLockRegistry(),
		engines:       make(map[Key]engine.Engine),
		logger:        logging.Default(cfg.Logger).With("component", "store"),
	}, nil
}

// DataDir returns the root of persistent state.
func (s *Store) DataDir() string { return s.dataDir }

// Locks exposes the registry so the archive engine can hold every
// collection lock during dump and restore.
func (s *Store) Locks() *LockRegistry { return s.locks }

func (s *Store) tenantDir(tenant string) string {
	return filepath.Join(s.dataDir, tenantPrefix+tenant)
}

// CollectionDir returns the on-disk directory of a collection.
func (s *Store) CollectionDir(tenant, collection string) string {
	return filepath.Join(s.tenantDir(tenant), collectionPrefix+collection)
}

// LoadOrInit materializes the collection on disk and loads (or freshly
// initializes) its engine index. Idempotent; an absent index means "start
// fresh" and a corrupt one is handled inside the engine's Load.
func (s *Store) LoadOrInit(ctx context.Context, tenant, collection string) error {
	mu := s.locks.Get(tenant, collection)
	mu.Lock()
	defer mu.Unlock()
	return s.loadOrInitLocked(ctx, tenant, collection)
}

func (s *Store) loadOrInitLocked(ctx context.Context, tenant, collection string) error {
	dir := s.CollectionDir(tenant, collection)
	for _, sub := range []string{IndexDir, ChunksDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return fmt.Errorf("create collection layout: %w", err)
		}
	}
	for _, name := range []string{CatalogFile, MetaFile} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := writeJSONAtomic(path, map[string]any{}); err != nil {
				return fmt.Errorf("init %s: %w", name, err)
			}
		}
	}
	_, err := s.getEngineLocked(ctx, tenant, collection)
	return err
}

// getEngineLocked returns the collection's engine handle, creating and
// loading it on first touch. Callers hold the collection lock.
func (s *Store) getEngineLocked(ctx context.Context, tenant, collection string) (engine.Engine, error) {
	k := Key{Tenant: tenant, Collection: collection}

	s.mu.Lock()
	eng, ok := s.engines[k]
	s.mu.Unlock()
	if ok {
		return eng, nil
	}

	eng, err := s.newEngine(tenant, collection)
	if err != nil {
		return nil, fmt.Errorf("engine init: %w", err)
	}
	if err := eng.Load(ctx, filepath.Join(s.CollectionDir(tenant, collection), IndexDir)); err != nil {
		return nil, fmt.Errorf("engine load: %w", err)
	}

	s.mu.Lock()
	s.engines[k] = eng
	s.mu.Unlock()
	return eng, nil
}

// Save persists the collection's index. No-op when no handle exists.
func (s *Store) Save(ctx context.Context, tenant, collection string) error {
	s.mu.Lock()
	eng, ok := s.engines[Key{Tenant: tenant, Collection: collection}]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	mu := s.locks.Get(tenant, collection)
	mu.Lock()
	defer mu.Unlock()
	return eng.Save(ctx, filepath.Join(s.CollectionDir(tenant, collection), IndexDir))
}

// DeleteCollection drops the in-memory handle and the on-disk tree.
// Idempotent: deleting a missing collection succeeds.
func (s *Store) DeleteCollection(_ context.Context, tenant, collection string) error {
	mu := s.locks.Get(tenant, collection)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	delete(s.engines, Key{Tenant: tenant, Collection: collection})
	s.mu.Unlock()

	return os.RemoveAll(s.CollectionDir(tenant, collection))
}

// RenameCollection renames by directory move, rejecting self-renames,
// missing sources, and existing targets. Both locks are held, acquired in
// stable order.
func (s *Store) RenameCollection(_ context.Context, tenant, oldName, newName string) error {
	if oldName == newName {
		return ErrRenameInvalid
	}

	first, second := s.locks.Pair(tenant, oldName, newName)
	first.Lock()
	defer first.Unlock()
	second.Lock()
	defer second.Unlock()

	oldDir := s.CollectionDir(tenant, oldName)
	newDir := s.CollectionDir(tenant, newName)
	if _, err := os.Stat(oldDir); os.IsNotExist(err) {
		return ErrNotFound
	}
	if _, err := os.Stat(newDir); err == nil {
		return ErrExists
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		return fmt.Errorf("rename collection: %w", err)
	}

	s.mu.Lock()
	oldKey := Key{Tenant: tenant, Collection: oldName}
	if eng, ok := s.engines[oldKey]; ok {
		delete(s.engines, oldKey)
		s.engines[Key{Tenant: tenant, Collection: newName}] = eng
	}
	s.mu.Unlock()
	return nil
}

// ListCollections returns the names of directories under the tenant that
// carry a catalog file, sorted. Empty or malformed catalogs still count:
// presence of the file marks the directory as a collection.
func (s *Store) ListCollections(tenant string) ([]string, error) {
	entries, err := os.ReadDir(s.tenantDir(tenant))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), collectionPrefix) {
			continue
		}
		catalog := filepath.Join(s.tenantDir(tenant), e.Name(), CatalogFile)
		if _, err := os.Stat(catalog); err == nil {
			names = append(names, strings.TrimPrefix(e.Name(), collectionPrefix))
		}
	}
	sort.Strings(names)
	return names, nil
}

// ListTenants returns tenant names derived from t_* directories, sorted.
func (s *Store) ListTenants() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), tenantPrefix) {
			names = append(names, strings.TrimPrefix(e.Name(), tenantPrefix))
		}
	}
	sort.Strings(names)
	return names, nil
}

// CollectionKeys scans the data dir for every existing collection. The
// archive engine uses this to enumerate locks.
func (s *Store) CollectionKeys() ([]Key, error) {
	tenants, err := s.ListTenants()
	if err != nil {
		return nil, err
	}
	var keys []Key
	for _, t := range tenants {
		entries, err := os.ReadDir(s.tenantDir(t))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() && strings.HasPrefix(e.Name(), collectionPrefix) {
				keys = append(keys, Key{Tenant: t, Collection: strings.TrimPrefix(e.Name(), collectionPrefix)})
			}
		}
	}
	return keys, nil
}

// DropHandles discards every cached engine handle so the next touch of each
// collection reloads from disk. The archive engine calls this after a
// restore replaces the on-disk state.
func (s *Store) DropHandles() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines = make(map[Key]engine.Engine)
}

// HasDoc reports whether the catalog holds a non-empty entry for docid.
func (s *Store) HasDoc(tenant, collection, docid string) (bool, error) {
	catalog := Catalog{}
	if err := readJSON(filepath.Join(s.CollectionDir(tenant, collection), CatalogFile), &catalog); err != nil {
		return false, err
	}
	return len(catalog[docid]) > 0, nil
}

// PurgeDoc removes every chunk of docid: metadata entries, text sidecars,
// the catalog entry, and engine entries. Engine delete failures are logged
// but non-fatal: the catalog and sidecars remain authoritative.
func (s *Store) PurgeDoc(ctx context.Context, tenant, collection, docid string) (int, error) {
	mu := s.locks.Get(tenant, collection)
	mu.Lock()
	defer mu.Unlock()
	return s.purgeDocLocked(ctx, tenant, collection, docid)
}

func (s *Store) purgeDocLocked(ctx context.Context, tenant, collection, docid string) (int, error) {
	dir := s.CollectionDir(tenant, collection)
	catalog := Catalog{}
	metaMap := MetaMap{}
	if err := readJSON(filepath.Join(dir, CatalogFile), &catalog); err != nil {
		return 0, err
	}
	if err := readJSON(filepath.Join(dir, MetaFile), &metaMap); err != nil {
		return 0, err
	}

	ids := catalog[docid]
	if len(ids) == 0 {
		return 0, nil
	}

	for _, id := range ids {
		delete(metaMap, id)
		if err := removeChunkText(filepath.Join(dir, ChunksDir), id); err != nil {
			s.logger.Warn("chunk sidecar remove failed", "chunk", id, "error", err)
		}
	}
	delete(catalog, docid)

	if err := writeJSONAtomic(filepath.Join(dir, CatalogFile), catalog); err != nil {
		return 0, err
	}
	if err := writeJSONAtomic(filepath.Join(dir, MetaFile), metaMap); err != nil {
		return 0, err
	}

	eng, err := s.getEngineLocked(ctx, tenant, collection)
	if err != nil {
		return 0, err
	}
	if err := eng.Delete(ctx, ids); err != nil {
		s.logger.Warn("engine delete failed, sidecars remain authoritative",
			"tenant", tenant, "collection", collection, "docid", docid, "error", err)
	}
	if err := eng.Save(ctx, filepath.Join(dir, IndexDir)); err != nil {
		s.logger.Warn("engine save after purge failed", "error", err)
	}
	return len(ids), nil
}

// IndexRecords replaces the catalog entry for docid with the given records:
// sidecars written and verified, catalog and metadata rewritten, engine
// upserted and persisted, all under the collection lock. Callers re-ingesting
// an existing docid purge first (the ingestion service does).
func (s *Store) IndexRecords(ctx context.Context, tenant, collection, docid string, records []engine.Record) (int, error) {
	mu := s.locks.Get(tenant, collection)
	mu.Lock()
	defer mu.Unlock()

	if err := s.loadOrInitLocked(ctx, tenant, collection); err != nil {
		return 0, err
	}

	dir := s.CollectionDir(tenant, collection)
	chunksDir := filepath.Join(dir, ChunksDir)

	catalog := Catalog{}
	metaMap := MetaMap{}
	if err := readJSON(filepath.Join(dir, CatalogFile), &catalog); err != nil {
		return 0, err
	}
	if err := readJSON(filepath.Join(dir, MetaFile), &metaMap); err != nil {
		return 0, err
	}

	var (
		kept []engine.Record
		ids  []string
	)
	for _, raw := range records {
		rec, ok := normalizeRecord(docid, raw)
		if !ok {
			continue
		}
		if err := writeChunkText(chunksDir, rec.ID, rec.Text); err != nil {
			return 0, fmt.Errorf("write chunk sidecar: %w", err)
		}
		if back, err := readChunkText(chunksDir, rec.ID); err != nil || back != rec.Text {
			s.logger.Warn("chunk sidecar round-trip mismatch", "chunk", rec.ID, "error", err)
		}
		metaMap[rec.ID] = rec.Meta
		kept = append(kept, rec)
		ids = append(ids, rec.ID)
	}

	catalog[docid] = ids
	if err := writeJSONAtomic(filepath.Join(dir, CatalogFile), catalog); err != nil {
		return 0, err
	}
	if err := writeJSONAtomic(filepath.Join(dir, MetaFile), metaMap); err != nil {
		return 0, err
	}

	eng, err := s.getEngineLocked(ctx, tenant, collection)
	if err != nil {
		return 0, err
	}
	if len(kept) > 0 {
		if err := eng.Upsert(ctx, kept); err != nil {
			return 0, fmt.Errorf("engine upsert: %w", err)
		}
	}
	if err := eng.Save(ctx, filepath.Join(dir, IndexDir)); err != nil {
		return 0, fmt.Errorf("engine save: %w", err)
	}
	return len(kept), nil
}

// Search runs a similarity query with pre/post filter split, overfetch, and
// sidecar hydration. Results carry human-readable match reasons.
func (s *Store) Search(ctx context.Context, tenant, collection, q string, k int, filters map[string]any) ([]Match, error) {
	mu := s.locks.Get(tenant, collection)
	mu.Lock()
	defer mu.Unlock()

	if err := s.loadOrInitLocked(ctx, tenant, collection); err != nil {
		return nil, err
	}

	req, post := engine.BuildSearchRequest(q, k, filters, s.maxQueryChars)
	keep := k
	if keep < 1 {
		keep = 1
	}

	eng, err := s.getEngineLocked(ctx, tenant, collection)
	if err != nil {
		return nil, err
	}
	hits, err := eng.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("engine search: %w", err)
	}

	dir := s.CollectionDir(tenant, collection)
	metaMap := MetaMap{}
	if err := readJSON(filepath.Join(dir, MetaFile), &metaMap); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, keep)
	var pending []int
	for _, h := range hits {
		if h.ID == "" {
			continue
		}
		meta := metaMap[h.ID]
		if len(post) > 0 && !engine.MatchesFilters(meta, post) {
			continue
		}
		m := Match{
			ChunkID:     h.ID,
			Score:       h.Score,
			Tenant:      tenant,
			Collection:  collection,
			Meta:        meta,
			MatchReason: engine.MatchReason(q, h.Score, filters, meta),
		}
		if h.Text != nil {
			m.Text = *h.Text
		} else {
			pending = append(pending, len(matches))
		}
		matches = append(matches, m)
		if len(matches) == keep {
			break
		}
	}

	if len(pending) > 0 {
		ids := make([]string, len(pending))
		for i, idx := range pending {
			ids[i] = matches[idx].ChunkID
		}
		texts, err := eng.Lookup(ctx, ids)
		if err != nil {
			s.logger.Warn("text lookup failed, falling back to sidecars", "error", err)
			texts = map[string]string{}
		}
		for _, idx := range pending {
			id := matches[idx].ChunkID
			if t, ok := texts[id]; ok && t != "" {
				matches[idx].Text = t
				continue
			}
			if t, err := readChunkText(filepath.Join(dir, ChunksDir), id); err == nil {
				matches[idx].Text = t
			}
		}
	}
	return matches, nil
}

// CoerceRecords normalizes duck-typed record shapes from the API boundary
// into canonical triples. Unknown shapes are skipped.
func CoerceRecords(raw []any) []engine.Record {
	var out []engine.Record
	for _, r := range raw {
		switch t := r.(type) {
		case engine.Record:
			out = append(out, t)
		case *engine.Record:
			out = append(out, *t)
		case map[string]any:
			rec := engine.Record{
				ID:   firstString(t, "rid", "id", "uid"),
				Meta: coerceMeta(firstValue(t, "meta", "metadata", "tags")),
			}
			if txt, ok := firstValueOK(t, "text", "content"); ok {
				if str, ok := txt.(string); ok {
					rec.Text = str
				} else {
					continue
				}
			}
			out = append(out, rec)
		}
	}
	return out
}

// normalizeRecord enforces the storage contract on one record: non-empty id
// and text, metadata sanitized with docid forced, chunk id prefixed.
func normalizeRecord(docid string, rec engine.Record) (engine.Record, bool) {
	if rec.ID == "" || rec.Text == "" {
		return engine.Record{}, false
	}

	meta := make(map[string]any, len(rec.Meta)+1)
	for k, v := range rec.Meta {
		key := engine.SanitizeField(k)
		if key == "" || key == "text" {
			continue
		}
		if str, ok := v.(string); ok {
			v = engine.SanitizeSQL(str, 0)
		}
		meta[key] = v
	}
	meta["docid"] = docid

	id := rec.ID
	if !strings.HasPrefix(id, docid+"::") {
		id = docid + "::" + id
	}
	return engine.Record{ID: id, Text: rec.Text, Meta: meta}, true
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func firstValue(m map[string]any, keys ...string) any {
	v, _ := firstValueOK(m, keys...)
	return v
}

func firstValueOK(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// coerceMeta turns whatever the client sent into a metadata mapping. A JSON
// string is parsed; anything else unusable collapses to an empty map.
func coerceMeta(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return t
	case string:
		parsed := map[string]any{}
		if err := json.Unmarshal([]byte(t), &parsed); err == nil {
			return parsed
		}
		return map[string]any{}
	default:
		return map[string]any{}
	}
}
