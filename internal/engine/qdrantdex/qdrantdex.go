// Package qdrantdex adapts a remote Qdrant instance to the engine interface.
// Vectors are computed client-side with the same embedder as the in-process
// engine, so results are comparable across engine types.
//
// Qdrant point ids must be UUIDs or unsigned integers. Chunk ids like
// "VERNE::chunk_0" are therefore mapped to deterministic UUIDv5 values; the
// original id travels in the payload and is restored on the way out.
package qdrantdex

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"patchvec/internal/engine"
	"patchvec/internal/engine/embed"
	"patchvec/internal/logging"
)

// Payload keys reserved for engine bookkeeping. Metadata fields are stored
// alongside them at the top level so Qdrant filters can address them by name.
const (
	payloadID   = "__id"
	payloadText = "__text"
)

// Config holds connection and collection parameters.
type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool

	// Collection is the Qdrant collection backing this engine instance.
	// One engine per tenant collection keeps the namespaces isolated.
	Collection string

	Embedder embed.Embedder
	Logger   *slog.Logger
}

// Engine implements engine.Engine against Qdrant.
type Engine struct {
	client     *qdrant.Client
	collection string
	embedder   embed.Embedder
	logger     *slog.Logger
}

// New connects to Qdrant. The collection is created lazily on Load.
func New(cfg Config) (*Engine, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrantdex: collection name required")
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrantdex: connect: %w", err)
	}
	return &Engine{
		client:     client,
		collection: cfg.Collection,
		embedder:   cfg.Embedder,
		logger:     logging.Default(cfg.Logger).With("component", "qdrantdex", "collection", cfg.Collection),
	}, nil
}

// Load ensures the remote collection exists. Local state lives in Qdrant,
// so there is nothing to read from dir.
func (e *Engine) Load(ctx context.Context, _ string) error {
	exists, err := e.client.CollectionExists(ctx, e.collection)
	if err != nil {
		return fmt.Errorf("qdrantdex: collection check: %w", err)
	}
	if exists {
		return nil
	}
	err = e.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: e.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(e.embedder.Dim()),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrantdex: create collection: %w", err)
	}
	e.logger.Info("created remote collection")
	return nil
}

// Save is a no-op: Qdrant persists on its own.
func (e *Engine) Save(_ context.Context, _ string) error { return nil }

func (e *Engine) Upsert(ctx context.Context, records []engine.Record) error {
	if len(records) == 0 {
		return nil
	}
	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Text
	}
	vecs := e.embedder.Encode(texts)

	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		payload := map[string]any{
			payloadID:   r.ID,
			payloadText: r.Text,
		}
		for k, v := range r.Meta {
			payload[k] = v
		}
		points[i] = &qdrant.PointStruct{
			Id:      pointID(r.ID),
			Vectors: qdrant.NewVectors(vecs[i]...),
			Payload: qdrant.NewValueMap(payload),
		}
	}
	_, err := e.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: e.collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrantdex: upsert: %w", err)
	}
	return nil
}

func (e *Engine) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}
	_, err := e.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: e.collection,
		Points:         qdrant.NewPointsSelector(pids...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrantdex: delete: %w", err)
	}
	return nil
}

func (e *Engine) Lookup(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	pids := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}
	points, err := e.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: e.collection,
		Ids:            pids,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrantdex: get: %w", err)
	}
	out := make(map[string]string, len(points))
	for _, p := range points {
		id := p.Payload[payloadID].GetStringValue()
		if id == "" {
			continue
		}
		out[id] = p.Payload[payloadText].GetStringValue()
	}
	return out, nil
}

// Count reports the exact remote point count; errors degrade to zero since
// the interface has no error channel for this accessor.
func (e *Engine) Count() int {
	n, err := e.client.Count(context.Background(), &qdrant.CountPoints{
		CollectionName: e.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		e.logger.Warn("count failed", "error", err)
		return 0
	}
	return int(n)
}

// Search runs a vector query with the structured pre-filter translated to
// Qdrant must/must_not conditions. An empty query falls back to a scroll so
// pure-filter retrieval still works.
func (e *Engine) Search(ctx context.Context, req engine.SearchRequest) ([]engine.Hit, error) {
	filter := buildFilter(req.Pre)

	if req.Query == "" {
		return e.scroll(ctx, filter, req.Limit)
	}

	vec := e.embedder.Encode([]string{req.Query})[0]
	points, err := e.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: e.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(req.Limit)),
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrantdex: query: %w", err)
	}

	hits := make([]engine.Hit, 0, len(points))
	for _, p := range points {
		id := p.Payload[payloadID].GetStringValue()
		if id == "" {
			continue
		}
		text := p.Payload[payloadText].GetStringValue()
		hits = append(hits, engine.Hit{ID: id, Score: float64(p.Score), Text: &text})
	}
	return hits, nil
}

func (e *Engine) scroll(ctx context.Context, filter *qdrant.Filter, limit int) ([]engine.Hit, error) {
	points, err := e.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: e.collection,
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrantdex: scroll: %w", err)
	}
	hits := make([]engine.Hit, 0, len(points))
	for _, p := range points {
		id := p.Payload[payloadID].GetStringValue()
		if id == "" {
			continue
		}
		text := p.Payload[payloadText].GetStringValue()
		hits = append(hits, engine.Hit{ID: id, Score: 0, Text: &text})
	}
	return hits, nil
}

// buildFilter maps each field group to Qdrant conditions. Equality terms
// become a match-any keyword condition; inequality terms become must_not
// matches, which is the closest server-side rendering of the SQL group.
func buildFilter(pre []engine.PreFilter) *qdrant.Filter {
	if len(pre) == 0 {
		return nil
	}
	f := &qdrant.Filter{}
	for _, g := range pre {
		if len(g.Equals) > 0 {
			f.Must = append(f.Must, qdrant.NewMatchKeywords(g.Field, g.Equals...))
		}
		for _, v := range g.NotEquals {
			f.MustNot = append(f.MustNot, qdrant.NewMatch(g.Field, v))
		}
	}
	return f
}

// idNamespace anchors the UUIDv5 derivation so the same chunk id always maps
// to the same point across processes.
var idNamespace = uuid.MustParse("8f0cbf4e-3a1d-5f28-9c47-1d2ab0e6f9b3")

func pointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(idNamespace, []byte(id)).String())
}
