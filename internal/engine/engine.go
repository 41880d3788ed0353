// Package engine defines the embedding/index capability PatchVec is built on
// and the query-side plumbing around it: filter splitting, SQL assembly,
// sanitization and post-retrieval filter evaluation.
//
// An Engine owns one index per collection. The collection store serializes
// all calls into a given Engine instance under the collection lock, so
// implementations do not need internal locking for correctness (though they
// may have it).
package engine

import "context"

// Record is a canonical full record for upsert: id, raw text and metadata.
type Record struct {
	ID   string
	Text string
	Meta map[string]any
}

// Hit is one normalized engine search result. Text is nil when the engine
// does not store content; the store hydrates from sidecars.
type Hit struct {
	ID    string
	Score float64
	Text  *string
}

// PreFilter is the engine-evaluated half of a client filter: per-field exact
// equalities (OR within the field) and negations (AND within the field).
type PreFilter struct {
	Field     string
	Equals    []string
	NotEquals []string
}

// SearchRequest carries a sanitized similarity query plus the pre-filter in
// both structured and SQL form. SQL is authoritative for engines with a SQL
// surface; Pre is the same split in structured form for engines without one.
// The two are produced together by BuildSearchRequest and agree by
// construction.
type SearchRequest struct {
	Query string
	Limit int
	Pre   []PreFilter
	SQL   string
}

// Engine is the embedding-driven index capability.
type Engine interface {
	// Load reads the persisted index under dir. A missing index means
	// "start fresh"; a corrupt one must be replaced with an empty index,
	// never surfaced as fatal.
	Load(ctx context.Context, dir string) error

	// Save persists the index under dir.
	Save(ctx context.Context, dir string) error

	// Upsert inserts or replaces full records keyed by id.
	Upsert(ctx context.Context, records []Record) error

	// Delete removes records by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Lookup returns stored text by id for ids the engine knows.
	Lookup(ctx context.Context, ids []string) (map[string]string, error)

	// Search runs similarity retrieval restricted by the pre-filter and
	// returns up to req.Limit hits, best first.
	Search(ctx context.Context, req SearchRequest) ([]Hit, error)

	// Count reports the number of indexed records.
	Count() int
}
