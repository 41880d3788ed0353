// Package service is the core API layer: every operation the HTTP and CLI
// adapters expose lives here, with admission control, metrics, and ops-log
// emission applied uniformly. Failures leave as typed errors; adapters only
// translate them to their envelope format.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"patchvec/internal/admission"
	"patchvec/internal/archive"
	"patchvec/internal/auth"
	"patchvec/internal/ingest"
	"patchvec/internal/logging"
	"patchvec/internal/metrics"
	"patchvec/internal/opslog"
	"patchvec/internal/store"
)

// Warm-up touches this reserved collection at startup so model and index
// load costs are paid before the first real request.
const (
	systemTenant     = "_system"
	healthCollection = "health"
)

// Config holds service-level policy.
type Config struct {
	// CommonEnabled merges a shared collection into every search.
	CommonEnabled    bool
	CommonTenant     string
	CommonCollection string

	// MaxFileSizeMB bounds ingest uploads; 0 is unlimited.
	MaxFileSizeMB int

	// Build info, exported on health and metrics surfaces.
	BuildVersion string
	BuildCommit  string

	Logger *slog.Logger
}

// Service wires the store, pipeline, gates, and observability together.
type Service struct {
	store    *store.Store
	pipeline *ingest.Pipeline
	gate     *admission.Controller
	metrics  *metrics.Registry
	ops      *opslog.Logger
	archiver *archive.Engine
	cfg      Config
	logger   *slog.Logger

	warmedUp bool
}

func New(st *store.Store, pipeline *ingest.Pipeline, gate *admission.Controller,
	reg *metrics.Registry, ops *opslog.Logger, archiver *archive.Engine, cfg Config) *Service {
	return &Service{
		store:    st,
		pipeline: pipeline,
		gate:     gate,
		metrics:  reg,
		ops:      ops,
		archiver: archiver,
		cfg:      cfg,
		logger:   logging.Default(cfg.Logger).With("component", "service"),
	}
}

// Store exposes the underlying collection store to trusted adapters.
func (s *Service) Store() *store.Store { return s.store }

// Metrics exposes the registry for the server's exposition endpoints.
func (s *Service) Metrics() *metrics.Registry { return s.metrics }

// BuildInfo returns the version labels for exposition.
func (s *Service) BuildInfo() map[string]string {
	return map[string]string{
		"version": s.cfg.BuildVersion,
		"commit":  s.cfg.BuildCommit,
	}
}

// logOp emits one ops-log record and maintains the error counter.
func (s *Service) logOp(op, tenant, collection string, start time.Time, err error, extras map[string]any) {
	e := opslog.Entry{
		Op:         op,
		Tenant:     tenant,
		Collection: collection,
		LatencyMS:  float64(time.Since(start).Microseconds()) / 1000,
		Status:     "ok",
		Extras:     extras,
	}
	if err != nil {
		e.Status = "error"
		e.ErrorCode = AsError(err, "internal").Code
		s.metrics.Incr(metrics.ErrorsTotal)
		s.metrics.SetLastError(err.Error())
	}
	s.ops.Log(e)
}

// Warmup loads the reserved health collection so startup pays the engine
// initialization cost once.
func (s *Service) Warmup(ctx context.Context) error {
	if err := s.store.LoadOrInit(ctx, systemTenant, healthCollection); err != nil {
		return fmt.Errorf("warm-up: %w", err)
	}
	s.warmedUp = true
	return nil
}

// Ready verifies the data dir is writable and the engine initialized.
func (s *Service) Ready() error {
	if !s.warmedUp {
		return E(CodeDataDirNotConfigured, "engine not initialized")
	}
	probe, err := os.CreateTemp(s.store.DataDir(), ".ready-*")
	if err != nil {
		return E(CodeDataDirNotFound, "data dir not writable: %s", err)
	}
	probe.Close()
	_ = os.Remove(probe.Name())
	return nil
}

// Snapshot returns the metrics snapshot with build info merged in.
func (s *Service) Snapshot() map[string]any {
	return s.metrics.Snapshot(map[string]any{
		"version": s.cfg.BuildVersion,
		"commit":  s.cfg.BuildCommit,
	})
}

// FlushMetrics persists the metrics registry under the data dir.
func (s *Service) FlushMetrics() error {
	return s.metrics.Flush(filepath.Join(s.store.DataDir(), metrics.FileName))
}

// CreateCollection materializes a collection. Creating an existing one is
// success with no state change.
func (s *Service) CreateCollection(ctx context.Context, id auth.Identity, tenant, name string) error {
	start := time.Now()
	err := func() error {
		if err := auth.RequireTenant(id, tenant); err != nil {
			return AsError(err, CodeAuthForbidden)
		}
		if err := s.store.LoadOrInit(ctx, tenant, name); err != nil {
			return AsError(err, CodeCreateCollectionFailed)
		}
		s.metrics.Incr(metrics.CollectionsCreatedTotal)
		return nil
	}()
	s.logOp("create_collection", tenant, name, start, err, nil)
	return err
}

// DeleteCollection removes the collection; deleting a missing one succeeds.
func (s *Service) DeleteCollection(ctx context.Context, id auth.Identity, tenant, name string) error {
	start := time.Now()
	err := func() error {
		if err := auth.RequireTenant(id, tenant); err != nil {
			return AsError(err, CodeAuthForbidden)
		}
		if err := s.store.DeleteCollection(ctx, tenant, name); err != nil {
			return AsError(err, CodeDeleteCollectionFailed)
		}
		return nil
	}()
	s.logOp("delete_collection", tenant, name, start, err, nil)
	return err
}

// RenameCollection renames within a tenant.
func (s *Service) RenameCollection(ctx context.Context, id auth.Identity, tenant, oldName, newName string) error {
	start := time.Now()
	err := func() error {
		if err := auth.RequireTenant(id, tenant); err != nil {
			return AsError(err, CodeAuthForbidden)
		}
		if newName == "" {
			return E(CodeRenameInvalid, "new_name is required")
		}
		if err := s.store.RenameCollection(ctx, tenant, oldName, newName); err != nil {
			return AsError(err, "rename_failed")
		}
		return nil
	}()
	s.logOp("rename_collection", tenant, oldName, start, err, map[string]any{"new_name": newName})
	return err
}

// ListCollections returns the tenant's collection names, sorted.
func (s *Service) ListCollections(_ context.Context, id auth.Identity, tenant string) ([]string, error) {
	start := time.Now()
	names, err := func() ([]string, error) {
		if err := auth.RequireTenant(id, tenant); err != nil {
			return nil, AsError(err, CodeAuthForbidden)
		}
		names, err := s.store.ListCollections(tenant)
		if err != nil {
			return nil, AsError(err, CodeListCollectionsFailed)
		}
		return names, nil
	}()
	s.logOp("list_collections", tenant, "", start, err, nil)
	return names, err
}

// ListTenants returns every tenant. Admin only.
func (s *Service) ListTenants(_ context.Context, id auth.Identity) ([]string, error) {
	start := time.Now()
	names, err := func() ([]string, error) {
		if err := auth.RequireAdmin(id); err != nil {
			return nil, AsError(err, CodeAdminRequired)
		}
		names, err := s.store.ListTenants()
		if err != nil {
			return nil, AsError(err, CodeListTenantsFailed)
		}
		return names, nil
	}()
	s.logOp("list_tenants", "", "", start, err, nil)
	return names, err
}

// DeleteDocument purges a document. Idempotent: a missing docid reports
// zero chunks deleted.
func (s *Service) DeleteDocument(ctx context.Context, id auth.Identity, tenant, collection, docid string) (int, error) {
	start := time.Now()
	n, err := func() (int, error) {
		if err := auth.RequireTenant(id, tenant); err != nil {
			return 0, AsError(err, CodeAuthForbidden)
		}
		n, err := s.store.PurgeDoc(ctx, tenant, collection, docid)
		if err != nil {
			return 0, AsError(err, CodeDeleteDocumentFailed)
		}
		if n > 0 {
			s.metrics.Incr(metrics.DocumentsDeletedTotal)
			s.metrics.Incr(metrics.PurgeTotal)
		}
		return n, nil
	}()
	s.logOp("delete_document", tenant, collection, start, err, map[string]any{"docid": docid, "chunks": n})
	return n, err
}

// Ingest admits, size-checks, and runs the pipeline. Re-ingest of a docid
// is a full replace.
func (s *Service) Ingest(ctx context.Context, id auth.Identity, req ingest.Request, requestID string) (ingest.Result, error) {
	start := time.Now()
	res, err := func() (ingest.Result, error) {
		if err := auth.RequireTenant(id, req.Tenant); err != nil {
			return ingest.Result{}, AsError(err, CodeAuthForbidden)
		}
		if s.cfg.MaxFileSizeMB > 0 && len(req.Data) > s.cfg.MaxFileSizeMB*1024*1024 {
			return ingest.Result{}, E(CodeFileTooLarge, "file exceeds %d MB limit", s.cfg.MaxFileSizeMB)
		}
		release, err := s.gate.AcquireIngest(req.Tenant, id.IsAdmin)
		if err != nil {
			return ingest.Result{}, AsError(err, CodeIngestOverloaded)
		}
		defer release()

		res, err := s.pipeline.Ingest(ctx, req)
		if err != nil {
			return res, AsError(err, CodeIngestFailed)
		}
		s.metrics.Incr(metrics.DocumentsIndexedTotal)
		s.metrics.Add(metrics.ChunksIndexedTotal, int64(res.Chunks))
		if res.Purged > 0 {
			s.metrics.Incr(metrics.PurgeTotal)
		}
		s.metrics.Observe(metrics.OpIngest, float64(time.Since(start).Microseconds())/1000)
		return res, nil
	}()
	s.logOp("ingest", req.Tenant, req.Collection, start, err, map[string]any{
		"docid":      nonEmpty(res.DocID),
		"chunks":     res.Chunks,
		"request_id": nonEmpty(requestID),
	})
	return res, err
}

// SearchResult is the search envelope payload.
type SearchResult struct {
	Matches   []store.Match
	LatencyMS float64
	RequestID string
}

// Search runs an admitted, deadline-bounded similarity query, optionally
// fanning out to the configured common collection and merging by raw score.
func (s *Service) Search(ctx context.Context, id auth.Identity, tenant, collection, q string, k int, filters map[string]any, requestID string) (*SearchResult, error) {
	start := time.Now()
	s.metrics.Incr(metrics.SearchTotal)

	res, err := func() (*SearchResult, error) {
		if err := auth.RequireTenant(id, tenant); err != nil {
			return nil, AsError(err, CodeAuthForbidden)
		}

		out, err := s.gate.RunSearch(ctx, tenant, id.IsAdmin, func(ctx context.Context) (any, error) {
			return s.searchMerged(ctx, tenant, collection, q, k, filters)
		})
		if err != nil {
			return nil, AsError(err, CodeSearchFailed)
		}
		matches := out.([]store.Match)

		s.metrics.Add(metrics.MatchesTotal, int64(len(matches)))
		latency := float64(time.Since(start).Microseconds()) / 1000
		s.metrics.Observe(metrics.OpSearch, latency)
		return &SearchResult{Matches: matches, LatencyMS: latency, RequestID: requestID}, nil
	}()

	hits := 0
	if res != nil {
		hits = len(res.Matches)
	}
	s.logOp("search", tenant, collection, start, err, map[string]any{
		"k":          k,
		"hits":       hits,
		"request_id": nonEmpty(requestID),
	})
	return res, err
}

// searchMerged queries the addressed collection and, when enabled, the
// common collection, merging by raw score.
func (s *Service) searchMerged(ctx context.Context, tenant, collection, q string, k int, filters map[string]any) ([]store.Match, error) {
	matches, err := s.store.Search(ctx, tenant, collection, q, k, filters)
	if err != nil {
		return nil, err
	}

	if !s.cfg.CommonEnabled ||
		(tenant == s.cfg.CommonTenant && collection == s.cfg.CommonCollection) {
		return matches, nil
	}

	keep := k
	if keep < 1 {
		keep = 1
	}
	subK := 2 * keep
	if subK < 10 {
		subK = 10
	}
	common, err := s.store.Search(ctx, s.cfg.CommonTenant, s.cfg.CommonCollection, q, subK, filters)
	if err != nil {
		s.logger.Warn("common collection search failed", "error", err)
		return matches, nil
	}

	merged := append(matches, common...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > keep {
		merged = merged[:keep]
	}
	return merged, nil
}

// DumpArchive streams a consistent ZIP of the data dir. Admin only.
func (s *Service) DumpArchive(ctx context.Context, id auth.Identity) (archivePath, tmpDir string, err error) {
	start := time.Now()
	archivePath, tmpDir, err = func() (string, string, error) {
		if err := auth.RequireAdmin(id); err != nil {
			return "", "", AsError(err, CodeAdminRequired)
		}
		path, tmp, err := s.archiver.Dump(ctx)
		if err != nil {
			return "", "", AsError(err, CodeArchiveDumpFailed)
		}
		return path, tmp, nil
	}()
	s.logOp("dump_archive", "", "", start, err, nil)
	return archivePath, tmpDir, err
}

// RestoreArchive replaces the data dir from an uploaded ZIP. Admin only.
func (s *Service) RestoreArchive(ctx context.Context, id auth.Identity, r io.ReaderAt, size int64) error {
	start := time.Now()
	err := func() error {
		if err := auth.RequireAdmin(id); err != nil {
			return AsError(err, CodeAdminRequired)
		}
		if err := s.archiver.Restore(ctx, r, size); err != nil {
			return AsError(err, CodeArchiveRestoreFailed)
		}
		return nil
	}()
	s.logOp("restore_archive", "", "", start, err, nil)
	return err
}

// ResetMetrics zeroes the registry. Admin only.
func (s *Service) ResetMetrics(_ context.Context, id auth.Identity) error {
	start := time.Now()
	err := func() error {
		if err := auth.RequireAdmin(id); err != nil {
			return AsError(err, CodeAdminRequired)
		}
		s.metrics.Reset()
		return nil
	}()
	s.logOp("reset_metrics", "", "", start, err, nil)
	return err
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
