package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"patchvec/internal/auth"
	"patchvec/internal/ingest"
	"patchvec/internal/service"
)

// maxMultipartMemory bounds the in-memory part of multipart parsing; larger
// uploads spill to disk. The file_too_large limit is enforced after
// buffering, against the actual byte length.
const maxMultipartMemory = 32 << 20

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

// writeErr renders the error envelope with the taxonomy status, attaching
// rate-limit headers on 429.
func (s *Server) writeErr(w http.ResponseWriter, err error, fallbackCode, requestID string) {
	se := service.AsError(err, fallbackCode)
	status := service.StatusFor(se.Code)
	if se.Code == service.CodeTenantRateLimited {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("Retry-After", "1")
	}
	body := map[string]any{"ok": false, "code": se.Code, "error": se.Message}
	if requestID != "" {
		body["request_id"] = requestID
	}
	s.writeJSON(w, status, body)
}

// requestID prefers the explicit value (body or form) over the header.
func requestID(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return r.Header.Get("X-Request-ID")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"status":  "ok",
		"version": s.svc.BuildInfo()["version"],
	})
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if err := s.svc.Ready(); err != nil {
		se := service.AsError(err, service.CodeDataDirNotFound)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok": false, "code": se.Code, "error": se.Message,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Snapshot())
}

func (s *Server) handlePrometheus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if err := s.svc.Metrics().WritePrometheus(w, s.svc.BuildInfo()); err != nil {
		s.logger.Warn("prometheus write failed", "error", err)
	}
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	names, err := s.svc.ListTenants(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		s.writeErr(w, err, service.CodeListTenantsFailed, "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tenants": names})
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	names, err := s.svc.ListCollections(r.Context(), auth.FromContext(r.Context()), tenant)
	if err != nil {
		s.writeErr(w, err, service.CodeListCollectionsFailed, "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tenant": tenant, "collections": names})
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	collection := chi.URLParam(r, "collection")
	if err := s.svc.CreateCollection(r.Context(), auth.FromContext(r.Context()), tenant, collection); err != nil {
		s.writeErr(w, err, service.CodeCreateCollectionFailed, "")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "tenant": tenant, "collection": collection})
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	collection := chi.URLParam(r, "collection")
	if err := s.svc.DeleteCollection(r.Context(), auth.FromContext(r.Context()), tenant, collection); err != nil {
		s.writeErr(w, err, service.CodeDeleteCollectionFailed, "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tenant": tenant, "collection": collection})
}

func (s *Server) handleRenameCollection(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	collection := chi.URLParam(r, "collection")

	var body struct {
		NewName string `json:"new_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErr(w, service.E(service.CodeRenameInvalid, "body must be JSON with new_name"), "", "")
		return
	}
	if err := s.svc.RenameCollection(r.Context(), auth.FromContext(r.Context()), tenant, collection, body.NewName); err != nil {
		s.writeErr(w, err, service.CodeRenameInvalid, "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "tenant": tenant, "collection": body.NewName, "renamed_from": collection,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	collection := chi.URLParam(r, "collection")

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		s.writeErr(w, service.E(service.CodeIngestFailed, "multipart form required: %s", err), "", "")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeErr(w, service.E(service.CodeIngestFailed, "file field required"), "", "")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.writeErr(w, service.E(service.CodeIngestFailed, "read upload: %s", err), "", "")
		return
	}

	reqID := requestID(r, r.FormValue("request_id"))

	var metadata map[string]any
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			s.writeErr(w, service.E(service.CodeInvalidMetadataJSON, "metadata form field must be a JSON object"), "", reqID)
			return
		}
	}

	res, err := s.svc.Ingest(r.Context(), auth.FromContext(r.Context()), ingest.Request{
		Tenant:      tenant,
		Collection:  collection,
		Filename:    header.Filename,
		Data:        data,
		DocID:       r.FormValue("docid"),
		Metadata:    metadata,
		ContentType: header.Header.Get("Content-Type"),
		CSV: ingest.CSVOptions{
			HasHeader:   firstOf(r.URL.Query().Get("has_header"), r.FormValue("has_header")),
			MetaCols:    firstOf(r.URL.Query().Get("meta_cols"), r.FormValue("meta_cols")),
			IncludeCols: firstOf(r.URL.Query().Get("include_cols"), r.FormValue("include_cols")),
		},
	}, reqID)
	if err != nil {
		s.writeErr(w, err, service.CodeIngestFailed, reqID)
		return
	}

	body := map[string]any{
		"ok": true, "tenant": tenant, "collection": collection,
		"docid": res.DocID, "chunks": res.Chunks,
	}
	if reqID != "" {
		body["request_id"] = reqID
	}
	s.writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	collection := chi.URLParam(r, "collection")
	docid := chi.URLParam(r, "docid")

	n, err := s.svc.DeleteDocument(r.Context(), auth.FromContext(r.Context()), tenant, collection, docid)
	if err != nil {
		s.writeErr(w, err, service.CodeDeleteDocumentFailed, "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "tenant": tenant, "collection": collection,
		"docid": docid, "chunks_deleted": n,
	})
}

type searchBody struct {
	Q         string         `json:"q"`
	K         int            `json:"k"`
	Filters   map[string]any `json:"filters"`
	RequestID string         `json:"request_id"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErr(w, service.E(service.CodeSearchFailed, "body must be JSON"), "", "")
		return
	}
	s.runSearch(w, r, auth.FromContext(r.Context()),
		chi.URLParam(r, "tenant"), chi.URLParam(r, "collection"), body)
}

func (s *Server) handleSearchGet(w http.ResponseWriter, r *http.Request) {
	k, _ := strconv.Atoi(r.URL.Query().Get("k"))
	s.runSearch(w, r, auth.FromContext(r.Context()),
		chi.URLParam(r, "tenant"), chi.URLParam(r, "collection"),
		searchBody{Q: r.URL.Query().Get("q"), K: k})
}

// handleCommonSearch serves the shared collection. Any authenticated caller
// may read it; the effective identity is scoped to the common tenant.
func (s *Server) handleCommonSearch(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErr(w, service.E(service.CodeSearchFailed, "body must be JSON"), "", "")
		return
	}
	s.runCommonSearch(w, r, body)
}

func (s *Server) handleCommonSearchGet(w http.ResponseWriter, r *http.Request) {
	k, _ := strconv.Atoi(r.URL.Query().Get("k"))
	s.runCommonSearch(w, r, searchBody{Q: r.URL.Query().Get("q"), K: k})
}

func (s *Server) runCommonSearch(w http.ResponseWriter, r *http.Request, body searchBody) {
	id := auth.FromContext(r.Context())
	if !id.IsAdmin && id.Tenant == "" {
		s.writeErr(w, auth.ErrInvalid, service.CodeAuthInvalid, requestID(r, body.RequestID))
		return
	}
	effective := auth.Identity{Tenant: s.cfg.CommonTenant, IsAdmin: id.IsAdmin}
	s.runSearch(w, r, effective, s.cfg.CommonTenant, s.cfg.CommonCollection, body)
}

func (s *Server) runSearch(w http.ResponseWriter, r *http.Request, id auth.Identity, tenant, collection string, body searchBody) {
	reqID := requestID(r, body.RequestID)
	res, err := s.svc.Search(r.Context(), id, tenant, collection, body.Q, body.K, body.Filters, reqID)
	if err != nil {
		s.writeErr(w, err, service.CodeSearchFailed, reqID)
		return
	}
	out := map[string]any{
		"ok":         true,
		"tenant":     tenant,
		"collection": collection,
		"matches":    res.Matches,
		"latency_ms": res.LatencyMS,
	}
	if reqID != "" {
		out["request_id"] = reqID
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleArchiveDump(w http.ResponseWriter, r *http.Request) {
	path, tmpDir, err := s.svc.DumpArchive(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		s.writeErr(w, err, service.CodeArchiveDumpFailed, "")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		s.writeErr(w, service.E(service.CodeArchiveDumpFailed, "open archive: %s", err), "", "")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="patchvec-dump.zip"`)
	_, copyErr := io.Copy(w, f)
	f.Close()
	if copyErr != nil {
		s.logger.Warn("archive stream interrupted", "error", copyErr)
	}

	go func() { _ = os.RemoveAll(tmpDir) }()
}

func (s *Server) handleArchiveRestore(w http.ResponseWriter, r *http.Request) {
	var data []byte

	if err := r.ParseMultipartForm(maxMultipartMemory); err == nil {
		if file, _, ferr := r.FormFile("file"); ferr == nil {
			data, _ = io.ReadAll(file)
			file.Close()
		}
	}
	if data == nil {
		body, err := io.ReadAll(r.Body)
		if err != nil || len(body) == 0 {
			s.writeErr(w, service.E(service.CodeArchiveInvalid, "archive upload required"), "", "")
			return
		}
		data = body
	}

	id := auth.FromContext(r.Context())
	if err := s.svc.RestoreArchive(r.Context(), id, bytes.NewReader(data), int64(len(data))); err != nil {
		s.writeErr(w, err, service.CodeArchiveRestoreFailed, "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ResetMetrics(r.Context(), auth.FromContext(r.Context())); err != nil {
		s.writeErr(w, err, service.CodeAdminRequired, "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
