package service

import (
	"errors"
	"fmt"
	"net/http"

	"patchvec/internal/admission"
	"patchvec/internal/archive"
	"patchvec/internal/auth"
	"patchvec/internal/ingest"
	"patchvec/internal/store"
)

// Error codes. Handlers map these to HTTP statuses via StatusFor; the code
// strings are part of the wire contract.
const (
	CodeAuthInvalid   = "auth_invalid"
	CodeAuthForbidden = "auth_forbidden"
	CodeAdminRequired = "admin_required"

	CodeTenantRateLimited = "tenant_rate_limited"

	CodeSearchOverloaded = "search_overloaded"
	CodeSearchTimeout    = "search_timeout"
	CodeIngestOverloaded = "ingest_overloaded"

	CodeFileTooLarge = "file_too_large"

	CodeInvalidMetadataJSON = "invalid_metadata_json"
	CodeInvalidCSVOptions   = "invalid_csv_options"
	CodeArchiveInvalid      = "archive_invalid"
	CodeRenameInvalid       = "rename_invalid"
	CodeNoTextExtracted     = "no_text_extracted"

	CodeCollectionNotFound = "collection_not_found"
	CodeCollectionConflict = "collection_conflict"

	CodeIngestFailed           = "ingest_failed"
	CodeSearchFailed           = "search_failed"
	CodeDeleteCollectionFailed = "delete_collection_failed"
	CodeDeleteDocumentFailed   = "delete_document_failed"
	CodeCreateCollectionFailed = "create_collection_failed"
	CodeListTenantsFailed      = "list_tenants_failed"
	CodeListCollectionsFailed  = "list_collections_failed"
	CodeDataDirNotConfigured   = "data_dir_not_configured"
	CodeDataDirNotFound        = "data_dir_not_found"
	CodeArchiveDumpFailed      = "archive_dump_failed"
	CodeArchiveRestoreFailed   = "archive_restore_failed"
)

var statusByCode = map[string]int{
	CodeAuthInvalid:   http.StatusUnauthorized,
	CodeAuthForbidden: http.StatusForbidden,
	CodeAdminRequired: http.StatusForbidden,

	CodeTenantRateLimited: http.StatusTooManyRequests,

	CodeSearchOverloaded: http.StatusServiceUnavailable,
	CodeSearchTimeout:    http.StatusServiceUnavailable,
	CodeIngestOverloaded: http.StatusServiceUnavailable,

	CodeFileTooLarge: http.StatusRequestEntityTooLarge,

	CodeInvalidMetadataJSON: http.StatusBadRequest,
	CodeInvalidCSVOptions:   http.StatusBadRequest,
	CodeArchiveInvalid:      http.StatusBadRequest,
	CodeRenameInvalid:       http.StatusBadRequest,
	CodeNoTextExtracted:     http.StatusBadRequest,

	CodeCollectionNotFound: http.StatusNotFound,
	CodeCollectionConflict: http.StatusConflict,
}

// Error is a typed service failure. Code selects the HTTP status and goes on
// the wire; Message is the human half of the envelope.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// E builds a service error.
func E(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// StatusFor maps an error code to its HTTP status; unknown codes are 500.
func StatusFor(code string) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AsError converts any failure into a typed service error, mapping the known
// sentinel errors from the inner packages and falling back to the given code
// for everything else.
func AsError(err error, fallbackCode string) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}

	switch {
	case errors.Is(err, auth.ErrInvalid):
		return E(CodeAuthInvalid, "%s", err)
	case errors.Is(err, auth.ErrForbidden):
		return E(CodeAuthForbidden, "%s", err)
	case errors.Is(err, auth.ErrAdminRequired):
		return E(CodeAdminRequired, "%s", err)
	case errors.Is(err, admission.ErrTenantRateLimited):
		return E(CodeTenantRateLimited, "%s", err)
	case errors.Is(err, admission.ErrSearchOverloaded):
		return E(CodeSearchOverloaded, "%s", err)
	case errors.Is(err, admission.ErrSearchTimeout):
		return E(CodeSearchTimeout, "%s", err)
	case errors.Is(err, admission.ErrIngestOverloaded):
		return E(CodeIngestOverloaded, "%s", err)
	case errors.Is(err, ingest.ErrNoTextExtracted):
		return E(CodeNoTextExtracted, "%s", err)
	case errors.Is(err, ingest.ErrInvalidCSVOptions):
		return E(CodeInvalidCSVOptions, "%s", err)
	case errors.Is(err, archive.ErrInvalid):
		return E(CodeArchiveInvalid, "%s", err)
	case errors.Is(err, store.ErrRenameInvalid):
		return E(CodeRenameInvalid, "%s", err)
	case errors.Is(err, store.ErrNotFound):
		return E(CodeCollectionNotFound, "%s", err)
	case errors.Is(err, store.ErrExists):
		return E(CodeCollectionConflict, "%s", err)
	}
	return E(fallbackCode, "%s", err)
}
