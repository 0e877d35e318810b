package server

import (
	"errors"
	"net/http"

	"stevedore/internal/registry"
	"stevedore/internal/store"
)

// v2Error is one entry of the Distribution API error envelope.
type v2Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type v2ErrorBody struct {
	Errors []v2Error `json:"errors"`
}

// Error codes from the Distribution API error table.
const (
	codeBlobUnknown       = "BLOB_UNKNOWN"
	codeBlobUploadInvalid = "BLOB_UPLOAD_INVALID"
	codeBlobUploadUnknown = "BLOB_UPLOAD_UNKNOWN"
	codeDigestInvalid     = "DIGEST_INVALID"
	codeManifestInvalid   = "MANIFEST_INVALID"
	codeManifestUnknown   = "MANIFEST_UNKNOWN"
	codeNameUnknown       = "NAME_UNKNOWN"
	codeUnauthorized      = "UNAUTHORIZED"
	codeUnavailable       = "UNAVAILABLE"
	codeUnknown           = "UNKNOWN"
)

// writeV2Error writes the Distribution API error envelope.
func writeV2Error(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, v2ErrorBody{Errors: []v2Error{{Code: code, Message: message}}})
}

// writeEngineError maps an engine error onto the v2 wire contract. notFound
// names the error code used for 404s, since it depends on what was looked up.
func writeEngineError(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeV2Error(w, http.StatusNotFound, notFound, err.Error())
	case errors.Is(err, store.ErrDigestMismatch):
		writeV2Error(w, http.StatusBadRequest, codeDigestInvalid, err.Error())
	case errors.Is(err, store.ErrChunkGap),
		errors.Is(err, store.ErrNoChunks),
		errors.Is(err, registry.ErrInvalidChunkIndex):
		writeV2Error(w, http.StatusBadRequest, codeBlobUploadInvalid, err.Error())
	case errors.Is(err, registry.ErrBadMediaType):
		writeV2Error(w, http.StatusBadRequest, codeManifestInvalid, err.Error())
	case errors.Is(err, registry.ErrDegraded), errors.Is(err, store.ErrCorrupt):
		writeV2Error(w, http.StatusServiceUnavailable, codeUnavailable, err.Error())
	default:
		writeV2Error(w, http.StatusInternalServerError, codeUnknown, err.Error())
	}
}
