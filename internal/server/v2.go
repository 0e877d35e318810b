package server

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"stevedore/internal/content"
)

// repoNameRe matches Distribution repository names: lowercase path segments
// separated by slashes, each segment alphanumeric with inner ._- separators.
var repoNameRe = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*(?:/[a-z0-9]+(?:[._-][a-z0-9]+)*)*$`)

// v2Route is the decoded form of a /v2/ request path.
type v2Route struct {
	kind    string // ping, catalog, initiate, upload, blob, manifest, tags, repository
	name    string // repository name, possibly multi-segment
	ref     string // manifest tag or digest
	digest  digest.Digest
	session uuid.UUID
	index   int
}

// parseV2Route decodes a path below /v2/. Repository names span multiple
// segments, so the route markers (blobs, manifests, tags/list, uploads) are
// resolved from the tail of the path.
func parseV2Route(path string) (v2Route, bool) {
	path = strings.TrimPrefix(path, "/v2")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		return v2Route{kind: "ping"}, true
	}
	if path == "_catalog" {
		return v2Route{kind: "catalog"}, true
	}

	seg := strings.Split(path, "/")

	// /v2/uploads/<sid>/<k> is the session namespace; "uploads" is reserved
	// as a leading segment and never a repository name.
	if seg[0] == "uploads" {
		if len(seg) != 3 {
			return v2Route{}, false
		}
		sid, err := uuid.Parse(seg[1])
		if err != nil {
			return v2Route{}, false
		}
		k, err := strconv.Atoi(seg[2])
		if err != nil || k < 0 {
			return v2Route{}, false
		}
		return v2Route{kind: "upload", session: sid, index: k}, true
	}

	n := len(seg)

	// <name>/blobs/uploads/ with or without the trailing slash.
	if n >= 3 && seg[n-1] == "" && seg[n-2] == "uploads" && seg[n-3] == "blobs" {
		return repoRoute("initiate", seg[:n-3], "")
	}
	if n >= 3 && seg[n-1] == "uploads" && seg[n-2] == "blobs" {
		return repoRoute("initiate", seg[:n-2], "")
	}

	if n >= 3 && seg[n-2] == "blobs" {
		r, ok := repoRoute("blob", seg[:n-2], "")
		if !ok {
			return v2Route{}, false
		}
		d, err := content.ParseDigest(seg[n-1])
		if err != nil {
			return v2Route{}, false
		}
		r.digest = d
		return r, true
	}

	if n >= 3 && seg[n-2] == "manifests" {
		return repoRoute("manifest", seg[:n-2], seg[n-1])
	}

	if n >= 3 && seg[n-2] == "tags" && seg[n-1] == "list" {
		return repoRoute("tags", seg[:n-2], "")
	}

	return repoRoute("repository", seg, "")
}

func repoRoute(kind string, nameSeg []string, ref string) (v2Route, bool) {
	name := strings.Join(nameSeg, "/")
	if !repoNameRe.MatchString(name) {
		return v2Route{}, false
	}
	return v2Route{kind: kind, name: name, ref: ref}, true
}

// handleV2 dispatches the Distribution API.
func (s *Server) handleV2(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")

	route, ok := parseV2Route(r.URL.Path)
	if !ok {
		writeV2Error(w, http.StatusNotFound, codeNameUnknown, "unknown path")
		return
	}

	switch route.kind {
	case "ping":
		s.handlePing(w, r)
	case "catalog":
		// Listing responses are JSON and may grow large; they take the same
		// compression path as the admin surface. Blob and manifest bodies
		// never do, their bytes are content-addressed.
		compressMiddleware(http.HandlerFunc(s.handleCatalog)).ServeHTTP(w, r)
	case "initiate":
		s.handleInitiate(w, r, route)
	case "upload":
		s.handleUpload(w, r, route)
	case "blob":
		s.handleBlob(w, r, route)
	case "manifest":
		s.handleManifest(w, r, route)
	case "tags":
		compressMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.handleTags(w, r, route)
		})).ServeHTTP(w, r)
	case "repository":
		s.handleRepository(w, r, route)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	repos, err := s.reg.ListRepositories(r.Context())
	if err != nil {
		writeEngineError(w, err, codeNameUnknown)
		return
	}
	if repos == nil {
		repos = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"repositories": repos})
}

// handleInitiate starts an upload session. With ?digest= pointing at an
// already-finalized blob, no session opens and the response is a 201 at the
// canonical blob URL.
func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request, route v2Route) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var dgst digest.Digest
	if q := r.URL.Query().Get("digest"); q != "" {
		d, err := content.ParseDigest(q)
		if err != nil {
			writeV2Error(w, http.StatusBadRequest, codeDigestInvalid, err.Error())
			return
		}
		dgst = d
	}

	res, err := s.reg.InitiateUpload(r.Context(), route.name, dgst)
	if err != nil {
		writeEngineError(w, err, codeNameUnknown)
		return
	}

	w.Header().Set("Location", res.Location)
	if res.Created {
		w.Header().Set("Docker-Content-Digest", dgst.String())
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.Header().Set("Docker-Upload-UUID", res.SessionID.String())
	w.WriteHeader(http.StatusAccepted)
}

// handleUpload serves PATCH (append chunk), PUT (finalize), and DELETE
// (cancel) on a session.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, route v2Route) {
	switch r.Method {
	case http.MethodPatch:
		s.handleAppend(w, r, route)
	case http.MethodPut:
		s.handleFinalize(w, r, route)
	case http.MethodDelete:
		if err := s.reg.CancelUpload(r.Context(), route.session); err != nil {
			writeEngineError(w, err, codeBlobUploadUnknown)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request, route v2Route) {
	defer io.Copy(io.Discard, r.Body)

	res, err := s.reg.AppendChunk(r.Context(), route.session, route.index, r.Body)
	if err != nil {
		writeEngineError(w, err, codeBlobUploadUnknown)
		return
	}

	w.Header().Set("Location", res.Location)
	w.Header().Set("Docker-Upload-UUID", route.session.String())
	w.Header().Set("Range", fmt.Sprintf("0-%d", res.TotalBytes))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request, route v2Route) {
	q := r.URL.Query().Get("digest")
	if q == "" {
		writeV2Error(w, http.StatusBadRequest, codeDigestInvalid, "digest query parameter required")
		return
	}
	dgst, err := content.ParseDigest(q)
	if err != nil {
		writeV2Error(w, http.StatusBadRequest, codeDigestInvalid, err.Error())
		return
	}

	// A final PUT may carry trailing body bytes as the last chunk.
	if r.ContentLength != 0 {
		count, err := s.reg.NextIndex(r.Context(), route.session)
		if err != nil {
			writeEngineError(w, err, codeBlobUploadUnknown)
			return
		}
		if _, err := s.reg.AppendChunk(r.Context(), route.session, count, r.Body); err != nil {
			writeEngineError(w, err, codeBlobUploadUnknown)
			return
		}
	}

	// The repository is not in the session URL; the engine resolves it from
	// the session row and returns the canonical blob location.
	loc, err := s.reg.CompleteUpload(r.Context(), route.session, dgst)
	if err != nil {
		writeEngineError(w, err, codeBlobUploadUnknown)
		return
	}

	w.Header().Set("Location", loc)
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request, route v2Route) {
	switch r.Method {
	case http.MethodHead:
		// Clients use the size to decide whether to skip or mount the blob.
		size, err := s.reg.StatBlob(r.Context(), route.digest)
		if err != nil {
			writeEngineError(w, err, codeBlobUnknown)
			return
		}
		w.Header().Set("Docker-Content-Digest", route.digest.String())
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)

	case http.MethodGet:
		rc, size, err := s.reg.BlobReader(r.Context(), route.digest)
		if err != nil {
			writeEngineError(w, err, codeBlobUnknown)
			return
		}
		defer rc.Close()
		w.Header().Set("Docker-Content-Digest", route.digest.String())
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, rc)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request, route v2Route) {
	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeV2Error(w, http.StatusBadRequest, codeManifestInvalid, "read body: "+err.Error())
			return
		}
		dgst, err := s.reg.PutManifest(r.Context(), route.name, route.ref, r.Header.Get("Content-Type"), body)
		if err != nil {
			writeEngineError(w, err, codeManifestUnknown)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", route.name, dgst))
		w.Header().Set("Docker-Content-Digest", dgst.String())
		w.WriteHeader(http.StatusCreated)

	case http.MethodHead, http.MethodGet:
		mi, err := s.reg.GetManifest(r.Context(), route.name, route.ref)
		if err != nil {
			writeEngineError(w, err, codeManifestUnknown)
			return
		}
		w.Header().Set("Docker-Content-Digest", mi.Digest.String())
		w.Header().Set("Content-Type", mi.MediaType)
		w.Header().Set("Content-Length", strconv.Itoa(len(mi.Content)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(mi.Content)
		}

	case http.MethodDelete:
		existed, err := s.reg.DeleteManifest(r.Context(), route.name, route.ref)
		if err != nil {
			writeEngineError(w, err, codeManifestUnknown)
			return
		}
		if !existed {
			writeV2Error(w, http.StatusNotFound, codeManifestUnknown, "manifest unknown")
			return
		}
		w.WriteHeader(http.StatusAccepted)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request, route v2Route) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tags, err := s.reg.ListTags(r.Context(), route.name)
	if err != nil {
		writeEngineError(w, err, codeNameUnknown)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": route.name, "tags": tags})
}

func (s *Server) handleRepository(w http.ResponseWriter, r *http.Request, route v2Route) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n, err := s.reg.DeleteRepository(r.Context(), route.name)
	if err != nil {
		writeEngineError(w, err, codeNameUnknown)
		return
	}
	if n == 0 {
		writeV2Error(w, http.StatusNotFound, codeNameUnknown, "repository unknown")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"manifestsDeleted": n})
}
