package server

import (
	"net/http"
	"strings"
	"time"

	"stevedore/internal/store"
	"stevedore/internal/sysmetrics"
)

// handleAPI dispatches the admin JSON surface. Repository names span
// multiple path segments, so dispatch is by prefix rather than mux pattern.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")

	switch {
	case path == "/registry/state" && r.Method == http.MethodGet:
		s.handleState(w, r)
	case path == "/registry/health" && r.Method == http.MethodGet:
		s.handleHealth(w, r)
	case strings.HasPrefix(path, "/registry/repositories/") && r.Method == http.MethodGet:
		s.handleRepositoryDetail(w, r, strings.TrimPrefix(path, "/registry/repositories/"))
	case path == "/registry/blobs" && r.Method == http.MethodGet:
		s.handleBlobList(w, r)
	case path == "/registry/sessions" && r.Method == http.MethodGet:
		s.handleSessionList(w, r)
	case path == "/registry/recovery/reset" && r.Method == http.MethodPost:
		s.reg.ResetRecovery()
		w.WriteHeader(http.StatusNoContent)
	case path == "/garbage-collect" && r.Method == http.MethodPost:
		s.handleGC(w, r)
	case path == "/garbage-collect/stats" && r.Method == http.MethodGet:
		s.handleGCStats(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown endpoint"})
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.reg.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.reg.Degraded() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status":      status,
		"uptime":      s.reg.Uptime().String(),
		"cpuPercent":  sysmetrics.CPUPercent(),
		"memoryBytes": sysmetrics.MemoryInuse(),
	}
	if free, err := sysmetrics.DiskFreePercent(s.cfg.DataDir); err == nil {
		body["diskFreePercent"] = free
	}
	writeJSON(w, code, body)
}

// manifestSummary is one row of the repository detail response.
type manifestSummary struct {
	Tag       string    `json:"tag"`
	Digest    string    `json:"digest"`
	MediaType string    `json:"mediaType"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleRepositoryDetail(w http.ResponseWriter, r *http.Request, name string) {
	tags, err := s.reg.ListTags(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if len(tags) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "repository not found"})
		return
	}

	manifests := make([]manifestSummary, 0, len(tags))
	for _, tag := range tags {
		mi, err := s.reg.GetManifest(r.Context(), name, tag)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		manifests = append(manifests, manifestSummary{
			Tag:       mi.Tag,
			Digest:    mi.Digest.String(),
			MediaType: mi.MediaType,
			Size:      len(mi.Content),
			CreatedAt: mi.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      name,
		"tags":      tags,
		"manifests": manifests,
	})
}

// blobSummary is one row of the blob listing. Chunk rows carry session and
// index; finalized rows carry the digest.
type blobSummary struct {
	SessionID string    `json:"sessionId,omitempty"`
	Index     *int      `json:"index,omitempty"`
	Digest    string    `json:"digest,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleBlobList(w http.ResponseWriter, r *http.Request) {
	blobs := []blobSummary{}
	err := s.reg.ScanBlobs(r.Context(), func(bi store.BlobInfo) error {
		b := blobSummary{
			Size:      bi.Size,
			CreatedAt: bi.CreatedAt,
			Index:     bi.Index,
		}
		if bi.SessionID != nil {
			b.SessionID = bi.SessionID.String()
		}
		if bi.Digest != "" {
			b.Digest = bi.Digest.String()
		}
		blobs = append(blobs, b)
		return nil
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blobs": blobs})
}

// sessionSummary is one row of the session listing.
type sessionSummary struct {
	ID           string    `json:"id"`
	Repository   string    `json:"repository"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	ChunkCount   int       `json:"chunkCount"`
	Bytes        int64     `json:"bytes"`
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.reg.Sessions(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]sessionSummary, 0, len(sessions))
	for _, si := range sessions {
		out = append(out, sessionSummary{
			ID:           si.ID.String(),
			Repository:   si.Repository,
			CreatedAt:    si.CreatedAt,
			LastActivity: si.LastActivity,
			ChunkCount:   si.ChunkCount,
			Bytes:        si.Bytes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	res, err := s.reg.RunGC(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGCStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reg.GCStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
