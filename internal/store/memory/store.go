// Package memory provides an in-memory store.Store implementation.
//
// It mirrors the SQLite backend's semantics under a single mutex: every
// public operation is atomic, finalize promotes chunks to a finalized blob
// in one step, and garbage collection sees a consistent snapshot. Intended
// for tests and ephemeral registries.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"stevedore/internal/content"
	"stevedore/internal/store"
)

type chunk struct {
	index     int
	data      []byte
	createdAt time.Time
}

type session struct {
	repo         string
	createdAt    time.Time
	lastActivity time.Time
	chunks       []chunk
}

type blob struct {
	data      []byte
	createdAt time.Time
}

type manifest struct {
	tag       string
	dgst      digest.Digest
	mediaType string
	body      []byte
	createdAt time.Time
}

// Store is an in-memory store.Store implementation.
type Store struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]*session
	blobs     map[digest.Digest]blob
	manifests map[string][]manifest // name -> manifests, unique per tag
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions:  make(map[uuid.UUID]*session),
		blobs:     make(map[digest.Digest]blob),
		manifests: make(map[string][]manifest),
	}
}

func (s *Store) Close() error { return nil }

// Sessions

func (s *Store) CreateSession(_ context.Context, id uuid.UUID, repo string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return fmt.Errorf("session %s: %w", id, store.ErrDuplicate)
	}
	s.sessions[id] = &session{repo: repo, createdAt: now, lastActivity: now}
	return nil
}

func (s *Store) TouchSession(_ context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	sess.lastActivity = now
	return nil
}

func (s *Store) ChunkCount(_ context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return 0, nil
	}
	return len(sess.chunks), nil
}

func (s *Store) ListSessions(_ context.Context) ([]store.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]store.SessionInfo, 0, len(s.sessions))
	for id, sess := range s.sessions {
		si := store.SessionInfo{
			ID:           id,
			Repository:   sess.repo,
			CreatedAt:    sess.createdAt,
			LastActivity: sess.lastActivity,
			ChunkCount:   len(sess.chunks),
		}
		for _, c := range sess.chunks {
			si.Bytes += int64(len(c.data))
		}
		result = append(result, si)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) DeleteSession(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Blobs

func (s *Store) HasBlob(_ context.Context, dgst digest.Digest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[dgst]
	return ok, nil
}

func (s *Store) StatBlob(_ context.Context, dgst digest.Digest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[dgst]
	if !ok {
		return 0, fmt.Errorf("blob %s: %w", dgst, store.ErrNotFound)
	}
	return int64(len(b.data)), nil
}

func (s *Store) PutChunk(_ context.Context, id uuid.UUID, index int, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read chunk %s/%d: %w", id, index, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return 0, fmt.Errorf("put chunk: session %s: %w", id, store.ErrNotFound)
	}
	now := time.Now()
	sess.chunks = append(sess.chunks, chunk{index: index, data: data, createdAt: now})
	sess.lastActivity = now
	return int64(len(data)), nil
}

func (s *Store) FinalizeUpload(_ context.Context, id uuid.UUID, dgst digest.Digest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return 0, fmt.Errorf("finalize: session %s: %w", id, store.ErrNotFound)
	}
	if len(sess.chunks) == 0 {
		return 0, fmt.Errorf("session %s: %w", id, store.ErrNoChunks)
	}

	chunks := make([]chunk, len(sess.chunks))
	copy(chunks, sess.chunks)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })

	digester := digest.SHA256.Digester()
	var buf bytes.Buffer
	for i, c := range chunks {
		if c.index != i {
			return 0, fmt.Errorf("session %s chunk %d, expected %d: %w",
				id, c.index, i, store.ErrChunkGap)
		}
		digester.Hash().Write(c.data)
		buf.Write(c.data)
	}

	if computed := digester.Digest(); computed != dgst {
		// Chunks stay put so the client can retry.
		return 0, fmt.Errorf("declared %s, computed %s: %w",
			dgst, computed, store.ErrDigestMismatch)
	}

	size := int64(buf.Len())
	if _, exists := s.blobs[dgst]; exists {
		delete(s.sessions, id)
		return size, fmt.Errorf("digest %s: %w", dgst, store.ErrDuplicate)
	}

	s.blobs[dgst] = blob{data: buf.Bytes(), createdAt: time.Now()}
	delete(s.sessions, id)
	return size, nil
}

func (s *Store) BlobReader(_ context.Context, dgst digest.Digest) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[dgst]
	if !ok {
		return nil, 0, fmt.Errorf("blob %s: %w", dgst, store.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b.data)), int64(len(b.data)), nil
}

func (s *Store) DeleteBlob(_ context.Context, dgst digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, dgst)
	return nil
}

func (s *Store) ScanBlobs(_ context.Context, fn func(store.BlobInfo) error) error {
	s.mu.Lock()
	var infos []store.BlobInfo
	for id, sess := range s.sessions {
		for _, c := range sess.chunks {
			sid, idx := id, c.index
			infos = append(infos, store.BlobInfo{
				SessionID: &sid,
				Index:     &idx,
				Size:      int64(len(c.data)),
				CreatedAt: c.createdAt,
			})
		}
	}
	for dgst, b := range s.blobs {
		infos = append(infos, store.BlobInfo{
			Digest:    dgst,
			Size:      int64(len(b.data)),
			CreatedAt: b.createdAt,
		})
	}
	s.mu.Unlock()

	for _, bi := range infos {
		if err := fn(bi); err != nil {
			return err
		}
	}
	return nil
}

// Manifests

func (s *Store) PutManifest(_ context.Context, name, tag string, dgst digest.Digest, mediaType string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.manifests[name]
	for i, m := range list {
		if m.tag == tag {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.manifests[name] = append(list, manifest{
		tag:       tag,
		dgst:      dgst,
		mediaType: mediaType,
		body:      bytes.Clone(body),
		createdAt: time.Now(),
	})
	return nil
}

func (s *Store) GetManifest(_ context.Context, name, ref string) (store.ManifestInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byDigest := content.IsDigest(ref)
	for _, m := range s.manifests[name] {
		if (byDigest && m.dgst.String() == ref) || (!byDigest && m.tag == ref) {
			return store.ManifestInfo{
				Name:      name,
				Tag:       m.tag,
				Digest:    m.dgst,
				MediaType: m.mediaType,
				Content:   bytes.Clone(m.body),
				CreatedAt: m.createdAt,
			}, nil
		}
	}
	return store.ManifestInfo{}, fmt.Errorf("manifest %s@%s: %w", name, ref, store.ErrNotFound)
}

func (s *Store) DeleteManifest(_ context.Context, name, tag string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.manifests[name]
	for i, m := range list {
		if m.tag == tag {
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(s.manifests, name)
			} else {
				s.manifests[name] = list
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) DeleteRepository(_ context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.manifests[name])
	delete(s.manifests, name)
	return n, nil
}

func (s *Store) ListRepositories(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.manifests))
	for name := range s.manifests {
		if len(s.manifests[name]) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) ListTags(_ context.Context, name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tags []string
	for _, m := range s.manifests[name] {
		tags = append(tags, m.tag)
	}
	sort.Strings(tags)
	return tags, nil
}

// Maintenance

func (s *Store) CollectGarbage(_ context.Context, now time.Time, chunkAge time.Duration) (store.GCResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result store.GCResult

	// Phase 1: chunks of abandoned sessions.
	cutoff := now.Add(-chunkAge)
	for id, sess := range s.sessions {
		if sess.lastActivity.Before(cutoff) {
			for _, c := range sess.chunks {
				result.BlobsRemoved++
				result.BytesFreed += int64(len(c.data))
			}
			delete(s.sessions, id)
		}
	}

	// Phase 2: referenced set.
	referenced := make(map[digest.Digest]struct{})
	for _, list := range s.manifests {
		for _, m := range list {
			for _, d := range content.ExtractDigests(m.body) {
				referenced[d] = struct{}{}
			}
		}
	}

	// Phase 3: unreferenced finalized blobs.
	freed := make(map[digest.Digest]struct{})
	for dgst, b := range s.blobs {
		if _, ok := referenced[dgst]; ok {
			continue
		}
		freed[dgst] = struct{}{}
		result.BlobsRemoved++
		result.BytesFreed += int64(len(b.data))
		delete(s.blobs, dgst)
	}

	// Phase 4: manifests whose references were never stored. A digest freed
	// in phase 3 of this same pass does not orphan its manifest.
	for name, list := range s.manifests {
		kept := list[:0]
		for _, m := range list {
			orphaned := false
			for _, d := range content.ExtractDigests(m.body) {
				if _, justFreed := freed[d]; justFreed {
					continue
				}
				if _, exists := s.blobs[d]; !exists {
					orphaned = true
					break
				}
			}
			if orphaned {
				result.ManifestsRemoved++
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			delete(s.manifests, name)
		} else {
			s.manifests[name] = kept
		}
	}

	return result, nil
}

func (s *Store) GCStats(_ context.Context) (store.GCStatsInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats store.GCStatsInfo
	referenced := make(map[digest.Digest]struct{})
	for _, list := range s.manifests {
		stats.TotalManifests += len(list)
		for _, m := range list {
			for _, d := range content.ExtractDigests(m.body) {
				referenced[d] = struct{}{}
			}
		}
	}
	for dgst, b := range s.blobs {
		stats.TotalBlobs++
		stats.TotalBytes += int64(len(b.data))
		if _, ok := referenced[dgst]; !ok {
			stats.UnreferencedBlobs++
			stats.UnreferencedBytes += int64(len(b.data))
		}
	}
	for _, sess := range s.sessions {
		for _, c := range sess.chunks {
			stats.ChunkBlobs++
			stats.ChunkBytes += int64(len(c.data))
		}
	}
	return stats, nil
}

func (s *Store) ExpireSessions(_ context.Context, cutoff time.Time) (store.CleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result store.CleanupResult
	for id, sess := range s.sessions {
		if !sess.lastActivity.Before(cutoff) {
			continue
		}
		for _, c := range sess.chunks {
			result.BlobsRemoved++
			result.BytesFreed += int64(len(c.data))
		}
		result.SessionsRemoved++
		delete(s.sessions, id)
	}
	return result, nil
}

func (s *Store) AttemptRecovery(context.Context) bool { return true }
