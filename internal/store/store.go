// Package store defines the persistence contract for the registry: a
// content-addressed blob table holding both in-flight upload chunks and
// finalized digest-addressed rows, plus a manifest index keyed by
// (repository, tag).
//
// A blob row with a NULL digest is a chunk: it belongs to an upload session
// and is identified by (session, index). Finalizing a session stitches its
// chunks in index order, verifies the declared digest, and promotes the
// result to a finalized row in a single transaction. Finalized rows are
// globally shared and deduplicated on digest.
package store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

var (
	// ErrNotFound is returned when no blob or manifest matches the key.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a finalized blob with the digest already exists.
	ErrDuplicate = errors.New("digest already finalized")
	// ErrDigestMismatch is returned when stitched content does not hash to the declared digest.
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrChunkGap is returned when a session's chunk indices are not a dense 0..n-1 prefix.
	ErrChunkGap = errors.New("chunk sequence has gaps or duplicates")
	// ErrNoChunks is returned when finalizing a session that has no chunks.
	ErrNoChunks = errors.New("session has no chunks")
	// ErrCorrupt is returned when the storage engine reports corruption.
	ErrCorrupt = errors.New("storage corrupt")
)

// BlobInfo describes one row of the blob table, chunk or finalized.
type BlobInfo struct {
	SessionID *uuid.UUID    // nil for finalized rows
	Index     *int          // nil for finalized rows
	Digest    digest.Digest // empty for chunk rows
	Size      int64
	CreatedAt time.Time
}

// ManifestInfo is a stored manifest with its inferred media type and digest.
type ManifestInfo struct {
	Name      string
	Tag       string
	Digest    digest.Digest
	MediaType string
	Content   []byte
	CreatedAt time.Time
}

// SessionInfo describes an open upload session.
type SessionInfo struct {
	ID           uuid.UUID
	Repository   string
	CreatedAt    time.Time
	LastActivity time.Time
	ChunkCount   int
	Bytes        int64
}

// GCResult reports what a garbage collection pass reclaimed.
type GCResult struct {
	BlobsRemoved     int   `json:"blobsRemoved"`
	BytesFreed       int64 `json:"bytesFreed"`
	ManifestsRemoved int   `json:"manifestsRemoved"`
}

// GCStatsInfo is a read-only snapshot of collectable state.
type GCStatsInfo struct {
	TotalBlobs        int   `json:"totalBlobs"`
	TotalBytes        int64 `json:"totalBytes"`
	TotalManifests    int   `json:"totalManifests"`
	UnreferencedBlobs int   `json:"unreferencedBlobs"`
	UnreferencedBytes int64 `json:"unreferencedBytes"`
	ChunkBlobs        int   `json:"chunkBlobs"`
	ChunkBytes        int64 `json:"chunkBytes"`
}

// CleanupResult reports what a stale-session sweep reclaimed.
type CleanupResult struct {
	BlobsRemoved    int   `json:"blobsRemoved"`
	BytesFreed      int64 `json:"bytesFreed"`
	SessionsRemoved int   `json:"sessionsRemoved"`
}

// Store is the registry persistence contract. Implementations must make each
// method a single transaction: multi-statement sequences (finalize, manifest
// upsert, delete-if-exists, garbage collection) are atomic to observers.
type Store interface {
	// Sessions

	// CreateSession registers a new upload session for the repository the
	// blob is being pushed to. The name is carried so the finalize response
	// can point at the canonical blob URL.
	CreateSession(ctx context.Context, id uuid.UUID, repo string, now time.Time) error
	// TouchSession sets a session's last-activity time. Chunk writes bump
	// activity on their own; this is the seam for backdating a session so
	// expiry and GC sweeps can be exercised deterministically.
	TouchSession(ctx context.Context, id uuid.UUID, now time.Time) error
	// ChunkCount returns the number of chunk rows (digest IS NULL) held by
	// the session. Finalized rows never count, so the next-location sequence
	// keeps working across re-finalizations.
	ChunkCount(ctx context.Context, id uuid.UUID) (int, error)
	// ListSessions returns all open sessions with chunk totals.
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	// DeleteSession removes a session and its chunk rows, as when a client
	// cancels an upload. Idempotent.
	DeleteSession(ctx context.Context, id uuid.UUID) error

	// Blobs

	// HasBlob reports whether a finalized row with the digest exists.
	HasBlob(ctx context.Context, dgst digest.Digest) (bool, error)
	// StatBlob returns a finalized blob's size, or ErrNotFound.
	StatBlob(ctx context.Context, dgst digest.Digest) (int64, error)
	// PutChunk streams r into a new chunk for (session, index) and returns
	// the byte count. The body is spooled through temp storage and written
	// in bounded pieces, never fully buffered in memory.
	PutChunk(ctx context.Context, session uuid.UUID, index int, r io.Reader) (int64, error)
	// FinalizeUpload stitches the session's chunks in index order, verifies
	// the declared digest, promotes the content to a finalized blob, and
	// destroys the session, all in one transaction. On ErrChunkGap or
	// ErrDigestMismatch the chunks are left intact so the client can retry.
	// ErrDuplicate means another session already finalized the digest; the
	// caller treats it as success and this session is discarded.
	FinalizeUpload(ctx context.Context, session uuid.UUID, dgst digest.Digest) (int64, error)
	// BlobReader opens a streamed read of a finalized blob. The caller must
	// close the reader; its lifetime is bounded by the call.
	BlobReader(ctx context.Context, dgst digest.Digest) (io.ReadCloser, int64, error)
	// DeleteBlob removes a finalized row. Idempotent.
	DeleteBlob(ctx context.Context, dgst digest.Digest) error
	// ScanBlobs iterates every logical blob, chunk and finalized. Stops
	// early if fn returns an error.
	ScanBlobs(ctx context.Context, fn func(BlobInfo) error) error

	// Manifests

	// PutManifest upserts (name, tag): any existing row is replaced in the
	// same transaction so the tag is never absent under concurrent re-pushes.
	PutManifest(ctx context.Context, name, tag string, dgst digest.Digest, mediaType string, body []byte) error
	// GetManifest looks up by tag or by digest string.
	GetManifest(ctx context.Context, name, ref string) (ManifestInfo, error)
	// DeleteManifest removes (name, tag) and reports whether a row existed.
	DeleteManifest(ctx context.Context, name, tag string) (bool, error)
	// DeleteRepository removes every manifest under name, returning the count.
	DeleteRepository(ctx context.Context, name string) (int, error)
	// ListRepositories returns the distinct repository names, sorted.
	ListRepositories(ctx context.Context) ([]string, error)
	// ListTags returns the tags under name, sorted.
	ListTags(ctx context.Context, name string) ([]string, error)

	// Maintenance

	// CollectGarbage removes orphan chunks older than chunkAge, finalized
	// blobs referenced by no manifest, and manifests referencing blobs that
	// were never stored. Runs as one transaction; the orphan-blob sweep
	// evaluates before the orphan-manifest sweep so "just freed" is
	// distinguishable from "never present".
	CollectGarbage(ctx context.Context, now time.Time, chunkAge time.Duration) (GCResult, error)
	// GCStats reports collectable totals without mutating.
	GCStats(ctx context.Context) (GCStatsInfo, error)
	// ExpireSessions deletes sessions (and their chunks) whose last activity
	// is older than cutoff.
	ExpireSessions(ctx context.Context, cutoff time.Time) (CleanupResult, error)

	// AttemptRecovery tries to bring a corrupt store back to a usable state.
	// Returns true if the store is usable afterwards. Callers invoke it at
	// most once per process unless the flag is reset by an admin hook.
	AttemptRecovery(ctx context.Context) bool

	Close() error
}
