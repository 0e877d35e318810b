package registry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"stevedore/internal/store"
)

// InitiateResult is the outcome of an upload initiation.
type InitiateResult struct {
	// Created is true when the request carried a digest already finalized:
	// no session is opened and Location points at the canonical blob URL.
	Created   bool
	SessionID uuid.UUID
	Location  string
}

// AppendResult is the outcome of appending one chunk.
type AppendResult struct {
	SessionID  uuid.UUID
	Location   string // where the next PATCH or the final PUT goes
	TotalBytes int64  // bytes accumulated across the session's chunks
}

// InitiateUpload starts a new upload session for name. When dgst is
// non-empty and already finalized, the upload short-circuits: the client is
// pointed at the existing blob and no session is created.
func (r *Registry) InitiateUpload(ctx context.Context, name string, dgst digest.Digest) (InitiateResult, error) {
	if err := r.checkWritable(); err != nil {
		return InitiateResult{}, err
	}

	if dgst != "" {
		ok, err := r.store.HasBlob(ctx, dgst)
		if err != nil {
			return InitiateResult{}, r.handleStorageError(ctx, err)
		}
		if ok {
			return InitiateResult{
				Created:  true,
				Location: blobURL(name, dgst),
			}, nil
		}
	}

	id := uuid.New()
	if err := r.store.CreateSession(ctx, id, name, r.now()); err != nil {
		return InitiateResult{}, r.handleStorageError(ctx, err)
	}
	r.logger.Debug("upload session opened", "session", id, "repository", name)
	return InitiateResult{
		SessionID: id,
		Location:  uploadURL(id, 0),
	}, nil
}

// AppendChunk stores the next chunk of a session. index must equal the
// session's current chunk count; anything else is a protocol error from the
// client and leaves the session unchanged.
func (r *Registry) AppendChunk(ctx context.Context, id uuid.UUID, index int, body io.Reader) (AppendResult, error) {
	if err := r.checkWritable(); err != nil {
		return AppendResult{}, err
	}

	count, err := r.store.ChunkCount(ctx, id)
	if err != nil {
		return AppendResult{}, r.handleStorageError(ctx, err)
	}
	if index != count {
		return AppendResult{}, fmt.Errorf("chunk %d, session has %d: %w",
			index, count, ErrInvalidChunkIndex)
	}

	if _, err := r.store.PutChunk(ctx, id, index, body); err != nil {
		return AppendResult{}, r.handleStorageError(ctx, err)
	}

	info, err := r.sessionInfo(ctx, id)
	if err != nil {
		return AppendResult{}, r.handleStorageError(ctx, err)
	}
	return AppendResult{
		SessionID:  id,
		Location:   uploadURL(id, index+1),
		TotalBytes: info.Bytes,
	}, nil
}

// CompleteUpload stitches, verifies, and finalizes the session's chunks and
// returns the canonical blob location under the session's repository. Losing
// a finalize race to another session with the same digest counts as success:
// the content is present either way. On verification failures the session
// survives so the client can retry.
func (r *Registry) CompleteUpload(ctx context.Context, id uuid.UUID, dgst digest.Digest) (string, error) {
	if err := r.checkWritable(); err != nil {
		return "", err
	}

	// The session row holds the repository name and finalize deletes it, so
	// resolve the name first.
	info, err := r.sessionInfo(ctx, id)
	if err != nil {
		return "", r.handleStorageError(ctx, err)
	}
	name := info.Repository

	_, err = r.store.FinalizeUpload(ctx, id, dgst)
	switch {
	case err == nil:
		r.logger.Info("blob finalized", "digest", dgst, "session", id)
	case errors.Is(err, store.ErrDuplicate):
		r.logger.Debug("blob already present, session discarded", "digest", dgst, "session", id)
	default:
		return "", r.handleStorageError(ctx, err)
	}

	r.emit(Event{Type: EventBlobPushed, Repository: name, Digest: dgst})
	return blobURL(name, dgst), nil
}

// CancelUpload discards an open session and its chunks. Unknown sessions
// report ErrNotFound so the API can answer 404.
func (r *Registry) CancelUpload(ctx context.Context, id uuid.UUID) error {
	if err := r.checkWritable(); err != nil {
		return err
	}
	if _, err := r.sessionInfo(ctx, id); err != nil {
		return r.handleStorageError(ctx, err)
	}
	if err := r.store.DeleteSession(ctx, id); err != nil {
		return r.handleStorageError(ctx, err)
	}
	r.logger.Debug("upload session cancelled", "session", id)
	return nil
}

// NextIndex returns the index the session's next chunk must carry.
func (r *Registry) NextIndex(ctx context.Context, id uuid.UUID) (int, error) {
	count, err := r.store.ChunkCount(ctx, id)
	if err != nil {
		return 0, r.handleStorageError(ctx, err)
	}
	return count, nil
}

// NextLocation returns the upload URL for the session's next chunk, derived
// from its current chunk count.
func (r *Registry) NextLocation(ctx context.Context, id uuid.UUID) (string, error) {
	count, err := r.NextIndex(ctx, id)
	if err != nil {
		return "", err
	}
	return uploadURL(id, count), nil
}

// Sessions lists open upload sessions.
func (r *Registry) Sessions(ctx context.Context) ([]store.SessionInfo, error) {
	return r.store.ListSessions(ctx)
}

func (r *Registry) sessionInfo(ctx context.Context, id uuid.UUID) (store.SessionInfo, error) {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return store.SessionInfo{}, err
	}
	for _, s := range sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return store.SessionInfo{}, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
}

func uploadURL(id uuid.UUID, index int) string {
	return fmt.Sprintf("/v2/uploads/%s/%d", id, index)
}

func blobURL(name string, dgst digest.Digest) string {
	return fmt.Sprintf("/v2/%s/blobs/%s", name, dgst)
}
