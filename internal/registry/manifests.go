package registry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"

	"stevedore/internal/content"
	"stevedore/internal/store"
)

// PutManifest stores manifest bytes under (name, ref). ref may be a tag or a
// digest; a digest ref must match the computed digest of the body. The
// manifest digest is the SHA-256 of the exact request bytes.
//
// Blobs referenced by the manifest need not exist yet: clients may push in
// any order. Missing references are logged as warnings so an operator can
// spot images that will fail to pull.
func (r *Registry) PutManifest(ctx context.Context, name, ref, contentType string, body []byte) (digest.Digest, error) {
	if err := r.checkWritable(); err != nil {
		return "", err
	}

	if contentType != "" && !content.SupportedManifestTypes[contentType] {
		return "", fmt.Errorf("%q: %w", contentType, ErrBadMediaType)
	}

	dgst := digest.FromBytes(body)
	tag := ref
	if content.IsDigest(ref) {
		if ref != dgst.String() {
			return "", fmt.Errorf("declared %s, computed %s: %w",
				ref, dgst, store.ErrDigestMismatch)
		}
		// Digest pushes have no tag; key the row by the digest string so
		// lookups by digest keep working.
		tag = dgst.String()
	}

	mediaType := content.InferMediaType(body)
	if err := r.store.PutManifest(ctx, name, tag, dgst, mediaType, body); err != nil {
		return "", r.handleStorageError(ctx, err)
	}

	for _, d := range content.ExtractDigests(body) {
		ok, err := r.store.HasBlob(ctx, d)
		if err != nil {
			return "", r.handleStorageError(ctx, err)
		}
		if !ok {
			// Diagnostic only: the client may push the layer afterwards.
			r.logger.Warn("manifest references missing blob",
				"repository", name, "tag", tag, "digest", d)
		}
	}

	r.logger.Info("manifest stored", "repository", name, "tag", tag, "digest", dgst)
	r.emit(Event{Type: EventManifestPushed, Repository: name, Tag: tag, Digest: dgst})
	return dgst, nil
}

// GetManifest fetches a manifest by tag or digest.
func (r *Registry) GetManifest(ctx context.Context, name, ref string) (store.ManifestInfo, error) {
	mi, err := r.store.GetManifest(ctx, name, ref)
	if err != nil {
		return store.ManifestInfo{}, r.handleStorageError(ctx, err)
	}
	return mi, nil
}

// DeleteManifest removes (name, ref) and reports whether it existed.
// A digest ref deletes the row stored under that digest key.
func (r *Registry) DeleteManifest(ctx context.Context, name, ref string) (bool, error) {
	if err := r.checkWritable(); err != nil {
		return false, err
	}

	tag := ref
	if content.IsDigest(ref) {
		// The row may be tagged; resolve the digest to its tag first.
		mi, err := r.store.GetManifest(ctx, name, ref)
		if err != nil {
			if isNotFound(err) {
				return false, nil
			}
			return false, r.handleStorageError(ctx, err)
		}
		tag = mi.Tag
	}

	existed, err := r.store.DeleteManifest(ctx, name, tag)
	if err != nil {
		return false, r.handleStorageError(ctx, err)
	}
	if existed {
		r.logger.Info("manifest deleted", "repository", name, "tag", tag)
		r.emit(Event{Type: EventManifestDeleted, Repository: name, Tag: tag})
	}
	return existed, nil
}

// DeleteRepository removes every manifest under name, returning the count,
// and triggers a garbage collection pass to reclaim the layers.
func (r *Registry) DeleteRepository(ctx context.Context, name string) (int, error) {
	if err := r.checkWritable(); err != nil {
		return 0, err
	}

	n, err := r.store.DeleteRepository(ctx, name)
	if err != nil {
		return 0, r.handleStorageError(ctx, err)
	}
	if n > 0 {
		r.logger.Info("repository deleted", "repository", name, "manifests", n)
		r.emit(Event{Type: EventRepositoryDelete, Repository: name})
		if _, err := r.RunGC(ctx); err != nil {
			// The deletion itself succeeded; reclamation can wait for the
			// next pass.
			r.logger.Error("post-delete gc failed", "error", err)
		}
	}
	return n, nil
}

// ListRepositories returns the catalog: the distinct names holding at least
// one manifest.
func (r *Registry) ListRepositories(ctx context.Context) ([]string, error) {
	return r.store.ListRepositories(ctx)
}

// ListTags returns the tags under name.
func (r *Registry) ListTags(ctx context.Context, name string) ([]string, error) {
	return r.store.ListTags(ctx, name)
}

// HasBlob reports whether a finalized blob exists.
func (r *Registry) HasBlob(ctx context.Context, dgst digest.Digest) (bool, error) {
	ok, err := r.store.HasBlob(ctx, dgst)
	if err != nil {
		return false, r.handleStorageError(ctx, err)
	}
	return ok, nil
}

// StatBlob reports a finalized blob's size, for HEAD responses.
func (r *Registry) StatBlob(ctx context.Context, dgst digest.Digest) (int64, error) {
	size, err := r.store.StatBlob(ctx, dgst)
	if err != nil {
		return 0, r.handleStorageError(ctx, err)
	}
	return size, nil
}

// BlobReader opens a streamed read of a finalized blob.
func (r *Registry) BlobReader(ctx context.Context, dgst digest.Digest) (io.ReadCloser, int64, error) {
	rc, size, err := r.store.BlobReader(ctx, dgst)
	if err != nil {
		return nil, 0, r.handleStorageError(ctx, err)
	}
	return rc, size, nil
}

// ScanBlobs iterates all blob rows for the admin surface.
func (r *Registry) ScanBlobs(ctx context.Context, fn func(store.BlobInfo) error) error {
	return r.store.ScanBlobs(ctx, fn)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
