// Package storetest provides a shared conformance test suite for store.Store
// implementations. Each backend (sqlite, memory) wires this suite to verify
// it satisfies the full contract, including the stitching, deduplication,
// and garbage collection semantics.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"stevedore/internal/store"
)

// TestStore runs the full conformance suite against a Store implementation.
// newStore must return a fresh, empty store for each sub-test.
func TestStore(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()
	now := time.Now()

	// pushBlob uploads body as a single chunk through a fresh session and
	// finalizes it, returning the digest.
	pushBlob := func(t *testing.T, s store.Store, body string) digest.Digest {
		t.Helper()
		id := uuid.New()
		if err := s.CreateSession(ctx, id, "test/repo", now); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if _, err := s.PutChunk(ctx, id, 0, strings.NewReader(body)); err != nil {
			t.Fatalf("PutChunk: %v", err)
		}
		dgst := digest.FromString(body)
		if _, err := s.FinalizeUpload(ctx, id, dgst); err != nil {
			t.Fatalf("FinalizeUpload: %v", err)
		}
		return dgst
	}

	readBlob := func(t *testing.T, s store.Store, dgst digest.Digest) string {
		t.Helper()
		rc, size, err := s.BlobReader(ctx, dgst)
		if err != nil {
			t.Fatalf("BlobReader(%s): %v", dgst, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("read blob: %v", err)
		}
		if int64(len(data)) != size {
			t.Errorf("size header %d, body %d bytes", size, len(data))
		}
		return string(data)
	}

	manifestFor := func(digests ...digest.Digest) []byte {
		var sb strings.Builder
		sb.WriteString(`{"schemaVersion":2,"layers":[`)
		for i, d := range digests {
			if i > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, `{"digest":%q,"size":1}`, d)
		}
		sb.WriteString("]}")
		return []byte(sb.String())
	}

	t.Run("SingleChunkUpload", func(t *testing.T) {
		s := newStore(t)
		dgst := pushBlob(t, s, "hello world")

		ok, err := s.HasBlob(ctx, dgst)
		if err != nil {
			t.Fatalf("HasBlob: %v", err)
		}
		if !ok {
			t.Fatal("finalized blob not found")
		}
		if got := readBlob(t, s, dgst); got != "hello world" {
			t.Errorf("blob content %q, want %q", got, "hello world")
		}
	})

	t.Run("MultiPartStitch", func(t *testing.T) {
		s := newStore(t)
		payload := strings.Repeat("stevedore!", 20) // 200 bytes
		parts := []string{payload[:66], payload[66:132], payload[132:]}

		id := uuid.New()
		if err := s.CreateSession(ctx, id, "test/repo", now); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		for i, part := range parts {
			size, err := s.PutChunk(ctx, id, i, strings.NewReader(part))
			if err != nil {
				t.Fatalf("PutChunk %d: %v", i, err)
			}
			if size != int64(len(part)) {
				t.Errorf("chunk %d size %d, want %d", i, size, len(part))
			}
			n, err := s.ChunkCount(ctx, id)
			if err != nil {
				t.Fatalf("ChunkCount: %v", err)
			}
			if n != i+1 {
				t.Errorf("chunk count %d after chunk %d, want %d", n, i, i+1)
			}
		}

		dgst := digest.FromString(payload)
		size, err := s.FinalizeUpload(ctx, id, dgst)
		if err != nil {
			t.Fatalf("FinalizeUpload: %v", err)
		}
		if size != 200 {
			t.Errorf("finalized size %d, want 200", size)
		}
		if got := readBlob(t, s, dgst); got != payload {
			t.Error("stitched content does not round-trip")
		}
		if n, _ := s.ChunkCount(ctx, id); n != 0 {
			t.Errorf("chunk count after finalize = %d, want 0", n)
		}
	})

	t.Run("DigestMismatchPreservesChunks", func(t *testing.T) {
		s := newStore(t)
		id := uuid.New()
		if err := s.CreateSession(ctx, id, "test/repo", now); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if _, err := s.PutChunk(ctx, id, 0, strings.NewReader("hello")); err != nil {
			t.Fatalf("PutChunk: %v", err)
		}

		wrong := digest.FromString("not hello")
		_, err := s.FinalizeUpload(ctx, id, wrong)
		if !errors.Is(err, store.ErrDigestMismatch) {
			t.Fatalf("expected ErrDigestMismatch, got %v", err)
		}

		// Session and chunk survive for retry.
		if n, _ := s.ChunkCount(ctx, id); n != 1 {
			t.Errorf("chunk count after failed finalize = %d, want 1", n)
		}
		if ok, _ := s.HasBlob(ctx, wrong); ok {
			t.Error("mismatched digest must not be finalized")
		}

		// Retry with the right digest succeeds.
		if _, err := s.FinalizeUpload(ctx, id, digest.FromString("hello")); err != nil {
			t.Fatalf("retry finalize: %v", err)
		}
	})

	t.Run("ChunkGapRejected", func(t *testing.T) {
		s := newStore(t)
		id := uuid.New()
		if err := s.CreateSession(ctx, id, "test/repo", now); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if _, err := s.PutChunk(ctx, id, 0, strings.NewReader("aa")); err != nil {
			t.Fatalf("PutChunk 0: %v", err)
		}
		if _, err := s.PutChunk(ctx, id, 2, strings.NewReader("cc")); err != nil {
			t.Fatalf("PutChunk 2: %v", err)
		}

		_, err := s.FinalizeUpload(ctx, id, digest.FromString("aacc"))
		if !errors.Is(err, store.ErrChunkGap) {
			t.Fatalf("expected ErrChunkGap, got %v", err)
		}
		if n, _ := s.ChunkCount(ctx, id); n != 2 {
			t.Errorf("chunks must survive a gap failure, count = %d", n)
		}
	})

	t.Run("EmptySessionFinalize", func(t *testing.T) {
		s := newStore(t)
		id := uuid.New()
		if err := s.CreateSession(ctx, id, "test/repo", now); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		_, err := s.FinalizeUpload(ctx, id, digest.FromString(""))
		if !errors.Is(err, store.ErrNoChunks) {
			t.Fatalf("expected ErrNoChunks, got %v", err)
		}
	})

	t.Run("DuplicateFinalizeIsDetected", func(t *testing.T) {
		s := newStore(t)
		dgst := pushBlob(t, s, "shared layer")

		// A second session finalizing the same digest loses the race but its
		// error is ErrDuplicate, which callers treat as success.
		id := uuid.New()
		if err := s.CreateSession(ctx, id, "test/repo", now); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if _, err := s.PutChunk(ctx, id, 0, strings.NewReader("shared layer")); err != nil {
			t.Fatalf("PutChunk: %v", err)
		}
		_, err := s.FinalizeUpload(ctx, id, dgst)
		if !errors.Is(err, store.ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}

		// The losing session is discarded; exactly one finalized blob remains.
		sessions, err := s.ListSessions(ctx)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(sessions) != 0 {
			t.Errorf("losing session not discarded: %v", sessions)
		}
		if got := readBlob(t, s, dgst); got != "shared layer" {
			t.Error("winning blob content damaged")
		}
	})

	t.Run("StatBlob", func(t *testing.T) {
		s := newStore(t)
		dgst := pushBlob(t, s, "eleven char")

		size, err := s.StatBlob(ctx, dgst)
		if err != nil {
			t.Fatalf("StatBlob: %v", err)
		}
		if size != 11 {
			t.Errorf("size = %d, want 11", size)
		}
		if _, err := s.StatBlob(ctx, digest.FromString("missing")); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("missing blob: err = %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteSessionDropsChunks", func(t *testing.T) {
		s := newStore(t)
		id := uuid.New()
		if err := s.CreateSession(ctx, id, "test/repo", now); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		for i, part := range []string{"aa", "bb"} {
			if _, err := s.PutChunk(ctx, id, i, strings.NewReader(part)); err != nil {
				t.Fatalf("PutChunk %d: %v", i, err)
			}
		}

		if err := s.DeleteSession(ctx, id); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if n, _ := s.ChunkCount(ctx, id); n != 0 {
			t.Errorf("chunk count after cancel = %d, want 0", n)
		}
		sessions, err := s.ListSessions(ctx)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(sessions) != 0 {
			t.Errorf("cancelled session still listed: %v", sessions)
		}
		// Idempotent.
		if err := s.DeleteSession(ctx, id); err != nil {
			t.Fatalf("second DeleteSession: %v", err)
		}
	})

	t.Run("DeleteBlobIdempotent", func(t *testing.T) {
		s := newStore(t)
		dgst := pushBlob(t, s, "delete me")
		if err := s.DeleteBlob(ctx, dgst); err != nil {
			t.Fatalf("DeleteBlob: %v", err)
		}
		if err := s.DeleteBlob(ctx, dgst); err != nil {
			t.Fatalf("second DeleteBlob: %v", err)
		}
		if ok, _ := s.HasBlob(ctx, dgst); ok {
			t.Error("blob still present after delete")
		}
	})

	t.Run("BlobReaderNotFound", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.BlobReader(ctx, digest.FromString("missing"))
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ScanBlobs", func(t *testing.T) {
		s := newStore(t)
		pushBlob(t, s, "finalized one")
		id := uuid.New()
		if err := s.CreateSession(ctx, id, "test/repo", now); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if _, err := s.PutChunk(ctx, id, 0, strings.NewReader("pending")); err != nil {
			t.Fatalf("PutChunk: %v", err)
		}

		var finalized, chunks int
		err := s.ScanBlobs(ctx, func(bi store.BlobInfo) error {
			if bi.Digest != "" {
				finalized++
			} else {
				chunks++
				if bi.SessionID == nil || *bi.SessionID != id {
					t.Errorf("chunk row session = %v, want %s", bi.SessionID, id)
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("ScanBlobs: %v", err)
		}
		if finalized != 1 || chunks != 1 {
			t.Errorf("scan saw %d finalized, %d chunks; want 1, 1", finalized, chunks)
		}
	})

	t.Run("ManifestRoundTrip", func(t *testing.T) {
		s := newStore(t)
		body := manifestFor(pushBlob(t, s, "layer-a"))
		dgst := digest.FromBytes(body)

		if err := s.PutManifest(ctx, "library/alpine", "latest", dgst, "application/vnd.oci.image.manifest.v1+json", body); err != nil {
			t.Fatalf("PutManifest: %v", err)
		}

		byTag, err := s.GetManifest(ctx, "library/alpine", "latest")
		if err != nil {
			t.Fatalf("GetManifest by tag: %v", err)
		}
		if string(byTag.Content) != string(body) {
			t.Error("manifest bytes do not round-trip")
		}
		if byTag.Digest != dgst {
			t.Errorf("manifest digest %s, want %s", byTag.Digest, dgst)
		}

		byDigest, err := s.GetManifest(ctx, "library/alpine", dgst.String())
		if err != nil {
			t.Fatalf("GetManifest by digest: %v", err)
		}
		if byDigest.Tag != "latest" {
			t.Errorf("digest lookup tag %q, want latest", byDigest.Tag)
		}
	})

	t.Run("ManifestUpsertLastWriterWins", func(t *testing.T) {
		s := newStore(t)
		first := []byte(`{"v":1}`)
		second := []byte(`{"v":2}`)
		if err := s.PutManifest(ctx, "postgres", "15", digest.FromBytes(first), "application/vnd.docker.distribution.manifest.v2+json", first); err != nil {
			t.Fatalf("first put: %v", err)
		}
		if err := s.PutManifest(ctx, "postgres", "15", digest.FromBytes(second), "application/vnd.docker.distribution.manifest.v2+json", second); err != nil {
			t.Fatalf("second put: %v", err)
		}

		got, err := s.GetManifest(ctx, "postgres", "15")
		if err != nil {
			t.Fatalf("GetManifest: %v", err)
		}
		if string(got.Content) != `{"v":2}` {
			t.Errorf("got %s, want the second body", got.Content)
		}
		tags, _ := s.ListTags(ctx, "postgres")
		if len(tags) != 1 {
			t.Errorf("upsert left %d tags, want 1", len(tags))
		}
	})

	t.Run("DeleteManifestReportsPresence", func(t *testing.T) {
		s := newStore(t)
		body := []byte(`{"v":1}`)
		if err := s.PutManifest(ctx, "r", "t", digest.FromBytes(body), "application/vnd.docker.distribution.manifest.v2+json", body); err != nil {
			t.Fatalf("PutManifest: %v", err)
		}
		existed, err := s.DeleteManifest(ctx, "r", "t")
		if err != nil {
			t.Fatalf("DeleteManifest: %v", err)
		}
		if !existed {
			t.Error("first delete should report the row existed")
		}
		existed, err = s.DeleteManifest(ctx, "r", "t")
		if err != nil {
			t.Fatalf("second DeleteManifest: %v", err)
		}
		if existed {
			t.Error("second delete should report absence")
		}
	})

	t.Run("GhostRepositoryPrevention", func(t *testing.T) {
		s := newStore(t)
		for _, tag := range []string{"tag1", "tag2"} {
			body := []byte(`{"tag":"` + tag + `"}`)
			if err := s.PutManifest(ctx, "multi/repo", tag, digest.FromBytes(body), "application/vnd.docker.distribution.manifest.v2+json", body); err != nil {
				t.Fatalf("PutManifest %s: %v", tag, err)
			}
		}

		hasRepo := func() bool {
			repos, err := s.ListRepositories(ctx)
			if err != nil {
				t.Fatalf("ListRepositories: %v", err)
			}
			for _, r := range repos {
				if r == "multi/repo" {
					return true
				}
			}
			return false
		}

		if !hasRepo() {
			t.Fatal("repository missing after pushes")
		}
		if _, err := s.DeleteManifest(ctx, "multi/repo", "tag1"); err != nil {
			t.Fatal(err)
		}
		if !hasRepo() {
			t.Error("repository disappeared while a tag remains")
		}
		if _, err := s.DeleteManifest(ctx, "multi/repo", "tag2"); err != nil {
			t.Fatal(err)
		}
		if hasRepo() {
			t.Error("ghost repository after last tag deleted")
		}
		tags, err := s.ListTags(ctx, "multi/repo")
		if err != nil {
			t.Fatalf("ListTags: %v", err)
		}
		if len(tags) != 0 {
			t.Errorf("tags remain after repository emptied: %v", tags)
		}
	})

	t.Run("DeleteRepository", func(t *testing.T) {
		s := newStore(t)
		for _, tag := range []string{"a", "b", "c"} {
			body := []byte(`{"tag":"` + tag + `"}`)
			if err := s.PutManifest(ctx, "busybox", tag, digest.FromBytes(body), "application/vnd.docker.distribution.manifest.v2+json", body); err != nil {
				t.Fatal(err)
			}
		}
		n, err := s.DeleteRepository(ctx, "busybox")
		if err != nil {
			t.Fatalf("DeleteRepository: %v", err)
		}
		if n != 3 {
			t.Errorf("deleted %d manifests, want 3", n)
		}
		// Idempotence: a second delete reports zero.
		n, err = s.DeleteRepository(ctx, "busybox")
		if err != nil {
			t.Fatalf("second DeleteRepository: %v", err)
		}
		if n != 0 {
			t.Errorf("second delete removed %d, want 0", n)
		}
	})

	t.Run("GCPreservesReferencedLayers", func(t *testing.T) {
		s := newStore(t)
		var layers []digest.Digest
		for i := 1; i <= 5; i++ {
			layers = append(layers, pushBlob(t, s, fmt.Sprintf("L%d", i)))
		}
		body := manifestFor(layers...)
		if err := s.PutManifest(ctx, "dockage/mailcatcher", "latest", digest.FromBytes(body), "application/vnd.docker.distribution.manifest.v2+json", body); err != nil {
			t.Fatalf("PutManifest: %v", err)
		}

		result, err := s.CollectGarbage(ctx, time.Now(), time.Hour)
		if err != nil {
			t.Fatalf("CollectGarbage: %v", err)
		}
		if result.BlobsRemoved != 0 || result.ManifestsRemoved != 0 {
			t.Errorf("GC removed blobs=%d manifests=%d, want 0/0", result.BlobsRemoved, result.ManifestsRemoved)
		}
		for _, d := range layers {
			if ok, _ := s.HasBlob(ctx, d); !ok {
				t.Errorf("referenced blob %s swept", d)
			}
		}
		if _, err := s.GetManifest(ctx, "dockage/mailcatcher", "latest"); err != nil {
			t.Errorf("manifest lost: %v", err)
		}
	})

	t.Run("GCSweepsOnlyUnreferenced", func(t *testing.T) {
		s := newStore(t)
		r1 := pushBlob(t, s, "R1")
		r2 := pushBlob(t, s, "R2")
		u1 := pushBlob(t, s, "U1")
		u2 := pushBlob(t, s, "U2")

		body := manifestFor(r1, r2)
		if err := s.PutManifest(ctx, "test/repo", "latest", digest.FromBytes(body), "application/vnd.docker.distribution.manifest.v2+json", body); err != nil {
			t.Fatalf("PutManifest: %v", err)
		}

		result, err := s.CollectGarbage(ctx, time.Now(), time.Hour)
		if err != nil {
			t.Fatalf("CollectGarbage: %v", err)
		}
		if result.BlobsRemoved != 2 {
			t.Errorf("GC removed %d blobs, want 2", result.BlobsRemoved)
		}
		if result.BytesFreed != 4 {
			t.Errorf("GC freed %d bytes, want 4", result.BytesFreed)
		}
		if result.ManifestsRemoved != 0 {
			t.Errorf("GC removed %d manifests, want 0", result.ManifestsRemoved)
		}
		for _, d := range []digest.Digest{r1, r2} {
			if ok, _ := s.HasBlob(ctx, d); !ok {
				t.Errorf("referenced blob %s swept", d)
			}
		}
		for _, d := range []digest.Digest{u1, u2} {
			if ok, _ := s.HasBlob(ctx, d); ok {
				t.Errorf("unreferenced blob %s survived", d)
			}
		}
	})

	t.Run("GCSweepsOrphanManifests", func(t *testing.T) {
		s := newStore(t)
		present := pushBlob(t, s, "present layer")
		never := digest.FromString("never stored anywhere")

		good := manifestFor(present)
		if err := s.PutManifest(ctx, "ok/repo", "latest", digest.FromBytes(good), "application/vnd.docker.distribution.manifest.v2+json", good); err != nil {
			t.Fatal(err)
		}
		bad := manifestFor(never)
		if err := s.PutManifest(ctx, "broken/repo", "latest", digest.FromBytes(bad), "application/vnd.docker.distribution.manifest.v2+json", bad); err != nil {
			t.Fatal(err)
		}

		result, err := s.CollectGarbage(ctx, time.Now(), time.Hour)
		if err != nil {
			t.Fatalf("CollectGarbage: %v", err)
		}
		if result.ManifestsRemoved != 1 {
			t.Errorf("GC removed %d manifests, want 1", result.ManifestsRemoved)
		}
		if _, err := s.GetManifest(ctx, "ok/repo", "latest"); err != nil {
			t.Errorf("healthy manifest swept: %v", err)
		}
		if _, err := s.GetManifest(ctx, "broken/repo", "latest"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("orphan manifest survived, err = %v", err)
		}
	})

	t.Run("GCSweepsAbandonedChunks", func(t *testing.T) {
		s := newStore(t)
		old := uuid.New()
		if err := s.CreateSession(ctx, old, "test/repo", time.Now().Add(-48*time.Hour)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.PutChunk(ctx, old, 0, strings.NewReader("stale bytes")); err != nil {
			t.Fatal(err)
		}
		// Mark the session stale again; PutChunk refreshed activity.
		if err := s.TouchSession(ctx, old, time.Now().Add(-48*time.Hour)); err != nil {
			t.Fatal(err)
		}

		fresh := uuid.New()
		if err := s.CreateSession(ctx, fresh, "test/repo", time.Now()); err != nil {
			t.Fatal(err)
		}
		if _, err := s.PutChunk(ctx, fresh, 0, strings.NewReader("active")); err != nil {
			t.Fatal(err)
		}

		result, err := s.CollectGarbage(ctx, time.Now(), 24*time.Hour)
		if err != nil {
			t.Fatalf("CollectGarbage: %v", err)
		}
		if result.BlobsRemoved != 1 {
			t.Errorf("GC removed %d chunk rows, want 1", result.BlobsRemoved)
		}
		if n, _ := s.ChunkCount(ctx, fresh); n != 1 {
			t.Errorf("active session chunks swept, count = %d", n)
		}
	})

	t.Run("GCStats", func(t *testing.T) {
		s := newStore(t)
		ref := pushBlob(t, s, "referenced")
		pushBlob(t, s, "orphan")
		body := manifestFor(ref)
		if err := s.PutManifest(ctx, "stats/repo", "latest", digest.FromBytes(body), "application/vnd.docker.distribution.manifest.v2+json", body); err != nil {
			t.Fatal(err)
		}

		stats, err := s.GCStats(ctx)
		if err != nil {
			t.Fatalf("GCStats: %v", err)
		}
		if stats.TotalBlobs != 2 {
			t.Errorf("TotalBlobs = %d, want 2", stats.TotalBlobs)
		}
		if stats.UnreferencedBlobs != 1 {
			t.Errorf("UnreferencedBlobs = %d, want 1", stats.UnreferencedBlobs)
		}
		if stats.TotalManifests != 1 {
			t.Errorf("TotalManifests = %d, want 1", stats.TotalManifests)
		}

		// Stats must not mutate.
		if ok, _ := s.HasBlob(ctx, ref); !ok {
			t.Error("stats query removed a blob")
		}
	})

	t.Run("ExpireSessions", func(t *testing.T) {
		s := newStore(t)
		stale := uuid.New()
		if err := s.CreateSession(ctx, stale, "test/repo", time.Now().Add(-25*time.Hour)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.PutChunk(ctx, stale, 0, strings.NewReader("zzz")); err != nil {
			t.Fatal(err)
		}
		if err := s.TouchSession(ctx, stale, time.Now().Add(-25*time.Hour)); err != nil {
			t.Fatal(err)
		}

		active := uuid.New()
		if err := s.CreateSession(ctx, active, "test/repo", time.Now()); err != nil {
			t.Fatal(err)
		}

		result, err := s.ExpireSessions(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("ExpireSessions: %v", err)
		}
		if result.SessionsRemoved != 1 {
			t.Errorf("removed %d sessions, want 1", result.SessionsRemoved)
		}
		if result.BlobsRemoved != 1 || result.BytesFreed != 3 {
			t.Errorf("removed %d blobs / %d bytes, want 1 / 3", result.BlobsRemoved, result.BytesFreed)
		}

		sessions, err := s.ListSessions(ctx)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(sessions) != 1 || sessions[0].ID != active {
			t.Errorf("surviving sessions = %v, want only %s", sessions, active)
		}
	})
}
