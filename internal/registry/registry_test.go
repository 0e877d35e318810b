package registry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"stevedore/internal/config"
	"stevedore/internal/content"
	"stevedore/internal/logging"
	"stevedore/internal/store"
	"stevedore/internal/store/memory"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	r, err := New(memory.New(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func pushBlob(t *testing.T, r *Registry, body []byte) digest.Digest {
	t.Helper()
	ctx := context.Background()
	init, err := r.InitiateUpload(ctx, "test/repo", "")
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}
	if _, err := r.AppendChunk(ctx, init.SessionID, 0, bytes.NewReader(body)); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	dgst := digest.FromBytes(body)
	if _, err := r.CompleteUpload(ctx, init.SessionID, dgst); err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	return dgst
}

func TestUploadFlow(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	init, err := r.InitiateUpload(ctx, "library/alpine", "")
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}
	if init.Created {
		t.Fatal("fresh upload reported Created")
	}
	want := "/v2/uploads/" + init.SessionID.String() + "/0"
	if init.Location != want {
		t.Fatalf("location = %q, want %q", init.Location, want)
	}

	app, err := r.AppendChunk(ctx, init.SessionID, 0, strings.NewReader("hello "))
	if err != nil {
		t.Fatalf("AppendChunk 0: %v", err)
	}
	if app.TotalBytes != 6 {
		t.Fatalf("total = %d, want 6", app.TotalBytes)
	}
	if !strings.HasSuffix(app.Location, "/1") {
		t.Fatalf("next location = %q, want suffix /1", app.Location)
	}

	if _, err := r.AppendChunk(ctx, init.SessionID, 1, strings.NewReader("world")); err != nil {
		t.Fatalf("AppendChunk 1: %v", err)
	}

	dgst := digest.FromBytes([]byte("hello world"))
	loc, err := r.CompleteUpload(ctx, init.SessionID, dgst)
	if err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	if loc != "/v2/library/alpine/blobs/"+dgst.String() {
		t.Fatalf("blob location = %q", loc)
	}

	ok, err := r.HasBlob(ctx, dgst)
	if err != nil || !ok {
		t.Fatalf("HasBlob = %v, %v", ok, err)
	}
}

func TestInitiateShortCircuitsExistingDigest(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	dgst := pushBlob(t, r, []byte("layer content"))

	init, err := r.InitiateUpload(ctx, "other/repo", dgst)
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}
	if !init.Created {
		t.Fatal("expected short-circuit for existing digest")
	}
	if init.Location != "/v2/other/repo/blobs/"+dgst.String() {
		t.Fatalf("location = %q", init.Location)
	}

	sessions, err := r.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("short-circuit opened %d sessions", len(sessions))
	}
}

func TestAppendChunkOutOfOrder(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	init, err := r.InitiateUpload(ctx, "test/repo", "")
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}
	_, err = r.AppendChunk(ctx, init.SessionID, 3, strings.NewReader("x"))
	if !errors.Is(err, ErrInvalidChunkIndex) {
		t.Fatalf("err = %v, want ErrInvalidChunkIndex", err)
	}

	// The session is untouched; index 0 still works.
	if _, err := r.AppendChunk(ctx, init.SessionID, 0, strings.NewReader("x")); err != nil {
		t.Fatalf("AppendChunk 0 after bad index: %v", err)
	}
}

func TestCancelUpload(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	init, err := r.InitiateUpload(ctx, "test/repo", "")
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}
	if _, err := r.AppendChunk(ctx, init.SessionID, 0, strings.NewReader("partial")); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	if err := r.CancelUpload(ctx, init.SessionID); err != nil {
		t.Fatalf("CancelUpload: %v", err)
	}
	sessions, err := r.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("cancel left %d sessions", len(sessions))
	}

	if err := r.CancelUpload(ctx, init.SessionID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second cancel: err = %v, want ErrNotFound", err)
	}
}

func TestDuplicateFinalizeCountsAsSuccess(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	body := []byte("shared layer")
	dgst := pushBlob(t, r, body)

	init, err := r.InitiateUpload(ctx, "test/repo", "")
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}
	if _, err := r.AppendChunk(ctx, init.SessionID, 0, bytes.NewReader(body)); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	loc, err := r.CompleteUpload(ctx, init.SessionID, dgst)
	if err != nil {
		t.Fatalf("duplicate finalize: %v", err)
	}
	if loc != "/v2/test/repo/blobs/"+dgst.String() {
		t.Fatalf("location = %q", loc)
	}

	sessions, err := r.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("losing session survived, %d open", len(sessions))
	}
}

func TestCompleteUploadDigestMismatch(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	init, err := r.InitiateUpload(ctx, "test/repo", "")
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}
	if _, err := r.AppendChunk(ctx, init.SessionID, 0, strings.NewReader("actual")); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	_, err = r.CompleteUpload(ctx, init.SessionID, digest.FromBytes([]byte("declared")))
	if !errors.Is(err, store.ErrDigestMismatch) {
		t.Fatalf("err = %v, want ErrDigestMismatch", err)
	}

	// Session survives for a retry.
	loc, err := r.NextLocation(ctx, init.SessionID)
	if err != nil {
		t.Fatalf("NextLocation: %v", err)
	}
	if !strings.HasSuffix(loc, "/1") {
		t.Fatalf("next location = %q, want suffix /1", loc)
	}
}

func manifestBody(layers ...digest.Digest) []byte {
	var b bytes.Buffer
	b.WriteString(`{"schemaVersion":2,"mediaType":"` + content.MediaTypeDockerManifest + `","layers":[`)
	for i, d := range layers {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`{"mediaType":"application/vnd.docker.image.rootfs.diff.tar.gzip","size":1,"digest":"` + d.String() + `"}`)
	}
	b.WriteString(`]}`)
	return b.Bytes()
}

func TestPutManifestByTagAndDigest(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	layer := pushBlob(t, r, []byte("layer"))
	body := manifestBody(layer)

	dgst, err := r.PutManifest(ctx, "library/redis", "7.2", content.MediaTypeDockerManifest, body)
	if err != nil {
		t.Fatalf("PutManifest: %v", err)
	}
	if dgst != digest.FromBytes(body) {
		t.Fatalf("digest = %s", dgst)
	}

	byTag, err := r.GetManifest(ctx, "library/redis", "7.2")
	if err != nil {
		t.Fatalf("GetManifest by tag: %v", err)
	}
	byDigest, err := r.GetManifest(ctx, "library/redis", dgst.String())
	if err != nil {
		t.Fatalf("GetManifest by digest: %v", err)
	}
	if !bytes.Equal(byTag.Content, body) || !bytes.Equal(byDigest.Content, body) {
		t.Fatal("manifest content mismatch")
	}
}

func TestPutManifestRejectsBadMediaType(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, err := r.PutManifest(ctx, "a/b", "latest", "text/plain", []byte("{}"))
	if !errors.Is(err, ErrBadMediaType) {
		t.Fatalf("err = %v, want ErrBadMediaType", err)
	}
}

func TestPutManifestDigestRefMustMatch(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	body := manifestBody()
	wrong := digest.FromBytes([]byte("something else"))

	_, err := r.PutManifest(ctx, "a/b", wrong.String(), content.MediaTypeDockerManifest, body)
	if !errors.Is(err, store.ErrDigestMismatch) {
		t.Fatalf("err = %v, want ErrDigestMismatch", err)
	}

	good := digest.FromBytes(body)
	if _, err := r.PutManifest(ctx, "a/b", good.String(), content.MediaTypeDockerManifest, body); err != nil {
		t.Fatalf("digest push: %v", err)
	}
	if _, err := r.GetManifest(ctx, "a/b", good.String()); err != nil {
		t.Fatalf("GetManifest after digest push: %v", err)
	}
}

func TestDeleteManifestByDigest(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	body := manifestBody()
	dgst, err := r.PutManifest(ctx, "a/b", "latest", content.MediaTypeDockerManifest, body)
	if err != nil {
		t.Fatalf("PutManifest: %v", err)
	}

	existed, err := r.DeleteManifest(ctx, "a/b", dgst.String())
	if err != nil {
		t.Fatalf("DeleteManifest: %v", err)
	}
	if !existed {
		t.Fatal("manifest reported absent")
	}

	existed, err = r.DeleteManifest(ctx, "a/b", dgst.String())
	if err != nil {
		t.Fatalf("second DeleteManifest: %v", err)
	}
	if existed {
		t.Fatal("deleted manifest reported present")
	}
}

func TestDeleteRepositoryTriggersGC(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	layer := pushBlob(t, r, []byte("soon to be orphaned"))
	if _, err := r.PutManifest(ctx, "a/b", "latest", content.MediaTypeDockerManifest, manifestBody(layer)); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}

	n, err := r.DeleteRepository(ctx, "a/b")
	if err != nil {
		t.Fatalf("DeleteRepository: %v", err)
	}
	if n != 1 {
		t.Fatalf("manifests removed = %d, want 1", n)
	}

	ok, err := r.HasBlob(ctx, layer)
	if err != nil {
		t.Fatalf("HasBlob: %v", err)
	}
	if ok {
		t.Fatal("orphaned layer survived the post-delete gc")
	}
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	var got []EventType
	r.Subscribe(func(ev Event) { got = append(got, ev.Type) })

	layer := pushBlob(t, r, []byte("layer"))
	if _, err := r.PutManifest(ctx, "a/b", "latest", content.MediaTypeDockerManifest, manifestBody(layer)); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}
	if _, err := r.DeleteManifest(ctx, "a/b", "latest"); err != nil {
		t.Fatalf("DeleteManifest: %v", err)
	}
	if _, err := r.RunGC(ctx); err != nil {
		t.Fatalf("RunGC: %v", err)
	}

	want := []EventType{EventBlobPushed, EventManifestPushed, EventManifestDeleted, EventGCCompleted}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRunCleanupExpiresStaleSessions(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Cleanup.MaxSessionAge = config.Duration(time.Hour)
	cfg.Cleanup.MinDiskFreePercent = 0

	clock := time.Now()
	r, err := New(memory.New(), cfg, logging.Discard(), WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	init, err := r.InitiateUpload(ctx, "a/b", "")
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}
	if _, err := r.AppendChunk(ctx, init.SessionID, 0, strings.NewReader("abandoned")); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	// Not yet stale.
	res, err := r.RunCleanup(ctx)
	if err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}
	if res.SessionsRemoved != 0 {
		t.Fatalf("fresh session expired: %+v", res)
	}

	clock = clock.Add(2 * time.Hour)
	res, err = r.RunCleanup(ctx)
	if err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}
	if res.SessionsRemoved != 1 || res.BlobsRemoved != 1 {
		t.Fatalf("stale sweep = %+v, want 1 session and 1 chunk", res)
	}
}

func TestDegradedRefusesWrites(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	r.degraded.Store(true)

	if _, err := r.InitiateUpload(ctx, "a/b", ""); !errors.Is(err, ErrDegraded) {
		t.Fatalf("InitiateUpload err = %v, want ErrDegraded", err)
	}
	if _, err := r.PutManifest(ctx, "a/b", "latest", "", []byte("{}")); !errors.Is(err, ErrDegraded) {
		t.Fatalf("PutManifest err = %v, want ErrDegraded", err)
	}

	// Reads still work.
	if _, err := r.ListRepositories(ctx); err != nil {
		t.Fatalf("ListRepositories while degraded: %v", err)
	}

	r.ResetRecovery()
	if _, err := r.InitiateUpload(ctx, "a/b", ""); err != nil {
		t.Fatalf("InitiateUpload after reset: %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	layer := pushBlob(t, r, []byte("layer"))
	if _, err := r.PutManifest(ctx, "a/b", "latest", content.MediaTypeDockerManifest, manifestBody(layer)); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}

	st, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if st.Repositories != 1 {
		t.Fatalf("repositories = %d, want 1", st.Repositories)
	}
	if st.Storage.TotalBlobs != 1 || st.Storage.TotalManifests != 1 {
		t.Fatalf("storage = %+v", st.Storage)
	}
	if st.Degraded {
		t.Fatal("fresh registry reported degraded")
	}
}
