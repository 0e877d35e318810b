package sqlite

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"stevedore/internal/store"
	"stevedore/internal/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) store.Store {
		return newTestStore(t)
	})
}

func TestPragmas(t *testing.T) {
	s := newTestStore(t)

	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode=wal, got %q", journalMode)
	}

	var fk int
	if err := s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("expected foreign_keys=1, got %d", fk)
	}
}

func TestSchema(t *testing.T) {
	s := newTestStore(t)

	tables := map[string]bool{}
	rows, err := s.db.Query("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		t.Fatalf("query tables: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		tables[name] = true
	}

	for _, want := range []string{"sessions", "blobs", "manifests", "schema_migrations"} {
		if !tables[want] {
			t.Errorf("expected table %q, got tables: %v", want, tables)
		}
	}
}

func TestReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	ctx := context.Background()

	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	body := []byte(`{"v":1}`)
	if err := s.PutManifest(ctx, "persist/repo", "latest", digest.FromBytes(body), "application/vnd.docker.distribution.manifest.v2+json", body); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	mi, err := s2.GetManifest(ctx, "persist/repo", "latest")
	if err != nil {
		t.Fatalf("GetManifest after reopen: %v", err)
	}
	if string(mi.Content) != `{"v":1}` {
		t.Errorf("manifest content lost across reopen: %s", mi.Content)
	}
}

func TestConcurrentManifestPuts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Ten racing upserts to the same (name, tag): the unique constraint must
	// never surface, exactly one row must remain, and the survivor must be
	// one of the ten bodies.
	bodies := make([][]byte, 10)
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := range bodies {
		bodies[i] = []byte(fmt.Sprintf(`{"writer":%d}`, i))
		wg.Add(1)
		go func(body []byte) {
			defer wg.Done()
			errs <- s.PutManifest(ctx, "postgres", "15", digest.FromBytes(body), "application/vnd.docker.distribution.manifest.v2+json", body)
		}(bodies[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent PutManifest: %v", err)
		}
	}

	tags, err := s.ListTags(ctx, "postgres")
	if err != nil {
		t.Fatalf("ListTags: %v", err)
	}
	if len(tags) != 1 {
		t.Fatalf("expected exactly one tag, got %v", tags)
	}

	got, err := s.GetManifest(ctx, "postgres", "15")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	found := false
	for _, body := range bodies {
		if string(got.Content) == string(body) {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("surviving manifest %s is not one of the written bodies", got.Content)
	}
}

func TestBoundedPartRows(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "registry.db"), WithPartSize(8))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	id := uuid.New()
	if err := s.CreateSession(ctx, id, "test/repo", time.Now()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	payload := strings.Repeat("abcdefghij", 5) // 50 bytes -> 7 parts of <= 8
	size, err := s.PutChunk(ctx, id, 0, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if size != 50 {
		t.Fatalf("chunk size = %d, want 50", size)
	}

	// One logical chunk, stored as several rows none wider than the cap.
	var parts, widest int
	if err := s.db.QueryRow(
		"SELECT count(*), max(length(content)) FROM blobs WHERE session_id = ?",
		id.String()).Scan(&parts, &widest); err != nil {
		t.Fatalf("count parts: %v", err)
	}
	if parts != 7 || widest > 8 {
		t.Fatalf("parts = %d (widest %d), want 7 rows capped at 8 bytes", parts, widest)
	}
	if n, _ := s.ChunkCount(ctx, id); n != 1 {
		t.Fatalf("ChunkCount = %d, want 1", n)
	}

	dgst := digest.FromString(payload)
	if _, err := s.FinalizeUpload(ctx, id, dgst); err != nil {
		t.Fatalf("FinalizeUpload: %v", err)
	}

	// Finalize promotes the rows in place under the digest.
	if err := s.db.QueryRow(
		"SELECT count(*) FROM blobs WHERE digest = ?", dgst.String()).Scan(&parts); err != nil {
		t.Fatalf("count finalized parts: %v", err)
	}
	if parts != 7 {
		t.Fatalf("finalized parts = %d, want 7", parts)
	}

	rc, total, err := s.BlobReader(ctx, dgst)
	if err != nil {
		t.Fatalf("BlobReader: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if total != 50 || string(data) != payload {
		t.Fatalf("round-trip size %d, body %q", total, data)
	}

	// Stats and size queries see one blob of 50 bytes, not seven rows.
	if got, err := s.StatBlob(ctx, dgst); err != nil || got != 50 {
		t.Fatalf("StatBlob = %d, %v; want 50", got, err)
	}
	stats, err := s.GCStats(ctx)
	if err != nil {
		t.Fatalf("GCStats: %v", err)
	}
	if stats.TotalBlobs != 1 || stats.TotalBytes != 50 {
		t.Fatalf("stats = %+v, want one 50-byte blob", stats)
	}
}

func TestAttemptRecoveryOnHealthyStore(t *testing.T) {
	s := newTestStore(t)
	if !s.AttemptRecovery(context.Background()) {
		t.Error("recovery on a healthy store should report usable")
	}
}
