// Package sqlite provides the SQLite-backed registry store.
//
// The whole registry state lives in one database file. A single writer
// connection (SetMaxOpenConns(1)) serializes transactions, which gives every
// public operation the snapshot semantics the store contract requires
// without explicit locking.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"

	"stevedore/internal/content"
	"stevedore/internal/store"
)

const timeFormat = time.RFC3339Nano

// defaultPartSize caps the content of a single blob row. Chunk bodies and
// finalized blobs are stored as ordered part rows of at most this size, so
// resident memory never scales with layer size.
const defaultPartSize = 1 << 20

// Store is the SQLite-backed store.Store implementation.
type Store struct {
	db       *sql.DB
	path     string
	partSize int64
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPartSize overrides the per-row content cap, for tests that want a
// blob to span many rows without pushing megabytes through the suite.
func WithPartSize(n int64) Option {
	return func(s *Store) { s.partSize = n }
}

// New opens (or creates) a SQLite database at path and runs migrations.
func New(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection: transactions serialize, and every read inside a
	// transaction observes a consistent snapshot.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{db: db, path: path, partSize: defaultPartSize}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// mapErr converts low-level sqlite failures to store sentinel errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: blobs.digest"):
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	case strings.Contains(msg, "database disk image is malformed"),
		strings.Contains(msg, "file is not a database"):
		return fmt.Errorf("%w: %v", store.ErrCorrupt, err)
	}
	return err
}

// Sessions

func (s *Store) CreateSession(ctx context.Context, id uuid.UUID, repo string, now time.Time) error {
	ts := now.UTC().Format(timeFormat)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, repository, created_at, last_activity) VALUES (?, ?, ?, ?)",
		id.String(), repo, ts, ts)
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, mapErr(err))
	}
	return nil
}

func (s *Store) TouchSession(ctx context.Context, id uuid.UUID, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_activity = ? WHERE id = ?",
		now.UTC().Format(timeFormat), id.String())
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("touch session %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ChunkCount(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT count(DISTINCT chunk_index) FROM blobs WHERE session_id = ? AND digest IS NULL",
		id.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks for %s: %w", id, mapErr(err))
	}
	return n, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]store.SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.repository, s.created_at, s.last_activity,
		       count(DISTINCT b.chunk_index), coalesce(sum(b.size), 0)
		FROM sessions s
		LEFT JOIN blobs b ON b.session_id = s.id AND b.digest IS NULL
		GROUP BY s.id
		ORDER BY s.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", mapErr(err))
	}
	defer rows.Close()

	var result []store.SessionInfo
	for rows.Next() {
		var (
			idStr, created, activity string
			si                       store.SessionInfo
		)
		if err := rows.Scan(&idStr, &si.Repository, &created, &activity, &si.ChunkCount, &si.Bytes); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if si.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("parse session id %q: %w", idStr, err)
		}
		if si.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
			return nil, fmt.Errorf("parse session created_at: %w", err)
		}
		if si.LastActivity, err = time.Parse(timeFormat, activity); err != nil {
			return nil, fmt.Errorf("parse session last_activity: %w", err)
		}
		result = append(result, si)
	}
	return result, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) error {
	// Chunk rows go with the session via ON DELETE CASCADE.
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, mapErr(err))
	}
	return nil
}

// Blobs

func (s *Store) HasBlob(ctx context.Context, dgst digest.Digest) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM blobs WHERE digest = ?", dgst.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has blob %s: %w", dgst, mapErr(err))
	}
	return true, nil
}

func (s *Store) StatBlob(ctx context.Context, dgst digest.Digest) (int64, error) {
	var (
		parts int
		size  int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT count(*), coalesce(sum(size), 0) FROM blobs WHERE digest = ?",
		dgst.String()).Scan(&parts, &size)
	if err != nil {
		return 0, fmt.Errorf("stat blob %s: %w", dgst, mapErr(err))
	}
	if parts == 0 {
		return 0, fmt.Errorf("blob %s: %w", dgst, store.ErrNotFound)
	}
	return size, nil
}

func (s *Store) PutChunk(ctx context.Context, session uuid.UUID, index int, r io.Reader) (int64, error) {
	// Spool the body to a temp file first so a slow or failing client never
	// holds a write transaction open.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "chunk-*")
	if err != nil {
		return 0, fmt.Errorf("create chunk spool: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, r)
	if err != nil {
		return 0, fmt.Errorf("spool chunk %s/%d: %w", session, index, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind chunk spool: %w", err)
	}

	now := time.Now().UTC().Format(timeFormat)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin put chunk: %w", mapErr(err))
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", session.String()).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("put chunk: session %s: %w", session, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("put chunk: check session: %w", mapErr(err))
	}

	// Re-read the spool in part-sized slices: resident memory stays bounded
	// by partSize no matter how large the chunk body is. An empty body still
	// gets a part 0 row so the chunk stays visible to counting and stitching.
	buf := make([]byte, s.partSize)
	part := 0
	for {
		n, rerr := io.ReadFull(tmp, buf)
		if n > 0 || part == 0 {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO blobs (session_id, chunk_index, digest, part, size, content, created_at)
				VALUES (?, ?, NULL, ?, ?, ?, ?)
			`, session.String(), index, part, n, buf[:n], now)
			if err != nil {
				return 0, fmt.Errorf("insert chunk %s/%d part %d: %w", session, index, part, mapErr(err))
			}
			part++
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return 0, fmt.Errorf("read chunk spool: %w", rerr)
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE sessions SET last_activity = ? WHERE id = ?", now, session.String())
	if err != nil {
		return 0, fmt.Errorf("touch session %s: %w", session, mapErr(err))
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit chunk %s/%d: %w", session, index, mapErr(err))
	}
	return size, nil
}

func (s *Store) FinalizeUpload(ctx context.Context, session uuid.UUID, dgst digest.Digest) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin finalize: %w", mapErr(err))
	}
	defer tx.Rollback()

	// Stitch: walk the session's part rows in (chunk, part) order, hashing
	// as we go and remembering row ids for promotion. Chunk indices must
	// form the dense prefix 0..n-1 and parts must run 0..m within each
	// chunk; a duplicate PATCH to the same index breaks the part sequence
	// and fails here. Only one part is resident at a time.
	rows, err := tx.QueryContext(ctx, `
		SELECT id, chunk_index, part, content FROM blobs
		WHERE session_id = ? AND digest IS NULL
		ORDER BY chunk_index, part, id
	`, session.String())
	if err != nil {
		return 0, fmt.Errorf("read chunks for %s: %w", session, mapErr(err))
	}

	digester := digest.SHA256.Digester()
	var (
		ids      []int64
		size     int64
		chunkIdx = -1
		partIdx  int
	)
	for rows.Next() {
		var (
			rowID     int64
			idx, part int
			data      []byte
		)
		if err := rows.Scan(&rowID, &idx, &part, &data); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan chunk part: %w", err)
		}
		switch {
		case idx == chunkIdx+1 && part == 0:
			chunkIdx++
			partIdx = 0
		case idx == chunkIdx && part == partIdx+1:
			partIdx++
		default:
			rows.Close()
			return 0, fmt.Errorf("session %s chunk %d part %d out of sequence: %w",
				session, idx, part, store.ErrChunkGap)
		}
		digester.Hash().Write(data)
		size += int64(len(data))
		ids = append(ids, rowID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate chunks: %w", mapErr(err))
	}
	rows.Close()

	if len(ids) == 0 {
		return 0, fmt.Errorf("session %s: %w", session, store.ErrNoChunks)
	}

	if computed := digester.Digest(); computed != dgst {
		// Rollback leaves the chunks intact for a client retry.
		return 0, fmt.Errorf("declared %s, computed %s: %w",
			dgst, computed, store.ErrDigestMismatch)
	}

	// Losing a finalize race is success for the caller: the content is
	// already there under the same digest. Discard this session's chunks
	// in the same transaction and report the duplicate.
	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM blobs WHERE digest = ?", dgst.String()).Scan(&one)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("check existing digest: %w", mapErr(err))
	}
	if err == nil {
		if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", session.String()); err != nil {
			return 0, fmt.Errorf("discard losing session %s: %w", session, mapErr(err))
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit duplicate finalize: %w", mapErr(err))
		}
		return size, fmt.Errorf("digest %s: %w", dgst, store.ErrDuplicate)
	}

	// Promote: detach the part rows from the session and renumber them
	// 0..P-1 under the digest. The content never moves, so the transition
	// costs row updates, not a rewrite of the blob.
	for p, rowID := range ids {
		_, err = tx.ExecContext(ctx, `
			UPDATE blobs SET session_id = NULL, chunk_index = NULL, digest = ?, part = ?
			WHERE id = ?
		`, dgst.String(), p, rowID)
		if err != nil {
			return 0, fmt.Errorf("promote blob %s part %d: %w", dgst, p, mapErr(err))
		}
	}

	// The promoted rows no longer reference the session, so deleting it
	// cannot cascade into them.
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", session.String()); err != nil {
		return 0, fmt.Errorf("delete session %s: %w", session, mapErr(err))
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit finalize %s: %w", dgst, mapErr(err))
	}
	return size, nil
}

// BlobReader spools the blob's part rows to an unlinked temp file and
// returns it. The single database connection is released before the caller
// starts streaming, so a slow client never blocks other operations.
func (s *Store) BlobReader(ctx context.Context, dgst digest.Digest) (io.ReadCloser, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT content FROM blobs WHERE digest = ? ORDER BY part", dgst.String())
	if err != nil {
		return nil, 0, fmt.Errorf("read blob %s: %w", dgst, mapErr(err))
	}
	defer rows.Close()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "read-*")
	if err != nil {
		return nil, 0, fmt.Errorf("create read spool: %w", err)
	}
	// Unlink now; the file lives until the caller closes it.
	os.Remove(tmp.Name())

	var (
		size  int64
		found bool
	)
	for rows.Next() {
		found = true
		var data []byte
		if err := rows.Scan(&data); err != nil {
			tmp.Close()
			return nil, 0, fmt.Errorf("scan blob part: %w", err)
		}
		n, err := tmp.Write(data)
		if err != nil {
			tmp.Close()
			return nil, 0, fmt.Errorf("spool blob part: %w", err)
		}
		size += int64(n)
	}
	if err := rows.Err(); err != nil {
		tmp.Close()
		return nil, 0, fmt.Errorf("iterate blob parts: %w", mapErr(err))
	}
	if !found {
		tmp.Close()
		return nil, 0, fmt.Errorf("blob %s: %w", dgst, store.ErrNotFound)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, 0, fmt.Errorf("rewind read spool: %w", err)
	}
	return tmp, size, nil
}

func (s *Store) DeleteBlob(ctx context.Context, dgst digest.Digest) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE digest = ?", dgst.String())
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", dgst, mapErr(err))
	}
	return nil
}

// ScanBlobs reports logical blobs, not storage rows: the part rows of each
// chunk or finalized blob are folded into one entry with summed size.
func (s *Store) ScanBlobs(ctx context.Context, fn func(store.BlobInfo) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, chunk_index, digest, sum(size), min(created_at)
		FROM blobs
		GROUP BY session_id, chunk_index, digest
		ORDER BY min(id)
	`)
	if err != nil {
		return fmt.Errorf("scan blobs: %w", mapErr(err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sessionStr sql.NullString
			chunkIdx   sql.NullInt64
			digestStr  sql.NullString
			created    string
			bi         store.BlobInfo
		)
		if err := rows.Scan(&sessionStr, &chunkIdx, &digestStr, &bi.Size, &created); err != nil {
			return fmt.Errorf("scan blob row: %w", err)
		}
		if sessionStr.Valid {
			id, err := uuid.Parse(sessionStr.String)
			if err != nil {
				return fmt.Errorf("parse session id %q: %w", sessionStr.String, err)
			}
			bi.SessionID = &id
		}
		if chunkIdx.Valid {
			idx := int(chunkIdx.Int64)
			bi.Index = &idx
		}
		if digestStr.Valid {
			bi.Digest = digest.Digest(digestStr.String)
		}
		if bi.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
			return fmt.Errorf("parse blob created_at: %w", err)
		}
		if err := fn(bi); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Manifests

func (s *Store) PutManifest(ctx context.Context, name, tag string, dgst digest.Digest, mediaType string, body []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put manifest: %w", mapErr(err))
	}
	defer tx.Rollback()

	// Delete-then-insert in one transaction: the tag is never observable as
	// absent under concurrent re-pushes, and the last committer wins.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM manifests WHERE name = ? AND tag = ?", name, tag); err != nil {
		return fmt.Errorf("replace manifest %s:%s: %w", name, tag, mapErr(err))
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO manifests (name, tag, digest, media_type, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, name, tag, dgst.String(), mediaType, body, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert manifest %s:%s: %w", name, tag, mapErr(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit manifest %s:%s: %w", name, tag, mapErr(err))
	}
	return nil
}

func (s *Store) GetManifest(ctx context.Context, name, ref string) (store.ManifestInfo, error) {
	var (
		query string
		mi    store.ManifestInfo
	)
	if content.IsDigest(ref) {
		query = "SELECT name, tag, digest, media_type, content, created_at FROM manifests WHERE name = ? AND digest = ? LIMIT 1"
	} else {
		query = "SELECT name, tag, digest, media_type, content, created_at FROM manifests WHERE name = ? AND tag = ?"
	}

	var digestStr, created string
	err := s.db.QueryRowContext(ctx, query, name, ref).
		Scan(&mi.Name, &mi.Tag, &digestStr, &mi.MediaType, &mi.Content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ManifestInfo{}, fmt.Errorf("manifest %s@%s: %w", name, ref, store.ErrNotFound)
	}
	if err != nil {
		return store.ManifestInfo{}, fmt.Errorf("get manifest %s@%s: %w", name, ref, mapErr(err))
	}
	mi.Digest = digest.Digest(digestStr)
	if mi.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
		return store.ManifestInfo{}, fmt.Errorf("parse manifest created_at: %w", err)
	}
	return mi, nil
}

func (s *Store) DeleteManifest(ctx context.Context, name, tag string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM manifests WHERE name = ? AND tag = ?", name, tag)
	if err != nil {
		return false, fmt.Errorf("delete manifest %s:%s: %w", name, tag, mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete manifest %s:%s: %w", name, tag, err)
	}
	return n > 0, nil
}

func (s *Store) DeleteRepository(ctx context.Context, name string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM manifests WHERE name = ?", name)
	if err != nil {
		return 0, fmt.Errorf("delete repository %s: %w", name, mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete repository %s: %w", name, err)
	}
	return int(n), nil
}

func (s *Store) ListRepositories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT name FROM manifests ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", mapErr(err))
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan repository name: %w", err)
		}
		result = append(result, name)
	}
	return result, rows.Err()
}

func (s *Store) ListTags(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tag FROM manifests WHERE name = ? ORDER BY tag", name)
	if err != nil {
		return nil, fmt.Errorf("list tags for %s: %w", name, mapErr(err))
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		result = append(result, tag)
	}
	return result, rows.Err()
}
