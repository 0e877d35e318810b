package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"stevedore/internal/content"
	"stevedore/internal/store"
)

// CollectGarbage reclaims space in four phases inside one transaction:
//
//  1. delete chunk rows whose session is older than chunkAge
//  2. build the referenced set R by scanning every manifest's digest fields
//  3. delete finalized blobs whose digest is not in R
//  4. delete manifests referencing a digest that is absent now and was not
//     removed by phase 3 of this same pass (never stored at all)
//
// Phase 3 runs before phase 4 evaluates, so "just freed" and "never present"
// stay distinguishable. The single-connection transaction means a push that
// commits during the pass is either fully visible (its blobs land in R) or
// entirely after it (its rows are untouched by construction).
func (s *Store) CollectGarbage(ctx context.Context, now time.Time, chunkAge time.Duration) (store.GCResult, error) {
	var result store.GCResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin gc: %w", mapErr(err))
	}
	defer tx.Rollback()

	// Phase 1: sweep chunks of abandoned sessions.
	cutoff := now.Add(-chunkAge).UTC().Format(timeFormat)
	var (
		staleChunks int
		staleBytes  int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT count(*), coalesce(sum(bytes), 0) FROM (
			SELECT sum(size) AS bytes FROM blobs
			WHERE digest IS NULL
			  AND session_id IN (SELECT id FROM sessions WHERE last_activity < ?)
			GROUP BY session_id, chunk_index
		)
	`, cutoff).Scan(&staleChunks, &staleBytes)
	if err != nil {
		return result, fmt.Errorf("gc: measure stale chunks: %w", mapErr(err))
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM sessions WHERE last_activity < ?", cutoff); err != nil {
		return result, fmt.Errorf("gc: sweep stale sessions: %w", mapErr(err))
	}
	result.BlobsRemoved += staleChunks
	result.BytesFreed += staleBytes

	// Phase 2: collect the referenced set from every manifest.
	referenced, manifestRefs, err := referencedDigests(ctx, tx)
	if err != nil {
		return result, err
	}

	// Phase 3: sweep finalized blobs outside the referenced set. Part rows
	// are summed per digest so the result counts blobs, not rows.
	rows, err := tx.QueryContext(ctx,
		"SELECT digest, sum(size) FROM blobs WHERE digest IS NOT NULL GROUP BY digest")
	if err != nil {
		return result, fmt.Errorf("gc: list finalized blobs: %w", mapErr(err))
	}
	freed := make(map[digest.Digest]struct{})
	var orphans []string
	for rows.Next() {
		var (
			dgstStr string
			size    int64
		)
		if err := rows.Scan(&dgstStr, &size); err != nil {
			rows.Close()
			return result, fmt.Errorf("gc: scan blob: %w", err)
		}
		d := digest.Digest(dgstStr)
		if _, ok := referenced[d]; ok {
			continue
		}
		freed[d] = struct{}{}
		orphans = append(orphans, dgstStr)
		result.BlobsRemoved++
		result.BytesFreed += size
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return result, fmt.Errorf("gc: iterate blobs: %w", mapErr(err))
	}
	rows.Close()

	for _, dgstStr := range orphans {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM blobs WHERE digest = ?", dgstStr); err != nil {
			return result, fmt.Errorf("gc: delete orphan blob %s: %w", dgstStr, mapErr(err))
		}
	}

	// Phase 4: sweep manifests whose references were never stored.
	for _, mr := range manifestRefs {
		orphaned := false
		for _, d := range mr.digests {
			if _, justFreed := freed[d]; justFreed {
				continue
			}
			var one int
			err := tx.QueryRowContext(ctx,
				"SELECT 1 FROM blobs WHERE digest = ?", d.String()).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				orphaned = true
				break
			}
			if err != nil {
				return result, fmt.Errorf("gc: check reference %s: %w", d, mapErr(err))
			}
		}
		if orphaned {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM manifests WHERE id = ?", mr.id); err != nil {
				return result, fmt.Errorf("gc: delete orphan manifest: %w", mapErr(err))
			}
			result.ManifestsRemoved++
		}
	}

	if err := tx.Commit(); err != nil {
		return store.GCResult{}, fmt.Errorf("commit gc: %w", mapErr(err))
	}
	return result, nil
}

type manifestRef struct {
	id      int64
	digests []digest.Digest
}

// referencedDigests scans every manifest's bytes for sha256 digest fields.
func referencedDigests(ctx context.Context, tx *sql.Tx) (map[digest.Digest]struct{}, []manifestRef, error) {
	rows, err := tx.QueryContext(ctx, "SELECT id, content FROM manifests")
	if err != nil {
		return nil, nil, fmt.Errorf("gc: read manifests: %w", mapErr(err))
	}
	defer rows.Close()

	referenced := make(map[digest.Digest]struct{})
	var refs []manifestRef
	for rows.Next() {
		var (
			id   int64
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, nil, fmt.Errorf("gc: scan manifest: %w", err)
		}
		digests := content.ExtractDigests(body)
		for _, d := range digests {
			referenced[d] = struct{}{}
		}
		refs = append(refs, manifestRef{id: id, digests: digests})
	}
	return referenced, refs, rows.Err()
}

// GCStats reports collectable totals without mutating anything.
func (s *Store) GCStats(ctx context.Context) (store.GCStatsInfo, error) {
	var stats store.GCStatsInfo

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return stats, fmt.Errorf("begin gc stats: %w", mapErr(err))
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		SELECT count(DISTINCT digest), coalesce(sum(size), 0) FROM blobs WHERE digest IS NOT NULL
	`).Scan(&stats.TotalBlobs, &stats.TotalBytes)
	if err != nil {
		return stats, fmt.Errorf("gc stats: blob totals: %w", mapErr(err))
	}
	err = tx.QueryRowContext(ctx, `
		SELECT count(*), coalesce(sum(bytes), 0) FROM (
			SELECT sum(size) AS bytes FROM blobs WHERE digest IS NULL
			GROUP BY session_id, chunk_index
		)
	`).Scan(&stats.ChunkBlobs, &stats.ChunkBytes)
	if err != nil {
		return stats, fmt.Errorf("gc stats: chunk totals: %w", mapErr(err))
	}
	err = tx.QueryRowContext(ctx,
		"SELECT count(*) FROM manifests").Scan(&stats.TotalManifests)
	if err != nil {
		return stats, fmt.Errorf("gc stats: manifest count: %w", mapErr(err))
	}

	referenced, _, err := referencedDigests(ctx, tx)
	if err != nil {
		return stats, err
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT digest, sum(size) FROM blobs WHERE digest IS NOT NULL GROUP BY digest")
	if err != nil {
		return stats, fmt.Errorf("gc stats: list blobs: %w", mapErr(err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			dgstStr string
			size    int64
		)
		if err := rows.Scan(&dgstStr, &size); err != nil {
			return stats, fmt.Errorf("gc stats: scan blob: %w", err)
		}
		if _, ok := referenced[digest.Digest(dgstStr)]; !ok {
			stats.UnreferencedBlobs++
			stats.UnreferencedBytes += size
		}
	}
	return stats, rows.Err()
}

// ExpireSessions removes sessions whose last activity predates cutoff,
// cascading to their chunk rows.
func (s *Store) ExpireSessions(ctx context.Context, cutoff time.Time) (store.CleanupResult, error) {
	var result store.CleanupResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin expire sessions: %w", mapErr(err))
	}
	defer tx.Rollback()

	ts := cutoff.UTC().Format(timeFormat)
	err = tx.QueryRowContext(ctx, `
		SELECT count(*), coalesce(sum(bytes), 0) FROM (
			SELECT sum(size) AS bytes FROM blobs
			WHERE digest IS NULL
			  AND session_id IN (SELECT id FROM sessions WHERE last_activity < ?)
			GROUP BY session_id, chunk_index
		)
	`, ts).Scan(&result.BlobsRemoved, &result.BytesFreed)
	if err != nil {
		return result, fmt.Errorf("expire sessions: measure chunks: %w", mapErr(err))
	}

	res, err := tx.ExecContext(ctx,
		"DELETE FROM sessions WHERE last_activity < ?", ts)
	if err != nil {
		return result, fmt.Errorf("expire sessions: delete: %w", mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return result, fmt.Errorf("expire sessions: count: %w", err)
	}
	result.SessionsRemoved = int(n)

	if err := tx.Commit(); err != nil {
		return store.CleanupResult{}, fmt.Errorf("commit expire sessions: %w", mapErr(err))
	}
	return result, nil
}

// AttemptRecovery checks database integrity and, if the quick check fails,
// tries a WAL checkpoint followed by a re-check. Returns whether the store
// is usable. The caller enforces the once-per-process policy.
func (s *Store) AttemptRecovery(ctx context.Context) bool {
	if s.integrityOK(ctx) {
		return true
	}
	// A torn WAL is the common corruption source; force it to disk and retry.
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return false
	}
	return s.integrityOK(ctx)
}

func (s *Store) integrityOK(ctx context.Context) bool {
	var status string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&status); err != nil {
		return false
	}
	return status == "ok"
}
