package registry

import (
	"context"
	"time"

	"stevedore/internal/store"
	"stevedore/internal/sysmetrics"
)

// RunGC runs one garbage collection pass: abandoned chunks past the
// configured age, finalized blobs referenced by no manifest, then manifests
// whose referenced blobs were never stored.
func (r *Registry) RunGC(ctx context.Context) (store.GCResult, error) {
	chunkAge := time.Duration(r.cfg.GC.ChunkAge)
	if chunkAge <= 0 {
		chunkAge = 24 * time.Hour
	}

	res, err := r.store.CollectGarbage(ctx, r.now(), chunkAge)
	if err != nil {
		return store.GCResult{}, r.handleStorageError(ctx, err)
	}

	r.logger.Info("garbage collection completed",
		"blobsRemoved", res.BlobsRemoved,
		"bytesFreed", res.BytesFreed,
		"manifestsRemoved", res.ManifestsRemoved)
	r.emit(Event{Type: EventGCCompleted})
	return res, nil
}

// GCStats reports collectable totals without mutating anything.
func (r *Registry) GCStats(ctx context.Context) (store.GCStatsInfo, error) {
	stats, err := r.store.GCStats(ctx)
	if err != nil {
		return store.GCStatsInfo{}, r.handleStorageError(ctx, err)
	}
	return stats, nil
}

// RunCleanup expires upload sessions idle longer than the configured maximum
// age. Under disk pressure (free share below the configured floor) every
// session is expired regardless of age, since half-finished uploads are the
// cheapest thing to reclaim.
func (r *Registry) RunCleanup(ctx context.Context) (store.CleanupResult, error) {
	now := r.now()
	maxAge := time.Duration(r.cfg.Cleanup.MaxSessionAge)
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	cutoff := now.Add(-maxAge)

	if floor := r.cfg.Cleanup.MinDiskFreePercent; floor > 0 {
		free, err := sysmetrics.DiskFreePercent(r.cfg.DataDir)
		if err != nil {
			r.logger.Warn("disk usage check failed", "path", r.cfg.DataDir, "error", err)
		} else if free < floor {
			r.logger.Warn("disk pressure, expiring all idle sessions",
				"freePercent", free, "floorPercent", floor)
			cutoff = now
		}
	}

	res, err := r.store.ExpireSessions(ctx, cutoff)
	if err != nil {
		return store.CleanupResult{}, r.handleStorageError(ctx, err)
	}

	if res.SessionsRemoved > 0 {
		r.logger.Info("cleanup sweep completed",
			"sessionsRemoved", res.SessionsRemoved,
			"blobsRemoved", res.BlobsRemoved,
			"bytesFreed", res.BytesFreed)
	}
	r.emit(Event{Type: EventCleanupCompleted})
	return res, nil
}

// State is the admin snapshot: uptime, storage totals, open sessions, and
// process gauges.
type State struct {
	Uptime       time.Duration     `json:"uptime"`
	Degraded     bool              `json:"degraded"`
	Repositories int               `json:"repositories"`
	Sessions     int               `json:"sessions"`
	Storage      store.GCStatsInfo `json:"storage"`
	Jobs         []JobInfo         `json:"jobs"`
	Process      ProcessStats      `json:"process"`
}

// ProcessStats holds point-in-time process and volume gauges.
type ProcessStats struct {
	CPUPercent      float64 `json:"cpuPercent"`
	MemoryBytes     int64   `json:"memoryBytes"`
	DiskFreePercent float64 `json:"diskFreePercent"`
}

// Snapshot assembles the admin state view.
func (r *Registry) Snapshot(ctx context.Context) (State, error) {
	stats, err := r.store.GCStats(ctx)
	if err != nil {
		return State{}, r.handleStorageError(ctx, err)
	}
	repos, err := r.store.ListRepositories(ctx)
	if err != nil {
		return State{}, r.handleStorageError(ctx, err)
	}
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return State{}, r.handleStorageError(ctx, err)
	}

	proc := ProcessStats{
		CPUPercent:  sysmetrics.CPUPercent(),
		MemoryBytes: sysmetrics.MemoryInuse(),
	}
	if free, err := sysmetrics.DiskFreePercent(r.cfg.DataDir); err == nil {
		proc.DiskFreePercent = free
	}

	return State{
		Uptime:       r.Uptime(),
		Degraded:     r.Degraded(),
		Repositories: len(repos),
		Sessions:     len(sessions),
		Storage:      stats,
		Jobs:         r.Jobs(),
		Process:      proc,
	}, nil
}
