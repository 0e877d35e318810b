// Package registry implements the registry engine: the upload session state
// machine, manifest operations, garbage collection, and the cleanup sweeper.
// It owns no HTTP concerns; the server package maps the Distribution API
// onto these operations.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"stevedore/internal/config"
	"stevedore/internal/logging"
	"stevedore/internal/store"
)

var (
	// ErrInvalidChunkIndex is returned when a PATCH arrives out of order:
	// the chunk index in the URL must equal the session's current count.
	ErrInvalidChunkIndex = errors.New("chunk index out of sequence")
	// ErrBadMediaType is returned for unsupported manifest content types.
	ErrBadMediaType = errors.New("unsupported manifest media type")
	// ErrDegraded is returned for writes after a failed corruption recovery.
	ErrDegraded = errors.New("storage degraded, writes refused")
)

// Registry is the engine. All durable state lives in the store; the only
// in-process state is the scheduler, the observer list, and the corruption
// recovery latch.
type Registry struct {
	store   store.Store
	cfg     config.Config
	logger  *slog.Logger
	now     func() time.Time
	started time.Time

	scheduler *Scheduler

	obsMu     sync.RWMutex
	observers []func(Event)

	recoveryTried atomic.Bool
	degraded      atomic.Bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock substitutes the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry over the given store. The scheduler is created but
// not started; call Start to begin periodic cleanup.
func New(s store.Store, cfg config.Config, logger *slog.Logger, opts ...Option) (*Registry, error) {
	logger = logging.Default(logger)
	r := &Registry{
		store:  s,
		cfg:    cfg,
		logger: logger.With("component", "registry"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.started = r.now()

	sched, err := NewScheduler(logger)
	if err != nil {
		return nil, err
	}
	r.scheduler = sched
	return r, nil
}

// Start registers and starts the periodic cleanup job.
func (r *Registry) Start() error {
	interval := time.Duration(r.cfg.Cleanup.Interval)
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	err := r.scheduler.AddDurationJob("cleanup", interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.RunCleanup(ctx); err != nil {
			// Sweep errors are logged; the job runs again at the next tick.
			r.logger.Error("cleanup sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	r.scheduler.Start()
	r.logger.Info("registry started", "cleanupInterval", interval)
	return nil
}

// Stop shuts the scheduler down. The store is closed by the owner.
func (r *Registry) Stop() error {
	return r.scheduler.Stop()
}

// Uptime reports how long the engine has been running.
func (r *Registry) Uptime() time.Duration {
	return r.now().Sub(r.started)
}

// Jobs lists the scheduled maintenance jobs for the admin surface.
func (r *Registry) Jobs() []JobInfo {
	return r.scheduler.Jobs()
}

// checkWritable guards mutating operations after a failed recovery.
func (r *Registry) checkWritable() error {
	if r.degraded.Load() {
		return ErrDegraded
	}
	return nil
}

// handleStorageError routes ErrCorrupt through the one-shot recovery
// attempt. If recovery fails (or was already spent), the registry flips to
// degraded and refuses further writes until the admin hook resets it.
func (r *Registry) handleStorageError(ctx context.Context, err error) error {
	if err == nil || !errors.Is(err, store.ErrCorrupt) {
		return err
	}
	if r.recoveryTried.Swap(true) {
		r.degraded.Store(true)
		return err
	}
	r.logger.Warn("storage corruption detected, attempting recovery")
	if r.store.AttemptRecovery(ctx) {
		r.logger.Info("storage recovery succeeded")
		return err
	}
	r.logger.Error("storage recovery failed, refusing further writes")
	r.degraded.Store(true)
	return err
}

// ResetRecovery clears the recovery latch. Exposed via an admin endpoint so
// an operator can re-arm the automatic attempt after manual repair.
func (r *Registry) ResetRecovery() {
	r.recoveryTried.Store(false)
	r.degraded.Store(false)
	r.logger.Info("recovery latch reset")
}

// Degraded reports whether writes are currently refused.
func (r *Registry) Degraded() bool {
	return r.degraded.Load()
}
