package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"stevedore/internal/logging"
)

// JobInfo describes a registered maintenance job for external inspection.
type JobInfo struct {
	ID       string        `json:"id"`       // unique job ID (gocron UUID)
	Name     string        `json:"name"`     // human-readable name, e.g. "cleanup"
	Interval time.Duration `json:"interval"` // run period
	LastRun  time.Time     `json:"lastRun"`  // zero if never run
	NextRun  time.Time     `json:"nextRun"`  // zero if not scheduled
}

// Scheduler wraps the shared gocron scheduler. All maintenance tasks
// (session cleanup, optional periodic GC) register here rather than running
// their own timers.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job       // name → job
	intervals map[string]time.Duration    // name → period (for Jobs)
	logger    *slog.Logger
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		intervals: make(map[string]time.Duration),
		logger:    logging.Default(logger).With("component", "scheduler"),
	}, nil
}

// AddDurationJob registers a named job that runs every interval. The name
// must be unique.
func (s *Scheduler) AddDurationJob(name string, interval time.Duration, task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}

	j, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}

	s.jobs[name] = j
	s.intervals[name] = interval
	s.logger.Info("scheduled job added", "name", name, "interval", interval)
	return nil
}

// Jobs lists registered jobs with their last and next run times.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var infos []JobInfo
	for name, j := range s.jobs {
		info := JobInfo{
			ID:       j.ID().String(),
			Name:     name,
			Interval: s.intervals[name],
		}
		if last, err := j.LastRun(); err == nil {
			info.LastRun = last
		}
		if next, err := j.NextRun(); err == nil {
			info.NextRun = next
		}
		infos = append(infos, info)
	}
	return infos
}

// Start begins executing registered jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
