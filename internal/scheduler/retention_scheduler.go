// Package scheduler runs periodic maintenance jobs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/monalisha31/traveler-integrated/internal/metrics"
)

// DefaultRetentionSchedule runs retention hourly, on the hour.
const DefaultRetentionSchedule = "0 * * * *"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Purger removes datasets last updated before a cutoff.
// dataset.Registry implements it.
type Purger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

// RetentionScheduler purges stale datasets on a schedule.
type RetentionScheduler struct {
	purger   Purger
	schedule string
	maxAge   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	lastRun time.Time
	purged  int

	logger zerolog.Logger
}

// RetentionSchedulerConfig holds configuration for the retention scheduler.
type RetentionSchedulerConfig struct {
	Purger   Purger
	Schedule string        // cron expression, default DefaultRetentionSchedule
	MaxAge   time.Duration // datasets not updated for this long are purged
	Logger   zerolog.Logger
}

// NewRetentionScheduler validates the schedule and creates a stopped scheduler.
func NewRetentionScheduler(cfg *RetentionSchedulerConfig) (*RetentionScheduler, error) {
	if cfg.Purger == nil {
		return nil, errors.New("retention scheduler needs a purger")
	}
	if cfg.MaxAge <= 0 {
		return nil, errors.New("retention max age must be positive")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, err
	}

	s := &RetentionScheduler{
		purger:   cfg.Purger,
		schedule: schedule,
		maxAge:   cfg.MaxAge,
		now:      time.Now,
		logger:   cfg.Logger.With().Str("component", "retention-scheduler").Logger(),
	}
	s.logger.Info().
		Str("schedule", schedule).
		Dur("max_age", cfg.MaxAge).
		Msg("Retention scheduler initialized")
	return s, nil
}

// Start begins running the job. Starting twice is a no-op.
func (s *RetentionScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.cron = cron.New(cron.WithParser(cronParser))
	if _, err := s.cron.AddFunc(s.schedule, s.runScheduled); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true

	s.logger.Info().Time("next_run", s.nextRun()).Msg("Retention scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *RetentionScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	running := s.running
	s.running = false
	s.mu.Unlock()
	if !running {
		return
	}
	<-c.Stop().Done()
	s.logger.Info().Msg("Retention scheduler stopped")
}

func (s *RetentionScheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Scheduled retention failed")
	}
}

// RunOnce purges every dataset older than the max age and returns the
// purged labels.
func (s *RetentionScheduler) RunOnce(ctx context.Context) ([]string, error) {
	start := s.now()
	cutoff := start.Add(-s.maxAge)

	purged, err := s.purger.PurgeOlderThan(ctx, cutoff)
	metrics.Get().DatasetsPurged.Add(float64(len(purged)))

	s.mu.Lock()
	s.lastRun = start
	s.purged += len(purged)
	s.mu.Unlock()

	ev := s.logger.Info()
	if len(purged) == 0 {
		ev = s.logger.Debug()
	}
	ev.Strs("datasets", purged).
		Time("cutoff", cutoff).
		Dur("duration", time.Since(start)).
		Msg("Retention completed")
	return purged, err
}

func (s *RetentionScheduler) nextRun() time.Time {
	sched, err := cronParser.Parse(s.schedule)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(s.now())
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running     bool       `json:"running"`
	Schedule    string     `json:"schedule"`
	MaxAgeHours float64    `json:"max_age_hours"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	PurgedTotal int        `json:"purged_total"`
}

// Status returns the scheduler status.
func (s *RetentionScheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:     s.running,
		Schedule:    s.schedule,
		MaxAgeHours: s.maxAge.Hours(),
		PurgedTotal: s.purged,
	}
	if s.running {
		next := s.nextRun()
		st.NextRun = &next
	}
	if !s.lastRun.IsZero() {
		last := s.lastRun
		st.LastRun = &last
	}
	return st
}
