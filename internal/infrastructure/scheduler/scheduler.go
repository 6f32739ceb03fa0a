// Package scheduler runs periodic maintenance jobs on gocron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/maternar/progression/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Job defines the interface that all scheduled jobs must implement.
type Job interface {
	// Name returns the unique name of the job.
	Name() string

	// Run executes the job. The context is cancelled when the scheduler
	// stops or the job timeout elapses.
	Run(ctx context.Context) error
}

// JobResult contains the result of a job execution.
type JobResult struct {
	JobName     string
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Success     bool
	Error       error
}

// ErrJobNotFound is returned by RunNow for unregistered jobs.
var ErrJobNotFound = errors.New("scheduler: job not found")

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Config contains configuration for the Scheduler.
type Config struct {
	// Timezone for schedule calculations (default: UTC).
	Timezone *time.Location

	// JobTimeout bounds a single run (default: 5m).
	JobTimeout time.Duration
}

// Scheduler manages and executes scheduled jobs.
type Scheduler struct {
	cron    *gocron.Scheduler
	timeout time.Duration
	log     *logger.Logger

	mu     sync.Mutex
	jobs   map[string]Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. Jobs of the same name never overlap.
func New(cfg Config, log *logger.Logger) *Scheduler {
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}

	cron := gocron.NewScheduler(cfg.Timezone)
	cron.SingletonModeAll()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron,
		timeout: cfg.JobTimeout,
		log:     log.With(logger.Component("scheduler")),
		jobs:    make(map[string]Job),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// RegisterWeekly runs job every week on day at "HH:MM" in the scheduler's timezone.
func (s *Scheduler) RegisterWeekly(job Job, day time.Weekday, at string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}

	j, err := s.cron.Every(1).Week().Weekday(day).At(at).Tag(name).Do(func() {
		s.run(s.ctx, job)
	})
	if err != nil {
		return fmt.Errorf("scheduler: register %q: %w", name, err)
	}
	s.jobs[name] = job

	s.log.Info("job registered",
		logger.String("job", name),
		logger.String("weekday", day.String()),
		logger.String("at", at),
		logger.Time("next_run", j.NextRun()),
	)
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.StartAsync()
	s.log.Info("scheduler started", logger.Int("jobs", len(s.jobs)))
}

// Stop cancels running jobs and waits for them to return. gocron's Stop
// blocks until in-flight jobs finish, so their context is cancelled first.
func (s *Scheduler) Stop() {
	s.cancel()
	s.cron.Stop()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// RunNow executes a registered job synchronously. The run is also cancelled
// when the scheduler stops.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*JobResult, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	return s.run(ctx, job), nil
}

func (s *Scheduler) run(ctx context.Context, job Job) *JobResult {
	s.wg.Add(1)
	defer s.wg.Done()

	name := job.Name()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	startedAt := time.Now()
	s.log.Info("job started", logger.String("job", name))

	err := s.safeRun(ctx, job)
	completedAt := time.Now()

	result := &JobResult{
		JobName:     name,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(startedAt),
		Success:     err == nil,
		Error:       err,
	}

	if err != nil {
		s.log.Error("job failed", logger.String("job", name), logger.Latency(result.Duration), logger.Err(err))
	} else {
		s.log.Info("job completed", logger.String("job", name), logger.Latency(result.Duration))
	}
	return result
}

func (s *Scheduler) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: job %s panicked: %v", job.Name(), r)
		}
	}()
	return job.Run(ctx)
}
