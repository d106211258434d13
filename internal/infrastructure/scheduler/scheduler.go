// Package scheduler runs periodic jobs, chiefly the midnight reconciliation
// sweep that resets day-scoped counters of profiles nobody has opened yet.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pulsecard/studysync/pkg/timeutil"
)

var (
	ErrNilJob                  = errors.New("job cannot be nil")
	ErrNilSchedule             = errors.New("schedule cannot be nil")
	ErrJobAlreadyExists        = errors.New("job already exists")
	ErrJobNotFound             = errors.New("job not found")
	ErrJobRunning              = errors.New("job is already running")
	ErrJobPanicked             = errors.New("job panicked")
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// Job is a unit of background work.
type Job interface {
	Name() string
	Description() string

	// Run is cancelled when the scheduler stops.
	Run(ctx context.Context) error
}

// Schedule yields the run times of a job.
type Schedule interface {
	// Next returns the first run time strictly after t.
	Next(t time.Time) time.Time
	String() string
}

// JobResult describes one execution.
type JobResult struct {
	JobName     string
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Success     bool
	Error       error
	Manual      bool
}

// JobInfo is a read-only view of a registered job.
type JobInfo struct {
	Name        string
	Description string
	Schedule    string
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	FailCount   int64
	LastResult  *JobResult
}

type entry struct {
	job      Job
	schedule Schedule

	// guarded by Scheduler.mu
	next    time.Time
	running bool
	info    JobInfo
}

// SchedulerConfig contains configuration for the Scheduler.
type SchedulerConfig struct {
	Logger *slog.Logger

	// Clock defaults to the system clock. Tests drive due times through it.
	Clock timeutil.Clock

	// TickInterval is how often due jobs are checked (default: 1s).
	TickInterval time.Duration

	EnableMetrics bool
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Logger:        slog.Default(),
		Clock:         timeutil.SystemClock{},
		TickInterval:  time.Second,
		EnableMetrics: true,
	}
}

// Scheduler polls its clock and starts due jobs in their own goroutines.
// A job never overlaps with itself: while it runs, due ticks are skipped and
// RunNow fails with ErrJobRunning.
type Scheduler struct {
	logger *slog.Logger
	clock  timeutil.Clock
	tick   time.Duration

	mu         sync.Mutex
	entries    map[string]*entry
	cancel     context.CancelFunc
	ctx        context.Context
	startedAt  time.Time
	onComplete func(JobResult)

	wg      sync.WaitGroup
	metrics *SchedulerMetrics
}

// NewScheduler creates a new Scheduler with the given configuration.
func NewScheduler(config SchedulerConfig) *Scheduler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = timeutil.SystemClock{}
	}
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}

	s := &Scheduler{
		logger:  config.Logger.With("component", "scheduler"),
		clock:   config.Clock,
		tick:    config.TickInterval,
		entries: make(map[string]*entry),
	}
	if config.EnableMetrics {
		s.metrics = NewSchedulerMetrics()
	}
	return s
}

// Register adds a job. Its first run is the schedule's next time after now.
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	switch {
	case job == nil:
		return ErrNilJob
	case schedule == nil:
		return ErrNilSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}

	e := &entry{
		job:      job,
		schedule: schedule,
		next:     schedule.Next(s.clock.Now()),
		info: JobInfo{
			Name:        name,
			Description: job.Description(),
			Schedule:    schedule.String(),
		},
	}
	e.info.NextRun = e.next
	s.entries[name] = e

	s.logger.Info("job registered", "job", name, "schedule", e.info.Schedule, "next_run", e.next.Format(time.RFC3339))
	return nil
}

// Start begins polling. ctx bounds every job the scheduler starts.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrSchedulerAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startedAt = s.clock.Now()

	s.wg.Add(1)
	go s.loop(s.ctx)

	s.logger.Info("scheduler started", "jobs_count", len(s.entries))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.cancel()
	s.cancel = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped", "uptime", s.clock.Now().Sub(s.startedAt).String())
	return nil
}

// IsRunning returns true between Start and Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range s.claimDue() {
				s.wg.Add(1)
				go func(e *entry) {
					defer s.wg.Done()
					s.execute(ctx, e, false)
				}(e)
			}
		}
	}
}

// claimDue marks every due idle job as running and advances its next run.
func (s *Scheduler) claimDue() []*entry {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*entry
	for _, e := range s.entries {
		if e.running || now.Before(e.next) {
			continue
		}
		e.running = true
		e.next = e.schedule.Next(now)
		e.info.NextRun = e.next
		due = append(due, e)
	}
	return due
}

func (s *Scheduler) execute(ctx context.Context, e *entry, manual bool) JobResult {
	name := e.job.Name()
	s.logger.Info("job started", "job", name, "manual", manual)

	started := s.clock.Now()
	err := runSafely(ctx, e.job)
	completed := s.clock.Now()

	result := JobResult{
		JobName:     name,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
		Success:     err == nil,
		Error:       err,
		Manual:      manual,
	}

	s.mu.Lock()
	e.running = false
	e.info.LastRun = started
	e.info.RunCount++
	if err != nil {
		e.info.FailCount++
	}
	e.info.LastResult = &result
	hook := s.onComplete
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordExecution(name, result.Duration, result.Success)
	}
	if err != nil {
		s.logger.Error("job failed", "job", name, "duration", result.Duration.String(), "error", err)
	} else {
		s.logger.Info("job completed", "job", name, "duration", result.Duration.String())
	}

	if hook != nil {
		hook(result)
	}
	return result
}

func runSafely(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return job.Run(ctx)
}

// RunNow executes a job immediately on the caller's goroutine, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, jobName string) (*JobResult, error) {
	s.mu.Lock()
	e, ok := s.entries[jobName]
	switch {
	case !ok:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	case e.running:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, jobName)
	}
	e.running = true
	s.mu.Unlock()

	result := s.execute(ctx, e, true)
	return &result, result.Error
}

// ListJobs returns all registered jobs sorted by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.entries))
	for _, e := range s.entries {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// GetMetrics returns nil unless metrics were enabled.
func (s *Scheduler) GetMetrics() *SchedulerMetrics {
	return s.metrics
}

// OnJobComplete sets a callback invoked after every execution.
func (s *Scheduler) OnJobComplete(fn func(result JobResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = fn
}

// SchedulerMetrics counts executions per job.
type SchedulerMetrics struct {
	mu       sync.Mutex
	runs     map[string]int64
	failures map[string]int64
	total    time.Duration
}

// NewSchedulerMetrics creates an empty metrics tracker.
func NewSchedulerMetrics() *SchedulerMetrics {
	return &SchedulerMetrics{
		runs:     make(map[string]int64),
		failures: make(map[string]int64),
	}
}

// RecordExecution records a job execution.
func (m *SchedulerMetrics) RecordExecution(jobName string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs[jobName]++
	m.total += duration
	if !success {
		m.failures[jobName]++
	}
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	TotalExecutions int64
	TotalSuccesses  int64
	TotalFailures   int64
	SuccessRate     float64
	AverageDuration time.Duration
	FailuresByJob   map[string]int64
}

// Snapshot returns a point-in-time snapshot of metrics.
func (m *SchedulerMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{FailuresByJob: make(map[string]int64, len(m.failures))}
	for _, n := range m.runs {
		snap.TotalExecutions += n
	}
	for name, n := range m.failures {
		snap.TotalFailures += n
		snap.FailuresByJob[name] = n
	}
	snap.TotalSuccesses = snap.TotalExecutions - snap.TotalFailures
	if snap.TotalExecutions > 0 {
		snap.AverageDuration = m.total / time.Duration(snap.TotalExecutions)
		snap.SuccessRate = float64(snap.TotalSuccesses) / float64(snap.TotalExecutions)
	}
	return snap
}
