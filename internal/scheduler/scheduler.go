// Package scheduler runs periodic jobs on cron schedules. The main job finds
// sources whose scan schedule is due and submits them to the scan queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Job is a periodic job definition.
type Job struct {
	Name     string            `json:"name"`
	Schedule string            `json:"schedule"` // Cron expression or descriptor
	JobType  JobType           `json:"job_type"`
	Config   map[string]string `json:"config,omitempty"`
	Enabled  bool              `json:"enabled"`
	NextRun  *time.Time        `json:"next_run,omitempty"`
}

// JobType defines the type of scheduled job
type JobType string

const (
	JobTypeEnqueueDueScans JobType = "enqueue_due_scans"
	JobTypeCleanupStale    JobType = "cleanup_stale_jobs"
)

// JobExecution tracks job execution history
type JobExecution struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	JobName   string          `json:"job_name" db:"job_name"`
	Status    ExecutionStatus `json:"status" db:"status"`
	StartedAt time.Time       `json:"started_at" db:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	Error     string          `json:"error,omitempty" db:"error"`
	Output    string          `json:"output,omitempty" db:"output"`
}

// ExecutionStatus represents job execution status
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// JobHandler executes a job and returns a short summary for the execution record.
type JobHandler func(ctx context.Context, job *Job) (string, error)

// ExecutionStore persists job execution history.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *JobExecution) error
	UpdateExecution(ctx context.Context, exec *JobExecution) error
	ListExecutions(ctx context.Context, jobName string, limit int) ([]JobExecution, error)
}

// Scheduler manages scheduled jobs
type Scheduler struct {
	cron     *cron.Cron
	store    ExecutionStore
	handlers map[JobType]JobHandler
	jobs     map[string]*Job
	entries  map[string]cron.EntryID
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewScheduler creates a new scheduler. store may be nil, in which case
// executions are only logged.
func NewScheduler(store ExecutionStore, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		store:    store,
		handlers: make(map[JobType]JobHandler),
		jobs:     make(map[string]*Job),
		entries:  make(map[string]cron.EntryID),
		logger:   logger,
	}
}

// RegisterHandler registers a handler for a job type
func (s *Scheduler) RegisterHandler(jobType JobType, handler JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = handler
}

// AddJob registers a job and schedules it when enabled.
func (s *Scheduler) AddJob(job *Job) error {
	s.mu.Lock()
	if _, exists := s.jobs[job.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %q already registered", job.Name)
	}
	s.jobs[job.Name] = job
	s.mu.Unlock()

	if job.Enabled {
		return s.scheduleJob(job)
	}
	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.RLock()
	s.logger.Info("scheduler started", "jobs_count", len(s.entries))
	s.mu.RUnlock()
}

// Stop stops the scheduler; the returned context is done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Jobs returns the registered jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// RunJobNow runs a job synchronously.
func (s *Scheduler) RunJobNow(ctx context.Context, name string) (*JobExecution, error) {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job %q not found", name)
	}
	return s.executeJob(ctx, job), nil
}

// GetNextRuns returns the next N runs for a job
func (s *Scheduler) GetNextRuns(name string, count int) []time.Time {
	s.mu.RLock()
	entryID, ok := s.entries[name]
	s.mu.RUnlock()

	if !ok {
		return nil
	}

	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}

	runs := make([]time.Time, 0, count)
	next := entry.Next
	if next.IsZero() {
		next = entry.Schedule.Next(time.Now())
	}
	for i := 0; i < count; i++ {
		runs = append(runs, next)
		next = entry.Schedule.Next(next)
	}

	return runs
}

// scheduleJob adds a job to the cron scheduler
func (s *Scheduler) scheduleJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[job.Name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, job.Name)
	}

	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.executeJob(context.Background(), job)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", job.Schedule, err)
	}

	s.entries[job.Name] = entryID

	entry := s.cron.Entry(entryID)
	nextRun := entry.Schedule.Next(time.Now())
	job.NextRun = &nextRun

	s.logger.Info("scheduled job",
		"job_name", job.Name,
		"schedule", job.Schedule,
		"next_run", nextRun)

	return nil
}

// executeJob executes a job
func (s *Scheduler) executeJob(ctx context.Context, job *Job) *JobExecution {
	startTime := time.Now()

	exec := &JobExecution{
		ID:        uuid.New(),
		JobName:   job.Name,
		Status:    StatusRunning,
		StartedAt: startTime,
	}

	if s.store != nil {
		if err := s.store.CreateExecution(ctx, exec); err != nil {
			s.logger.Error("failed to create execution record", "job_name", job.Name, "error", err)
		}
	}

	s.logger.Info("executing job",
		"job_name", job.Name,
		"execution_id", exec.ID)

	s.mu.RLock()
	handler, ok := s.handlers[job.JobType]
	s.mu.RUnlock()

	var (
		output string
		err    error
	)
	if !ok {
		err = fmt.Errorf("no handler registered for job type: %s", job.JobType)
	} else {
		output, err = handler(ctx, job)
	}

	endTime := time.Now()
	exec.EndedAt = &endTime
	exec.Output = output

	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
		s.logger.Error("job execution failed",
			"job_name", job.Name,
			"error", err,
			"duration", endTime.Sub(startTime))
	} else {
		exec.Status = StatusCompleted
		s.logger.Info("job execution completed",
			"job_name", job.Name,
			"output", output,
			"duration", endTime.Sub(startTime))
	}

	if s.store != nil {
		if err := s.store.UpdateExecution(ctx, exec); err != nil {
			s.logger.Error("failed to update execution record", "job_name", job.Name, "error", err)
		}
	}
	return exec
}
