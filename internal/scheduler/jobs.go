package scheduler

import (
	"context"
	"fmt"
	"time"
)

// StaleCleaner releases queue jobs whose worker stopped reporting.
type StaleCleaner interface {
	CleanupStale(ctx context.Context, timeout time.Duration) (int, error)
}

// RegisterCleanup installs the stale-job handler on s.
func RegisterCleanup(s *Scheduler, cleaner StaleCleaner, timeout time.Duration) {
	s.RegisterHandler(JobTypeCleanupStale, func(ctx context.Context, job *Job) (string, error) {
		n, err := cleaner.CleanupStale(ctx, timeout)
		if err != nil {
			return "", fmt.Errorf("cleaning stale jobs: %w", err)
		}
		return fmt.Sprintf("released %d stale jobs", n), nil
	})
}

// DefaultJobs are the periodic jobs of the server: the due-scan sweep on
// tick and the stale-job cleanup on cleanupTick.
func DefaultJobs(tick, cleanupTick string) []*Job {
	return []*Job{
		{Name: "enqueue-due-scans", Schedule: tick, JobType: JobTypeEnqueueDueScans, Enabled: true},
		{Name: "cleanup-stale-jobs", Schedule: cleanupTick, JobType: JobTypeCleanupStale, Enabled: true},
	}
}
