package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/orchestrator"
	"github.com/qualys/nhi/internal/queue"
)

// SourceStore is the persistence scheduled scans need.
type SourceStore interface {
	// FindDueForScan returns sources with a schedule whose last scheduled
	// scan is unset or older than the schedule interval at now.
	FindDueForScan(ctx context.Context, now time.Time) ([]models.Source, error)
	GetSource(ctx context.Context, id uuid.UUID) (*models.Source, error)
	CreateScan(ctx context.Context, scan *models.Scan) error
	UpdateSourceScanResult(ctx context.Context, sourceID uuid.UUID, update models.SourceScanUpdate) error
	MarkScheduledScan(ctx context.Context, sourceID uuid.UUID, at time.Time) error
}

// Enqueuer submits scan jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// Scanner runs one scan to completion.
type Scanner interface {
	PerformScan(ctx context.Context, sourceID, scanID uuid.UUID, actor models.Actor) *orchestrator.Outcome
}

// Scans connects the cron tick and the queue workers to the orchestrator.
type Scans struct {
	store   SourceStore
	queue   Enqueuer
	scanner Scanner
	logger  *slog.Logger
	now     func() time.Time
}

func NewScans(store SourceStore, queue Enqueuer, scanner Scanner, logger *slog.Logger) *Scans {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scans{store: store, queue: queue, scanner: scanner, logger: logger, now: time.Now}
}

// Register installs the due-scan handler on s.
func (sc *Scans) Register(s *Scheduler) {
	s.RegisterHandler(JobTypeEnqueueDueScans, func(ctx context.Context, job *Job) (string, error) {
		n, err := sc.EnqueueDue(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("enqueued %d scans", n), nil
	})
}

// EnqueueDue submits one job per due source. Sources already queued are skipped.
func (sc *Scans) EnqueueDue(ctx context.Context) (int, error) {
	sources, err := sc.store.FindDueForScan(ctx, sc.now())
	if err != nil {
		return 0, fmt.Errorf("finding sources due for scan: %w", err)
	}

	enqueued := 0
	for _, src := range sources {
		err := sc.queue.Enqueue(ctx, &queue.Job{
			SourceID:  src.ID,
			ProjectID: src.ProjectID,
			Trigger:   queue.TriggerSchedule,
		})
		switch {
		case err == nil:
			enqueued++
		case errors.Is(err, queue.ErrAlreadyQueued):
			sc.logger.Debug("source already queued", "source_id", src.ID)
		default:
			sc.logger.Error("enqueueing scheduled scan", "source_id", src.ID, "error", err)
		}
	}

	sc.logger.Info("scheduled scans enqueued", "due", len(sources), "enqueued", enqueued)
	return enqueued, nil
}

// ScheduleActor is the identity scheduled scans run as.
func ScheduleActor(src *models.Source) models.Actor {
	return models.Actor{
		Type:       models.ActorTypeSchedule,
		ID:         src.CreatedBy,
		OrgID:      src.OrgID,
		AuthMethod: "schedule",
	}
}

// Handle runs a queued scan job. Scheduled jobs always stamp the source's
// last scheduled scan time, whatever the outcome.
func (sc *Scans) Handle(ctx context.Context, job *queue.Job) error {
	if job.Trigger == queue.TriggerSchedule {
		defer func() {
			stampCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := sc.store.MarkScheduledScan(stampCtx, job.SourceID, sc.now()); err != nil {
				sc.logger.Error("stamping last scheduled scan", "source_id", job.SourceID, "error", err)
			}
		}()
	}

	src, err := sc.store.GetSource(ctx, job.SourceID)
	if err != nil {
		return fmt.Errorf("loading source %s: %w", job.SourceID, err)
	}

	scanID := uuid.Nil
	if job.ScanID != nil {
		scanID = *job.ScanID
	} else {
		scan := &models.Scan{
			ID:          uuid.New(),
			SourceID:    src.ID,
			ProjectID:   src.ProjectID,
			Status:      models.ScanStatusScanning,
			TriggeredBy: string(job.Trigger),
			CreatedAt:   sc.now(),
		}
		if err := sc.store.CreateScan(ctx, scan); err != nil {
			return fmt.Errorf("creating scan: %w", err)
		}
		if err := sc.store.UpdateSourceScanResult(ctx, src.ID, models.SourceScanUpdate{Status: models.ScanStatusScanning}); err != nil {
			sc.logger.Warn("marking source scanning", "source_id", src.ID, "error", err)
		}
		scanID = scan.ID
	}

	actor := job.Actor
	if actor.ID == "" {
		actor = ScheduleActor(src)
	}

	outcome := sc.scanner.PerformScan(ctx, src.ID, scanID, actor)
	if outcome.Status == models.ScanStatusFailed {
		return fmt.Errorf("scan %s failed: %s", scanID, outcome.Message)
	}
	return nil
}
