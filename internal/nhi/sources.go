package nhi

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/qualys/nhi/internal/auth"
	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/queue"
)

type CreateSourceInput struct {
	Name         string              `json:"name"`
	Provider     models.Provider     `json:"provider"`
	ConnectionID uuid.UUID           `json:"connection_id"`
	ScanSchedule models.ScanSchedule `json:"scan_schedule"`
	Config       models.JSONB        `json:"config,omitempty"`
}

func (s *Service) CreateSource(ctx context.Context, actor models.Actor, projectID string, in CreateSourceInput) (*models.Source, error) {
	if err := s.authorize(ctx, actor, projectID, auth.ActionManage); err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, invalid("name is required")
	}
	if !s.providers[in.Provider] {
		return nil, invalid("unsupported provider %q", in.Provider)
	}
	if in.ScanSchedule == "" {
		in.ScanSchedule = models.ScanScheduleNone
	}
	if !in.ScanSchedule.Valid() {
		return nil, invalid("unknown scan schedule %q", in.ScanSchedule)
	}

	conn, err := s.store.GetConnection(ctx, in.ConnectionID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, invalid("connection %s not found", in.ConnectionID)
	}
	if err != nil {
		return nil, err
	}
	if conn.OrgID != actor.OrgID {
		return nil, invalid("connection %s not found", in.ConnectionID)
	}
	if conn.Provider != in.Provider {
		return nil, invalid("connection is for %s, not %s", conn.Provider, in.Provider)
	}

	src := &models.Source{
		ProjectID:    projectID,
		OrgID:        conn.OrgID,
		Name:         in.Name,
		Provider:     in.Provider,
		ConnectionID: conn.ID,
		Config:       in.Config,
		ScanSchedule: in.ScanSchedule,
		CreatedBy:    actor.ID,
	}
	if err := s.store.CreateSource(ctx, src); err != nil {
		return nil, err
	}
	s.logger.Info("source created", "source_id", src.ID, "project_id", projectID, "provider", src.Provider)
	return src, nil
}

// loadSource fetches a source and checks action on its project.
func (s *Service) loadSource(ctx context.Context, actor models.Actor, id uuid.UUID, action auth.Action) (*models.Source, error) {
	src, err := s.store.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, src.ProjectID, action); err != nil {
		return nil, err
	}
	return src, nil
}

func (s *Service) GetSource(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Source, error) {
	return s.loadSource(ctx, actor, id, auth.ActionRead)
}

func (s *Service) ListSources(ctx context.Context, actor models.Actor, projectID string) ([]models.Source, error) {
	if err := s.authorize(ctx, actor, projectID, auth.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListSources(ctx, projectID)
}

type UpdateSourceInput struct {
	Name         *string              `json:"name,omitempty"`
	ScanSchedule *models.ScanSchedule `json:"scan_schedule,omitempty"`
	Config       models.JSONB         `json:"config,omitempty"`
}

func (s *Service) UpdateSource(ctx context.Context, actor models.Actor, id uuid.UUID, in UpdateSourceInput) (*models.Source, error) {
	src, err := s.loadSource(ctx, actor, id, auth.ActionManage)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		if *in.Name == "" {
			return nil, invalid("name cannot be empty")
		}
		src.Name = *in.Name
	}
	if in.ScanSchedule != nil {
		if !in.ScanSchedule.Valid() {
			return nil, invalid("unknown scan schedule %q", *in.ScanSchedule)
		}
		src.ScanSchedule = *in.ScanSchedule
	}
	if in.Config != nil {
		src.Config = in.Config
	}
	if err := s.store.UpdateSource(ctx, src); err != nil {
		return nil, err
	}
	return src, nil
}

func (s *Service) DeleteSource(ctx context.Context, actor models.Actor, id uuid.UUID) error {
	if _, err := s.loadSource(ctx, actor, id, auth.ActionManage); err != nil {
		return err
	}
	return s.store.DeleteSource(ctx, id)
}

// TriggerScan records a scan in the scanning state and queues it. At most
// one scan per source is queued or running.
func (s *Service) TriggerScan(ctx context.Context, actor models.Actor, sourceID uuid.UUID, trigger queue.Trigger) (*models.Scan, error) {
	src, err := s.loadSource(ctx, actor, sourceID, auth.ActionScan)
	if err != nil {
		return nil, err
	}

	queued, err := s.queue.IsQueued(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	if queued {
		return nil, ErrScanAlreadyQueued
	}

	scan := &models.Scan{
		ID:          uuid.New(),
		SourceID:    src.ID,
		ProjectID:   src.ProjectID,
		Status:      models.ScanStatusScanning,
		TriggeredBy: actor.ID,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateScan(ctx, scan); err != nil {
		return nil, err
	}

	err = s.queue.Enqueue(ctx, &queue.Job{
		SourceID:  src.ID,
		ProjectID: src.ProjectID,
		ScanID:    &scan.ID,
		Trigger:   trigger,
		Actor:     actor,
	})
	if err != nil {
		msg := "scan could not be queued"
		if errors.Is(err, queue.ErrAlreadyQueued) {
			msg = "scan already queued"
		}
		if _, ferr := s.store.FinishScan(ctx, scan.ID, models.ScanStatusFailed, 0, &msg); ferr != nil {
			s.logger.Error("failing unqueued scan", "scan_id", scan.ID, "error", ferr)
		}
		if errors.Is(err, queue.ErrAlreadyQueued) {
			return nil, ErrScanAlreadyQueued
		}
		return nil, fmt.Errorf("queueing scan: %w", err)
	}

	if err := s.store.UpdateSourceScanResult(ctx, src.ID, models.SourceScanUpdate{Status: models.ScanStatusScanning}); err != nil {
		s.logger.Warn("marking source scanning", "source_id", src.ID, "error", err)
	}
	s.logger.Info("scan queued", "scan_id", scan.ID, "source_id", src.ID, "actor_id", actor.ID)
	return scan, nil
}

func (s *Service) ListScans(ctx context.Context, actor models.Actor, sourceID uuid.UUID, limit int) ([]models.Scan, error) {
	if _, err := s.loadSource(ctx, actor, sourceID, auth.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListScans(ctx, sourceID, limit)
}

func (s *Service) GetScan(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Scan, error) {
	scan, err := s.store.GetScan(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, scan.ProjectID, auth.ActionRead); err != nil {
		return nil, err
	}
	return scan, nil
}
