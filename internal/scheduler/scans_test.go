package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/orchestrator"
	"github.com/qualys/nhi/internal/queue"
)

type fakeSourceStore struct {
	due       []models.Source
	sources   map[uuid.UUID]*models.Source
	scans     []models.Scan
	updates   []models.SourceScanUpdate
	stamped   map[uuid.UUID]time.Time
	createErr error
}

func newFakeSourceStore(sources ...models.Source) *fakeSourceStore {
	s := &fakeSourceStore{sources: make(map[uuid.UUID]*models.Source), stamped: make(map[uuid.UUID]time.Time)}
	for i := range sources {
		s.sources[sources[i].ID] = &sources[i]
	}
	return s
}

func (s *fakeSourceStore) FindDueForScan(ctx context.Context, now time.Time) ([]models.Source, error) {
	return s.due, nil
}

func (s *fakeSourceStore) GetSource(ctx context.Context, id uuid.UUID) (*models.Source, error) {
	src, ok := s.sources[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return src, nil
}

func (s *fakeSourceStore) CreateScan(ctx context.Context, scan *models.Scan) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.scans = append(s.scans, *scan)
	return nil
}

func (s *fakeSourceStore) UpdateSourceScanResult(ctx context.Context, sourceID uuid.UUID, update models.SourceScanUpdate) error {
	s.updates = append(s.updates, update)
	return nil
}

func (s *fakeSourceStore) MarkScheduledScan(ctx context.Context, sourceID uuid.UUID, at time.Time) error {
	s.stamped[sourceID] = at
	return nil
}

type fakeEnqueuer struct {
	queued map[uuid.UUID]bool
	jobs   []*queue.Job
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, job *queue.Job) error {
	if e.queued[job.SourceID] {
		return queue.ErrAlreadyQueued
	}
	e.queued[job.SourceID] = true
	e.jobs = append(e.jobs, job)
	return nil
}

type fakeScanner struct {
	status models.ScanStatus
	actor  models.Actor
	scanID uuid.UUID
}

func (f *fakeScanner) PerformScan(ctx context.Context, sourceID, scanID uuid.UUID, actor models.Actor) *orchestrator.Outcome {
	f.actor = actor
	f.scanID = scanID
	return &orchestrator.Outcome{ScanID: scanID, Status: f.status, Message: "boom"}
}

func testSource() models.Source {
	return models.Source{
		ID:           uuid.New(),
		ProjectID:    "proj",
		OrgID:        "org-1",
		CreatedBy:    "user-7",
		ScanSchedule: models.ScanScheduleDaily,
	}
}

func TestScans_EnqueueDue_SkipsQueuedSources(t *testing.T) {
	a, b := testSource(), testSource()
	store := newFakeSourceStore(a, b)
	store.due = []models.Source{a, b}
	enq := &fakeEnqueuer{queued: map[uuid.UUID]bool{b.ID: true}}

	n, err := NewScans(store, enq, &fakeScanner{}, nil).EnqueueDue(context.Background())
	if err != nil {
		t.Fatalf("EnqueueDue failed: %v", err)
	}
	if n != 1 || len(enq.jobs) != 1 || enq.jobs[0].SourceID != a.ID {
		t.Errorf("enqueued %d jobs: %+v", n, enq.jobs)
	}
	if enq.jobs[0].Trigger != queue.TriggerSchedule {
		t.Errorf("trigger = %s", enq.jobs[0].Trigger)
	}
}

func TestScans_Handle_ScheduledJob(t *testing.T) {
	for _, status := range []models.ScanStatus{models.ScanStatusCompleted, models.ScanStatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			src := testSource()
			store := newFakeSourceStore(src)
			scanner := &fakeScanner{status: status}
			sc := NewScans(store, &fakeEnqueuer{}, scanner, nil)

			err := sc.Handle(context.Background(), &queue.Job{SourceID: src.ID, Trigger: queue.TriggerSchedule})
			if (err != nil) != (status == models.ScanStatusFailed) {
				t.Errorf("Handle error = %v for status %s", err, status)
			}

			if len(store.scans) != 1 || store.scans[0].Status != models.ScanStatusScanning {
				t.Fatalf("expected one scanning scan record, got %+v", store.scans)
			}
			if scanner.scanID != store.scans[0].ID {
				t.Error("orchestrator got a different scan id")
			}
			if len(store.updates) != 1 || store.updates[0].Status != models.ScanStatusScanning {
				t.Errorf("source not marked scanning: %+v", store.updates)
			}
			if scanner.actor.Type != models.ActorTypeSchedule || scanner.actor.ID != "user-7" || scanner.actor.OrgID != "org-1" {
				t.Errorf("unexpected actor %+v", scanner.actor)
			}
			if _, ok := store.stamped[src.ID]; !ok {
				t.Error("last scheduled scan not stamped")
			}
		})
	}
}

func TestScans_Handle_StampsWhenSourceMissing(t *testing.T) {
	store := newFakeSourceStore()
	sourceID := uuid.New()
	sc := NewScans(store, &fakeEnqueuer{}, &fakeScanner{}, nil)

	if err := sc.Handle(context.Background(), &queue.Job{SourceID: sourceID, Trigger: queue.TriggerSchedule}); err == nil {
		t.Fatal("expected error for missing source")
	}
	if _, ok := store.stamped[sourceID]; !ok {
		t.Error("scheduled job must stamp even when it fails early")
	}
}

func TestScans_Handle_APIJobUsesExistingScan(t *testing.T) {
	src := testSource()
	store := newFakeSourceStore(src)
	scanner := &fakeScanner{status: models.ScanStatusCompleted}
	scanID := uuid.New()
	actor := models.Actor{Type: models.ActorTypeUser, ID: "alice", OrgID: "org-1"}

	err := NewScans(store, &fakeEnqueuer{}, scanner, nil).Handle(context.Background(),
		&queue.Job{SourceID: src.ID, ScanID: &scanID, Trigger: queue.TriggerAPI, Actor: actor})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(store.scans) != 0 {
		t.Error("existing scan should be reused")
	}
	if scanner.scanID != scanID || scanner.actor != actor {
		t.Errorf("orchestrator got scan %s actor %+v", scanner.scanID, scanner.actor)
	}
	if len(store.stamped) != 0 {
		t.Error("api scans must not stamp the scheduled time")
	}
}
