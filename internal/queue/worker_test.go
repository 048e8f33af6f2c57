package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeSource struct {
	mu         sync.Mutex
	jobs       []*Job
	completed  map[uuid.UUID]bool
	done       chan struct{}
	want       int
	dequeuers  map[string]bool
	heartbeats map[string]int
}

func newFakeSource(jobs ...*Job) *fakeSource {
	return &fakeSource{
		jobs:       jobs,
		completed:  make(map[uuid.UUID]bool),
		done:       make(chan struct{}),
		want:       len(jobs),
		dequeuers:  make(map[string]bool),
		heartbeats: make(map[string]int),
	}
}

func (s *fakeSource) Dequeue(ctx context.Context, poolID, workerID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dequeuers[poolID] = true
	if len(s.jobs) == 0 {
		return nil, nil
	}
	job := s.jobs[0]
	s.jobs = s.jobs[1:]
	return job, nil
}

func (s *fakeSource) Complete(ctx context.Context, job *Job, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[job.ID] = success
	if len(s.completed) == s.want {
		close(s.done)
	}
	return nil
}

func (s *fakeSource) Heartbeat(ctx context.Context, poolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[poolID]++
	return nil
}

func TestPool_CompletesEveryJob(t *testing.T) {
	ok := &Job{ID: uuid.New(), SourceID: uuid.New()}
	failing := &Job{ID: uuid.New(), SourceID: uuid.New()}
	panicking := &Job{ID: uuid.New(), SourceID: uuid.New()}
	source := newFakeSource(ok, failing, panicking)

	handler := func(ctx context.Context, job *Job) error {
		switch job.ID {
		case failing.ID:
			return errors.New("scan failed")
		case panicking.ID:
			panic("boom")
		}
		return nil
	}

	pool := NewPool(source, handler, PoolConfig{Workers: 2, PollInterval: 10 * time.Millisecond}, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	select {
	case <-source.done:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs were not completed")
	}

	source.mu.Lock()
	defer source.mu.Unlock()
	if !source.completed[ok.ID] {
		t.Error("successful job should complete with success")
	}
	if source.completed[failing.ID] || source.completed[panicking.ID] {
		t.Error("failed and panicking jobs should complete as failed")
	}
}

func TestPool_StartTwice(t *testing.T) {
	pool := NewPool(newFakeSource(), func(context.Context, *Job) error { return nil }, PoolConfig{}, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()
	if err := pool.Start(context.Background()); err == nil {
		t.Error("expected error starting a running pool")
	}
}

func TestPool_HeartbeatsUnderDequeuePoolID(t *testing.T) {
	source := newFakeSource()
	pool := NewPool(source, func(context.Context, *Job) error { return nil },
		PoolConfig{Workers: 1, PollInterval: 5 * time.Millisecond, HeartbeatInterval: 10 * time.Millisecond}, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	pool.Stop()

	source.mu.Lock()
	defer source.mu.Unlock()
	if source.heartbeats[pool.ID()] < 2 {
		t.Errorf("heartbeats for %s = %d, want repeated beats", pool.ID(), source.heartbeats[pool.ID()])
	}
	if !source.dequeuers[pool.ID()] {
		t.Errorf("jobs were not dequeued under pool id %s: %v", pool.ID(), source.dequeuers)
	}
}
