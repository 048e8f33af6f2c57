package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// testQueue connects to TEST_REDIS_ADDR and flushes the selected database.
func testQueue(t *testing.T) *Queue {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping redis test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flushing redis: %v", err)
	}
	q := NewWithClient(client, time.Minute)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueue_PerSourceKey(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	sourceID := uuid.New()

	first := &Job{SourceID: sourceID, Trigger: TriggerSchedule}
	if err := q.Enqueue(ctx, first); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, &Job{SourceID: sourceID, Trigger: TriggerAPI}); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
	if err := q.Enqueue(ctx, &Job{SourceID: uuid.New(), Trigger: TriggerSchedule}); err != nil {
		t.Fatalf("other source should enqueue: %v", err)
	}

	job, err := q.Dequeue(ctx, "pool-a", "pool-a/0")
	if err != nil || job == nil {
		t.Fatalf("Dequeue = %v, %v", job, err)
	}
	if job.ID != first.ID {
		t.Error("expected oldest job first")
	}

	// Still locked while running.
	if queued, _ := q.IsQueued(ctx, sourceID); !queued {
		t.Error("running job should keep the source locked")
	}

	if err := q.Complete(ctx, job, false); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := q.Enqueue(ctx, &Job{SourceID: sourceID, Trigger: TriggerSchedule}); err != nil {
		t.Fatalf("completed source should enqueue again: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["pending"] != 2 || stats["processing"] != 0 || stats["failed"] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestQueue_CleanupStale(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	sourceID := uuid.New()

	if err := q.Enqueue(ctx, &Job{SourceID: sourceID}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Dequeue(ctx, "pool-a", "pool-a/0"); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	n, err := q.CleanupStale(ctx, -time.Second)
	if err != nil || n != 1 {
		t.Fatalf("CleanupStale = %d, %v", n, err)
	}
	if queued, _ := q.IsQueued(ctx, sourceID); queued {
		t.Error("stale job should release its source")
	}
}

func TestQueue_CleanupStaleSparesLivePools(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	live := uuid.New()
	dead := uuid.New()

	if err := q.Enqueue(ctx, &Job{SourceID: live, Trigger: TriggerSchedule}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Dequeue(ctx, "pool-a", "pool-a/0"); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if err := q.Enqueue(ctx, &Job{SourceID: dead, Trigger: TriggerSchedule}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Dequeue(ctx, "pool-b", "pool-b/0"); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	// Both jobs outlive the timeout; only pool-a keeps sending heartbeats.
	time.Sleep(300 * time.Millisecond)
	if err := q.Heartbeat(ctx, "pool-a"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	n, err := q.CleanupStale(ctx, 200*time.Millisecond)
	if err != nil || n != 1 {
		t.Fatalf("CleanupStale = %d, %v, want 1", n, err)
	}
	if err := q.Enqueue(ctx, &Job{SourceID: live, Trigger: TriggerAPI}); !errors.Is(err, ErrAlreadyQueued) {
		t.Errorf("running job of a live pool lost its source lock: %v", err)
	}
	if err := q.Enqueue(ctx, &Job{SourceID: dead, Trigger: TriggerAPI}); err != nil {
		t.Errorf("job of a dead pool should release its source: %v", err)
	}

	active, err := q.ActiveWorkers(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ActiveWorkers failed: %v", err)
	}
	if len(active) != 1 || active[0] != "pool-a" {
		t.Errorf("active workers = %v", active)
	}
}
