// Package queue is a Redis-backed scan job queue. At most one job per source
// is queued or running at a time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/qualys/nhi/internal/metrics"
	"github.com/qualys/nhi/internal/models"
)

const (
	ScanJobsQueue      = "nhi:jobs:scan"
	ScanJobsProcessing = "nhi:jobs:processing"
	ScanJobsStats      = "nhi:jobs:stats"
	WorkerHeartbeatKey = "nhi:workers:heartbeat"
	SourceLockPrefix   = "nhi:job:source:"
)

const defaultLockTTL = 2 * time.Hour

// ErrAlreadyQueued is returned when a job for the same source is queued or running.
var ErrAlreadyQueued = errors.New("scan already queued for source")

// Trigger names who asked for a scan job.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerAPI      Trigger = "api"
	TriggerCLI      Trigger = "cli"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	// LockTTL releases a source whose worker died without completing its job.
	LockTTL time.Duration
}

type Queue struct {
	client  *redis.Client
	lockTTL time.Duration
}

func New(cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewWithClient(client, cfg.LockTTL), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, lockTTL time.Duration) *Queue {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Queue{client: client, lockTTL: lockTTL}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Job is one scan of one source. ScanID is set when the scan record was
// created by the submitter; otherwise the handler creates it.
type Job struct {
	ID        uuid.UUID    `json:"id"`
	SourceID  uuid.UUID    `json:"source_id"`
	ProjectID string       `json:"project_id"`
	ScanID    *uuid.UUID   `json:"scan_id,omitempty"`
	Trigger   Trigger      `json:"trigger"`
	Actor     models.Actor `json:"actor"`
	CreatedAt time.Time    `json:"created_at"`
}

func lockKey(sourceID uuid.UUID) string {
	return SourceLockPrefix + sourceID.String()
}

// Enqueue adds job unless its source already holds a job.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = time.Now()

	ok, err := q.client.SetNX(ctx, lockKey(job.SourceID), job.ID.String(), q.lockTTL).Result()
	if err != nil {
		metrics.ScanJobsEnqueued.WithLabelValues(string(job.Trigger), "error").Inc()
		return fmt.Errorf("locking source: %w", err)
	}
	if !ok {
		metrics.ScanJobsEnqueued.WithLabelValues(string(job.Trigger), "duplicate").Inc()
		return ErrAlreadyQueued
	}

	data, err := json.Marshal(job)
	if err != nil {
		q.client.Del(ctx, lockKey(job.SourceID))
		return fmt.Errorf("marshaling job: %w", err)
	}

	if err := q.client.ZAdd(ctx, ScanJobsQueue, redis.Z{
		Score:  float64(job.CreatedAt.UnixNano()),
		Member: string(data),
	}).Err(); err != nil {
		q.client.Del(ctx, lockKey(job.SourceID))
		metrics.ScanJobsEnqueued.WithLabelValues(string(job.Trigger), "error").Inc()
		return fmt.Errorf("enqueueing job: %w", err)
	}

	metrics.ScanJobsEnqueued.WithLabelValues(string(job.Trigger), "queued").Inc()
	return nil
}

// Dequeue pops the oldest job, or returns nil when the queue is empty. The
// job is recorded as processing by workerID of pool poolID; the pool's
// heartbeat keeps it from being cleaned up as stale.
func (q *Queue) Dequeue(ctx context.Context, poolID, workerID string) (*Job, error) {
	results, err := q.client.ZPopMin(ctx, ScanJobsQueue, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeuing job: %w", err)
	}

	if len(results) == 0 {
		return nil, nil
	}

	member, _ := results[0].Member.(string)
	var job Job
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}

	entry, _ := json.Marshal(processingEntry{Job: job, PoolID: poolID, WorkerID: workerID, StartedAt: time.Now()})
	if err := q.client.HSet(ctx, ScanJobsProcessing, job.ID.String(), string(entry)).Err(); err != nil {
		q.client.ZAdd(ctx, ScanJobsQueue, results[0])
		return nil, fmt.Errorf("marking job as processing: %w", err)
	}

	return &job, nil
}

type processingEntry struct {
	Job       Job       `json:"job"`
	PoolID    string    `json:"pool_id"`
	WorkerID  string    `json:"worker_id"`
	StartedAt time.Time `json:"started_at"`
}

// lastSeen is the later of the job's start and its pool's last heartbeat.
func (e processingEntry) lastSeen(heartbeats map[string]time.Time) time.Time {
	if hb, ok := heartbeats[e.PoolID]; ok && hb.After(e.StartedAt) {
		return hb
	}
	return e.StartedAt
}

// Complete releases the source and records the outcome. Failed jobs are not
// retried; the next schedule interval picks the source up again.
func (q *Queue) Complete(ctx context.Context, job *Job, success bool) error {
	field := "completed"
	if !success {
		field = "failed"
	}

	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, ScanJobsProcessing, job.ID.String())
	pipe.Del(ctx, lockKey(job.SourceID))
	pipe.HIncrBy(ctx, ScanJobsStats, field, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return nil
}

// IsQueued reports whether a job for sourceID is queued or running.
func (q *Queue) IsQueued(ctx context.Context, sourceID uuid.UUID) (bool, error) {
	n, err := q.client.Exists(ctx, lockKey(sourceID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking source lock: %w", err)
	}
	return n > 0, nil
}

func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	pending, err := q.client.ZCard(ctx, ScanJobsQueue).Result()
	if err != nil {
		return nil, fmt.Errorf("counting pending jobs: %w", err)
	}
	processing, err := q.client.HLen(ctx, ScanJobsProcessing).Result()
	if err != nil {
		return nil, fmt.Errorf("counting processing jobs: %w", err)
	}
	totals, err := q.client.HGetAll(ctx, ScanJobsStats).Result()
	if err != nil {
		return nil, fmt.Errorf("reading job stats: %w", err)
	}

	stats["pending"] = pending
	stats["processing"] = processing
	for _, k := range []string{"completed", "failed"} {
		v, _ := strconv.ParseInt(totals[k], 10, 64)
		stats[k] = v
	}

	return stats, nil
}

// Heartbeat records that pool poolID is alive.
func (q *Queue) Heartbeat(ctx context.Context, poolID string) error {
	return q.client.HSet(ctx, WorkerHeartbeatKey, poolID, time.Now().UnixMilli()).Err()
}

func (q *Queue) heartbeats(ctx context.Context) (map[string]time.Time, error) {
	raw, err := q.client.HGetAll(ctx, WorkerHeartbeatKey).Result()
	if err != nil {
		return nil, fmt.Errorf("getting workers: %w", err)
	}
	out := make(map[string]time.Time, len(raw))
	for poolID, lastSeen := range raw {
		ms, err := strconv.ParseInt(lastSeen, 10, 64)
		if err != nil {
			continue
		}
		out[poolID] = time.UnixMilli(ms)
	}
	return out, nil
}

// ActiveWorkers lists pools that sent a heartbeat within timeout.
func (q *Queue) ActiveWorkers(ctx context.Context, timeout time.Duration) ([]string, error) {
	heartbeats, err := q.heartbeats(ctx)
	if err != nil {
		return nil, err
	}

	var active []string
	cutoff := time.Now().Add(-timeout)
	for poolID, lastSeen := range heartbeats {
		if lastSeen.After(cutoff) {
			active = append(active, poolID)
		}
	}
	return active, nil
}

// CleanupStale drops processing entries whose pool has not sent a heartbeat
// within timeout, releasing their sources and counting them as failed. A job
// of a live pool is never cleaned, however long it runs.
func (q *Queue) CleanupStale(ctx context.Context, timeout time.Duration) (int, error) {
	entries, err := q.client.HGetAll(ctx, ScanJobsProcessing).Result()
	if err != nil {
		return 0, fmt.Errorf("getting processing jobs: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	heartbeats, err := q.heartbeats(ctx)
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, raw := range entries {
		var entry processingEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if time.Since(entry.lastSeen(heartbeats)) <= timeout {
			continue
		}
		if err := q.Complete(ctx, &entry.Job, false); err != nil {
			return cleaned, err
		}
		cleaned++
	}

	return cleaned, nil
}
