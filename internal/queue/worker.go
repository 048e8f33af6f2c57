package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Source is the queue side a worker pool consumes.
type Source interface {
	Dequeue(ctx context.Context, poolID, workerID string) (*Job, error)
	Complete(ctx context.Context, job *Job, success bool) error
	Heartbeat(ctx context.Context, poolID string) error
}

// Handler runs one job. It owns error containment: a returned error only
// marks the job failed in queue stats.
type Handler func(ctx context.Context, job *Job) error

type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
	// JobTimeout bounds a single job. Zero means no bound.
	JobTimeout time.Duration
	// HeartbeatInterval is how often the pool reports itself alive. It must
	// stay well below the stale worker timeout.
	HeartbeatInterval time.Duration
}

// Pool runs Workers goroutines that pull jobs from a Source.
type Pool struct {
	id      string
	source  Source
	handler Handler
	cfg     PoolConfig
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

func NewPool(source Source, handler Handler, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	hostname, _ := os.Hostname()
	return &Pool{
		id:      fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		source:  source,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
	}
}

func (p *Pool) ID() string {
	return p.id
}

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool already running")
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.logger.Info("worker pool starting", "pool_id", p.id, "workers", p.cfg.Workers)

	p.wg.Add(1)
	go p.heartbeatLoop(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s/%d", p.id, i)
		p.wg.Add(1)
		go p.processLoop(ctx, workerID)
	}
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", "pool_id", p.id)
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped", "pool_id", p.id)
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := p.source.Heartbeat(ctx, p.id); err != nil && ctx.Err() == nil {
			p.logger.Warn("worker heartbeat failed", "pool_id", p.id, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) processLoop(ctx context.Context, workerID string) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.source.Dequeue(ctx, p.id, workerID)
		if err != nil {
			p.logger.Error("dequeuing job", "worker_id", workerID, "error", err)
			p.sleep(ctx, 5*p.cfg.PollInterval)
			continue
		}
		if job == nil {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		p.run(ctx, workerID, job)
	}
}

func (p *Pool) run(ctx context.Context, workerID string, job *Job) {
	logger := p.logger.With("worker_id", workerID, "job_id", job.ID, "source_id", job.SourceID, "trigger", job.Trigger)
	logger.Info("processing scan job")

	jobCtx := ctx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	err := p.safeHandle(jobCtx, job)
	if err != nil {
		logger.Error("scan job failed", "error", err)
	} else {
		logger.Info("scan job completed")
	}

	// Completion must release the source even when ctx was cancelled.
	completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if cerr := p.source.Complete(completeCtx, job, err == nil); cerr != nil {
		logger.Error("completing job", "error", cerr)
	}
}

func (p *Pool) safeHandle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
