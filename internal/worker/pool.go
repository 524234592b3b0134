package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/core"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

// Pool runs a resizable set of workers against one queue.
type Pool struct {
	queue        core.JobQueue
	handlers     map[string]Handler
	telemetry    core.Telemetry
	pollInterval time.Duration
	logger       *logger.Logger

	mu      sync.RWMutex
	workers []*Worker
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewPool(queue core.JobQueue, handlers map[string]Handler, tel core.Telemetry, pollInterval time.Duration, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.NewNop()
	}
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	return &Pool{
		queue:        queue,
		handlers:     handlers,
		telemetry:    tel,
		pollInterval: pollInterval,
		logger:       log.WithComponent("worker_pool"),
	}
}

func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return fmt.Errorf("worker pool already started")
	}
	if workerCount < 1 {
		return fmt.Errorf("worker count must be >= 1, got %d", workerCount)
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Infow("Starting worker pool", "workers", workerCount)
	if err := p.growLocked(workerCount); err != nil {
		p.stopAllLocked()
		return err
	}
	p.logger.Infow("Worker pool started successfully", "workers", len(p.workers))
	return nil
}

func (p *Pool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return fmt.Errorf("worker pool not started")
	}
	p.logger.Info("Stopping worker pool")
	p.cancel()
	return p.stopAllLocked()
}

// Scale grows or shrinks the pool to workerCount workers. Removed workers
// finish their current job first.
func (p *Pool) Scale(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return fmt.Errorf("worker pool not started")
	}
	if workerCount < 0 {
		return fmt.Errorf("worker count must be >= 0, got %d", workerCount)
	}

	current := len(p.workers)
	switch {
	case workerCount == current:
		return nil
	case workerCount > current:
		p.logger.Infow("Scaling up worker pool", "from", current, "to", workerCount)
		if err := p.growLocked(workerCount); err != nil {
			return err
		}
	default:
		p.logger.Infow("Scaling down worker pool", "from", current, "to", workerCount)
		toStop := p.workers[workerCount:]
		p.workers = p.workers[:workerCount]
		if err := stopWorkers(toStop); err != nil {
			return fmt.Errorf("failed to stop workers: %w", err)
		}
	}
	p.logger.Infow("Worker pool scaled successfully", "workers", len(p.workers))
	return nil
}

func (p *Pool) Status() []*types.WorkerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	statuses := make([]*types.WorkerStatus, 0, len(p.workers))
	for _, w := range p.workers {
		statuses = append(statuses, w.Status())
	}
	return statuses
}

func (p *Pool) growLocked(target int) error {
	for i := len(p.workers); i < target; i++ {
		w := NewWorker(p.queue, p.handlers, p.telemetry, p.pollInterval, p.logger)
		if err := w.Start(p.ctx); err != nil {
			return fmt.Errorf("failed to start worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}
	return nil
}

func (p *Pool) stopAllLocked() error {
	err := stopWorkers(p.workers)
	p.workers = nil
	p.ctx = nil
	p.cancel = nil
	return err
}

func stopWorkers(workers []*Worker) error {
	g := new(errgroup.Group)
	for _, w := range workers {
		g.Go(w.Stop)
	}
	return g.Wait()
}
