package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/core"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

const (
	defaultPollInterval = time.Second
	errorBackoff        = 5 * time.Second
	metricsInterval     = 30 * time.Second
	stopTimeout         = 30 * time.Second
)

type heartbeater interface {
	Heartbeat(ctx context.Context, status *types.WorkerStatus) error
}

// Worker pulls jobs off the queue one at a time and dispatches them to
// the handler registered for the job type.
type Worker struct {
	id           string
	hostname     string
	queue        core.JobQueue
	handlers     map[string]Handler
	telemetry    core.Telemetry
	logger       *logger.Logger
	pollInterval time.Duration

	statusMu sync.RWMutex
	status   types.WorkerStatus

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func NewWorker(queue core.JobQueue, handlers map[string]Handler, telemetry core.Telemetry, pollInterval time.Duration, log *logger.Logger) *Worker {
	id := uuid.New().String()
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Worker{
		id:           id,
		hostname:     hostname,
		queue:        queue,
		handlers:     handlers,
		telemetry:    telemetry,
		logger:       log.WithComponent("worker").WithFields("worker_id", id, "hostname", hostname),
		pollInterval: pollInterval,
		status:       types.WorkerStatus{Status: "idle"},
		done:         make(chan struct{}),
	}
}

func (w *Worker) ID() string { return w.id }

// Start runs the worker loop in the background until Stop or ctx ends.
func (w *Worker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return fmt.Errorf("worker %s already started", w.id)
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.updateStatus("active", "")
	w.telemetry.RecordWorkerMetrics(w.Status())
	w.logger.Infow("Worker started")

	go func() {
		defer close(w.done)
		defer func() {
			if r := recover(); r != nil {
				w.logger.LogPanic(ctx, r, "worker.run")
			}
		}()
		w.run(ctx)
	}()
	return nil
}

// Stop cancels the loop and waits for the current job to unwind.
func (w *Worker) Stop() error {
	if w.cancel == nil {
		return nil
	}
	w.stopOnce.Do(w.stop)
	return nil
}

func (w *Worker) stop() {
	w.cancel()

	select {
	case <-w.done:
		w.logger.Infow("Worker stopped gracefully", "jobs_completed", w.Status().JobsComplete)
	case <-time.After(stopTimeout):
		w.logger.Warnw("Worker stop timeout - abandoning current job",
			"timeout_ms", stopTimeout.Milliseconds(),
			"current_job", w.Status().CurrentJob,
		)
	}
	w.updateStatus("stopped", "")
	w.telemetry.RecordWorkerMetrics(w.Status())
}

func (w *Worker) Status() *types.WorkerStatus {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()

	status := w.status
	status.ID = w.id
	status.Hostname = w.hostname
	return &status
}

func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := w.Status()
			if hb, ok := w.queue.(heartbeater); ok {
				if err := hb.Heartbeat(ctx, status); err != nil {
					w.logger.LogError(ctx, err, "worker.heartbeat")
				}
			}
			w.logger.Debugw("Worker metrics update",
				"status", status.Status,
				"jobs_complete", status.JobsComplete,
				"current_job", status.CurrentJob,
			)
		default:
		}

		processed, err := w.processNext(ctx)
		if err != nil {
			w.logger.LogError(ctx, err, "worker.processNext")
			if !sleep(ctx, errorBackoff) {
				return
			}
			continue
		}
		if !processed && !sleep(ctx, w.pollInterval) {
			return
		}
	}
}

// processNext handles at most one job. It reports false when the queue
// was empty.
func (w *Worker) processNext(ctx context.Context) (bool, error) {
	job, err := w.queue.Pop(ctx, w.id)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to pop job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	start := time.Now()
	jobCtx, span := w.logger.StartOperation(ctx, "worker.job."+job.Type,
		"job_id", job.ID,
		"job_type", job.Type,
		"attempts", job.Attempts,
	)
	w.updateStatus("processing", job.ID)
	defer w.updateStatus("active", "")

	execErr := w.execute(jobCtx, job)
	duration := time.Since(start)

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		span.End()
		w.logger.LogError(jobCtx, execErr, "worker.execute",
			"job_id", job.ID,
			"job_type", job.Type,
			"duration_ms", duration.Milliseconds(),
		)
		// The job outlives a cancelled worker context.
		if err := w.queue.Fail(context.WithoutCancel(ctx), job.ID, execErr.Error()); err != nil {
			return true, fmt.Errorf("failed to mark job %s failed: %w", job.ID, err)
		}
		return true, nil
	}

	span.SetStatus(codes.Ok, "completed")
	span.End()
	if err := w.queue.Complete(context.WithoutCancel(ctx), job.ID); err != nil {
		return true, fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	w.incrementJobsComplete()
	w.logger.Infow("Job completed",
		"job_id", job.ID,
		"job_type", job.Type,
		"duration_ms", duration.Milliseconds(),
	)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *types.Job) (err error) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler for job type %q", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.LogPanic(ctx, r, "worker.execute", "job_id", job.ID)
			err = fmt.Errorf("job handler %s panicked: %v", job.Type, r)
		}
	}()
	return handler(ctx, job)
}

func (w *Worker) updateStatus(status, currentJob string) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	w.status.Status = status
	w.status.CurrentJob = currentJob
	w.status.LastPing = time.Now()
}

func (w *Worker) incrementJobsComplete() {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	w.status.JobsComplete++
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
