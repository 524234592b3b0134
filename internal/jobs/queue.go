package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/config"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/core"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

const (
	queuePending    = "webprobe:queue:pending"
	queueProcessing = "webprobe:queue:processing"
	queueFailed     = "webprobe:queue:failed"
	jobPrefix       = "webprobe:job:"
	workerPrefix    = "webprobe:worker:"

	jobTTL = 24 * time.Hour
)

var ErrJobNotFound = errors.New("job not found")

// RedisQueue is a priority job queue on a redis sorted set. Higher
// priorities pop first; equal priorities pop in submission order.
type RedisQueue struct {
	client     *redis.Client
	maxRetries int
	logger     *logger.Logger
}

var _ core.JobQueue = (*RedisQueue)(nil)

func NewRedisQueue(cfg config.RedisConfig, maxRetries int, log *logger.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisQueueFromClient(client, maxRetries, log), nil
}

func NewRedisQueueFromClient(client *redis.Client, maxRetries int, log *logger.Logger) *RedisQueue {
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisQueue{client: client, maxRetries: maxRetries, logger: log.WithComponent("jobs")}
}

// score orders by descending priority, then ascending enqueue time.
func score(job *types.Job) float64 {
	return float64(-job.Priority)*1e10 + float64(job.UpdatedAt.Unix())
}

func (q *RedisQueue) load(ctx context.Context, jobID string) (*types.Job, error) {
	data, err := q.client.Get(ctx, jobPrefix+jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job data: %w", err)
	}
	var job types.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func encode(job *types.Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

func (q *RedisQueue) Push(ctx context.Context, job *types.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = types.JobStatusPending
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt

	data, err := encode(job)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobPrefix+job.ID, data, jobTTL)
	pipe.ZAdd(ctx, queuePending, redis.Z{Score: score(job), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	q.logger.Debugw("Job enqueued", "job_id", job.ID, "type", job.Type, "priority", job.Priority)
	return nil
}

// Pop claims the next pending job for workerID. It returns nil, nil when
// the queue is empty.
func (q *RedisQueue) Pop(ctx context.Context, workerID string) (*types.Job, error) {
	members, err := q.client.ZPopMin(ctx, queuePending, 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	jobID, ok := members[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected queue member %v", members[0].Member)
	}

	job, err := q.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Status = types.JobStatusRunning
	job.UpdatedAt = time.Now()

	data, err := encode(job)
	if err != nil {
		return nil, err
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobPrefix+jobID, data, jobTTL)
	pipe.HSet(ctx, queueProcessing, jobID, workerID)
	pipe.Set(ctx, workerPrefix+workerID+":current", jobID, time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		q.client.ZAdd(ctx, queuePending, redis.Z{Score: members[0].Score, Member: jobID})
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}
	return job, nil
}

func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = types.JobStatusCompleted
	job.UpdatedAt = time.Now()

	data, err := encode(job)
	if err != nil {
		return err
	}
	workerID, _ := q.client.HGet(ctx, queueProcessing, jobID).Result()

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobPrefix+jobID, data, jobTTL)
	pipe.HDel(ctx, queueProcessing, jobID)
	if workerID != "" {
		pipe.Del(ctx, workerPrefix+workerID+":current")
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Fail records reason against the job. The job goes back on the pending
// queue until it has been attempted maxRetries times.
func (q *RedisQueue) Fail(ctx context.Context, jobID string, reason string) error {
	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}
	job.Attempts++
	job.Error = reason
	job.UpdatedAt = time.Now()

	retry := job.Attempts < q.maxRetries
	if retry {
		job.Status = types.JobStatusPending
	} else {
		job.Status = types.JobStatusFailed
	}

	data, err := encode(job)
	if err != nil {
		return err
	}
	workerID, _ := q.client.HGet(ctx, queueProcessing, jobID).Result()

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobPrefix+jobID, data, jobTTL)
	pipe.HDel(ctx, queueProcessing, jobID)
	if retry {
		pipe.ZAdd(ctx, queuePending, redis.Z{Score: score(job), Member: jobID})
	} else {
		pipe.ZAdd(ctx, queueFailed, redis.Z{Score: float64(job.UpdatedAt.Unix()), Member: jobID})
	}
	if workerID != "" {
		pipe.Del(ctx, workerPrefix+workerID+":current")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	q.logger.Warnw("Job failed",
		"job_id", jobID,
		"attempts", job.Attempts,
		"requeued", retry,
		"error", reason,
	)
	return nil
}

// Retry moves a job off the failed set back onto the pending queue.
func (q *RedisQueue) Retry(ctx context.Context, jobID string) error {
	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != types.JobStatusFailed {
		return fmt.Errorf("job %s is %s, only failed jobs can be retried", jobID, job.Status)
	}
	job.Status = types.JobStatusPending
	job.Attempts = 0
	job.UpdatedAt = time.Now()

	data, err := encode(job)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobPrefix+jobID, data, jobTTL)
	pipe.ZRem(ctx, queueFailed, jobID)
	pipe.ZAdd(ctx, queuePending, redis.Z{Score: score(job), Member: jobID})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) GetStatus(ctx context.Context, jobID string) (*types.Job, error) {
	return q.load(ctx, jobID)
}

// Pending lists queued jobs in pop order.
func (q *RedisQueue) Pending(ctx context.Context) ([]*types.Job, error) {
	ids, err := q.client.ZRange(ctx, queuePending, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending jobs: %w", err)
	}
	out := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil {
			q.logger.Debugw("Skipping expired job", "job_id", id, "error", err)
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// QueueStats counts the jobs in each queue.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
}

func (q *RedisQueue) Stats(ctx context.Context) (*QueueStats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, queuePending)
	processing := pipe.HLen(ctx, queueProcessing)
	failed := pipe.ZCard(ctx, queueFailed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return &QueueStats{Pending: pending.Val(), Processing: processing.Val(), Failed: failed.Val()}, nil
}

// Heartbeat records a worker's status with a short expiry.
func (q *RedisQueue) Heartbeat(ctx context.Context, status *types.WorkerStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, workerPrefix+status.ID+":status", data, time.Minute).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
