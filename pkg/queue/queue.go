// Package queue carries extraction jobs from producers (the CLI enqueue
// command) to the single-concurrency worker through asynq.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// TaskTypeDocumentExtract 文档抽取任务类型
const TaskTypeDocumentExtract = "document:extract"

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"

	statusKeyPrefix = "job_status:"
)

// Queues is the weighted queue set consumed by the worker.
var Queues = map[string]int{
	QueueCritical: 6,
	QueueDefault:  3,
	QueueLow:      1,
}

var ErrJobNotFound = errors.New("job not found")

// Queue 接口定义
type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	GetJobStatus(ctx context.Context, jobID string) (*JobStatus, error)
	CancelJob(ctx context.Context, jobID string) error
	SaveFinalStatus(ctx context.Context, status *JobStatus) error
}

// Job 定义抽取任务: the source document lives in object storage under ObjectKey.
type Job struct {
	ID          string            `json:"id"`
	Filename    string            `json:"filename"`
	ContentType string            `json:"contentType"`
	ObjectKey   string            `json:"objectKey"`
	Priority    int               `json:"priority"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Validate checks the fields the worker depends on.
func (j *Job) Validate() error {
	switch {
	case j.ID == "":
		return errors.New("missing job id")
	case j.Filename == "":
		return errors.New("missing filename")
	case j.ObjectKey == "":
		return errors.New("missing object key")
	}
	return nil
}

// JobStatus 定义任务状态
type JobStatus struct {
	JobID      string    `json:"jobId"`
	Status     string    `json:"status"`
	LocalID    string    `json:"localId,omitempty"`
	TaskID     string    `json:"taskId,omitempty"`
	Tables     []string  `json:"tables,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// QueueConfig 定义队列配置
type QueueConfig struct {
	RedisAddr      string
	RedisDB        int
	MaxRetries     int
	ProcessTimeout time.Duration
	StatusTTL      time.Duration
}

// AsynqQueue 实现
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	redis     *redis.Client
	cfg       QueueConfig
}

var _ Queue = (*AsynqQueue)(nil)

// NewAsynqQueue 创建新的队列实例
func NewAsynqQueue(cfg QueueConfig) *AsynqQueue {
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 24 * time.Hour
	}
	redisOpt := asynq.RedisClientOpt{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	}
	return &AsynqQueue{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		redis: redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		}),
		cfg: cfg,
	}
}

// NewExtractTask builds the asynq task for job, routed by priority.
func NewExtractTask(job *Job, maxRetries int, timeout time.Duration) (*asynq.Task, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	opts := []asynq.Option{
		asynq.TaskID(job.ID),
		asynq.MaxRetry(maxRetries),
		asynq.Queue(queueFor(job.Priority)),
	}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}
	return asynq.NewTask(TaskTypeDocumentExtract, payload, opts...), nil
}

// ParseJob decodes the payload of an extraction task.
func ParseJob(t *asynq.Task) (*Job, error) {
	var job Job
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}
	return &job, nil
}

func queueFor(priority int) string {
	switch priority {
	case 1:
		return QueueCritical
	case 2:
		return QueueDefault
	default:
		return QueueLow
	}
}

// Enqueue 将任务加入队列
func (q *AsynqQueue) Enqueue(ctx context.Context, job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	t, err := NewExtractTask(job, q.cfg.MaxRetries, q.cfg.ProcessTimeout)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, t)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	job.ID = info.ID
	return nil
}

// GetJobStatus 获取任务状态: the saved final status wins over the live
// queue state.
func (q *AsynqQueue) GetJobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	data, err := q.redis.Get(ctx, statusKeyPrefix+jobID).Bytes()
	switch {
	case err == nil:
		var status JobStatus
		if err := json.Unmarshal(data, &status); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status: %w", err)
		}
		return &status, nil
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("failed to get status from redis: %w", err)
	}

	for _, name := range []string{QueueCritical, QueueDefault, QueueLow} {
		info, err := q.inspector.GetTaskInfo(name, jobID)
		if err == nil {
			return convertAsynqStatus(info), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// CancelJob 取消任务
func (q *AsynqQueue) CancelJob(ctx context.Context, jobID string) error {
	var lastErr error
	for _, name := range []string{QueueCritical, QueueDefault, QueueLow} {
		err := q.inspector.DeleteTask(name, jobID)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("failed to cancel job: %w", lastErr)
}

// SaveFinalStatus 保存任务状态, expiring after the configured TTL.
func (q *AsynqQueue) SaveFinalStatus(ctx context.Context, status *JobStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := q.redis.Set(ctx, statusKeyPrefix+status.JobID, data, q.cfg.StatusTTL).Err(); err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}
	return nil
}

// Close releases the asynq client, inspector and redis connections.
func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close(), q.redis.Close())
}

// convertAsynqStatus 将 asynq 状态转换为 JobStatus
func convertAsynqStatus(info *asynq.TaskInfo) *JobStatus {
	status := &JobStatus{
		JobID:     info.ID,
		StartedAt: info.NextProcessAt,
	}

	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateAggregating:
		status.Status = "pending"
	case asynq.TaskStateActive:
		status.Status = "running"
	case asynq.TaskStateCompleted:
		status.Status = "completed"
		status.FinishedAt = info.CompletedAt
	case asynq.TaskStateRetry:
		status.Status = "retrying"
		status.Error = info.LastErr
	case asynq.TaskStateArchived:
		status.Status = "failed"
		status.Error = info.LastErr
	}
	return status
}
