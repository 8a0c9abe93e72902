package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/tableforge/internal/guard"
	"github.com/feichai0017/tableforge/internal/models"
	"github.com/feichai0017/tableforge/internal/utils/validator"
	"github.com/feichai0017/tableforge/pkg/logger"
	"github.com/feichai0017/tableforge/pkg/queue"
	"github.com/feichai0017/tableforge/pkg/storage"
)

// Orchestrator is the part of the task lifecycle the worker drives.
type Orchestrator interface {
	Upload(ctx context.Context, doc models.Document) (models.Task, error)
	Trigger(ctx context.Context, id string) (models.Task, error)
	Wait(ctx context.Context, id string) (models.Task, error)
	Remove(id string) bool
}

// StatusSaver records job outcomes.
type StatusSaver interface {
	SaveFinalStatus(ctx context.Context, status *queue.JobStatus) error
}

// ExtractionWorker consumes extraction jobs one at a time: the concurrency
// guard admits a single busy task per process, so more workers would only
// bounce off ErrBusy.
type ExtractionWorker struct {
	BaseWorker
	handler *ExtractionHandler
}

// ExtractionHandler runs one job through upload, trigger and polling.
type ExtractionHandler struct {
	orch         Orchestrator
	storage      storage.Storage
	statuses     StatusSaver
	deleteSource bool
	logger       logger.Logger
	now          func() time.Time
	retriesLeft  func(ctx context.Context) bool
}

func NewExtractionHandler(orch Orchestrator, store storage.Storage, statuses StatusSaver, deleteSource bool, log logger.Logger) *ExtractionHandler {
	return &ExtractionHandler{
		orch:         orch,
		storage:      store,
		statuses:     statuses,
		deleteSource: deleteSource,
		logger:       log.Named("worker"),
		now:          time.Now,
		retriesLeft:  retriesLeft,
	}
}

func NewExtractionWorker(cfg *Config, handler *ExtractionHandler, log logger.Logger) *ExtractionWorker {
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = queue.Queues
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 30 * time.Second
	}

	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
			Logger:      zapAdapter{log: log.Named("asynq")},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n+1) * retryDelay
			},
		},
	)

	w := &ExtractionWorker{
		BaseWorker: BaseWorker{
			server:   server,
			mux:      asynq.NewServeMux(),
			logger:   log.Named("worker"),
			stopChan: make(chan struct{}),
		},
		handler: handler,
	}
	w.mux.HandleFunc(queue.TaskTypeDocumentExtract, handler.ProcessTask)
	return w
}

func (w *ExtractionWorker) Start(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	w.logger.Info("Worker started")

	go func() {
		select {
		case <-ctx.Done():
			_ = w.Stop()
		case <-w.stopChan:
		}
	}()
	return nil
}

// ProcessTask is the asynq handler for queue.TaskTypeDocumentExtract.
// Transient failures return an error so asynq retries the job; outcomes
// that would repeat on retry are wrapped with asynq.SkipRetry.
func (h *ExtractionHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	job, err := queue.ParseJob(t)
	if err != nil {
		h.logger.Error("Invalid job payload", logger.Error(err), logger.String("payload", string(t.Payload())))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	log := h.logger.With(logger.String("jobId", job.ID), logger.String("filename", job.Filename))
	log.Info("Processing extraction job")

	status := &queue.JobStatus{JobID: job.ID, Status: "running", StartedAt: h.now()}
	h.save(ctx, status, t)

	task, err := h.run(ctx, job)
	// the outcome lives in the job status; the worker store only holds
	// the job in flight
	defer h.forget(task.ID)
	status.LocalID = task.ID
	status.TaskID = task.TaskID
	status.FinishedAt = h.now()

	switch {
	case err == nil:
		status.Status = "completed"
		status.Tables = task.Tables()
		log.Info("Extraction job completed", logger.String("localId", task.ID), logger.Strings("tables", status.Tables))
		h.save(ctx, status, t)
		if h.deleteSource {
			if err := h.storage.Delete(ctx, job.ObjectKey); err != nil {
				log.Warn("Could not delete source document", logger.Error(err))
			}
		}
		return nil
	case errors.Is(err, asynq.SkipRetry), !h.retriesLeft(ctx):
		status.Status = "failed"
	default:
		status.Status = "retrying"
	}
	status.Error = err.Error()
	log.Warn("Extraction job failed", logger.String("status", status.Status), logger.Error(err))
	h.save(ctx, status, t)
	return err
}

func (h *ExtractionHandler) run(ctx context.Context, job *queue.Job) (models.Task, error) {
	content, err := storage.ReadAll(ctx, h.storage, job.ObjectKey)
	if err != nil {
		return models.Task{}, fmt.Errorf("load source document: %w", err)
	}

	task, err := h.orch.Upload(ctx, models.Document{
		Filename:    job.Filename,
		ContentType: job.ContentType,
		Content:     content,
	})
	var verr *validator.Error
	switch {
	case errors.As(err, &verr):
		return task, fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case errors.Is(err, guard.ErrBusy):
		return task, fmt.Errorf("upload deferred: %w", err)
	case err != nil:
		return task, err
	}
	if task.Status != models.StatusReadyToTrigger {
		return task, fmt.Errorf("upload failed: %s", task.Output.FailureReason())
	}

	task, err = h.orch.Trigger(ctx, task.ID)
	if err != nil {
		return task, fmt.Errorf("trigger: %w", err)
	}
	if task.Status == models.StatusFailed {
		return task, fmt.Errorf("trigger failed: %s", task.Output.FailureReason())
	}

	task, err = h.orch.Wait(ctx, task.ID)
	if err != nil {
		return task, fmt.Errorf("wait: %w", err)
	}
	if task.Status != models.StatusCompleted {
		return task, fmt.Errorf("extraction ended %s: %s: %w", task.Status, task.Output.FailureReason(), asynq.SkipRetry)
	}
	return task, nil
}

func (h *ExtractionHandler) forget(id string) {
	if id != "" {
		h.orch.Remove(id)
	}
}

// retriesLeft reports whether asynq will deliver the task again after a
// failure. Outside an asynq server it assumes it will.
func retriesLeft(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	limit, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried < limit
}

func (h *ExtractionHandler) save(ctx context.Context, status *queue.JobStatus, t *asynq.Task) {
	if h.statuses != nil {
		if err := h.statuses.SaveFinalStatus(ctx, status); err != nil {
			h.logger.Warn("Failed to save job status", logger.String("jobId", status.JobID), logger.Error(err))
		}
	}
	// only tasks delivered by an asynq server carry a result writer
	if rw := t.ResultWriter(); rw != nil {
		if data, err := json.Marshal(status); err == nil {
			if _, err := rw.Write(data); err != nil {
				h.logger.Warn("Failed to write task result", logger.Error(err))
			}
		}
	}
}
