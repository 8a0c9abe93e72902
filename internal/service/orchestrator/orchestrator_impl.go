// Package orchestrator owns the task lifecycle: admission under the
// concurrency guard, the upload and trigger calls, and one poll loop per
// triggered task.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/tableforge/internal/guard"
	"github.com/feichai0017/tableforge/internal/models"
	"github.com/feichai0017/tableforge/internal/store"
	"github.com/feichai0017/tableforge/pkg/logger"
)

// Config controls polling cadence and budget.
type Config struct {
	PollInterval    time.Duration
	MaxPolls        int           // 0 disables the count limit
	MaxPollDuration time.Duration // 0 disables the time limit
}

func DefaultConfig() Config {
	return Config{
		PollInterval:    3 * time.Second,
		MaxPolls:        200,
		MaxPollDuration: 15 * time.Minute,
	}
}

type Orchestrator struct {
	store     *store.Store
	gw        Gateway
	validator Validator
	cfg       Config
	logger    logger.Logger
	newID     func() string
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pollers map[string]context.CancelFunc
	closed  bool
}

var _ Service = (*Orchestrator)(nil)

// New creates an orchestrator over s. v may be nil to skip local validation.
func New(s *store.Store, gw Gateway, v Validator, cfg Config, log logger.Logger) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     s,
		gw:        gw,
		validator: v,
		cfg:       cfg,
		logger:    log.Named("orchestrator"),
		newID:     uuid.NewString,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		pollers:   make(map[string]context.CancelFunc),
	}
}

// Upload validates doc, admits a new task and performs the upload call. The
// returned task is READY_TO_TRIGGER or UPLOAD_FAILED; a gateway failure is
// recorded on the task, not returned.
func (o *Orchestrator) Upload(ctx context.Context, doc models.Document) (models.Task, error) {
	task, err := o.admitUpload(doc)
	if err != nil {
		return models.Task{}, err
	}
	return o.runUpload(ctx, task.ID, doc), nil
}

// UploadAsync admits the task and uploads in the background. The returned
// task is the UPLOADING record.
func (o *Orchestrator) UploadAsync(doc models.Document) (models.Task, error) {
	task, err := o.admitUpload(doc)
	if err != nil {
		return models.Task{}, err
	}
	o.goBackground(func(ctx context.Context) {
		o.runUpload(ctx, task.ID, doc)
	})
	return task, nil
}

func (o *Orchestrator) admitUpload(doc models.Document) (models.Task, error) {
	if o.isClosed() {
		return models.Task{}, ErrClosed
	}
	if o.validator != nil {
		if err := o.validator.Validate(doc); err != nil {
			return models.Task{}, err
		}
	}

	task := models.Task{
		ID:       o.newID(),
		Filename: doc.Filename,
		Status:   models.StatusUploading,
	}
	err := o.store.Update(func(tx *store.Tx) error {
		if err := guard.Check(tx.Tasks()); err != nil {
			return err
		}
		if err := tx.Insert(task); err != nil {
			return err
		}
		task, _ = tx.Get(task.ID)
		return nil
	})
	if err != nil {
		o.logger.Info("Upload rejected",
			logger.String("filename", doc.Filename),
			logger.Error(err))
		return models.Task{}, err
	}

	o.logger.Info("Upload admitted",
		logger.String("localId", task.ID),
		logger.String("filename", task.Filename),
		logger.Int64("size", doc.Size()))
	return task, nil
}

func (o *Orchestrator) runUpload(ctx context.Context, id string, doc models.Document) models.Task {
	log := o.logger.With(logger.String("localId", id))

	docID, err := o.gw.UploadDocument(ctx, doc.Filename, doc.Content)
	if err != nil {
		log.Error("Upload failed", logger.Error(err))
		return o.fail(id, models.StatusUploadFailed, err.Error())
	}

	task, err := o.store.Transition(id, models.StatusReadyToTrigger, func(t *models.Task) {
		t.DocID = docID
		t.Output = nil
	})
	if err != nil {
		log.Warn("Could not record upload", logger.String("docId", docID), logger.Error(err))
		return task
	}
	log.Info("Upload completed", logger.String("docId", docID))
	return task
}

// Trigger starts extraction for a READY_TO_TRIGGER task and arms its poll
// loop. A gateway failure moves the task to FAILED and is not returned.
func (o *Orchestrator) Trigger(ctx context.Context, id string) (models.Task, error) {
	task, err := o.admitTrigger(id)
	if err != nil {
		return models.Task{}, err
	}
	return o.runTrigger(ctx, task), nil
}

// TriggerAsync admits the trigger and calls the backend in the background.
// The returned task is the PENDING record.
func (o *Orchestrator) TriggerAsync(id string) (models.Task, error) {
	task, err := o.admitTrigger(id)
	if err != nil {
		return models.Task{}, err
	}
	o.goBackground(func(ctx context.Context) {
		o.runTrigger(ctx, task)
	})
	return task, nil
}

func (o *Orchestrator) admitTrigger(id string) (models.Task, error) {
	if o.isClosed() {
		return models.Task{}, ErrClosed
	}

	var task models.Task
	err := o.store.Update(func(tx *store.Tx) error {
		current, ok := tx.Get(id)
		if !ok {
			return ErrTaskNotFound
		}
		if current.Status != models.StatusReadyToTrigger {
			return fmt.Errorf("%w: status is %s", ErrNotReady, current.Status)
		}
		if err := guard.Check(tx.Tasks()); err != nil {
			return err
		}
		var err error
		task, err = tx.Transition(id, models.StatusPending, nil)
		return err
	})
	if err != nil {
		o.logger.Info("Trigger rejected", logger.String("localId", id), logger.Error(err))
		return models.Task{}, err
	}
	return task, nil
}

func (o *Orchestrator) runTrigger(ctx context.Context, task models.Task) models.Task {
	log := o.logger.With(logger.String("localId", task.ID), logger.String("docId", task.DocID))

	taskID, err := o.gw.TriggerTask(ctx, task.DocID)
	if err != nil {
		log.Error("Trigger failed", logger.Error(err))
		return o.fail(task.ID, models.StatusFailed, err.Error())
	}

	updated, err := o.store.Patch(task.ID, func(t *models.Task) {
		t.TaskID = taskID
	})
	if err != nil {
		log.Warn("Could not record trigger", logger.String("taskId", taskID), logger.Error(err))
		return updated
	}
	log.Info("Task triggered", logger.String("taskId", taskID))

	o.startPoller(task.ID, taskID)
	return updated
}

// fail moves a task to a failure status with reason. A task removed in the
// meantime is ignored.
func (o *Orchestrator) fail(id string, status models.TaskStatus, reason string) models.Task {
	task, err := o.store.Transition(id, status, func(t *models.Task) {
		t.Output = models.FailureOutput(reason)
	})
	if err != nil && !errors.Is(err, store.ErrTaskNotFound) {
		o.logger.Warn("Could not record failure",
			logger.String("localId", id),
			logger.String("status", status.String()),
			logger.Error(err))
	}
	return task
}

// Wait blocks until the task reaches a terminal status, is removed, or ctx
// is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (models.Task, error) {
	changes, unsubscribe := o.store.Subscribe()
	defer unsubscribe()

	for {
		task, ok := o.store.Get(id)
		if !ok {
			return models.Task{}, ErrTaskNotFound
		}
		if task.Status.IsTerminal() {
			return task, nil
		}
		select {
		case <-changes:
		case <-ctx.Done():
			return task, ctx.Err()
		}
	}
}

// Remove deletes a task and stops its poll loop.
func (o *Orchestrator) Remove(id string) bool {
	o.stopPoller(id)
	removed := o.store.Remove(id)
	if removed {
		o.logger.Info("Task removed", logger.String("localId", id))
	}
	return removed
}

// Resume restarts poll loops for PENDING or IN_PROCESS tasks that own a
// backend task id but have no running poller. It returns how many started.
func (o *Orchestrator) Resume() int {
	started := 0
	for _, task := range o.store.Snapshot() {
		if task.TaskID == "" {
			continue
		}
		if task.Status != models.StatusPending && task.Status != models.StatusInProcess {
			continue
		}
		if o.startPoller(task.ID, task.TaskID) {
			started++
		}
	}
	if started > 0 {
		o.logger.Info("Resumed polling", logger.Int("tasks", started))
	}
	return started
}

// Polling reports whether a poll loop is running for the task.
func (o *Orchestrator) Polling(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pollers[id]
	return ok
}

// Shutdown cancels every poll loop and background call and waits for them
// to return.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("Orchestrator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// goBackground runs fn on the orchestrator context. After Shutdown fn runs
// inline against the cancelled context so admitted tasks still settle.
func (o *Orchestrator) goBackground(fn func(ctx context.Context)) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		fn(o.ctx)
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.wg.Done()
		fn(o.ctx)
	}()
}
