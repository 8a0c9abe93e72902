package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/tableforge/internal/guard"
	"github.com/feichai0017/tableforge/internal/models"
	"github.com/feichai0017/tableforge/internal/service/orchestrator"
	"github.com/feichai0017/tableforge/internal/store"
	"github.com/feichai0017/tableforge/internal/utils/validator"
	"github.com/feichai0017/tableforge/pkg/logger"
)

// multipartOverhead leaves room for form boundaries around the file.
const multipartOverhead = 1 << 20

type TaskHandler struct {
	orch          orchestrator.Service
	store         *store.Store
	maxUploadSize int64
	logger        logger.Logger
}

// TaskListResponse is the snapshot returned by GET /tasks.
type TaskListResponse struct {
	Tasks []models.Task `json:"tasks"`
	Busy  bool          `json:"busy"`
}

type ResumeResponse struct {
	Resumed int `json:"resumed"`
}

type GuardResponse struct {
	Busy   bool         `json:"busy"`
	Holder *models.Task `json:"holder,omitempty"`
}

func NewTaskHandler(orch orchestrator.Service, s *store.Store, maxUploadSize int64, log logger.Logger) *TaskHandler {
	return &TaskHandler{
		orch:          orch,
		store:         s,
		maxUploadSize: maxUploadSize,
		logger:        log,
	}
}

// ListTasks 返回全部任务, newest first
func (h *TaskHandler) ListTasks(c *gin.Context) {
	tasks := h.store.Snapshot()
	c.JSON(http.StatusOK, TaskListResponse{Tasks: tasks, Busy: guard.Busy(tasks)})
}

// GetTask 获取单个任务
func (h *TaskHandler) GetTask(c *gin.Context) {
	task, ok := h.store.Get(c.Param("id"))
	if !ok {
		handleError(c, h.logger, http.StatusNotFound, "Task not found", orchestrator.ErrTaskNotFound, nil)
		return
	}
	c.JSON(http.StatusOK, task)
}

// DeleteTask removes a task and stops its polling.
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	id := c.Param("id")
	if !h.orch.Remove(id) {
		handleError(c, h.logger, http.StatusNotFound, "Task not found", orchestrator.ErrTaskNotFound, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "success": true})
}

// CreateTask accepts a multipart "file" and starts the upload in the
// background.
func (h *TaskHandler) CreateTask(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize*2+multipartOverhead)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		handleError(c, h.logger, http.StatusBadRequest, "Invalid file upload", err, nil)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		handleError(c, h.logger, http.StatusBadRequest, "Failed to read file", err, nil)
		return
	}

	task, err := h.orch.UploadAsync(models.Document{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Content:     content,
	})
	if err != nil {
		h.admissionError(c, "Upload rejected", err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

// TriggerTask starts extraction for a READY_TO_TRIGGER task.
func (h *TaskHandler) TriggerTask(c *gin.Context) {
	task, err := h.orch.TriggerAsync(c.Param("id"))
	if err != nil {
		h.admissionError(c, "Trigger rejected", err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

// ResumeTasks restarts polling for PENDING and IN_PROCESS tasks that hold a
// backend task id but no longer have a poll loop.
func (h *TaskHandler) ResumeTasks(c *gin.Context) {
	n := h.orch.Resume()
	h.logger.Info("Resume requested", logger.Int("resumed", n))
	c.JSON(http.StatusOK, ResumeResponse{Resumed: n})
}

// GetGuard reports whether uploads and triggers are currently blocked.
func (h *TaskHandler) GetGuard(c *gin.Context) {
	resp := GuardResponse{}
	if holder, ok := guard.Holder(h.store.Snapshot()); ok {
		resp.Busy = true
		resp.Holder = &holder
	}
	c.JSON(http.StatusOK, resp)
}

// StreamTasks pushes a "tasks" server-sent event with the full snapshot
// after every store change.
func (h *TaskHandler) StreamTasks(c *gin.Context) {
	changes, unsubscribe := h.store.Subscribe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	send := func() {
		tasks := h.store.Snapshot()
		c.SSEvent("tasks", TaskListResponse{Tasks: tasks, Busy: guard.Busy(tasks)})
	}
	send()
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case _, ok := <-changes:
			if !ok {
				return false
			}
			send()
			return true
		}
	})
}

func (h *TaskHandler) admissionError(c *gin.Context, message string, err error) {
	var verr *validator.Error
	switch {
	case errors.As(err, &verr):
		handleError(c, h.logger, http.StatusBadRequest, message, err, verr.Errors)
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		handleError(c, h.logger, http.StatusNotFound, message, err, nil)
	case errors.Is(err, guard.ErrBusy), errors.Is(err, orchestrator.ErrNotReady):
		handleError(c, h.logger, http.StatusConflict, message, err, nil)
	case errors.Is(err, orchestrator.ErrClosed):
		handleError(c, h.logger, http.StatusServiceUnavailable, message, err, nil)
	default:
		handleError(c, h.logger, http.StatusInternalServerError, message, err, nil)
	}
}
