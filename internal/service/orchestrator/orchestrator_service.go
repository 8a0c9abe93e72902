package orchestrator

import (
	"context"
	"errors"

	"github.com/feichai0017/tableforge/internal/models"
	"github.com/feichai0017/tableforge/pkg/gateway"
)

var (
	ErrNotReady     = errors.New("task is not ready to trigger")
	ErrTaskNotFound = errors.New("task not found")
	ErrClosed       = errors.New("orchestrator is shut down")
)

// Service drives documents through upload, trigger and polling.
type Service interface {
	Upload(ctx context.Context, doc models.Document) (models.Task, error)
	UploadAsync(doc models.Document) (models.Task, error)
	Trigger(ctx context.Context, id string) (models.Task, error)
	TriggerAsync(id string) (models.Task, error)
	Wait(ctx context.Context, id string) (models.Task, error)
	Remove(id string) bool
	Resume() int
	Shutdown(ctx context.Context) error
}

// Gateway is the subset of the backend client the orchestrator needs.
type Gateway interface {
	UploadDocument(ctx context.Context, filename string, content []byte) (string, error)
	TriggerTask(ctx context.Context, docID string) (string, error)
	FetchOutput(ctx context.Context, taskID string) (gateway.TaskReport, error)
}

// Validator rejects documents before they reach the network.
type Validator interface {
	Validate(doc models.Document) error
}
