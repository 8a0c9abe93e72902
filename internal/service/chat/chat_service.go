package chat

import (
	"context"
	"errors"

	"github.com/feichai0017/tableforge/internal/models"
)

var (
	ErrNoDataSource  = errors.New("no completed task with extracted tables")
	ErrQueryInFlight = errors.New("a query is already in flight")
	ErrEmptyQuestion = errors.New("question is empty")
)

// Service answers questions over the tables of the active data source.
type Service interface {
	Ask(ctx context.Context, question string) (models.Message, error)
	Messages() []models.Message
	Source() (models.Task, bool)
}

// Querier sends a question and table names to the query endpoint.
type Querier interface {
	ChatQuery(ctx context.Context, query string, tables []string) (string, error)
}
