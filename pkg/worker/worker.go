package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/tableforge/pkg/logger"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

type Config struct {
	RedisAddr  string
	RedisDB    int
	Queues     map[string]int
	RetryDelay time.Duration
}

type BaseWorker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	logger   logger.Logger
	stopChan chan struct{}
}

func (w *BaseWorker) Stop() error {
	select {
	case <-w.stopChan:
		return nil
	default:
	}
	close(w.stopChan)
	w.server.Shutdown()
	return nil
}

// zapAdapter routes asynq's internal logging through our logger.
type zapAdapter struct {
	log logger.Logger
}

func (a zapAdapter) Debug(args ...interface{}) { a.log.Debug(fmt.Sprint(args...)) }
func (a zapAdapter) Info(args ...interface{})  { a.log.Info(fmt.Sprint(args...)) }
func (a zapAdapter) Warn(args ...interface{})  { a.log.Warn(fmt.Sprint(args...)) }
func (a zapAdapter) Error(args ...interface{}) { a.log.Error(fmt.Sprint(args...)) }
func (a zapAdapter) Fatal(args ...interface{}) { a.log.Fatal(fmt.Sprint(args...)) }
