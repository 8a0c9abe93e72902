// Package app assembles the client components from configuration. The
// server, the worker and the CLI share one wiring path.
package app

import (
	"context"

	"github.com/feichai0017/tableforge/config"
	"github.com/feichai0017/tableforge/internal/service/chat"
	"github.com/feichai0017/tableforge/internal/service/orchestrator"
	"github.com/feichai0017/tableforge/internal/store"
	"github.com/feichai0017/tableforge/internal/utils/validator"
	"github.com/feichai0017/tableforge/pkg/gateway"
	"github.com/feichai0017/tableforge/pkg/logger"
)

// App holds one process's task store and the services sharing it.
type App struct {
	Config       config.Config
	Logger       logger.Logger
	Store        *store.Store
	Gateway      *gateway.Client
	Validator    *validator.DocumentValidator
	Orchestrator *orchestrator.Orchestrator
	Chat         *chat.Session
}

// New builds an App. A nil log creates one from cfg.Log.
func New(cfg config.Config, log logger.Logger) (*App, error) {
	if log == nil {
		var err error
		log, err = logger.NewFromConfig(cfg.Log)
		if err != nil {
			return nil, err
		}
	}

	gw := gateway.New(cfg.Gateway.BaseURL,
		gateway.WithTimeout(cfg.Gateway.Timeout),
		gateway.WithMaxAttempts(cfg.Gateway.MaxAttempts),
		gateway.WithBackoffBase(cfg.Gateway.BackoffBase),
		gateway.WithLogger(log),
	)

	v := validator.NewDocumentValidator(log, validator.ConfigForMIME(
		cfg.Upload.MaxFileSize,
		cfg.Upload.MaxPageCount,
		cfg.Upload.AllowedTypes...,
	))

	s := store.New()
	orch := orchestrator.New(s, gw, v, orchestrator.Config{
		PollInterval:    cfg.Poll.Interval,
		MaxPolls:        cfg.Poll.MaxPolls,
		MaxPollDuration: cfg.Poll.MaxDuration,
	}, log)

	return &App{
		Config:       cfg,
		Logger:       log,
		Store:        s,
		Gateway:      gw,
		Validator:    v,
		Orchestrator: orch,
		Chat:         chat.NewSession(s, gw, log),
	}, nil
}

// Close stops every poller and flushes the logger.
func (a *App) Close(ctx context.Context) error {
	err := a.Orchestrator.Shutdown(ctx)
	_ = a.Logger.Sync()
	return err
}
