package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/feichai0017/tableforge/config"
	"github.com/feichai0017/tableforge/internal/app"
	"github.com/feichai0017/tableforge/pkg/logger"
	"github.com/feichai0017/tableforge/pkg/queue"
	"github.com/feichai0017/tableforge/pkg/storage"
	"github.com/feichai0017/tableforge/pkg/worker"
)

func main() {
	cfg := config.GetConfig()

	// 初始化日志
	log, err := logger.NewFromConfig(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(*cfg, log.Named("worker"))
	if err != nil {
		log.Error("Failed to build services", logger.Error(err))
		os.Exit(1)
	}

	// 源文件存储
	store, err := storage.NewStorage(ctx, storage.StorageType(cfg.Storage.Type), log)
	if err != nil {
		log.Error("Failed to create storage", logger.Error(err))
		os.Exit(1)
	}

	q := queue.NewAsynqQueue(queue.QueueConfig{
		RedisAddr:      cfg.Worker.RedisAddr,
		RedisDB:        cfg.Worker.RedisDB,
		MaxRetries:     cfg.Worker.MaxRetry,
		ProcessTimeout: cfg.Worker.JobTimeout,
		StatusTTL:      cfg.Redis.StatusTTL,
	})
	defer q.Close()

	handler := worker.NewExtractionHandler(a.Orchestrator, store, q, cfg.Worker.DeleteSource, log)
	extractionWorker := worker.NewExtractionWorker(&worker.Config{
		RedisAddr:  cfg.Worker.RedisAddr,
		RedisDB:    cfg.Worker.RedisDB,
		Queues:     queue.Queues,
		RetryDelay: cfg.Worker.RetryDelay,
	}, handler, log)

	// 启动 worker
	if err := extractionWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// 优雅关闭
	log.Info("Shutting down worker...")
	_ = extractionWorker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := a.Close(shutdownCtx); err != nil {
		log.Error("Orchestrator did not stop cleanly", logger.Error(err))
	}
	log.Info("Worker stopped")
}
