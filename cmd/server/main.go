package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/tableforge/api/handlers"
	"github.com/feichai0017/tableforge/api/routes"
	"github.com/feichai0017/tableforge/config"
	"github.com/feichai0017/tableforge/internal/app"
	"github.com/feichai0017/tableforge/pkg/events"
	"github.com/feichai0017/tableforge/pkg/logger"
)

func main() {
	cfg := config.GetConfig()

	// init logger
	log, err := logger.NewFromConfig(cfg.Log)
	if err != nil {
		panic(err)
	}

	a, err := app.New(*cfg, log.Named("server"))
	if err != nil {
		log.Fatal("Failed to build services", logger.Error(err))
	}

	h := handlers.NewHandlers(a.Orchestrator, a.Store, a.Chat, cfg.Upload.MaxFileSize, log)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h, log)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Server starting", logger.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		a.Chat.Run(gctx)
		return nil
	})

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		defer rdb.Close()

		pub := events.NewPublisher(a.Store, events.NewRedisSink(rdb), cfg.Redis.Channel, cfg.Redis.StatusTTL, log)
		g.Go(func() error {
			return pub.Run(gctx)
		})
	}

	// wait for interrupt signal or a failed component, then shut down
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", logger.Error(err))
		}
		return a.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server stopped with error", logger.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}
