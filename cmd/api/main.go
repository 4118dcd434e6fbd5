package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/iago/docpipe/internal/bootstrap"
	"github.com/iago/docpipe/internal/config"
	httpserver "github.com/iago/docpipe/internal/http"
	"github.com/iago/docpipe/internal/http/handlers"
	"github.com/iago/docpipe/internal/service"
)

func main() {
	logger := log.New(os.Stdout, "[docpipe] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("bootstrap failed: %v", err)
	}
	defer components.Close()

	documents := service.NewDocumentsService(components.Repo, components.Blobs, components.Producer, logger)
	api := handlers.NewAPI(documents, cfg.MaxUploadBytes, logger)

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	var background sync.WaitGroup
	if cfg.WorkerEnabled {
		processor := components.NewProcessor(cfg, logger)
		sweeper := components.NewSweeper(cfg, logger)
		background.Add(2)
		go func() {
			defer background.Done()
			processor.Start(ctx)
		}()
		go func() {
			defer background.Done()
			sweeper.Start(ctx)
		}()
		logger.Printf("worker enabled and started concurrency=%d", components.WorkerConcurrency)
	} else {
		logger.Printf("worker disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	background.Wait()
	logger.Printf("shutdown complete")
}
