package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/iago/docpipe/internal/bootstrap"
	"github.com/iago/docpipe/internal/config"
)

// The worker process runs pipeline consumers and the recovery sweep without
// the HTTP gateway so workers can scale out separately.
func main() {
	logger := log.New(os.Stdout, "[docpipe-worker] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
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
	if err := components.RequireSharedQueue(); err != nil {
		logger.Printf("worker cannot receive jobs: %v", err)
		components.Close()
		os.Exit(1)
	}
	defer components.Close()

	processor := components.NewProcessor(cfg, logger)
	sweeper := components.NewSweeper(cfg, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		processor.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Start(ctx)
	}()

	logger.Printf("worker started backend=%s concurrency=%d", cfg.QueueBackend, components.WorkerConcurrency)
	<-ctx.Done()
	logger.Printf("shutdown signal received, draining in-flight jobs")
	wg.Wait()
	logger.Printf("shutdown complete")
}
