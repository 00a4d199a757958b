package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/junlov/quotey/internal/config"
	"github.com/junlov/quotey/internal/execution"
	"github.com/junlov/quotey/internal/queue"
	"github.com/junlov/quotey/internal/store"
	"github.com/junlov/quotey/internal/telemetry"
	"github.com/junlov/quotey/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	repo, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer repo.Close()

	if err := repo.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	engine := execution.New(execution.Config{
		ClaimTimeout:      cfg.ClaimTimeout,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		BackoffBase:       cfg.RetryBackoffBase,
		BackoffMultiplier: cfg.RetryBackoffMultiplier,
	})

	q := queue.NewRedisQueue(cfg)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	runner := worker.NewRunner(cfg, engine, repo, q, workerID)

	archiveHandler, err := worker.NewArchiveHandler(ctx, cfg)
	if err != nil {
		log.Fatalf("init archive handler: %v", err)
	}
	runner.RegisterHandler("archive_document", archiveHandler.Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started with claim_timeout=%s backoff_base=%s", workerID, cfg.ClaimTimeout, cfg.RetryBackoffBase)
	if err := runner.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
