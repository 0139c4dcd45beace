// Package main runs the audiobrief HTTP API.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/mplaza/audiobrief/internal/api"
	"github.com/mplaza/audiobrief/internal/config"
	"github.com/mplaza/audiobrief/internal/database"
	"github.com/mplaza/audiobrief/internal/queue"
	"github.com/mplaza/audiobrief/internal/repository"
	"github.com/mplaza/audiobrief/internal/s3storage"
	"github.com/mplaza/audiobrief/internal/segmenter"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	repo := repository.New(pool)

	objects, err := s3storage.New(cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	if err := objects.EnsureBuckets(ctx); err != nil {
		log.Fatalf("ensure buckets: %v", err)
	}

	tasks := queue.NewClient(asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}))
	defer tasks.Close()

	splitter := segmenter.New(cfg.FFmpegBin, cfg.FFprobeBin)
	srv := api.New(cfg, repo, objects, splitter, tasks)
	if err := srv.Run(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}
