// Package main runs the audiobrief pipeline worker.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/mplaza/audiobrief/internal/config"
	"github.com/mplaza/audiobrief/internal/database"
	"github.com/mplaza/audiobrief/internal/queue"
	"github.com/mplaza/audiobrief/internal/ratelimit"
	"github.com/mplaza/audiobrief/internal/repository"
	"github.com/mplaza/audiobrief/internal/s3storage"
	"github.com/mplaza/audiobrief/internal/summarizer"
	"github.com/mplaza/audiobrief/internal/transcriber"
	"github.com/mplaza/audiobrief/internal/worker"
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

	lm, err := summarizer.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		log.Fatalf("init summarizer: %v", err)
	}
	defer lm.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	limiter := ratelimit.New(ratelimit.NewRedisCounter(rdb), cfg.TokensPerMin, cfg.SafetyMargin)

	tasks := queue.NewClient(asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}))
	defer tasks.Close()

	stt := transcriber.New(cfg.WhisperBin, cfg.WhisperModelDir)
	processor := worker.NewProcessor(repo, objects, stt, lm, limiter, tasks,
		cfg.SummaryTokens, cfg.FinalTokens, cfg.RateLimitWait)

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency:    cfg.WorkerConcurrency,
		RetryDelayFunc: worker.RetryDelay,
	})

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	log.Printf("worker running with %d slots", cfg.WorkerConcurrency)
	if err := server.Run(processor.Handler()); err != nil {
		log.Printf("worker stopped: %v", err)
		os.Exit(1)
	}
}
