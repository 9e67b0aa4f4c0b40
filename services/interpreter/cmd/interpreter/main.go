package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cabohealth/internal/rsakeys"
	"cabohealth/internal/util"
	"cabohealth/pkg/ai"
	"cabohealth/pkg/events"
	"cabohealth/pkg/queue"
	"cabohealth/pkg/storage"
	"cabohealth/pkg/store"
	"cabohealth/services/interpreter/internal/app"
	"cabohealth/services/interpreter/internal/config"
	"cabohealth/services/interpreter/internal/server"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	defaultQueueName   = "cabohealth:interpreter"
	defaultQueueGroup  = "interpreter"
	defaultConcurrency = 2
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		util.Fatal("failed to load config", "err", err)
	}
	logger, closeLogs := util.InitLogger(cfg.LogLevel, "interpreter", cfg.LogsDir)
	defer closeLogs()
	flushSentry := util.InitSentry(cfg.SentryDSN, cfg.Environment, "interpreter")
	defer flushSentry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = util.ContextWithLogger(ctx, logger)

	verifyKeys, err := rsakeys.ParsePairs(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		util.Fatal("invalid internal jwt verify keys", "err", err)
	}
	retryDelay, _ := config.ParseDuration("queueRetryDelay", cfg.QueueRetryDelay)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init postgres store", "err", err)
	}
	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		util.Fatal("failed to init object storage", "err", err)
	}
	generator, err := ai.NewTextGenerator(cfg.AI)
	if err != nil {
		util.Fatal("failed to init text generator", "err", err)
	}
	publisher, err := events.NewPublisher(cfg.EventsAMQPURL, cfg.EventsExchange, logger)
	if err != nil {
		util.Fatal("failed to init event publisher", "err", err)
	}
	defer publisher.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	hostname, _ := os.Hostname()
	jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Client:     rdb,
		Stream:     orDefault(cfg.QueueName, defaultQueueName),
		Group:      orDefault(cfg.QueueGroup, defaultQueueGroup),
		Consumer:   "interpreter-" + hostname,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: retryDelay,
	})
	if err != nil {
		util.Fatal("failed to init job queue", "err", err)
	}

	appCore, err := app.New(app.Config{
		Store:        dataStore,
		Objects:      objects,
		Generator:    generator,
		Queue:        jobs,
		Events:       publisher,
		Extractor:    app.PDFExtractor{PDFToText: cfg.PDFToTextPath},
		ExcerptRunes: cfg.ExcerptRunes,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	httpServer, err := server.New(server.Config{
		App: appCore,
		ServiceKeys: rsakeys.Files{
			PublicKey: cfg.InternalJWTPublicKeyPath,
			KeyID:     cfg.InternalJWTKeyID,
			Previous:  verifyKeys,
		},
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	concurrency := cfg.QueueConcurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	appCore.Run(ctx, concurrency)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("interpreter server listening", "addr", addr, "model", ai.ModelName(generator, cfg.AI.Model), "workers", concurrency)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
