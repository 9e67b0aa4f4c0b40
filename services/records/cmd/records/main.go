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
	"cabohealth/internal/servicetoken"
	"cabohealth/internal/usertoken"
	"cabohealth/internal/util"
	"cabohealth/pkg/events"
	"cabohealth/pkg/storage"
	"cabohealth/pkg/store"
	"cabohealth/services/records/internal/app"
	"cabohealth/services/records/internal/authclient"
	"cabohealth/services/records/internal/config"
	"cabohealth/services/records/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		util.Fatal("failed to load config", "err", err)
	}
	logger, closeLogs := util.InitLogger(cfg.LogLevel, "records", cfg.LogsDir)
	defer closeLogs()
	flushSentry := util.InitSentry(cfg.SentryDSN, cfg.Environment, "records")
	defer flushSentry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jwtLeeway, _ := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	presignExpiry, _ := config.ParseDuration("presignExpiry", cfg.PresignExpiry)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init postgres store", "err", err)
	}
	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		util.Fatal("failed to init object storage", "err", err)
	}
	signer, err := servicetoken.NewSigner(servicetoken.SignerConfig{
		Service: "records-service",
		Keys:    rsakeys.Files{PrivateKey: cfg.InternalJWTPrivateKeyPath, KeyID: cfg.InternalJWTKeyID},
	})
	if err != nil {
		util.Fatal("failed to init internal jwt signer", "err", err)
	}
	interpreter, err := app.NewInterpreterClient(cfg.InterpreterURL, signer)
	if err != nil {
		util.Fatal("failed to init interpreter client", "err", err)
	}
	publisher, err := events.NewPublisher(cfg.EventsAMQPURL, cfg.EventsExchange, logger)
	if err != nil {
		util.Fatal("failed to init event publisher", "err", err)
	}
	defer publisher.Close()

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}

	appCore, err := app.New(app.Config{
		Store:          dataStore,
		Objects:        objects,
		Interpreter:    interpreter,
		Events:         publisher,
		PresignExpiry:  presignExpiry,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	httpServer, err := server.New(server.Config{
		App:           appCore,
		Auth:          authclient.NewClient(cfg.AuthServiceURL),
		TokenVerifier: tokenVerifier,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("records server listening", "addr", addr, "storage", cfg.Storage.Provider)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
