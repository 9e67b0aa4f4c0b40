package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cabohealth/internal/ratelimit"
	"cabohealth/internal/rsakeys"
	"cabohealth/internal/util"
	"cabohealth/pkg/sessions"
	"cabohealth/pkg/store"
	"cabohealth/services/auth/internal/app"
	"cabohealth/services/auth/internal/config"
	"cabohealth/services/auth/internal/security"
	"cabohealth/services/auth/internal/server"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		util.Fatal("failed to load config", "err", err)
	}
	logger, closeLogs := util.InitLogger(cfg.LogLevel, "auth", cfg.LogsDir)
	defer closeLogs()
	flushSentry := util.InitSentry(cfg.SentryDSN, cfg.Environment, "auth")
	defer flushSentry()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	appCore, err := newApp(cfg, rdb)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	proxies, err := util.NewTrustedProxies(config.SplitList(cfg.TrustedProxies))
	if err != nil {
		util.Fatal("invalid trustedProxies", "err", err)
	}
	alerter, err := security.NewAuditAlerter(rdb, "")
	if err != nil {
		util.Fatal("failed to init audit alerter", "err", err)
	}

	httpServer := server.New(server.Config{
		App: appCore,
		Limiters: server.Limiters{
			Signup:   newLimiter(rdb, "signup", cfg.SignupRateLimitPerMinute),
			Login:    newLimiter(rdb, "login", cfg.LoginRateLimitPerMinute),
			Refresh:  newLimiter(rdb, "refresh", cfg.RefreshRateLimitPerMinute),
			Password: newLimiter(rdb, "password", cfg.PasswordRateLimitPerMinute),
		},
		Alerter:        alerter,
		TrustedProxies: proxies,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("auth server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

// newApp assembles postgres users, RS256 access tokens with Redis
// revocations and Redis refresh families. Durations were validated by
// config.Load.
func newApp(cfg config.FileConfig, rdb redis.UniversalClient) (*app.App, error) {
	sessionTTL, _ := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	refreshTTL, _ := config.ParseDuration("refreshTTL", cfg.RefreshTTL)
	leeway, _ := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	if sessionTTL == 0 {
		sessionTTL = sessions.DefaultAccessTTL
	}
	if leeway == 0 {
		leeway = sessions.DefaultLeeway
	}

	previous, err := rsakeys.ParsePairs(cfg.JWTVerifyPublicKeys)
	if err != nil {
		return nil, fmt.Errorf("jwtVerifyPublicKeys: %w", err)
	}
	keys, err := rsakeys.Load(rsakeys.Files{
		PrivateKey: cfg.JWTPrivateKeyPath,
		PublicKey:  cfg.JWTPublicKeyPath,
		KeyID:      cfg.JWTKeyID,
		Previous:   previous,
	}, sessions.DefaultKeyID)
	if err != nil {
		return nil, fmt.Errorf("load jwt keys: %w", err)
	}
	access, err := sessions.NewAccessTokens(sessions.AccessConfig{
		Keys:        keys,
		Issuer:      cfg.JWTIssuer,
		Audience:    cfg.JWTAudience,
		TTL:         sessionTTL,
		Leeway:      leeway,
		Revocations: sessions.NewRedisRevocations(rdb, sessionTTL+leeway),
	})
	if err != nil {
		return nil, err
	}
	users, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	return app.New(app.Config{
		Users:   users,
		Access:  access,
		Refresh: sessions.NewRedisRefreshTokens(rdb, refreshTTL),
	})
}

// newLimiter returns nil for a zero limit, which disables limiting.
func newLimiter(rdb redis.UniversalClient, scope string, perMinute int) *ratelimit.Limiter {
	if perMinute <= 0 {
		return nil
	}
	l, err := ratelimit.NewLimiter(rdb, "cabohealth:ratelimit:auth:"+scope, perMinute, time.Minute)
	if err != nil {
		slog.Warn("rate limiter disabled", "scope", scope, "err", err)
		return nil
	}
	return l
}
