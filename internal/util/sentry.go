package util

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
)

var sentryEnabled bool

// InitSentry enables error reporting when dsn is set. The returned func
// flushes buffered events and is safe to call when reporting is disabled.
func InitSentry(dsn, environment, release string) func() {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return func() {}
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		EnableTracing:    true,
		TracesSampleRate: 0.2,
		Environment:      environment,
		Release:          release,
	}); err != nil {
		slog.Error("sentry init failed", "err", err)
		return func() {}
	}
	sentryEnabled = true
	return func() { sentry.Flush(2 * time.Second) }
}

// WithSentry attaches a Sentry hub to each request and reports panics.
func WithSentry(next http.Handler) http.Handler {
	if !sentryEnabled {
		return next
	}
	return sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle(next)
}

// CaptureError reports err using the request hub when one is present.
func CaptureError(ctx context.Context, err error) {
	if err == nil || !sentryEnabled {
		return
	}
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
		return
	}
	sentry.CaptureException(err)
}
