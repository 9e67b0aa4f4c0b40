// Package security raises log alerts when failed or throttled auth events
// from one client pile up.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cabohealth/internal/ratelimit"

	"github.com/redis/go-redis/v9"
)

type rule struct {
	events    []string // empty matches any event
	outcome   string
	threshold int64
	window    time.Duration
}

var rules = []rule{
	{outcome: "rate_limited", threshold: 20, window: time.Minute},
	{events: []string{"auth.login", "auth.signup"}, outcome: "fail", threshold: 10, window: 5 * time.Minute},
	{events: []string{"auth.refresh", "auth.logout", "auth.password.change"}, outcome: "fail", threshold: 15, window: 5 * time.Minute},
	{events: []string{"auth.authorize"}, outcome: "fail", threshold: 25, window: 5 * time.Minute},
}

func (r rule) matches(event, outcome string) bool {
	if r.outcome != outcome {
		return false
	}
	if len(r.events) == 0 {
		return true
	}
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

// AlertResult reports where an event's counter stands.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// AuditAlerter counts auth events per event, outcome and client IP. A nil
// *AuditAlerter is valid and records nothing.
type AuditAlerter struct {
	windows map[int]*ratelimit.Window
}

// NewAuditAlerter returns nil when client is nil.
func NewAuditAlerter(client redis.UniversalClient, prefix string) (*AuditAlerter, error) {
	if client == nil {
		return nil, nil
	}
	if prefix == "" {
		prefix = "cabohealth:auth:alerts"
	}
	a := &AuditAlerter{windows: make(map[int]*ratelimit.Window, len(rules))}
	for i, r := range rules {
		w, err := ratelimit.NewWindow(client, fmt.Sprintf("%s:%d", prefix, i), r.window)
		if err != nil {
			return nil, err
		}
		a.windows[i] = w
	}
	return a, nil
}

// Record observes an event and logs security_alert exactly when the
// threshold is reached. Counter failures only produce a warning.
func (a *AuditAlerter) Record(ctx context.Context, logger *slog.Logger, event, outcome, ip string) {
	if a == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	res, err := a.Observe(ctx, event, outcome, ip)
	if err != nil {
		logger.WarnContext(ctx, "security audit counter failed", "event", event, "err", err)
		return
	}
	if res.Triggered && res.Count == res.Threshold {
		logger.ErrorContext(ctx, "security_alert",
			"event", event,
			"outcome", outcome,
			"client_ip", ip,
			"count", res.Count,
			"window", res.Window.String(),
		)
	}
}

// Observe counts the event against the first matching rule. Events no rule
// covers are not counted.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	if a == nil {
		return AlertResult{}, nil
	}
	for i, r := range rules {
		if !r.matches(event, outcome) {
			continue
		}
		n, err := a.windows[i].Incr(ctx, event+":"+outcome+":"+ip)
		if err != nil {
			return AlertResult{}, err
		}
		return AlertResult{Triggered: n >= r.threshold, Count: n, Threshold: r.threshold, Window: r.window}, nil
	}
	return AlertResult{}, nil
}
