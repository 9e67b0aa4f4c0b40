// Package ratelimit counts events in fixed Redis-backed windows and turns
// those counts into request limits.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindow increments KEYS[1] and starts its expiry on the first hit.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Window counts events per key within aligned windows of a fixed size.
// Every instance sharing the Redis keyspace sees the same counts.
type Window struct {
	client redis.UniversalClient
	prefix string
	size   time.Duration
	now    func() time.Time
}

func NewWindow(client redis.UniversalClient, prefix string, size time.Duration) (*Window, error) {
	if client == nil {
		return nil, fmt.Errorf("window %q: redis client required", prefix)
	}
	if size < time.Millisecond {
		return nil, fmt.Errorf("window %q: size must be at least 1ms", prefix)
	}
	return &Window{client: client, prefix: strings.TrimSpace(prefix), size: size, now: time.Now}, nil
}

// Incr records one event for key and returns the count so far in the
// current window.
func (w *Window) Incr(ctx context.Context, key string) (int64, error) {
	sizeMs := w.size.Milliseconds()
	slot := w.now().UnixMilli() / sizeMs
	redisKey := fmt.Sprintf("%s:%s:%d", w.prefix, keySegment(key), slot)
	return incrWindow.Run(ctx, w.client, []string{redisKey}, sizeMs).Int64()
}

// Remaining is the time left in the current window.
func (w *Window) Remaining() time.Duration {
	sizeMs := w.size.Milliseconds()
	return time.Duration(sizeMs-w.now().UnixMilli()%sizeMs) * time.Millisecond
}

func (w *Window) Size() time.Duration { return w.size }

var segmentReplacer = strings.NewReplacer(":", "_", " ", "_", "|", "_")

func keySegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return segmentReplacer.Replace(s)
}
