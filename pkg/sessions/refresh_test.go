package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func refreshBackends(t *testing.T) map[string]RefreshTokens {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]RefreshTokens{
		"memory": NewMemoryRefreshTokens(time.Hour),
		"redis":  NewRedisRefreshTokens(client, time.Hour),
	}
}

func TestRefreshRotation(t *testing.T) {
	ctx := context.Background()
	for name, store := range refreshBackends(t) {
		t.Run(name, func(t *testing.T) {
			first, err := store.Issue(ctx, "user-1")
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			userID, second, err := store.Rotate(ctx, first)
			if err != nil {
				t.Fatalf("rotate: %v", err)
			}
			if userID != "user-1" || second == "" || second == first {
				t.Fatalf("rotate = %q, %q", userID, second)
			}
			if _, third, err := store.Rotate(ctx, second); err != nil || third == second {
				t.Fatalf("second rotation: %q %v", third, err)
			}
			if _, _, err := store.Rotate(ctx, "never-issued"); !errors.Is(err, ErrInvalidRefresh) {
				t.Fatalf("unknown token: %v", err)
			}
		})
	}
}

func TestRefreshReplayRevokesFamily(t *testing.T) {
	ctx := context.Background()
	for name, store := range refreshBackends(t) {
		t.Run(name, func(t *testing.T) {
			first, _ := store.Issue(ctx, "user-1")
			other, _ := store.Issue(ctx, "user-1")
			_, second, err := store.Rotate(ctx, first)
			if err != nil {
				t.Fatalf("rotate: %v", err)
			}
			if _, _, err := store.Rotate(ctx, first); !errors.Is(err, ErrRefreshReplay) {
				t.Fatalf("expected replay, got %v", err)
			}
			if _, _, err := store.Rotate(ctx, second); !errors.Is(err, ErrInvalidRefresh) {
				t.Fatalf("current token of a replayed family must be dead, got %v", err)
			}
			if _, _, err := store.Rotate(ctx, other); err != nil {
				t.Fatalf("sibling family must survive: %v", err)
			}
		})
	}
}

func TestRefreshRevoke(t *testing.T) {
	ctx := context.Background()
	for name, store := range refreshBackends(t) {
		t.Run(name, func(t *testing.T) {
			token, _ := store.Issue(ctx, "user-1")
			if err := store.Revoke(ctx, token); err != nil {
				t.Fatalf("revoke: %v", err)
			}
			if _, _, err := store.Rotate(ctx, token); !errors.Is(err, ErrInvalidRefresh) {
				t.Fatalf("revoked token: %v", err)
			}
			if err := store.Revoke(ctx, "unknown"); err != nil {
				t.Fatalf("unknown token revoke is a no-op: %v", err)
			}
		})
	}
}

func TestRefreshRevokeUser(t *testing.T) {
	ctx := context.Background()
	for name, store := range refreshBackends(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := store.Issue(ctx, "user-1")
			b, _ := store.Issue(ctx, "user-1")
			_, b, _ = store.Rotate(ctx, b)
			keep, _ := store.Issue(ctx, "user-2")

			if err := store.RevokeUser(ctx, "user-1"); err != nil {
				t.Fatalf("revoke user: %v", err)
			}
			for _, tok := range []string{a, b} {
				if _, _, err := store.Rotate(ctx, tok); !errors.Is(err, ErrInvalidRefresh) {
					t.Fatalf("user-1 token survived: %v", err)
				}
			}
			if _, _, err := store.Rotate(ctx, keep); err != nil {
				t.Fatalf("user-2 token: %v", err)
			}
		})
	}
}

func TestRefreshConcurrentRotationHasOneWinner(t *testing.T) {
	ctx := context.Background()
	for name, store := range refreshBackends(t) {
		t.Run(name, func(t *testing.T) {
			token, _ := store.Issue(ctx, "user-1")
			var (
				wg  sync.WaitGroup
				mu  sync.Mutex
				won int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, _, err := store.Rotate(ctx, token); err == nil {
						mu.Lock()
						won++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if won != 1 {
				t.Fatalf("expected exactly one successful rotation, got %d", won)
			}
		})
	}
}

func TestMemoryRefreshExpiry(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Now()}
	store := NewMemoryRefreshTokens(time.Minute)
	store.now = c.now

	token, _ := store.Issue(ctx, "user-1")
	c.advance(50 * time.Second)
	_, token, err := store.Rotate(ctx, token)
	if err != nil {
		t.Fatalf("rotate before expiry: %v", err)
	}
	c.advance(50 * time.Second)
	if _, token, err = store.Rotate(ctx, token); err != nil {
		t.Fatalf("rotation extends the family lifetime: %v", err)
	}
	c.advance(2 * time.Minute)
	if _, _, err := store.Rotate(ctx, token); !errors.Is(err, ErrInvalidRefresh) {
		t.Fatalf("expected expiry, got %v", err)
	}
}
