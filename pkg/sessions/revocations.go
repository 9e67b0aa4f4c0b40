package sessions

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revocations records access tokens that must be refused before expiry.
// A user cutoff rejects every token of that user issued at or before it;
// cutoffs never move backwards.
type Revocations interface {
	RevokeToken(ctx context.Context, tokenID string, until time.Time) error
	TokenRevoked(ctx context.Context, tokenID string) (bool, error)
	RevokeUser(ctx context.Context, userID string, cutoff time.Time) error
	UserCutoff(ctx context.Context, userID string) (time.Time, error)
}

// MemoryRevocations serves a single auth instance and tests.
type MemoryRevocations struct {
	now func() time.Time

	mu      sync.Mutex
	tokens  map[string]time.Time
	cutoffs map[string]time.Time
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{
		now:     time.Now,
		tokens:  make(map[string]time.Time),
		cutoffs: make(map[string]time.Time),
	}
}

func (m *MemoryRevocations) RevokeToken(_ context.Context, tokenID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !until.After(now) {
		return nil
	}
	for id, exp := range m.tokens {
		if !exp.After(now) {
			delete(m.tokens, id)
		}
	}
	m.tokens[tokenID] = until
	return nil
}

func (m *MemoryRevocations) TokenRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.tokens[tokenID]
	return ok && until.After(m.now()), nil
}

func (m *MemoryRevocations) RevokeUser(_ context.Context, userID string, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cutoff.After(m.cutoffs[userID]) {
		m.cutoffs[userID] = cutoff.UTC()
	}
	return nil
}

func (m *MemoryRevocations) UserCutoff(_ context.Context, userID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cutoffs[userID], nil
}

// advanceCutoff keeps the larger of the stored and proposed cutoff.
var advanceCutoff = redis.NewScript(`
local stored = redis.call("GET", KEYS[1])
if stored and tonumber(stored) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// RedisRevocations shares revocations between auth instances. Entries carry
// a TTL so the keyspace only holds what could still matter.
type RedisRevocations struct {
	client    redis.UniversalClient
	prefix    string
	cutoffTTL time.Duration
}

// NewRedisRevocations keeps user cutoffs for cutoffTTL, which must cover
// the access-token lifetime plus leeway.
func NewRedisRevocations(client redis.UniversalClient, cutoffTTL time.Duration) *RedisRevocations {
	if cutoffTTL <= 0 {
		cutoffTTL = DefaultAccessTTL + DefaultLeeway
	}
	return &RedisRevocations{client: client, prefix: "cabohealth:revoked", cutoffTTL: cutoffTTL}
}

func (r *RedisRevocations) RevokeToken(ctx context.Context, tokenID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.tokenKey(tokenID), 1, ttl).Err()
}

func (r *RedisRevocations) TokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.tokenKey(tokenID)).Result()
	return n > 0, err
}

func (r *RedisRevocations) RevokeUser(ctx context.Context, userID string, cutoff time.Time) error {
	return advanceCutoff.Run(ctx, r.client, []string{r.userKey(userID)},
		cutoff.UTC().UnixNano(), r.cutoffTTL.Milliseconds()).Err()
}

func (r *RedisRevocations) UserCutoff(ctx context.Context, userID string) (time.Time, error) {
	raw, err := r.client.Get(ctx, r.userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos).UTC(), nil
}

func (r *RedisRevocations) tokenKey(id string) string { return r.prefix + ":jti:" + id }
func (r *RedisRevocations) userKey(id string) string  { return r.prefix + ":user:" + id }
