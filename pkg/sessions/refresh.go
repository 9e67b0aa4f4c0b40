package sessions

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRefreshTTL = 7 * 24 * time.Hour

var (
	// ErrInvalidRefresh covers unknown, expired and revoked refresh tokens.
	ErrInvalidRefresh = errors.New("invalid refresh token")
	// ErrRefreshReplay is returned when a token that was already rotated is
	// presented again. The whole family is revoked before returning.
	ErrRefreshReplay = errors.New("refresh token replay detected")
)

// RefreshTokens stores opaque refresh tokens by family. Each rotation
// replaces the family's current token and extends its lifetime; only the
// current token may rotate.
type RefreshTokens interface {
	Issue(ctx context.Context, userID string) (string, error)
	Rotate(ctx context.Context, token string) (userID, next string, err error)
	Revoke(ctx context.Context, token string) error
	RevokeUser(ctx context.Context, userID string) error
}

type family struct {
	userID  string
	current string
	hashes  []string
	expires time.Time
}

// MemoryRefreshTokens is the single-process RefreshTokens.
type MemoryRefreshTokens struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	families map[string]*family
	byHash   map[string]string
	byUser   map[string]map[string]struct{}
}

func NewMemoryRefreshTokens(ttl time.Duration) *MemoryRefreshTokens {
	if ttl <= 0 {
		ttl = DefaultRefreshTTL
	}
	return &MemoryRefreshTokens{
		ttl:      ttl,
		now:      time.Now,
		families: make(map[string]*family),
		byHash:   make(map[string]string),
		byUser:   make(map[string]map[string]struct{}),
	}
}

func (m *MemoryRefreshTokens) Issue(_ context.Context, userID string) (string, error) {
	token, hash, err := newRefreshToken()
	if err != nil {
		return "", err
	}
	familyID, err := randomHex(16)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.families[familyID] = &family{userID: userID, current: hash, hashes: []string{hash}, expires: m.now().Add(m.ttl)}
	m.byHash[hash] = familyID
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]struct{})
	}
	m.byUser[userID][familyID] = struct{}{}
	return token, nil
}

func (m *MemoryRefreshTokens) Rotate(_ context.Context, token string) (string, string, error) {
	next, nextHash, err := newRefreshToken()
	if err != nil {
		return "", "", err
	}
	hash := hashRefreshToken(token)

	m.mu.Lock()
	defer m.mu.Unlock()
	familyID, ok := m.byHash[hash]
	if !ok {
		return "", "", ErrInvalidRefresh
	}
	f := m.families[familyID]
	switch {
	case f == nil || !m.now().Before(f.expires):
		m.dropLocked(familyID)
		return "", "", ErrInvalidRefresh
	case f.current != hash:
		m.dropLocked(familyID)
		return "", "", ErrRefreshReplay
	}
	f.current = nextHash
	f.hashes = append(f.hashes, nextHash)
	f.expires = m.now().Add(m.ttl)
	m.byHash[nextHash] = familyID
	return f.userID, next, nil
}

// Revoke drops the family that token belongs to. Unknown tokens are ignored.
func (m *MemoryRefreshTokens) Revoke(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if familyID, ok := m.byHash[hashRefreshToken(token)]; ok {
		m.dropLocked(familyID)
	}
	return nil
}

func (m *MemoryRefreshTokens) RevokeUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for familyID := range m.byUser[userID] {
		m.dropLocked(familyID)
	}
	return nil
}

func (m *MemoryRefreshTokens) dropLocked(familyID string) {
	f, ok := m.families[familyID]
	if !ok {
		return
	}
	for _, h := range f.hashes {
		delete(m.byHash, h)
	}
	delete(m.families, familyID)
	if fams := m.byUser[f.userID]; fams != nil {
		delete(fams, familyID)
		if len(fams) == 0 {
			delete(m.byUser, f.userID)
		}
	}
}

// rotateFamily swaps the family's current hash when ARGV[1] still is the
// current one. Returns 1 on success, 0 for a missing family and -1 for a
// stale token.
//
// KEYS: family hash, family token set, new token key, user family set.
// ARGV: presented hash, new hash, family id, ttl in milliseconds.
var rotateFamily = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "current")
if not current then
	return 0
end
if current ~= ARGV[1] then
	return -1
end
redis.call("HSET", KEYS[1], "current", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
redis.call("SET", KEYS[3], ARGV[3], "PX", ARGV[4])
redis.call("SADD", KEYS[2], ARGV[2])
redis.call("PEXPIRE", KEYS[2], ARGV[4])
redis.call("SADD", KEYS[4], ARGV[3])
redis.call("PEXPIRE", KEYS[4], ARGV[4])
return 1
`)

// RedisRefreshTokens keeps families in Redis so any auth instance can
// rotate them. Layout under the prefix:
//
//	token:<hash>          -> family id
//	family:<id>           -> hash{user, current}
//	family_tokens:<id>    -> set of every hash issued in the family
//	user_families:<user>  -> set of family ids
type RedisRefreshTokens struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisRefreshTokens(client redis.UniversalClient, ttl time.Duration) *RedisRefreshTokens {
	if ttl <= 0 {
		ttl = DefaultRefreshTTL
	}
	return &RedisRefreshTokens{client: client, ttl: ttl, prefix: "cabohealth:refresh"}
}

func (r *RedisRefreshTokens) Issue(ctx context.Context, userID string) (string, error) {
	token, hash, err := newRefreshToken()
	if err != nil {
		return "", err
	}
	familyID, err := randomHex(16)
	if err != nil {
		return "", err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.key("token", hash), familyID, r.ttl)
		p.HSet(ctx, r.key("family", familyID), "user", userID, "current", hash)
		p.PExpire(ctx, r.key("family", familyID), r.ttl)
		p.SAdd(ctx, r.key("family_tokens", familyID), hash)
		p.PExpire(ctx, r.key("family_tokens", familyID), r.ttl)
		p.SAdd(ctx, r.key("user_families", userID), familyID)
		p.PExpire(ctx, r.key("user_families", userID), r.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store refresh token: %w", err)
	}
	return token, nil
}

func (r *RedisRefreshTokens) Rotate(ctx context.Context, token string) (string, string, error) {
	hash := hashRefreshToken(token)
	familyID, err := r.client.Get(ctx, r.key("token", hash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrInvalidRefresh
	}
	if err != nil {
		return "", "", err
	}
	userID, err := r.client.HGet(ctx, r.key("family", familyID), "user").Result()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrInvalidRefresh
	}
	if err != nil {
		return "", "", err
	}

	next, nextHash, err := newRefreshToken()
	if err != nil {
		return "", "", err
	}
	keys := []string{
		r.key("family", familyID),
		r.key("family_tokens", familyID),
		r.key("token", nextHash),
		r.key("user_families", userID),
	}
	outcome, err := rotateFamily.Run(ctx, r.client, keys, hash, nextHash, familyID, r.ttl.Milliseconds()).Int()
	if err != nil {
		return "", "", fmt.Errorf("rotate refresh token: %w", err)
	}
	switch outcome {
	case 1:
		return userID, next, nil
	case -1:
		if err := r.dropFamily(ctx, familyID, userID); err != nil {
			return "", "", err
		}
		return "", "", ErrRefreshReplay
	default:
		return "", "", ErrInvalidRefresh
	}
}

func (r *RedisRefreshTokens) Revoke(ctx context.Context, token string) error {
	familyID, err := r.client.Get(ctx, r.key("token", hashRefreshToken(token))).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	userID, err := r.client.HGet(ctx, r.key("family", familyID), "user").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return r.dropFamily(ctx, familyID, userID)
}

func (r *RedisRefreshTokens) RevokeUser(ctx context.Context, userID string) error {
	families, err := r.client.SMembers(ctx, r.key("user_families", userID)).Result()
	if err != nil {
		return err
	}
	for _, familyID := range families {
		if err := r.dropFamily(ctx, familyID, userID); err != nil {
			return err
		}
	}
	return r.client.Del(ctx, r.key("user_families", userID)).Err()
}

func (r *RedisRefreshTokens) dropFamily(ctx context.Context, familyID, userID string) error {
	hashes, err := r.client.SMembers(ctx, r.key("family_tokens", familyID)).Result()
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, h := range hashes {
			p.Del(ctx, r.key("token", h))
		}
		p.Del(ctx, r.key("family", familyID), r.key("family_tokens", familyID))
		if userID != "" {
			p.SRem(ctx, r.key("user_families", userID), familyID)
		}
		return nil
	})
	return err
}

func (r *RedisRefreshTokens) key(kind, id string) string {
	return r.prefix + ":" + kind + ":" + id
}

func newRefreshToken() (token, hash string, err error) {
	token, err = randomHex(32)
	if err != nil {
		return "", "", err
	}
	return token, hashRefreshToken(token), nil
}

// hashRefreshToken is the stored form of a token. Raw tokens never reach storage.
func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
