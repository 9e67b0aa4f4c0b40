package sessions

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"cabohealth/internal/rsakeys"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newKeyring(t *testing.T, kid string) *rsakeys.Keyring {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return rsakeys.New(key, kid)
}

func newAccess(t *testing.T, c *clock) (*AccessTokens, *MemoryRevocations) {
	t.Helper()
	rev := NewMemoryRevocations()
	rev.now = c.now
	a, err := NewAccessTokens(AccessConfig{
		Keys:        newKeyring(t, "test-kid"),
		TTL:         time.Minute,
		Leeway:      time.Second,
		Revocations: rev,
		Now:         c.now,
	})
	if err != nil {
		t.Fatalf("new access tokens: %v", err)
	}
	return a, rev
}

func TestAccessTokenIssueVerify(t *testing.T) {
	c := &clock{t: time.Now().UTC().Truncate(time.Second)}
	a, _ := newAccess(t, c)
	ctx := context.Background()

	token, err := a.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := a.Verify(ctx, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.TokenID == "" || !claims.ExpiresAt.Equal(c.t.Add(time.Minute)) {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	c.advance(2 * time.Minute)
	if _, err := a.Verify(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be invalid, got %v", err)
	}
}

func TestAccessTokenRejectsForeignTokens(t *testing.T) {
	c := &clock{t: time.Now().UTC()}
	a, _ := newAccess(t, c)
	other, err := NewAccessTokens(AccessConfig{Keys: newKeyring(t, "other-kid"), Now: c.now})
	if err != nil {
		t.Fatalf("new access tokens: %v", err)
	}
	wrongAudience, err := NewAccessTokens(AccessConfig{Keys: a.keys, Audience: "someone-else", Now: c.now})
	if err != nil {
		t.Fatalf("new access tokens: %v", err)
	}
	ctx := context.Background()
	for name, issuer := range map[string]*AccessTokens{"unknown kid": other, "audience": wrongAudience} {
		token, err := issuer.Issue(ctx, "user-1")
		if err != nil {
			t.Fatalf("%s: issue: %v", name, err)
		}
		if _, err := a.Verify(ctx, token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
	if _, err := a.Verify(ctx, "  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("blank token: %v", err)
	}
}

func TestAccessTokenRevoke(t *testing.T) {
	c := &clock{t: time.Now().UTC()}
	a, _ := newAccess(t, c)
	ctx := context.Background()

	kept, _ := a.Issue(ctx, "user-1")
	dropped, _ := a.Issue(ctx, "user-1")
	if err := a.Revoke(ctx, dropped); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := a.Verify(ctx, dropped); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
	if _, err := a.Verify(ctx, kept); err != nil {
		t.Fatalf("other token must survive: %v", err)
	}
	if err := a.Revoke(ctx, "garbage"); err != nil {
		t.Fatalf("revoking an invalid token is a no-op: %v", err)
	}
}

func TestAccessTokenRevokeUser(t *testing.T) {
	c := &clock{t: time.Now().UTC().Truncate(time.Second)}
	a, _ := newAccess(t, c)
	ctx := context.Background()

	before, _ := a.Issue(ctx, "user-1")
	bystander, _ := a.Issue(ctx, "user-2")
	if err := a.RevokeUser(ctx, "user-1", c.t); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	c.advance(time.Second)
	after, _ := a.Issue(ctx, "user-1")

	if _, err := a.Verify(ctx, before); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("token issued at cutoff must be revoked, got %v", err)
	}
	if _, err := a.Verify(ctx, after); err != nil {
		t.Fatalf("token issued after cutoff: %v", err)
	}
	if _, err := a.Verify(ctx, bystander); err != nil {
		t.Fatalf("other users are unaffected: %v", err)
	}
}

func TestAccessTokensRequireSigningKey(t *testing.T) {
	if _, err := NewAccessTokens(AccessConfig{}); err == nil {
		t.Fatalf("expected missing keys to fail")
	}
}

func TestAccessTokenJWKS(t *testing.T) {
	c := &clock{t: time.Now()}
	a, _ := newAccess(t, c)
	keys := a.JWKS()
	if len(keys) != 1 || keys[0].Kid != "test-kid" || keys[0].Alg != "RS256" {
		t.Fatalf("unexpected jwks: %+v", keys)
	}
}
