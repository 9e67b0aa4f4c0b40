// Package sessions issues the identity service's credentials: short-lived
// RS256 access tokens that verifiers check against JWKS, and opaque refresh
// tokens grouped in rotation families.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cabohealth/internal/rsakeys"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	DefaultIssuer    = "cabohealth-auth"
	DefaultAudience  = "cabohealth-api"
	DefaultAccessTTL = 15 * time.Minute
	DefaultLeeway    = 30 * time.Second
	DefaultKeyID     = "jwt-active"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token revoked")
)

// AccessConfig configures access-token issuance. Revocations may be nil, in
// which case tokens stay valid until they expire.
type AccessConfig struct {
	Keys        *rsakeys.Keyring
	Issuer      string
	Audience    string
	TTL         time.Duration
	Leeway      time.Duration
	Revocations Revocations
	Now         func() time.Time
}

// Claims is what a valid access token says about its bearer.
type Claims struct {
	UserID    string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type AccessTokens struct {
	keys        *rsakeys.Keyring
	issuer      string
	audience    string
	ttl         time.Duration
	revocations Revocations
	now         func() time.Time
	parser      *jwt.Parser
}

func NewAccessTokens(cfg AccessConfig) (*AccessTokens, error) {
	if cfg.Keys == nil || !cfg.Keys.CanSign() {
		return nil, errors.New("access tokens need a signing key")
	}
	a := &AccessTokens{
		keys:        cfg.Keys,
		issuer:      orDefault(cfg.Issuer, DefaultIssuer),
		audience:    orDefault(cfg.Audience, DefaultAudience),
		ttl:         cfg.TTL,
		revocations: cfg.Revocations,
		now:         cfg.Now,
	}
	if a.ttl <= 0 {
		a.ttl = DefaultAccessTTL
	}
	if a.now == nil {
		a.now = time.Now
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	a.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
	)
	return a, nil
}

// Issue signs a token for userID.
func (a *AccessTokens) Issue(_ context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	jti, err := randomHex(12)
	if err != nil {
		return "", err
	}
	now := a.now().UTC()
	return a.keys.Sign(jwt.RegisteredClaims{
		ID:        jti,
		Subject:   userID,
		Issuer:    a.issuer,
		Audience:  jwt.ClaimStrings{a.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	})
}

// Verify checks signature and registered claims, then consults the
// revocation lists. Revocation lookups that fail are returned as errors,
// not as ErrTokenRevoked.
func (a *AccessTokens) Verify(ctx context.Context, token string) (Claims, error) {
	c, err := a.parse(token)
	if err != nil {
		return Claims{}, err
	}
	if a.revocations == nil {
		return c, nil
	}
	revoked, err := a.revocations.TokenRevoked(ctx, c.TokenID)
	if err != nil {
		return Claims{}, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return Claims{}, ErrTokenRevoked
	}
	cutoff, err := a.revocations.UserCutoff(ctx, c.UserID)
	if err != nil {
		return Claims{}, fmt.Errorf("check user revocation: %w", err)
	}
	if !cutoff.IsZero() && !c.IssuedAt.After(cutoff) {
		return Claims{}, ErrTokenRevoked
	}
	return c, nil
}

// Revoke blocks a single token until it would have expired anyway. Tokens
// that do not verify are already unusable and are ignored.
func (a *AccessTokens) Revoke(ctx context.Context, token string) error {
	if a.revocations == nil {
		return nil
	}
	c, err := a.parse(token)
	if err != nil {
		return nil
	}
	return a.revocations.RevokeToken(ctx, c.TokenID, c.ExpiresAt)
}

// RevokeUser rejects every token of userID issued at or before cutoff.
func (a *AccessTokens) RevokeUser(ctx context.Context, userID string, cutoff time.Time) error {
	if a.revocations == nil {
		return errors.New("token revocation not configured")
	}
	return a.revocations.RevokeUser(ctx, userID, cutoff)
}

func (a *AccessTokens) JWKS() []rsakeys.JWK {
	return a.keys.JWKS()
}

func (a *AccessTokens) parse(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}
	var rc jwt.RegisteredClaims
	if _, err := a.parser.ParseWithClaims(token, &rc, a.keys.Keyfunc); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(rc.ID) == "" || strings.TrimSpace(rc.Subject) == "" || rc.IssuedAt == nil {
		return Claims{}, fmt.Errorf("%w: jti, sub and iat are required", ErrInvalidToken)
	}
	return Claims{
		UserID:    rc.Subject,
		TokenID:   rc.ID,
		IssuedAt:  rc.IssuedAt.UTC(),
		ExpiresAt: rc.ExpiresAt.UTC(),
	}, nil
}

func orDefault(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}
