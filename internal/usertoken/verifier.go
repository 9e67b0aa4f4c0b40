// Package usertoken verifies patient access tokens outside the auth
// service, using the key set auth publishes at its JWKS endpoint.
package usertoken

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"cabohealth/internal/rsakeys"
	"cabohealth/pkg/sessions"

	jwt "github.com/golang-jwt/jwt/v5"
)

type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Identity is what a verified access token asserts about its bearer.
type Identity struct {
	Subject   string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type Verifier struct {
	parser *jwt.Parser
	keys   *keySource
}

// NewVerifier loads the key set once so a misconfigured JWKS URL fails at
// startup.
func NewVerifier(cfg Config) (*Verifier, error) {
	url := strings.TrimSpace(cfg.JWKSURL)
	if url == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = sessions.DefaultLeeway
	}
	v := &Verifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(orDefault(cfg.Issuer, sessions.DefaultIssuer)),
			jwt.WithAudience(orDefault(cfg.Audience, sessions.DefaultAudience)),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
		keys: &keySource{url: url, client: client, now: time.Now},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := v.keys.reload(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// Verify validates the token against the cached key set. A token signed by
// a key the cache does not know, or any failure after the cache went stale,
// triggers one reload and a second attempt.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, errors.New("token required")
	}
	keys, fresh := v.keys.current()
	claims, err := v.parse(token, keys)
	if err != nil && (errors.Is(err, rsakeys.ErrUnknownKey) || !fresh) {
		if keys, err = v.keys.reload(ctx); err != nil {
			return Identity{}, err
		}
		claims, err = v.parse(token, keys)
	}
	if err != nil {
		return Identity{}, err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, errors.New("token subject missing")
	}
	id := Identity{Subject: subject, TokenID: claims.ID}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.UTC()
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.UTC()
	}
	return id, nil
}

func (v *Verifier) parse(token string, keys rsakeys.Set) (jwt.RegisteredClaims, error) {
	var claims jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(token, &claims, keys.Keyfunc)
	return claims, err
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
