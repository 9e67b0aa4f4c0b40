// Package servicetoken authenticates calls between backend services with
// short-lived RS256 JWTs. The calling service is both issuer and subject;
// the callee checks audience and an issuer allowlist.
package servicetoken

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"cabohealth/internal/rsakeys"
	"cabohealth/internal/util"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTTL    = 60 * time.Second
	DefaultLeeway = 15 * time.Second
	DefaultKeyID  = "internal-active"
)

// Caller identifies the service behind a verified token.
type Caller struct {
	Service string
	TokenID string
}

type SignerConfig struct {
	Service string
	Keys    rsakeys.Files
	TTL     time.Duration
}

type Signer struct {
	service string
	keys    *rsakeys.Keyring
	ttl     time.Duration
}

func NewSigner(cfg SignerConfig) (*Signer, error) {
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		return nil, errors.New("service token issuer is required")
	}
	if strings.TrimSpace(cfg.Keys.PrivateKey) == "" {
		return nil, errors.New("service token private key path is required")
	}
	keys, err := rsakeys.Load(cfg.Keys, DefaultKeyID)
	if err != nil {
		return nil, fmt.Errorf("internal jwt keys: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{service: service, keys: keys, ttl: ttl}, nil
}

// Sign issues a token usable only against audience.
func (s *Signer) Sign(audience string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	id := make([]byte, 12)
	if _, err := rand.Read(id); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	return s.keys.Sign(jwt.RegisteredClaims{
		ID:        hex.EncodeToString(id),
		Issuer:    s.service,
		Subject:   s.service,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
}

type VerifierConfig struct {
	Audience string
	Issuers  []string
	Keys     rsakeys.Files
	Leeway   time.Duration
}

type Verifier struct {
	issuers []string
	keys    *rsakeys.Keyring
	parser  *jwt.Parser
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, errors.New("service token audience is required")
	}
	var issuers []string
	for _, iss := range cfg.Issuers {
		if iss = strings.TrimSpace(iss); iss != "" {
			issuers = append(issuers, iss)
		}
	}
	if len(issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	keys, err := rsakeys.Load(cfg.Keys, DefaultKeyID)
	if err != nil {
		return nil, fmt.Errorf("internal jwt keys: %w", err)
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	return &Verifier{
		issuers: issuers,
		keys:    keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithAudience(audience),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
	}, nil
}

// Verify checks signature, lifetime, audience and issuer, and requires jti
// and sub.
func (v *Verifier) Verify(token string) (Caller, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Caller{}, errors.New("token required")
	}
	var rc jwt.RegisteredClaims
	if _, err := v.parser.ParseWithClaims(token, &rc, v.keys.Keyfunc); err != nil {
		return Caller{}, err
	}
	switch {
	case !slices.Contains(v.issuers, rc.Issuer):
		return Caller{}, fmt.Errorf("issuer %q not allowed", rc.Issuer)
	case rc.ID == "":
		return Caller{}, errors.New("jti required")
	case strings.TrimSpace(rc.Subject) == "":
		return Caller{}, errors.New("subject required")
	}
	return Caller{Service: rc.Subject, TokenID: rc.ID}, nil
}

type callerKey struct{}

// Require lets a request through only with a valid service token and
// stores the Caller on its context.
func Require(v *Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			writeUnauthorized(w)
			return
		}
		caller, err := v.Verify(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("service token rejected", "path", r.URL.Path, "err", err)
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","code":"SERVICE_UNAUTHORIZED"}`))
}

// Transport adds a freshly signed token for Audience to every request.
type Transport struct {
	Signer   *Signer
	Audience string
	Base     http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.Signer.Sign(t.Audience)
	if err != nil {
		return nil, fmt.Errorf("sign service token: %w", err)
	}
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+token)
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(out)
}

// BearerToken returns the credentials of an Authorization: Bearer header.
// The scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
