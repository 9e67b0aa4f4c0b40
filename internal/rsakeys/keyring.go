// Package rsakeys loads RS256 key material and publishes it as JWKS.
//
// A Keyring has at most one signing key and any number of verification keys
// addressed by kid, so tokens signed before a key rotation keep verifying
// while the previous public key is still listed.
package rsakeys

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSigningKey = errors.New("keyring has no signing key")
	ErrMissingKID   = errors.New("token key id required")
	ErrUnknownKey   = errors.New("unknown token key")
)

// Files names the PEM files that make up a keyring. PrivateKey is optional
// for verify-only keyrings; Previous maps retired kids to public key files.
type Files struct {
	PrivateKey string
	PublicKey  string
	KeyID      string
	Previous   map[string]string
}

type Keyring struct {
	signer    *rsa.PrivateKey
	signerKID string
	public    map[string]*rsa.PublicKey
}

// Load reads every file named in f. The active public key defaults to the
// private key's own half when PublicKey is empty.
func Load(f Files, defaultKID string) (*Keyring, error) {
	kid := strings.TrimSpace(f.KeyID)
	if kid == "" {
		kid = defaultKID
	}
	k := &Keyring{public: make(map[string]*rsa.PublicKey)}

	if path := strings.TrimSpace(f.PrivateKey); path != "" {
		key, err := ReadPrivateKey(path)
		if err != nil {
			return nil, fmt.Errorf("private key: %w", err)
		}
		k.signer, k.signerKID = key, kid
		k.public[kid] = &key.PublicKey
	}
	if path := strings.TrimSpace(f.PublicKey); path != "" {
		pub, err := ReadPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("public key: %w", err)
		}
		k.public[kid] = pub
	}
	for prevKID, path := range f.Previous {
		prevKID, path = strings.TrimSpace(prevKID), strings.TrimSpace(path)
		if prevKID == "" || path == "" {
			continue
		}
		pub, err := ReadPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("verify key %q: %w", prevKID, err)
		}
		k.public[prevKID] = pub
	}
	if len(k.public) == 0 {
		return nil, errors.New("keyring needs a private or public key")
	}
	return k, nil
}

// New wraps an in-memory signing key.
func New(signer *rsa.PrivateKey, kid string) *Keyring {
	return &Keyring{
		signer:    signer,
		signerKID: kid,
		public:    map[string]*rsa.PublicKey{kid: &signer.PublicKey},
	}
}

// Trust adds a verification key. An existing kid is replaced.
func (k *Keyring) Trust(kid string, pub *rsa.PublicKey) {
	k.public[kid] = pub
}

func (k *Keyring) CanSign() bool { return k.signer != nil }

// Sign encodes claims as an RS256 JWT carrying the signing kid.
func (k *Keyring) Sign(claims jwt.Claims) (string, error) {
	if k.signer == nil {
		return "", ErrNoSigningKey
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = k.signerKID
	return t.SignedString(k.signer)
}

// Keyfunc resolves the verification key named by the token's kid header.
func (k *Keyring) Keyfunc(t *jwt.Token) (any, error) {
	return lookup(k.public, t)
}

// JWKS lists the verification keys ordered by kid.
func (k *Keyring) JWKS() []JWK {
	kids := make([]string, 0, len(k.public))
	for kid := range k.public {
		kids = append(kids, kid)
	}
	slices.Sort(kids)
	out := make([]JWK, 0, len(kids))
	for _, kid := range kids {
		out = append(out, EncodeJWK(kid, k.public[kid]))
	}
	return out
}

// Set is an immutable kid to key map, usually decoded from a JWKS document.
type Set map[string]*rsa.PublicKey

func (s Set) Keyfunc(t *jwt.Token) (any, error) {
	return lookup(s, t)
}

func lookup(keys map[string]*rsa.PublicKey, t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, ErrMissingKID
	}
	pub, ok := keys[kid]
	if !ok {
		return nil, ErrUnknownKey
	}
	return pub, nil
}

// JWK is one RSA entry of a JSON Web Key Set.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func EncodeJWK(kid string, pub *rsa.PublicKey) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		Alg: jwt.SigningMethodRS256.Alg(),
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// PublicKey decodes the modulus and exponent.
func (j JWK) PublicKey() (*rsa.PublicKey, error) {
	if !strings.EqualFold(strings.TrimSpace(j.Kty), "RSA") {
		return nil, fmt.Errorf("unsupported key type %q", j.Kty)
	}
	n, err := decodeBigInt(j.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := decodeBigInt(j.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 1 || e.Int64() > 1<<31-1 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// DecodeSet keeps the usable RSA entries of keys and drops the rest.
func DecodeSet(keys []JWK) Set {
	out := make(Set, len(keys))
	for _, jwk := range keys {
		kid := strings.TrimSpace(jwk.Kid)
		if kid == "" {
			continue
		}
		pub, err := jwk.PublicKey()
		if err != nil {
			continue
		}
		out[kid] = pub
	}
	return out
}

func decodeBigInt(raw string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(raw), "="))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// ParsePairs parses "kid=path,kid2=path2" as used by the verify-key settings.
func ParsePairs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, path, ok := strings.Cut(pair, "=")
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("invalid verify key entry %q", pair)
		}
		out[kid] = path
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
