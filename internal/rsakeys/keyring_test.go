package rsakeys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func generate(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func writePEM(t *testing.T, dir, name, typ string, der []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadSignsAndVerifiesWithPreviousKeys(t *testing.T) {
	dir := t.TempDir()
	active, retired := generate(t), generate(t)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(active)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	retiredPub := writePEM(t, dir, "retired.pem", "RSA PUBLIC KEY", x509.MarshalPKCS1PublicKey(&retired.PublicKey))

	ring, err := Load(Files{
		PrivateKey: writePEM(t, dir, "active.pem", "PRIVATE KEY", pkcs8),
		Previous:   map[string]string{"old": retiredPub, " ": "ignored"},
	}, "jwt-active")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ring.CanSign() {
		t.Fatalf("expected signing key")
	}
	jwks := ring.JWKS()
	if len(jwks) != 2 || jwks[0].Kid != "jwt-active" || jwks[1].Kid != "old" {
		t.Fatalf("unexpected jwks: %+v", jwks)
	}

	signed, err := ring.Sign(jwt.RegisteredClaims{Subject: "u-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(signed, &claims, ring.Keyfunc); err != nil || claims.Subject != "u-1" {
		t.Fatalf("verify: sub=%q err=%v", claims.Subject, err)
	}

	old := New(retired, "old")
	signed, _ = old.Sign(jwt.RegisteredClaims{Subject: "u-2"})
	if _, err := jwt.ParseWithClaims(signed, &jwt.RegisteredClaims{}, ring.Keyfunc); err != nil {
		t.Fatalf("retired key should still verify: %v", err)
	}
}

func TestLoadVerifyOnly(t *testing.T) {
	dir := t.TempDir()
	key := generate(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ring, err := Load(Files{PublicKey: writePEM(t, dir, "pub.pem", "PUBLIC KEY", der), KeyID: "svc"}, "default")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ring.CanSign() {
		t.Fatalf("verify-only keyring must not sign")
	}
	if _, err := ring.Sign(jwt.RegisteredClaims{}); !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("expected ErrNoSigningKey, got %v", err)
	}
	if _, err := Load(Files{}, "default"); err == nil {
		t.Fatalf("expected empty files to fail")
	}
}

func TestKeyfuncErrors(t *testing.T) {
	ring := New(generate(t), "a")
	other := New(generate(t), "b")

	noKID := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{})
	signed, _ := noKID.SignedString(ring.signer)
	if _, err := jwt.Parse(signed, ring.Keyfunc); !errors.Is(err, ErrMissingKID) {
		t.Fatalf("expected missing kid, got %v", err)
	}
	signed, _ = other.Sign(jwt.RegisteredClaims{})
	if _, err := jwt.Parse(signed, ring.Keyfunc); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected unknown key, got %v", err)
	}
}

func TestJWKRoundTripAndDecodeSet(t *testing.T) {
	key := generate(t)
	jwk := EncodeJWK("k1", &key.PublicKey)
	pub, err := jwk.PublicKey()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pub.N.Cmp(key.N) != 0 || pub.E != key.E {
		t.Fatalf("decoded key differs")
	}

	set := DecodeSet([]JWK{
		jwk,
		{Kty: "EC", Kid: "ec", N: jwk.N, E: jwk.E},
		{Kty: "RSA", Kid: "", N: jwk.N, E: jwk.E},
		{Kty: "RSA", Kid: "bad", N: "!!", E: jwk.E},
	})
	if len(set) != 1 || set["k1"] == nil {
		t.Fatalf("unexpected set: %v", set)
	}
}

func TestParsePairs(t *testing.T) {
	got, err := ParsePairs(" k1=/a.pem , k2=/b.pem,")
	if err != nil || len(got) != 2 || got["k2"] != "/b.pem" {
		t.Fatalf("parse: %v %v", got, err)
	}
	if got, err := ParsePairs(""); err != nil || got != nil {
		t.Fatalf("empty input: %v %v", got, err)
	}
	if _, err := ParsePairs("k1"); err == nil {
		t.Fatalf("expected malformed entry to fail")
	}
}
