package app

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"cabohealth/internal/rsakeys"
	"cabohealth/pkg/auth"
	"cabohealth/pkg/domain"
	"cabohealth/pkg/sessions"
	"cabohealth/pkg/store"
)

const password = "Cabo-Health-2024!"

func newTestApp(t *testing.T) (*App, *store.MemoryStore) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	access, err := sessions.NewAccessTokens(sessions.AccessConfig{
		Keys:        rsakeys.New(key, "kid"),
		Revocations: sessions.NewMemoryRevocations(),
	})
	if err != nil {
		t.Fatalf("access tokens: %v", err)
	}
	users := store.NewMemoryStore()
	a, err := New(Config{Users: users, Access: access, Refresh: sessions.NewMemoryRefreshTokens(time.Hour)})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, users
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected missing collaborators to fail")
	}
}

func TestSignUpValidation(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	cases := []struct {
		email, password string
		want            error
	}{
		{"", password, ErrEmailAndPasswordRequired},
		{"a@example.com", "", ErrEmailAndPasswordRequired},
		{"not-an-email", password, ErrInvalidEmail},
		{"Ana <ana@example.com>", password, ErrInvalidEmail},
		{"a@example.com", "short", auth.ErrPasswordTooShort},
	}
	for _, tc := range cases {
		if _, err := a.SignUp(ctx, tc.email, tc.password); !errors.Is(err, tc.want) {
			t.Fatalf("SignUp(%q, %q) = %v, want %v", tc.email, tc.password, err, tc.want)
		}
	}
	if _, err := a.SignUp(ctx, " A@Example.com ", password); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if _, err := a.SignUp(ctx, "a@example.com", password); !errors.Is(err, ErrEmailAlreadyExists) {
		t.Fatalf("duplicate signup: %v", err)
	}
}

func TestLoginAndAuthenticate(t *testing.T) {
	a, users := newTestApp(t)
	ctx := context.Background()
	pair, err := a.SignUp(ctx, "ana@example.com", password)
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	user, err := a.Authenticate(ctx, pair.AccessToken)
	if err != nil || user.Email != "ana@example.com" {
		t.Fatalf("authenticate: %+v %v", user, err)
	}
	if _, err := a.Login(ctx, "ana@example.com", "Wrong-password-1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := a.Login(ctx, "nobody@example.com", password); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: %v", err)
	}
	if _, err := a.Authenticate(ctx, "garbage"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("garbage token: %v", err)
	}

	user.Status = domain.StatusDisabled
	if err := users.SaveUser(user); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := a.Login(ctx, "ana@example.com", password); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("disabled login: %v", err)
	}
	if _, err := a.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("disabled user token: %v", err)
	}
	if _, err := a.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("disabled user refresh: %v", err)
	}
}

func TestLogoutWithoutRefreshToken(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	pair, _ := a.SignUp(ctx, "ana@example.com", password)
	if err := a.Logout(ctx, pair.AccessToken, ""); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := a.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("access token should be revoked: %v", err)
	}
	if _, err := a.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("refresh token was not part of the logout: %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	pair, _ := a.SignUp(ctx, "ana@example.com", password)
	uid := pair.User.ID

	cases := []struct {
		current, next string
		want          error
	}{
		{password, "", ErrNewPasswordRequired},
		{"", "Another-Pass-77", ErrCurrentPasswordRequired},
		{password, password, ErrPasswordUnchanged},
		{"Wrong-Pass-77x", "Another-Pass-77", ErrInvalidCredentials},
	}
	for _, tc := range cases {
		if err := a.ChangePassword(ctx, uid, tc.current, tc.next); !errors.Is(err, tc.want) {
			t.Fatalf("ChangePassword(%q, %q) = %v, want %v", tc.current, tc.next, err, tc.want)
		}
	}
	if err := a.ChangePassword(ctx, "missing", password, "Another-Pass-77"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unknown user: %v", err)
	}

	if err := a.ChangePassword(ctx, uid, password, "Another-Pass-77"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if _, err := a.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("refresh tokens must be revoked: %v", err)
	}
	if _, err := a.Login(ctx, "ana@example.com", "Another-Pass-77"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}
