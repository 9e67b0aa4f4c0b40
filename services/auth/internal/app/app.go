package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"cabohealth/internal/rsakeys"
	"cabohealth/internal/util"
	"cabohealth/pkg/auth"
	"cabohealth/pkg/domain"
	"cabohealth/pkg/sessions"
	"cabohealth/pkg/store"
)

// Config wires the identity service's collaborators. All three are required.
type Config struct {
	Users   store.UserStore
	Access  *sessions.AccessTokens
	Refresh sessions.RefreshTokens
	Now     func() time.Time
}

// App owns identities and hands out token pairs. Identities carry no role;
// the records service derives roles from profiles.
type App struct {
	users   store.UserStore
	access  *sessions.AccessTokens
	refresh sessions.RefreshTokens
	now     func() time.Time
}

// TokenPair is returned by every operation that signs a user in.
type TokenPair struct {
	User         domain.User
	AccessToken  string
	RefreshToken string
}

func New(cfg Config) (*App, error) {
	switch {
	case cfg.Users == nil:
		return nil, errors.New("user store required")
	case cfg.Access == nil:
		return nil, errors.New("access tokens required")
	case cfg.Refresh == nil:
		return nil, errors.New("refresh tokens required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{users: cfg.Users, access: cfg.Access, refresh: cfg.Refresh, now: now}, nil
}

// SignUp registers an identity and signs it in.
func (a *App) SignUp(ctx context.Context, email, password string) (TokenPair, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, ErrEmailAndPasswordRequired
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return TokenPair{}, ErrInvalidEmail
	}
	if err := auth.ValidatePassword(password); err != nil {
		return TokenPair{}, err
	}
	taken, err := a.users.HasUserEmail(email)
	if err != nil {
		return TokenPair{}, fmt.Errorf("check email: %w", err)
	}
	if taken {
		return TokenPair{}, ErrEmailAlreadyExists
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return TokenPair{}, fmt.Errorf("hash password: %w", err)
	}
	now := a.now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: hash,
		Status:       domain.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.users.SaveUser(user); err != nil {
		return TokenPair{}, fmt.Errorf("save user: %w", err)
	}
	util.LoggerFromContext(ctx).Info("identity created", "user_id", user.ID)
	return a.signIn(ctx, user)
}

// Login checks credentials. Unknown emails, missing hashes and wrong
// passwords all return ErrInvalidCredentials.
func (a *App) Login(ctx context.Context, email, password string) (TokenPair, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, ErrEmailAndPasswordRequired
	}
	user, found, err := a.users.GetUserByEmail(email)
	if err != nil {
		return TokenPair{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found || !hasPassword(user) || !auth.CheckPassword(password, user.PasswordHash) {
		return TokenPair{}, ErrInvalidCredentials
	}
	if user.Status == domain.StatusDisabled {
		return TokenPair{}, ErrUserDisabled
	}
	return a.signIn(ctx, user)
}

// Authenticate resolves the active identity behind an access token. Token
// and account problems map to ErrUnauthorized; anything else is a backend
// failure.
func (a *App) Authenticate(ctx context.Context, accessToken string) (domain.User, error) {
	claims, err := a.access.Verify(ctx, accessToken)
	if errors.Is(err, sessions.ErrInvalidToken) || errors.Is(err, sessions.ErrTokenRevoked) {
		return domain.User{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if err != nil {
		return domain.User{}, err
	}
	user, found, err := a.users.GetUserByID(claims.UserID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found || user.Status == domain.StatusDisabled {
		return domain.User{}, ErrUnauthorized
	}
	return user, nil
}

// Refresh rotates refreshToken and signs a fresh access token.
func (a *App) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, ErrRefreshTokenRequired
	}
	userID, next, err := a.refresh.Rotate(ctx, refreshToken)
	switch {
	case errors.Is(err, sessions.ErrRefreshReplay):
		util.LoggerFromContext(ctx).Warn("refresh token replay, family revoked")
		return TokenPair{}, ErrInvalidRefreshToken
	case errors.Is(err, sessions.ErrInvalidRefresh):
		return TokenPair{}, ErrInvalidRefreshToken
	case err != nil:
		return TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	user, found, err := a.users.GetUserByID(userID)
	if err != nil {
		a.discardRefresh(ctx, next)
		return TokenPair{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found || user.Status == domain.StatusDisabled {
		a.discardRefresh(ctx, next)
		return TokenPair{}, ErrInvalidRefreshToken
	}
	access, err := a.access.Issue(ctx, user.ID)
	if err != nil {
		a.discardRefresh(ctx, next)
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	return TokenPair{User: user, AccessToken: access, RefreshToken: next}, nil
}

// Logout revokes the access token and, when given, the refresh token's family.
func (a *App) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if err := a.access.Revoke(ctx, accessToken); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	if refreshToken = strings.TrimSpace(refreshToken); refreshToken == "" {
		return nil
	}
	if err := a.refresh.Revoke(ctx, refreshToken); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// ChangePassword replaces the password and signs the user out everywhere.
func (a *App) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	switch {
	case strings.TrimSpace(newPassword) == "":
		return ErrNewPasswordRequired
	case strings.TrimSpace(currentPassword) == "":
		return ErrCurrentPasswordRequired
	case currentPassword == newPassword:
		return ErrPasswordUnchanged
	}
	if err := auth.ValidatePassword(newPassword); err != nil {
		return err
	}
	user, found, err := a.users.GetUserByID(userID)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if !found {
		return ErrUserNotFound
	}
	if user.Status == domain.StatusDisabled {
		return ErrUserDisabled
	}
	if !hasPassword(user) {
		return ErrPasswordNotSet
	}
	if !auth.CheckPassword(currentPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	cutoff := a.now().UTC()
	user.PasswordHash = hash
	user.UpdatedAt = cutoff
	if err := a.users.SaveUser(user); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := a.access.RevokeUser(ctx, userID, cutoff); err != nil {
		return fmt.Errorf("revoke access tokens: %w", err)
	}
	if err := a.refresh.RevokeUser(ctx, userID); err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	util.LoggerFromContext(ctx).Info("password changed, sessions revoked", "user_id", userID)
	return nil
}

func (a *App) JWKS() []rsakeys.JWK {
	return a.access.JWKS()
}

func (a *App) signIn(ctx context.Context, user domain.User) (TokenPair, error) {
	access, err := a.access.Issue(ctx, user.ID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := a.refresh.Issue(ctx, user.ID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return TokenPair{User: user, AccessToken: access, RefreshToken: refresh}, nil
}

// discardRefresh drops a token that was rotated but never handed out.
func (a *App) discardRefresh(ctx context.Context, token string) {
	if err := a.refresh.Revoke(ctx, token); err != nil {
		util.LoggerFromContext(ctx).Warn("discard refresh token failed", slog.Any("err", err))
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func hasPassword(u domain.User) bool {
	return strings.TrimSpace(u.PasswordHash) != ""
}
