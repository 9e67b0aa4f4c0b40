package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"cabohealth/internal/ratelimit"
	"cabohealth/internal/servicetoken"
	"cabohealth/internal/util"
	"cabohealth/pkg/auth"
	"cabohealth/pkg/domain"
	"cabohealth/services/auth/internal/app"
	"cabohealth/services/auth/internal/security"
)

// Limiters holds the per-endpoint limiters. A nil limiter disables limiting.
type Limiters struct {
	Signup   *ratelimit.Limiter
	Login    *ratelimit.Limiter
	Refresh  *ratelimit.Limiter
	Password *ratelimit.Limiter
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Limiters       Limiters
	Alerter        *security.AuditAlerter
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the auth service.
type Server struct {
	app     *app.App
	alerter *security.AuditAlerter
	proxies *util.TrustedProxies
	mux     *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:     cfg.App,
		alerter: cfg.Alerter,
		proxies: cfg.TrustedProxies,
		mux:     http.NewServeMux(),
	}
	s.routes(cfg.Limiters)
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("auth", util.WithSentry(util.WithSecurityHeaders(util.WithCORS(s.mux)))))
}

func (s *Server) routes(l Limiters) {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/auth/signup", s.limited(l.Signup, "auth.signup", http.HandlerFunc(s.handleSignup)))
	s.mux.Handle("/auth/login", s.limited(l.Login, "auth.login", http.HandlerFunc(s.handleLogin)))
	s.mux.Handle("/auth/refresh", s.limited(l.Refresh, "auth.refresh", http.HandlerFunc(s.handleRefresh)))
	s.mux.HandleFunc("/auth/logout", s.handleLogout)
	s.mux.Handle("/auth/me", s.authenticated(s.handleMe))
	s.mux.Handle("/auth/me/password", s.limited(l.Password, "auth.password.change", s.authenticated(s.handleChangePassword)))
	s.mux.HandleFunc("/auth/jwks.json", s.handleJWKS)
}

func (s *Server) limited(l *ratelimit.Limiter, event string, next http.Handler) http.Handler {
	return ratelimit.Middleware(l, event, s.clientIP, func(r *http.Request) {
		s.audit(r, event, "rate_limited")
	})(next)
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.proxies)
}

func (s *Server) audit(r *http.Request, event, outcome string) {
	s.alerter.Record(r.Context(), util.LoggerFromContext(r.Context()), event, outcome, s.clientIP(r))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		user, err := s.app.Authenticate(r.Context(), token)
		if err != nil {
			s.audit(r, "auth.authorize", "fail")
			s.writeAppError(w, r, err)
			return
		}
		next(w, r, user)
	})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	pair, err := s.app.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.signup", "fail")
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAuthResponse(pair))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	pair, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail")
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAuthResponse(pair))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	pair, err := s.app.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.audit(r, "auth.refresh", "fail")
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAuthResponse(pair))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	token, ok := servicetoken.BearerToken(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	var req refreshRequest
	// The body is optional; a missing refresh token only revokes the access token.
	_ = json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req)
	if err := s.app.Logout(r.Context(), token, req.RefreshToken); err != nil {
		s.audit(r, "auth.logout", "fail")
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPatch && r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req changePasswordRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	if err := s.app.ChangePassword(r.Context(), user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		s.audit(r, "auth.password.change", "fail")
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	keys := s.app.JWKS()
	if len(keys) == 0 {
		writeError(w, r, http.StatusServiceUnavailable, "JWKS_UNAVAILABLE", "no signing keys")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// writeAppError maps app and password-policy errors to status codes.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrEmailAlreadyExists):
		writeError(w, r, http.StatusConflict, "EMAIL_EXISTS", err.Error())
	case errors.Is(err, app.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error())
	case errors.Is(err, app.ErrInvalidRefreshToken):
		writeError(w, r, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", err.Error())
	case errors.Is(err, app.ErrUserDisabled):
		writeError(w, r, http.StatusForbidden, "USER_DISABLED", err.Error())
	case errors.Is(err, app.ErrUserNotFound):
		writeError(w, r, http.StatusNotFound, "USER_NOT_FOUND", err.Error())
	case isPasswordPolicyError(err),
		errors.Is(err, app.ErrEmailAndPasswordRequired),
		errors.Is(err, app.ErrInvalidEmail),
		errors.Is(err, app.ErrRefreshTokenRequired),
		errors.Is(err, app.ErrPasswordNotSet),
		errors.Is(err, app.ErrNewPasswordRequired),
		errors.Is(err, app.ErrCurrentPasswordRequired),
		errors.Is(err, app.ErrPasswordUnchanged):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("auth request failed", "path", r.URL.Path, "err", err)
		util.CaptureError(r.Context(), err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func isPasswordPolicyError(err error) bool {
	for _, target := range []error{
		auth.ErrPasswordTooShort,
		auth.ErrPasswordMissingUpper,
		auth.ErrPasswordMissingLower,
		auth.ErrPasswordMissingDigit,
		auth.ErrPasswordMissingOther,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type authResponse struct {
	Token        string      `json:"token"`
	RefreshToken string      `json:"refreshToken"`
	User         domain.User `json:"user"`
}

func newAuthResponse(p app.TokenPair) authResponse {
	return authResponse{Token: p.AccessToken, RefreshToken: p.RefreshToken, User: p.User}
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code, RequestID: util.RequestIDFromRequest(r)})
}
