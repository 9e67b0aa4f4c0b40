package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"cabohealth/internal/servicetoken"
	"cabohealth/internal/usertoken"
	"cabohealth/internal/util"
	"cabohealth/pkg/domain"
	"cabohealth/pkg/store"
	"cabohealth/services/records/internal/app"
)

// TokenVerifier checks access-token signatures locally.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (usertoken.Identity, error)
}

// IdentityService confirms a token with the auth service.
type IdentityService interface {
	Me(ctx context.Context, token string) (domain.User, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	Auth          IdentityService
	TokenVerifier TokenVerifier
}

// Server exposes the persistence API and remote functions.
type Server struct {
	app           *app.App
	auth          IdentityService
	tokenVerifier TokenVerifier
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("records app required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("auth client required")
	}
	s := &Server{
		app:           cfg.App,
		auth:          cfg.Auth,
		tokenVerifier: cfg.TokenVerifier,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("records", util.WithSentry(util.WithSecurityHeaders(util.WithCORS(s.mux)))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// profiles
	s.mux.Handle("/doctors", s.withUser(s.handleCreateDoctor))
	s.mux.Handle("/doctors/", s.withUser(s.handleDoctorByID))
	s.mux.Handle("/patients", s.withUser(s.handleCreatePatient))
	s.mux.Handle("/patients/", s.withUser(s.handlePatientByID))

	// analyses
	s.mux.Handle("/analyses", s.withUser(s.handleListAnalyses))
	s.mux.Handle("/analyses/", s.withUser(s.handleAnalysisByID))

	s.mux.Handle("/notifications", s.withUser(s.handleListNotifications))
	s.mux.Handle("/notifications/", s.withUser(s.handleNotificationByID))

	// remote functions
	s.mux.Handle("/functions/process-pdf", s.withUser(s.handleProcessPDF))
	s.mux.Handle("/functions/generate-report", s.withUser(s.handleGenerateReport))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, app.Caller)

// withUser authenticates the bearer token and resolves the caller's role.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		ctx := r.Context()
		logger := util.LoggerFromContext(ctx)
		var subject string
		if s.tokenVerifier != nil {
			identity, err := s.tokenVerifier.Verify(ctx, token)
			if err != nil {
				logger.Debug("access token rejected", "err", err)
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
				return
			}
			subject = identity.Subject
		}
		user, err := s.auth.Me(ctx, token)
		if err != nil || user.Status == domain.StatusDisabled || (subject != "" && user.ID != subject) {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		caller, err := s.app.ResolveCaller(ctx, user)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		ctx = util.ContextWithLogger(ctx, logger.With("user_id", user.ID, "role", caller.Role.String()))
		next(w, r.WithContext(ctx), caller)
	})
}

func (s *Server) handleCreateDoctor(w http.ResponseWriter, r *http.Request, caller app.Caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req domain.Doctor
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	doctor, err := s.app.CreateDoctor(r.Context(), caller, req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doctor)
}

// /doctors/{id}
func (s *Server) handleDoctorByID(w http.ResponseWriter, r *http.Request, _ app.Caller) {
	id, rest := splitPath(r.URL.Path, "/doctors/")
	if id == "" || rest != "" {
		notFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	doctor, err := s.app.GetDoctor(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doctor)
}

func (s *Server) handleCreatePatient(w http.ResponseWriter, r *http.Request, caller app.Caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req domain.Patient
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	patient, err := s.app.CreatePatient(r.Context(), caller, req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, patient)
}

// /patients/{id}
func (s *Server) handlePatientByID(w http.ResponseWriter, r *http.Request, caller app.Caller) {
	id, rest := splitPath(r.URL.Path, "/patients/")
	if id == "" || rest != "" {
		notFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	patient, err := s.app.GetPatient(r.Context(), caller, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request, caller app.Caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	q := r.URL.Query()
	status, err := app.ParseStatusFilter(q.Get("status"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	items, err := s.app.ListAnalyses(r.Context(), caller, domain.AnalysisFilter{
		PatientID: strings.TrimSpace(q.Get("patientId")),
		Status:    status,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

// /analyses/{id}, /analyses/{id}/report, /analyses/{id}/functional or /analyses/{id}/download
func (s *Server) handleAnalysisByID(w http.ResponseWriter, r *http.Request, caller app.Caller) {
	id, action := splitPath(r.URL.Path, "/analyses/")
	if id == "" {
		notFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	ctx := r.Context()
	switch action {
	case "":
		analysis, err := s.app.GetAnalysis(ctx, caller, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, analysis)
	case "report":
		report, err := s.app.GetReport(ctx, caller, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	case "functional":
		functional, err := s.app.FunctionalAnalysis(ctx, caller, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, functional)
	case "download":
		url, filename, err := s.app.DownloadURL(ctx, caller, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"url":      url,
			"filename": filename,
		})
	default:
		notFound(w, r)
	}
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request, caller app.Caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	unread := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("unread")), "true")
	items, err := s.app.ListNotifications(r.Context(), caller, unread)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

// /notifications/{id}/read
func (s *Server) handleNotificationByID(w http.ResponseWriter, r *http.Request, caller app.Caller) {
	id, action := splitPath(r.URL.Path, "/notifications/")
	if id == "" || action != "read" {
		notFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if err := s.app.MarkNotificationRead(r.Context(), caller, id); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (s *Server) handleProcessPDF(w http.ResponseWriter, r *http.Request, caller app.Caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	// base64 inflates by 4/3; leave room for the other fields.
	r.Body = http.MaxBytesReader(w, r.Body, s.app.MaxUploadBytes()/3*4+1<<20)
	var req domain.ProcessPDFRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeAppError(w, r, app.ErrPayloadTooLarge)
			return
		}
		writeError(w, r, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	result, err := s.app.ProcessPDF(r.Context(), caller, req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleGenerateReport(w http.ResponseWriter, r *http.Request, caller app.Caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req domain.GenerateReportRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}
	result, err := s.app.GenerateReport(r.Context(), caller, req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeAppError maps app and store errors to status codes.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "FORBIDDEN", "forbidden")
	case errors.Is(err, app.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, store.ErrProfileExists):
		writeError(w, r, http.StatusConflict, "PROFILE_EXISTS", err.Error())
	case errors.Is(err, app.ErrNotPDF):
		writeError(w, r, http.StatusBadRequest, "INVALID_PDF", err.Error())
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, app.ErrPayloadTooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "PDF_TOO_LARGE", err.Error())
	case errors.Is(err, app.ErrInterpreterUnavailable):
		writeError(w, r, http.StatusBadGateway, "INTERPRETER_UNAVAILABLE", "could not queue analysis for interpretation")
	default:
		util.LoggerFromContext(r.Context()).Error("records request failed", "path", r.URL.Path, "err", err)
		util.CaptureError(r.Context(), err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

// splitPath returns the id segment after prefix and whatever follows it.
func splitPath(path, prefix string) (string, string) {
	parts := strings.SplitN(strings.TrimPrefix(path, prefix), "/", 2)
	id := strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		return id, strings.Trim(parts[1], "/")
	}
	return id, ""
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "NOT_FOUND", "not found")
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
