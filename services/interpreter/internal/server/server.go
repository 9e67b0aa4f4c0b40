package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"cabohealth/internal/rsakeys"
	"cabohealth/internal/servicetoken"
	"cabohealth/internal/util"
	"cabohealth/services/interpreter/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// ServiceKeys verifies tokens minted by the records service.
	ServiceKeys rsakeys.Files
}

// Server exposes the internal job API of the interpreter.
type Server struct {
	app *app.App
	mux *http.ServeMux
}

// New constructs the server with routes configured. Job routes only accept
// service tokens issued by the records service.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("interpreter app required")
	}
	verifier, err := servicetoken.NewVerifier(servicetoken.VerifierConfig{
		Audience: "interpreter",
		Issuers:  []string{"records-service"},
		Keys:     cfg.ServiceKeys,
	})
	if err != nil {
		return nil, err
	}
	s := &Server{app: cfg.App, mux: http.NewServeMux()}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/interpreter/jobs", servicetoken.Require(verifier, http.HandlerFunc(s.handleJobs)))
	s.mux.Handle("/interpreter/jobs/", servicetoken.Require(verifier, http.HandlerFunc(s.handleJobByID)))
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("interpreter", util.WithSentry(util.WithSecurityHeaders(s.mux))))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueResponse struct {
	JobID      string `json:"jobId"`
	Status     string `json:"status"`
	AnalysisID string `json:"analysisId"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req app.EnqueueRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	if caller, ok := servicetoken.CallerFromContext(r.Context()); ok {
		util.LoggerFromContext(r.Context()).Debug("interpretation requested", "analysis_id", req.AnalysisID, "caller", caller.Service)
	}
	job, err := s.app.Enqueue(r.Context(), req)
	switch {
	case errors.Is(err, app.ErrAnalysisIDRequired):
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	case errors.Is(err, app.ErrAnalysisNotFound):
		writeError(w, r, http.StatusNotFound, "ANALYSIS_NOT_FOUND", "analysis not found")
		return
	case err != nil:
		util.LoggerFromContext(r.Context()).Error("enqueue interpretation failed", "analysis_id", req.AnalysisID, "err", err)
		util.CaptureError(r.Context(), err)
		writeError(w, r, http.StatusInternalServerError, "QUEUE_UNAVAILABLE", "could not queue analysis")
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: job.ID, Status: job.Status, AnalysisID: job.AnalysisID})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/interpreter/jobs/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	job, ok, err := s.app.GetJob(r.Context(), id)
	if err != nil {
		util.CaptureError(r.Context(), err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "could not load job")
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, "JOB_NOT_FOUND", "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
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
