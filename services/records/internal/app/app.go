package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cabohealth/internal/util"
	"cabohealth/pkg/biomarker"
	"cabohealth/pkg/domain"
	"cabohealth/pkg/events"
	"cabohealth/pkg/roles"
	"cabohealth/pkg/storage"
	"cabohealth/pkg/store"
	"github.com/google/uuid"
)

const (
	defaultPresignExpiry  = 15 * time.Minute
	defaultMaxUploadBytes = 20 * 1024 * 1024
	notificationPageSize  = 50
)

// Config holds runtime dependencies for the records application.
type Config struct {
	Store          store.RecordStore
	Objects        storage.ObjectStore
	Interpreter    InterpreterClient
	Events         events.Publisher
	PresignExpiry  time.Duration
	MaxUploadBytes int64
}

// App implements profile, analysis and report operations with role checks.
type App struct {
	store          store.RecordStore
	objects        storage.ObjectStore
	interpreter    InterpreterClient
	events         events.Publisher
	resolver       *roles.Resolver
	presignExpiry  time.Duration
	maxUploadBytes int64
}

// Caller is an authenticated identity with its resolved role.
type Caller struct {
	User domain.User
	Role domain.Role
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("record store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Interpreter == nil {
		return nil, errors.New("interpreter client required")
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NewLogPublisher(slog.Default())
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	maxBytes := cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	return &App{
		store:          cfg.Store,
		objects:        cfg.Objects,
		interpreter:    cfg.Interpreter,
		events:         publisher,
		resolver:       roles.NewResolver(store.NewProfileDirectory(cfg.Store)),
		presignExpiry:  expiry,
		maxUploadBytes: maxBytes,
	}, nil
}

// MaxUploadBytes is the largest decoded PDF accepted by ProcessPDF.
func (a *App) MaxUploadBytes() int64 {
	return a.maxUploadBytes
}

// ResolveCaller attaches the role derived from profile membership.
func (a *App) ResolveCaller(ctx context.Context, user domain.User) (Caller, error) {
	res, err := a.resolver.Resolve(ctx, user.ID)
	if err != nil {
		return Caller{}, err
	}
	return Caller{User: user, Role: res.Role}, nil
}

func (a *App) GetDoctor(ctx context.Context, id string) (domain.Doctor, error) {
	d, ok, err := a.store.GetDoctor(ctx, id)
	if err != nil {
		return domain.Doctor{}, err
	}
	if !ok {
		return domain.Doctor{}, fmt.Errorf("doctor %s: %w", id, ErrNotFound)
	}
	return d, nil
}

// CreateDoctor inserts the caller's own doctor profile.
func (a *App) CreateDoctor(ctx context.Context, caller Caller, d domain.Doctor) (domain.Doctor, error) {
	if err := ownProfile(caller, &d.ID, &d.Email); err != nil {
		return domain.Doctor{}, err
	}
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return domain.Doctor{}, fmt.Errorf("%w: name required", ErrInvalidInput)
	}
	d.CreatedAt = time.Now().UTC()
	if err := a.store.CreateDoctor(ctx, d); err != nil {
		return domain.Doctor{}, err
	}
	return d, nil
}

// GetPatient allows the patient themself or any doctor.
func (a *App) GetPatient(ctx context.Context, caller Caller, id string) (domain.Patient, error) {
	switch caller.Role {
	case domain.RoleDoctor:
	case domain.RolePatient, domain.RoleNone:
		if caller.User.ID != id {
			return domain.Patient{}, ErrForbidden
		}
	}
	p, ok, err := a.store.GetPatient(ctx, id)
	if err != nil {
		return domain.Patient{}, err
	}
	if !ok {
		return domain.Patient{}, fmt.Errorf("patient %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// CreatePatient inserts the caller's own patient profile.
func (a *App) CreatePatient(ctx context.Context, caller Caller, p domain.Patient) (domain.Patient, error) {
	if err := ownProfile(caller, &p.ID, &p.Email); err != nil {
		return domain.Patient{}, err
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return domain.Patient{}, fmt.Errorf("%w: name required", ErrInvalidInput)
	}
	p.BirthDate = strings.TrimSpace(p.BirthDate)
	if p.BirthDate != "" {
		if _, err := time.Parse(time.DateOnly, p.BirthDate); err != nil {
			return domain.Patient{}, fmt.Errorf("%w: birth_date must be YYYY-MM-DD", ErrInvalidInput)
		}
	}
	p.CreatedAt = time.Now().UTC()
	if err := a.store.CreatePatient(ctx, p); err != nil {
		return domain.Patient{}, err
	}
	return p, nil
}

func ownProfile(caller Caller, id, email *string) error {
	*id = strings.TrimSpace(*id)
	if *id == "" {
		*id = caller.User.ID
	}
	if *id != caller.User.ID {
		return ErrForbidden
	}
	if strings.TrimSpace(*email) == "" {
		*email = caller.User.Email
	}
	return nil
}

// ParseStatusFilter maps the status query value to a filter. "all" and
// empty select every status.
func ParseStatusFilter(raw string) (domain.AnalysisStatus, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "all" {
		return "", nil
	}
	status := domain.AnalysisStatus(raw)
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
	return status, nil
}

// ListAnalyses returns analyses newest first. Patients only ever see their own.
func (a *App) ListAnalyses(ctx context.Context, caller Caller, filter domain.AnalysisFilter) ([]domain.Analysis, error) {
	switch caller.Role {
	case domain.RoleDoctor:
	case domain.RolePatient:
		filter.PatientID = caller.User.ID
	case domain.RoleNone:
		return nil, ErrForbidden
	}
	return a.store.ListAnalyses(ctx, filter)
}

// GetAnalysis loads an analysis the caller may read.
func (a *App) GetAnalysis(ctx context.Context, caller Caller, id string) (domain.Analysis, error) {
	analysis, ok, err := a.store.GetAnalysis(ctx, id)
	if err != nil {
		return domain.Analysis{}, err
	}
	if !ok {
		return domain.Analysis{}, fmt.Errorf("analysis %s: %w", id, ErrNotFound)
	}
	switch caller.Role {
	case domain.RoleDoctor:
	case domain.RolePatient:
		if analysis.PatientID != caller.User.ID {
			return domain.Analysis{}, ErrForbidden
		}
	case domain.RoleNone:
		return domain.Analysis{}, ErrForbidden
	}
	return analysis, nil
}

// GetReport returns the report of an analysis. Patients only see approved reports.
func (a *App) GetReport(ctx context.Context, caller Caller, analysisID string) (domain.Report, error) {
	if _, err := a.GetAnalysis(ctx, caller, analysisID); err != nil {
		return domain.Report{}, err
	}
	report, ok, err := a.store.GetReportByAnalysis(ctx, analysisID)
	if err != nil {
		return domain.Report{}, err
	}
	if !ok {
		return domain.Report{}, fmt.Errorf("report for %s: %w", analysisID, ErrNotFound)
	}
	switch caller.Role {
	case domain.RoleDoctor:
	case domain.RolePatient, domain.RoleNone:
		if !report.ApprovedByDoctor {
			return domain.Report{}, fmt.Errorf("report for %s: %w", analysisID, ErrNotFound)
		}
	}
	return report, nil
}

// Functional is the biomarker breakdown of an analysis.
type Functional struct {
	AnalysisID  string                               `json:"analysisId"`
	Biomarkers  []biomarker.Result                   `json:"biomarkers"`
	Summary     map[string]biomarker.CategorySummary `json:"summary"`
	OverallRisk domain.RiskLevel                     `json:"overallRisk,omitempty"`
}

// FunctionalAnalysis classifies the biomarkers found in the extracted text.
func (a *App) FunctionalAnalysis(ctx context.Context, caller Caller, analysisID string) (Functional, error) {
	switch caller.Role {
	case domain.RoleDoctor:
	case domain.RolePatient, domain.RoleNone:
		return Functional{}, ErrForbidden
	}
	analysis, err := a.GetAnalysis(ctx, caller, analysisID)
	if err != nil {
		return Functional{}, err
	}
	results := biomarker.Extract(analysis.ExtractedText)
	if results == nil {
		results = []biomarker.Result{}
	}
	return Functional{
		AnalysisID:  analysis.ID,
		Biomarkers:  results,
		Summary:     biomarker.Summarize(results),
		OverallRisk: biomarker.OverallRisk(results),
	}, nil
}

// DownloadURL presigns the uploaded PDF of an analysis.
func (a *App) DownloadURL(ctx context.Context, caller Caller, analysisID string) (string, string, error) {
	analysis, err := a.GetAnalysis(ctx, caller, analysisID)
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(analysis.PDFURL) == "" {
		return "", "", fmt.Errorf("pdf for %s: %w", analysisID, ErrNotFound)
	}
	url, err := a.objects.PresignGet(ctx, analysis.PDFURL, a.presignExpiry)
	if err != nil {
		return "", "", fmt.Errorf("presign pdf: %w", err)
	}
	return url, analysis.PDFFilename, nil
}

func (a *App) ListNotifications(ctx context.Context, caller Caller, unreadOnly bool) ([]domain.Notification, error) {
	return a.store.ListNotifications(ctx, caller.User.ID, unreadOnly, notificationPageSize)
}

func (a *App) MarkNotificationRead(ctx context.Context, caller Caller, id string) error {
	err := a.store.MarkNotificationRead(ctx, caller.User.ID, id)
	if errors.Is(err, store.ErrNotificationAbsent) {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return err
}

// ProcessPDF stores an uploaded lab report, records a pending analysis and
// hands it to the interpreter. When the hand-off fails the analysis is
// rejected and ErrInterpreterUnavailable is returned.
func (a *App) ProcessPDF(ctx context.Context, caller Caller, req domain.ProcessPDFRequest) (domain.ProcessPDFResult, error) {
	switch caller.Role {
	case domain.RolePatient:
	case domain.RoleDoctor, domain.RoleNone:
		return domain.ProcessPDFResult{}, ErrForbidden
	}
	if strings.TrimSpace(req.PatientID) != caller.User.ID {
		return domain.ProcessPDFResult{}, ErrForbidden
	}
	data, err := DecodePDFData(req.PDFData)
	if err != nil {
		return domain.ProcessPDFResult{}, err
	}
	if int64(len(data)) > a.maxUploadBytes {
		return domain.ProcessPDFResult{}, ErrPayloadTooLarge
	}

	logger := util.LoggerFromContext(ctx)
	now := time.Now().UTC()
	analysis := domain.Analysis{
		ID:          uuid.NewString(),
		PatientID:   caller.User.ID,
		PDFFilename: storage.SafeFilename(req.FileName),
		Status:      domain.AnalysisPending,
		UploadedAt:  now,
		CreatedAt:   now,
	}
	analysis.PDFURL = storage.AnalysisKey(analysis.PatientID, analysis.ID, analysis.PDFFilename)

	if err := a.objects.Put(ctx, analysis.PDFURL, bytes.NewReader(data), int64(len(data)), "application/pdf"); err != nil {
		return domain.ProcessPDFResult{}, fmt.Errorf("save pdf: %w", err)
	}
	if err := a.store.CreateAnalysis(ctx, analysis); err != nil {
		if delErr := a.objects.Delete(ctx, analysis.PDFURL); delErr != nil {
			logger.Warn("orphaned pdf object", "key", analysis.PDFURL, "err", delErr)
		}
		return domain.ProcessPDFResult{}, fmt.Errorf("save analysis: %w", err)
	}

	job, err := a.interpreter.Enqueue(ctx, InterpretJob{
		AnalysisID:    analysis.ID,
		PatientName:   strings.TrimSpace(req.PatientName),
		PatientAge:    req.PatientAge,
		PatientGender: strings.TrimSpace(req.PatientGender),
	})
	if err != nil {
		logger.Error("enqueue interpretation failed", "analysis_id", analysis.ID, "err", err)
		if setErr := a.store.SetAnalysisStatus(ctx, analysis.ID, domain.AnalysisRejected, err.Error()); setErr != nil {
			logger.Error("mark analysis rejected failed", "analysis_id", analysis.ID, "err", setErr)
		}
		return domain.ProcessPDFResult{}, fmt.Errorf("%w: %v", ErrInterpreterUnavailable, err)
	}
	logger.Info("analysis queued", "analysis_id", analysis.ID, "job_id", job.JobID, "bytes", len(data))
	return domain.ProcessPDFResult{AnalysisID: analysis.ID, JobID: job.JobID, Status: analysis.Status}, nil
}

// DecodePDFData decodes a data URL (or bare base64) and checks the PDF magic.
func DecodePDFData(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "data:") {
		header, payload, ok := strings.Cut(raw, ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return nil, fmt.Errorf("%w: pdfData must be a base64 data URL", ErrInvalidInput)
		}
		raw = payload
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: pdfData is empty", ErrInvalidInput)
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: pdfData is not valid base64", ErrInvalidInput)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, ErrNotPDF
	}
	return data, nil
}

// GenerateReport approves a drafted report with the doctor's edits.
// Approving an already approved report returns it unchanged.
func (a *App) GenerateReport(ctx context.Context, caller Caller, req domain.GenerateReportRequest) (domain.ApprovalResult, error) {
	switch caller.Role {
	case domain.RoleDoctor:
	case domain.RolePatient, domain.RoleNone:
		return domain.ApprovalResult{}, ErrForbidden
	}
	approval := domain.Approval{
		ReportID:        strings.TrimSpace(req.ReportID),
		DoctorID:        caller.User.ID,
		DoctorNotes:     strings.TrimSpace(req.DoctorNotes),
		Recommendations: strings.TrimSpace(req.Recommendations),
		RiskLevel:       domain.RiskLevel(strings.ToLower(strings.TrimSpace(string(req.RiskLevel)))),
	}
	switch {
	case approval.ReportID == "":
		return domain.ApprovalResult{}, fmt.Errorf("%w: reportId required", ErrInvalidInput)
	case approval.DoctorNotes == "":
		return domain.ApprovalResult{}, fmt.Errorf("%w: doctorNotes required", ErrInvalidInput)
	case approval.Recommendations == "":
		return domain.ApprovalResult{}, fmt.Errorf("%w: recommendations required", ErrInvalidInput)
	case !approval.RiskLevel.Valid():
		return domain.ApprovalResult{}, fmt.Errorf("%w: riskLevel must be low, medium or high", ErrInvalidInput)
	}

	result, err := a.store.ApproveAnalysis(ctx, approval)
	switch {
	case errors.Is(err, store.ErrReportNotFound), errors.Is(err, store.ErrAnalysisNotFound):
		return domain.ApprovalResult{}, fmt.Errorf("report %s: %w", approval.ReportID, ErrNotFound)
	case errors.Is(err, store.ErrInvalidApproval):
		return domain.ApprovalResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	case err != nil:
		return domain.ApprovalResult{}, err
	}
	if !result.AlreadyApproved {
		ev := events.New(events.ReportApproved, result.Analysis.ID)
		ev.PatientID = result.Analysis.PatientID
		ev.DoctorID = caller.User.ID
		ev.Attributes = map[string]string{"reportId": result.Report.ID, "riskLevel": string(result.Report.RiskLevel)}
		events.PublishBestEffort(ctx, a.events, ev)
	}
	return result, nil
}
