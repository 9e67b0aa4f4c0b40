package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cabohealth/internal/util"
	"cabohealth/pkg/ai"
	"cabohealth/pkg/biomarker"
	"cabohealth/pkg/domain"
	"cabohealth/pkg/events"
	"cabohealth/pkg/queue"
	"cabohealth/pkg/storage"
	"cabohealth/pkg/store"
)

var (
	ErrAnalysisIDRequired = errors.New("analysisId required")
	ErrAnalysisNotFound   = errors.New("analysis not found")
)

const (
	defaultExcerptRunes = 6000
	defaultModelName    = "unknown"

	metaPatientName   = "patientName"
	metaPatientAge    = "patientAge"
	metaPatientGender = "patientGender"
)

// Job is the public view of a queued interpretation.
type Job struct {
	ID           string    `json:"id"`
	AnalysisID   string    `json:"analysisId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// EnqueueRequest is posted by the records service after an upload.
type EnqueueRequest struct {
	AnalysisID    string `json:"analysisId"`
	PatientName   string `json:"patientName"`
	PatientAge    int    `json:"patientAge"`
	PatientGender string `json:"patientGender"`
}

// JobQueue is the subset of the Redis stream queue the interpreter uses.
type JobQueue interface {
	Enqueue(ctx context.Context, analysisID string, meta map[string]string) (queue.JobStatus, error)
	GetJob(ctx context.Context, jobID string) (queue.JobStatus, bool, error)
	Start(ctx context.Context, concurrency int, handler queue.Handler)
}

// Config holds runtime dependencies.
type Config struct {
	Store        store.RecordStore
	Objects      storage.ObjectStore
	Generator    ai.TextGenerator
	Queue        JobQueue
	Events       events.Publisher
	Extractor    TextExtractor
	ExcerptRunes int
}

// App turns uploaded lab PDFs into draft reports.
type App struct {
	store        store.RecordStore
	objects      storage.ObjectStore
	generator    ai.TextGenerator
	queue        JobQueue
	events       events.Publisher
	extractor    TextExtractor
	excerptRunes int
}

func New(cfg Config) (*App, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("record store required")
	case cfg.Objects == nil:
		return nil, errors.New("object store required")
	case cfg.Generator == nil:
		return nil, errors.New("text generator required")
	case cfg.Queue == nil:
		return nil, errors.New("job queue required")
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = PDFExtractor{}
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NewLogPublisher(nil)
	}
	excerptRunes := cfg.ExcerptRunes
	if excerptRunes <= 0 {
		excerptRunes = defaultExcerptRunes
	}
	return &App{
		store:        cfg.Store,
		objects:      cfg.Objects,
		generator:    cfg.Generator,
		queue:        cfg.Queue,
		events:       publisher,
		extractor:    extractor,
		excerptRunes: excerptRunes,
	}, nil
}

// Enqueue queues interpretation of an existing analysis.
func (a *App) Enqueue(ctx context.Context, req EnqueueRequest) (Job, error) {
	analysisID := strings.TrimSpace(req.AnalysisID)
	if analysisID == "" {
		return Job{}, ErrAnalysisIDRequired
	}
	if _, ok, err := a.store.GetAnalysis(ctx, analysisID); err != nil {
		return Job{}, err
	} else if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrAnalysisNotFound, analysisID)
	}
	meta := map[string]string{}
	if v := strings.TrimSpace(req.PatientName); v != "" {
		meta[metaPatientName] = v
	}
	if req.PatientAge > 0 {
		meta[metaPatientAge] = strconv.Itoa(req.PatientAge)
	}
	if v := strings.TrimSpace(req.PatientGender); v != "" {
		meta[metaPatientGender] = v
	}
	status, err := a.queue.Enqueue(ctx, analysisID, meta)
	if err != nil {
		return Job{}, err
	}
	return jobFromStatus(status), nil
}

// GetJob returns a job by ID.
func (a *App) GetJob(ctx context.Context, id string) (Job, bool, error) {
	status, ok, err := a.queue.GetJob(ctx, id)
	if err != nil || !ok {
		return Job{}, ok, err
	}
	return jobFromStatus(status), true, nil
}

// Run starts concurrency queue consumers. They stop when ctx is done.
func (a *App) Run(ctx context.Context, concurrency int) {
	a.queue.Start(ctx, concurrency, a.Process)
}

// Process runs the interpretation pipeline for one job. On the last
// attempt a failure rejects the analysis and tells the patient.
func (a *App) Process(ctx context.Context, job queue.JobStatus) error {
	logger := util.LoggerFromContext(ctx).With("job_id", job.ID, "analysis_id", job.AnalysisID, "attempt", job.Attempts)
	ctx = util.ContextWithLogger(ctx, logger)
	err := a.interpret(ctx, job)
	if err == nil {
		return nil
	}
	final := job.FinalAttempt() || permanent(err)
	logger.Warn("interpretation attempt failed", "err", err, "final", final)
	if !final {
		return err
	}
	a.reject(ctx, job.AnalysisID, err)
	return queue.Permanent(err)
}

// permanent reports failures another attempt cannot fix.
func permanent(err error) bool {
	if errors.Is(err, ErrAnalysisNotFound) {
		return true
	}
	var apiErr *ai.APIError
	return errors.As(err, &apiErr) && !apiErr.Temporary()
}

func (a *App) interpret(ctx context.Context, job queue.JobStatus) error {
	analysis, ok, err := a.store.GetAnalysis(ctx, job.AnalysisID)
	if err != nil {
		return fmt.Errorf("load analysis: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAnalysisNotFound, job.AnalysisID)
	}
	if analysis.Status == domain.AnalysisApproved {
		// Redelivered after a doctor signed off; the approved pair is final.
		util.LoggerFromContext(ctx).Info("analysis already approved, job skipped")
		return nil
	}
	err = a.store.SetAnalysisStatus(ctx, analysis.ID, domain.AnalysisProcessing, "")
	if errors.Is(err, store.ErrAnalysisApproved) {
		util.LoggerFromContext(ctx).Info("analysis approved before processing started, job skipped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	text, err := a.extractText(ctx, analysis)
	if err != nil {
		return err
	}
	if err := a.store.SetExtractedText(ctx, analysis.ID, text); err != nil {
		return fmt.Errorf("save extracted text: %w", err)
	}

	results := biomarker.Extract(text)
	patient := a.patientContext(ctx, analysis.PatientID, job.Meta)
	draft, err := a.generator.GenerateText(ctx, systemPrompt, buildUserPrompt(patient, results, text, a.excerptRunes))
	if err != nil {
		return fmt.Errorf("generate draft: %w", err)
	}
	draft = strings.TrimSpace(draft)
	if draft == "" {
		return errors.New("generate draft: empty response")
	}

	report, err := a.store.SaveDraftReport(ctx, domain.Report{
		AnalysisID: analysis.ID,
		AIAnalysis: draft,
		ModelUsed:  ai.ModelName(a.generator, defaultModelName),
		RiskLevel:  biomarker.OverallRisk(results),
	})
	if errors.Is(err, store.ErrReportApproved) {
		// A doctor approved while this attempt ran; nothing left to draft.
		util.LoggerFromContext(ctx).Info("report already approved, draft discarded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("save draft report: %w", err)
	}

	if analysis.DoctorID != "" {
		a.notify(ctx, domain.Notification{
			UserID:            analysis.DoctorID,
			UserType:          domain.RoleDoctor.String(),
			Message:           "Hay un nuevo análisis listo para tu revisión.",
			Type:              domain.NotificationAnalysisDrafted,
			RelatedAnalysisID: analysis.ID,
		})
	}
	ev := events.New(events.AnalysisDrafted, analysis.ID)
	ev.PatientID = analysis.PatientID
	ev.DoctorID = analysis.DoctorID
	ev.Attributes = map[string]string{
		"reportId":   report.ID,
		"modelUsed":  report.ModelUsed,
		"biomarkers": strconv.Itoa(len(results)),
	}
	events.PublishBestEffort(ctx, a.events, ev)
	util.LoggerFromContext(ctx).Info("draft report saved", "report_id", report.ID, "biomarkers", len(results), "model", report.ModelUsed)
	return nil
}

func (a *App) extractText(ctx context.Context, analysis domain.Analysis) (string, error) {
	if strings.TrimSpace(analysis.PDFURL) == "" {
		return "", errors.New("analysis has no pdf")
	}
	obj, err := a.objects.Get(ctx, analysis.PDFURL)
	if err != nil {
		return "", fmt.Errorf("fetch pdf: %w", err)
	}
	defer obj.Close()
	tmp, err := os.CreateTemp("", "cabohealth-*"+filepath.Ext(analysis.PDFURL))
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, obj); err != nil {
		tmp.Close()
		return "", fmt.Errorf("download pdf: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	text, err := a.extractor.ExtractText(ctx, tmp.Name())
	if err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}
	return text, nil
}

// patientContext prefers what the uploader sent and fills gaps from the profile.
func (a *App) patientContext(ctx context.Context, patientID string, meta map[string]string) PatientContext {
	pc := PatientContext{
		Name:   meta[metaPatientName],
		Gender: meta[metaPatientGender],
	}
	pc.Age, _ = strconv.Atoi(meta[metaPatientAge])
	if pc.Name != "" && pc.Age > 0 && pc.Gender != "" {
		return pc
	}
	profile, ok, err := a.store.GetPatient(ctx, patientID)
	if err != nil || !ok {
		return pc
	}
	if pc.Name == "" {
		pc.Name = profile.Name
	}
	if pc.Gender == "" {
		pc.Gender = profile.Gender
	}
	if pc.Age <= 0 {
		pc.Age = ageFromBirthDate(profile.BirthDate, time.Now())
	}
	return pc
}

func (a *App) reject(ctx context.Context, analysisID string, cause error) {
	logger := util.LoggerFromContext(ctx)
	err := a.store.SetAnalysisStatus(ctx, analysisID, domain.AnalysisRejected, cause.Error())
	if errors.Is(err, store.ErrAnalysisApproved) {
		logger.Info("analysis approved meanwhile, failure not reported", "err", cause)
		return
	}
	if err != nil {
		logger.Error("mark analysis rejected failed", "err", err)
	}
	analysis, ok, getErr := a.store.GetAnalysis(ctx, analysisID)
	if getErr != nil || !ok {
		return
	}
	a.notify(ctx, domain.Notification{
		UserID:            analysis.PatientID,
		UserType:          domain.RolePatient.String(),
		Message:           "No pudimos procesar tu análisis. Por favor sube el PDF de nuevo o contacta a tu médico.",
		Type:              domain.NotificationAnalysisFailed,
		RelatedAnalysisID: analysisID,
	})
	ev := events.New(events.AnalysisFailed, analysisID)
	ev.PatientID = analysis.PatientID
	ev.Attributes = map[string]string{"error": cause.Error()}
	events.PublishBestEffort(ctx, a.events, ev)
	util.CaptureError(ctx, cause)
}

func (a *App) notify(ctx context.Context, n domain.Notification) {
	if err := a.store.CreateNotification(ctx, n); err != nil {
		util.LoggerFromContext(ctx).Warn("create notification failed", "user_id", n.UserID, "type", n.Type, "err", err)
	}
}

// ageFromBirthDate returns whole years, or 0 when the date is unusable.
func ageFromBirthDate(raw string, now time.Time) int {
	birth, err := time.Parse(time.DateOnly, strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}

func jobFromStatus(status queue.JobStatus) Job {
	return Job{
		ID:           status.ID,
		AnalysisID:   status.AnalysisID,
		Status:       status.Status,
		ErrorMessage: status.ErrorMessage,
		Attempts:     status.Attempts,
		CreatedAt:    status.CreatedAt,
		UpdatedAt:    status.UpdatedAt,
	}
}
