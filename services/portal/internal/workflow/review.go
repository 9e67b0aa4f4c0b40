// Package workflow holds the portal's page controllers: analysis review,
// PDF upload and the role dashboards.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"cabohealth/pkg/domain"
)

var (
	ErrReviewIncomplete = errors.New("doctor notes and recommendations are required")
	ErrNotEditable      = errors.New("review is not editable in its current state")
	ErrInvalidRiskLevel = errors.New("risk level must be low, medium or high")
	ErrSuperseded       = errors.New("superseded by a newer load")
)

// ReviewState is the lifecycle of one analysis review.
type ReviewState int

const (
	ReviewLoading ReviewState = iota
	ReviewNotFound
	ReviewLoaded
	ReviewReviewing
	ReviewSubmitting
	ReviewApproved
)

func (s ReviewState) String() string {
	switch s {
	case ReviewLoading:
		return "loading"
	case ReviewNotFound:
		return "not_found"
	case ReviewLoaded:
		return "loaded"
	case ReviewReviewing:
		return "reviewing"
	case ReviewSubmitting:
		return "submitting"
	case ReviewApproved:
		return "approved"
	default:
		return fmt.Sprintf("ReviewState(%d)", int(s))
	}
}

// ReviewRecords is what the review page reads and writes.
type ReviewRecords interface {
	GetAnalysis(ctx context.Context, id string) (domain.Analysis, bool, error)
	GetReport(ctx context.Context, analysisID string) (domain.Report, bool, error)
	GetPatient(ctx context.Context, id string) (domain.Patient, bool, error)
	GenerateReport(ctx context.Context, req domain.GenerateReportRequest) (domain.ApprovalResult, error)
}

// ReviewView is a snapshot for rendering.
type ReviewView struct {
	State           ReviewState
	Analysis        domain.Analysis
	Report          domain.Report
	Patient         domain.Patient
	HasPatient      bool
	Notes           string
	Recommendations string
	RiskLevel       domain.RiskLevel
	Err             error
}

// Review drives the doctor's review of one analysis.
type Review struct {
	records ReviewRecords
	logger  *slog.Logger

	mu     sync.Mutex
	view   ReviewView
	gen    uint64
	cancel context.CancelFunc
}

func NewReview(records ReviewRecords, logger *slog.Logger) *Review {
	if logger == nil {
		logger = slog.Default()
	}
	return &Review{records: records, logger: logger, view: ReviewView{State: ReviewLoading}}
}

// Load fetches the analysis, its report and its patient. A newer Load
// cancels this one and its result is dropped with ErrSuperseded.
func (r *Review) Load(ctx context.Context, analysisID string) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.gen++
	gen := r.gen
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.view = ReviewView{State: ReviewLoading}
	r.mu.Unlock()
	defer cancel()

	view, err := r.fetch(ctx, strings.TrimSpace(analysisID))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return ErrSuperseded
	}
	r.cancel = nil
	if err != nil {
		r.logger.Warn("load analysis review failed", "analysis_id", analysisID, "err", err)
		r.view = ReviewView{State: ReviewNotFound, Err: err}
		return err
	}
	r.view = view
	return nil
}

func (r *Review) fetch(ctx context.Context, analysisID string) (ReviewView, error) {
	notFound := ReviewView{State: ReviewNotFound}
	if analysisID == "" {
		return notFound, nil
	}
	analysis, ok, err := r.records.GetAnalysis(ctx, analysisID)
	if err != nil {
		return notFound, fmt.Errorf("load analysis: %w", err)
	}
	if !ok {
		return notFound, nil
	}
	report, ok, err := r.records.GetReport(ctx, analysis.ID)
	if err != nil {
		return notFound, fmt.Errorf("load report: %w", err)
	}
	if !ok {
		return notFound, nil
	}
	patient, hasPatient, err := r.records.GetPatient(ctx, analysis.PatientID)
	if err != nil {
		return notFound, fmt.Errorf("load patient: %w", err)
	}
	risk := report.RiskLevel
	if !risk.Valid() {
		risk = domain.RiskMedium
	}
	return ReviewView{
		State:           ReviewLoaded,
		Analysis:        analysis,
		Report:          report,
		Patient:         patient,
		HasPatient:      hasPatient,
		Notes:           report.DoctorNotes,
		Recommendations: report.Recommendations,
		RiskLevel:       risk,
	}, nil
}

func (r *Review) View() ReviewView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

func (r *Review) SetNotes(notes string) error {
	return r.edit(func(v *ReviewView) error {
		v.Notes = notes
		return nil
	})
}

func (r *Review) SetRecommendations(recommendations string) error {
	return r.edit(func(v *ReviewView) error {
		v.Recommendations = recommendations
		return nil
	})
}

func (r *Review) SetRiskLevel(level domain.RiskLevel) error {
	return r.edit(func(v *ReviewView) error {
		if !level.Valid() {
			return ErrInvalidRiskLevel
		}
		v.RiskLevel = level
		return nil
	})
}

func (r *Review) edit(apply func(*ReviewView) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !editable(r.view.State) {
		return ErrNotEditable
	}
	if err := apply(&r.view); err != nil {
		return err
	}
	r.view.State = ReviewReviewing
	return nil
}

// CanApprove reports whether Approve would be sent.
func (r *Review) CanApprove() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return editable(r.view.State) && complete(r.view)
}

// Approve sends the doctor's review. Nothing is changed locally on failure,
// and the result is dropped with ErrSuperseded if a Load ran meanwhile.
func (r *Review) Approve(ctx context.Context) error {
	r.mu.Lock()
	if !editable(r.view.State) {
		r.mu.Unlock()
		return ErrNotEditable
	}
	if !complete(r.view) {
		r.mu.Unlock()
		return ErrReviewIncomplete
	}
	req := domain.GenerateReportRequest{
		ReportID:        r.view.Report.ID,
		DoctorNotes:     r.view.Notes,
		Recommendations: r.view.Recommendations,
		RiskLevel:       r.view.RiskLevel,
	}
	r.view.State = ReviewSubmitting
	r.view.Err = nil
	gen := r.gen
	r.mu.Unlock()

	_, err := r.records.GenerateReport(ctx, req)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return ErrSuperseded
	}
	if err != nil {
		r.view.State = ReviewReviewing
		r.view.Err = err
		return err
	}
	r.view.State = ReviewApproved
	return nil
}

func editable(s ReviewState) bool {
	switch s {
	case ReviewLoaded, ReviewReviewing:
		return true
	case ReviewLoading, ReviewNotFound, ReviewSubmitting, ReviewApproved:
		return false
	}
	return false
}

func complete(v ReviewView) bool {
	return strings.TrimSpace(v.Notes) != "" && strings.TrimSpace(v.Recommendations) != ""
}
