package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"cabohealth/pkg/domain"
	"cabohealth/services/portal/internal/recordsclient"
)

var ErrNotFound = errors.New("not found")

const (
	enrichConcurrency = 8
	trendLength       = 5
)

// DoctorFilter selects which analyses the doctor dashboard lists.
type DoctorFilter string

const (
	FilterAll      DoctorFilter = "all"
	FilterPending  DoctorFilter = "pending"
	FilterApproved DoctorFilter = "approved"
)

// ParseDoctorFilter defaults to pending.
func ParseDoctorFilter(raw string) (DoctorFilter, error) {
	switch f := DoctorFilter(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FilterPending, nil
	case FilterAll, FilterPending, FilterApproved:
		return f, nil
	default:
		return "", fmt.Errorf("unknown filter %q", raw)
	}
}

func (f DoctorFilter) status() domain.AnalysisStatus {
	switch f {
	case FilterPending:
		return domain.AnalysisPending
	case FilterApproved:
		return domain.AnalysisApproved
	}
	return ""
}

type DashboardRecords interface {
	ListAnalyses(ctx context.Context, filter domain.AnalysisFilter) ([]domain.Analysis, error)
	GetAnalysis(ctx context.Context, id string) (domain.Analysis, bool, error)
	GetReport(ctx context.Context, analysisID string) (domain.Report, bool, error)
	GetPatient(ctx context.Context, id string) (domain.Patient, bool, error)
	Functional(ctx context.Context, analysisID string) (recordsclient.Functional, error)
}

// AnalysisRow is one analysis with what the dashboards show next to it.
type AnalysisRow struct {
	Analysis     domain.Analysis
	Report       *domain.Report
	PatientName  string
	PatientEmail string
}

type DoctorDashboard struct {
	Filter DoctorFilter
	Rows   []AnalysisRow
}

type PatientDashboard struct {
	Rows         []AnalysisRow
	PendingCount int
	// RiskTrend scores the latest approved reports, oldest first.
	RiskTrend []int
}

// PatientReport is the patient's view of one approved analysis.
type PatientReport struct {
	Analysis domain.Analysis
	Report   domain.Report
	RiskText string
}

type Dashboards struct {
	records DashboardRecords
	logger  *slog.Logger
}

func NewDashboards(records DashboardRecords, logger *slog.Logger) *Dashboards {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dashboards{records: records, logger: logger}
}

// Doctor lists analyses newest first, each enriched with its report and
// patient. Enrichment failures are logged and leave the row bare.
func (d *Dashboards) Doctor(ctx context.Context, filter DoctorFilter) (DoctorDashboard, error) {
	analyses, err := d.records.ListAnalyses(ctx, domain.AnalysisFilter{Status: filter.status()})
	if err != nil {
		return DoctorDashboard{}, fmt.Errorf("list analyses: %w", err)
	}
	rows := make([]AnalysisRow, len(analyses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)
	for i, a := range analyses {
		rows[i].Analysis = a
		g.Go(func() error {
			rows[i].Report = d.report(gctx, a.ID)
			patient, ok, err := d.records.GetPatient(gctx, a.PatientID)
			if err != nil {
				d.logger.Warn("patient lookup failed", "patient_id", a.PatientID, "err", err)
				return nil
			}
			if ok {
				rows[i].PatientName = patient.Name
				rows[i].PatientEmail = patient.Email
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return DoctorDashboard{}, err
	}
	return DoctorDashboard{Filter: filter, Rows: rows}, nil
}

// Patient lists the patient's own analyses with any visible report.
func (d *Dashboards) Patient(ctx context.Context, patientID string) (PatientDashboard, error) {
	analyses, err := d.records.ListAnalyses(ctx, domain.AnalysisFilter{PatientID: patientID})
	if err != nil {
		return PatientDashboard{}, fmt.Errorf("list analyses: %w", err)
	}
	rows := make([]AnalysisRow, len(analyses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)
	for i, a := range analyses {
		rows[i].Analysis = a
		g.Go(func() error {
			rows[i].Report = d.report(gctx, a.ID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return PatientDashboard{}, err
	}

	out := PatientDashboard{Rows: rows}
	var approved []AnalysisRow
	for _, row := range rows {
		switch row.Analysis.Status {
		case domain.AnalysisPending, domain.AnalysisProcessing:
			out.PendingCount++
		case domain.AnalysisApproved:
			approved = append(approved, row)
		case domain.AnalysisRejected:
		}
	}
	// rows are newest first; the trend reads oldest first.
	if len(approved) > trendLength {
		approved = approved[:trendLength]
	}
	out.RiskTrend = make([]int, 0, len(approved))
	for i := len(approved) - 1; i >= 0; i-- {
		var level domain.RiskLevel
		if r := approved[i].Report; r != nil {
			level = r.RiskLevel
		}
		out.RiskTrend = append(out.RiskTrend, RiskScore(level))
	}
	return out, nil
}

// PatientReport returns ErrNotFound when the analysis or its report is missing.
func (d *Dashboards) PatientReport(ctx context.Context, analysisID string) (PatientReport, error) {
	analysis, ok, err := d.records.GetAnalysis(ctx, analysisID)
	if err != nil {
		d.logger.Warn("analysis lookup failed", "analysis_id", analysisID, "err", err)
		return PatientReport{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if !ok {
		return PatientReport{}, ErrNotFound
	}
	report, ok, err := d.records.GetReport(ctx, analysis.ID)
	if err != nil {
		d.logger.Warn("report lookup failed", "analysis_id", analysisID, "err", err)
		return PatientReport{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if !ok {
		return PatientReport{}, ErrNotFound
	}
	return PatientReport{Analysis: analysis, Report: report, RiskText: RiskText(report.RiskLevel)}, nil
}

// Functional returns the classified biomarkers of an analysis (doctor only).
func (d *Dashboards) Functional(ctx context.Context, analysisID string) (recordsclient.Functional, error) {
	f, err := d.records.Functional(ctx, analysisID)
	if recordsclient.IsNotFound(err) {
		return recordsclient.Functional{}, ErrNotFound
	}
	return f, err
}

func (d *Dashboards) report(ctx context.Context, analysisID string) *domain.Report {
	report, ok, err := d.records.GetReport(ctx, analysisID)
	if err != nil {
		d.logger.Warn("report lookup failed", "analysis_id", analysisID, "err", err)
		return nil
	}
	if !ok {
		return nil
	}
	return &report
}

// RiskScore maps low, medium and high to 1, 2 and 3; anything else is 0.
func RiskScore(level domain.RiskLevel) int {
	switch level {
	case domain.RiskLow:
		return 1
	case domain.RiskMedium:
		return 2
	case domain.RiskHigh:
		return 3
	}
	return 0
}

func RiskText(level domain.RiskLevel) string {
	switch level {
	case domain.RiskLow:
		return "Riesgo Bajo"
	case domain.RiskMedium:
		return "Riesgo Moderado"
	case domain.RiskHigh:
		return "Riesgo Alto"
	}
	return "Sin Clasificar"
}
